package quant

import (
	"fmt"
)

// awqOrder is the physical nibble order of AWQ packed words: logical column
// i of a word lives at nibble awqOrder[i].
var awqOrder = [8]int{0, 4, 1, 5, 2, 6, 3, 7}

type variant struct {
	method Method
	bits   int
}

type unpackFunc func(cfg Config, qweight, qzeros PackedMatrix, scales Matrix) (IntMatrix, IntMatrix, error)

var unpackers = map[variant]unpackFunc{
	{GPTQ, 3}:      unpackGPTQ3,
	{GPTQ, 4}:      unpackGPTQ,
	{GPTQ, 8}:      unpackGPTQ,
	{AutoRound, 3}: unpackGPTQ3,
	{AutoRound, 4}: unpackGPTQ,
	{AutoRound, 8}: unpackGPTQ,
	{AWQ, 4}:       unpackAWQ,
}

// Unpack decodes packed weight and zero-point matrices into dense integer
// codes. The returned weight has the logical [in_features, out_features]
// shape of the original tensor; the returned zeros share the shape of
// scales. GPTQ and AutoRound zero-point codes are incremented by one, their
// stored form is offset by -1 from the semantic zero.
func Unpack(cfg Config, qweight, qzeros PackedMatrix, scales Matrix) (weight, zeros IntMatrix, err error) {
	fn, ok := unpackers[variant{cfg.Method, cfg.Bits}]
	if !ok {
		return IntMatrix{}, IntMatrix{}, fmt.Errorf("%w: %d bits for %s", ErrUnsupportedBitWidth, cfg.Bits, cfg.Method)
	}

	return fn(cfg, qweight, qzeros, scales)
}

// unpackGPTQ handles the exact pack factors (4 and 8 bits): each 32-bit
// word holds 32/bits codes at shifts 0, bits, 2*bits, ...
func unpackGPTQ(cfg Config, qweight, qzeros PackedMatrix, scales Matrix) (IntMatrix, IntMatrix, error) {
	factor := cfg.packFactor()
	mask := uint32(1)<<cfg.Bits - 1

	// weights pack along rows: qweight is [in_features/factor, out_features]
	weight := NewIntMatrix(qweight.Rows*factor, qweight.Cols)
	for r := 0; r < qweight.Rows; r++ {
		words := qweight.Data[r*qweight.Cols : (r+1)*qweight.Cols]
		for c, word := range words {
			for i := 0; i < factor; i++ {
				weight.Data[(r*factor+i)*weight.Cols+c] = int32(word >> (i * cfg.Bits) & mask)
			}
		}
	}

	// zeros pack along columns: qzeros is [num_groups, out_features/factor]
	zeros := NewIntMatrix(qzeros.Rows, qzeros.Cols*factor)
	for r := 0; r < qzeros.Rows; r++ {
		words := qzeros.Data[r*qzeros.Cols : (r+1)*qzeros.Cols]
		for c, word := range words {
			for i := 0; i < factor; i++ {
				zeros.Data[r*zeros.Cols+c*factor+i] = int32(word>>(i*cfg.Bits)&mask) + 1
			}
		}
	}

	if weight.Cols != scales.Cols || zeros.Rows*zeros.Cols != scales.Rows*scales.Cols {
		return IntMatrix{}, IntMatrix{}, fmt.Errorf("%w: weight %dx%d, zeros %dx%d, scales %dx%d",
			ErrShapeMismatch, weight.Rows, weight.Cols, zeros.Rows, zeros.Cols, scales.Rows, scales.Cols)
	}
	zeros.Rows, zeros.Cols = scales.Rows, scales.Cols

	return weight, zeros, nil
}

// unpackGPTQ3 handles 3-bit packing. A word stores 10 codes at shifts
// 0,3,...,27; the top 2 bits are padding and no code straddles them.
// Because the 10-per-word factor does not line up with the group layout,
// the expanded rows overshoot the logical feature count and are truncated
// to group_size * num_groups.
func unpackGPTQ3(cfg Config, qweight, qzeros PackedMatrix, scales Matrix) (IntMatrix, IntMatrix, error) {
	const factor = 10
	mask := uint32(1)<<cfg.Bits - 1

	inFeatures := cfg.GroupSize * scales.Rows
	if qweight.Rows*factor < inFeatures || qweight.Cols != scales.Cols {
		return IntMatrix{}, IntMatrix{}, fmt.Errorf("%w: 3-bit weight %dx%d cannot cover %dx%d",
			ErrShapeMismatch, qweight.Rows, qweight.Cols, inFeatures, scales.Cols)
	}

	weight := NewIntMatrix(inFeatures, qweight.Cols)
	for r := 0; r < qweight.Rows; r++ {
		words := qweight.Data[r*qweight.Cols : (r+1)*qweight.Cols]
		for c, word := range words {
			for i := 0; i < factor; i++ {
				row := r*factor + i
				if row >= inFeatures {
					break
				}
				weight.Data[row*weight.Cols+c] = int32(word >> (i * cfg.Bits) & mask)
			}
		}
	}

	if qzeros.Rows != scales.Rows || qzeros.Cols*factor < scales.Cols {
		return IntMatrix{}, IntMatrix{}, fmt.Errorf("%w: 3-bit zeros %dx%d cannot cover %dx%d",
			ErrShapeMismatch, qzeros.Rows, qzeros.Cols, scales.Rows, scales.Cols)
	}

	zeros := NewIntMatrix(scales.Rows, scales.Cols)
	for r := 0; r < qzeros.Rows; r++ {
		words := qzeros.Data[r*qzeros.Cols : (r+1)*qzeros.Cols]
		for c, word := range words {
			for i := 0; i < factor; i++ {
				col := c*factor + i
				if col >= zeros.Cols {
					break
				}
				zeros.Data[r*zeros.Cols+col] = int32(word>>(i*cfg.Bits)&mask) + 1
			}
		}
	}

	return weight, zeros, nil
}

// unpackAWQ decodes AWQ words, whose physical nibble order differs from
// logical column order. Both weights and zeros pack along columns and the
// zero-point carries no offset.
func unpackAWQ(cfg Config, qweight, qzeros PackedMatrix, scales Matrix) (IntMatrix, IntMatrix, error) {
	factor := cfg.packFactor()
	mask := uint32(1)<<cfg.Bits - 1

	if qweight.Cols*factor != scales.Cols || qzeros.Cols*factor != scales.Cols || qzeros.Rows != scales.Rows {
		return IntMatrix{}, IntMatrix{}, fmt.Errorf("%w: awq weight %dx%d, zeros %dx%d, scales %dx%d",
			ErrShapeMismatch, qweight.Rows, qweight.Cols, qzeros.Rows, qzeros.Cols, scales.Rows, scales.Cols)
	}

	weight := NewIntMatrix(qweight.Rows, qweight.Cols*factor)
	for r := 0; r < qweight.Rows; r++ {
		words := qweight.Data[r*qweight.Cols : (r+1)*qweight.Cols]
		out := weight.Data[r*weight.Cols : (r+1)*weight.Cols]
		for c, word := range words {
			for i, slot := range awqOrder {
				out[c*factor+i] = int32(word >> (4 * slot) & mask)
			}
		}
	}

	zeros := NewIntMatrix(qzeros.Rows, qzeros.Cols*factor)
	for r := 0; r < qzeros.Rows; r++ {
		words := qzeros.Data[r*qzeros.Cols : (r+1)*qzeros.Cols]
		out := zeros.Data[r*zeros.Cols : (r+1)*zeros.Cols]
		for c, word := range words {
			for i, slot := range awqOrder {
				out[c*factor+i] = int32(word >> (4 * slot) & mask)
			}
		}
	}

	return weight, zeros, nil
}
