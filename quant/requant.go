package quant

import (
	"fmt"
	"math"
	"runtime"

	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"
)

const (
	// BlockSize is the number of weights per output block.
	BlockSize = 32

	// Encoded block sizes: fp16 scale (+ fp16 bias for Q4_1) + 16 nibble
	// bytes.
	q4_0BlockBytes = 2 + BlockSize/2
	q4_1BlockBytes = 4 + BlockSize/2
)

// RequantizeQ4_0 re-encodes group-quantized integer weights into symmetric
// 4-bit blocks. weight is [out_features, in_features] (already transposed
// to the output layout) and scales is [out_features, num_groups]. Each
// block keeps the original group-quantized codes recentred by 8 and
// inherits a single group scale, the one covering its first element. When
// the original group size differs from the 32-element block size a block
// can span several groups and precision degrades; the engine format has no
// way to express that, so it is not validated here.
func RequantizeQ4_0(weight IntMatrix, scales Matrix, groupSize int) ([]byte, error) {
	blocks, err := blocksPerRow(weight, scales, groupSize)
	if err != nil {
		return nil, err
	}

	out := make([]byte, weight.Rows*blocks*q4_0BlockBytes)
	parallelRows(weight.Rows, func(start, end int) {
		var codes [BlockSize]uint8
		for r := start; r < end; r++ {
			wrow := weight.Data[r*weight.Cols : (r+1)*weight.Cols]
			for b := 0; b < blocks; b++ {
				d := scales.Data[r*scales.Cols+b*BlockSize/groupSize]

				blk := out[(r*blocks+b)*q4_0BlockBytes:]
				putFloat16(blk, d)

				for i, w := range wrow[b*BlockSize : (b+1)*BlockSize] {
					codes[i] = clampCode(w - 8)
				}
				packNibbles(codes[:], blk[2:])
			}
		}
	})

	return out, nil
}

// RequantizeQ4_1 re-encodes group-quantized integer weights into affine
// 4-bit blocks. The block bias is precombined as -scale*zero so decode is
// code*scale + bias with no subtraction; codes carry no recentring. Scale
// inheritance follows the same single-group rule as RequantizeQ4_0.
func RequantizeQ4_1(weight IntMatrix, scales, zeros Matrix, groupSize int) ([]byte, error) {
	if zeros.Rows != scales.Rows || zeros.Cols != scales.Cols {
		return nil, fmt.Errorf("%w: zeros %dx%d, scales %dx%d", ErrShapeMismatch, zeros.Rows, zeros.Cols, scales.Rows, scales.Cols)
	}

	blocks, err := blocksPerRow(weight, scales, groupSize)
	if err != nil {
		return nil, err
	}

	out := make([]byte, weight.Rows*blocks*q4_1BlockBytes)
	parallelRows(weight.Rows, func(start, end int) {
		var codes [BlockSize]uint8
		for r := start; r < end; r++ {
			wrow := weight.Data[r*weight.Cols : (r+1)*weight.Cols]
			for b := 0; b < blocks; b++ {
				g := b * BlockSize / groupSize
				d := scales.Data[r*scales.Cols+g]
				bias := -d * zeros.Data[r*zeros.Cols+g]

				blk := out[(r*blocks+b)*q4_1BlockBytes:]
				putFloat16(blk, d)
				putFloat16(blk[2:], bias)

				for i, w := range wrow[b*BlockSize : (b+1)*BlockSize] {
					codes[i] = clampCode(w)
				}
				packNibbles(codes[:], blk[4:])
			}
		}
	})

	return out, nil
}

// QuantizeQ4_0 quantizes real-valued weights into symmetric 4-bit blocks,
// deriving each block's scale from its absolute maximum. The value with the
// largest magnitude keeps its sign: scale = max/-8.
func QuantizeQ4_0(m Matrix) ([]byte, error) {
	if len(m.Data)%BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d values do not fill %d-element blocks", ErrShapeMismatch, len(m.Data), BlockSize)
	}

	blocks := len(m.Data) / BlockSize
	out := make([]byte, blocks*q4_0BlockBytes)
	parallelRows(blocks, func(start, end int) {
		var codes [BlockSize]uint8
		for b := start; b < end; b++ {
			vals := m.Data[b*BlockSize : (b+1)*BlockSize]

			var max float32
			for _, v := range vals {
				if abs32(v) > abs32(max) {
					max = v
				}
			}
			d := max / -8

			blk := out[b*q4_0BlockBytes:]
			putFloat16(blk, d)

			for i, v := range vals {
				if d == 0 {
					codes[i] = 8
					continue
				}
				codes[i] = clampCode(roundHalfAway(v/d) + 8)
			}
			packNibbles(codes[:], blk[2:])
		}
	})

	return out, nil
}

// QuantizeQ4_1 quantizes real-valued weights into affine 4-bit blocks,
// deriving each block's scale and bias from its min/max range.
func QuantizeQ4_1(m Matrix) ([]byte, error) {
	if len(m.Data)%BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d values do not fill %d-element blocks", ErrShapeMismatch, len(m.Data), BlockSize)
	}

	blocks := len(m.Data) / BlockSize
	out := make([]byte, blocks*q4_1BlockBytes)
	parallelRows(blocks, func(start, end int) {
		var codes [BlockSize]uint8
		for b := start; b < end; b++ {
			vals := m.Data[b*BlockSize : (b+1)*BlockSize]

			min, max := vals[0], vals[0]
			for _, v := range vals[1:] {
				if v < min {
					min = v
				}
				if v > max {
					max = v
				}
			}
			d := (max - min) / 15

			blk := out[b*q4_1BlockBytes:]
			putFloat16(blk, d)
			putFloat16(blk[2:], min)

			for i, v := range vals {
				if d == 0 {
					codes[i] = 0
					continue
				}
				codes[i] = clampCode(roundHalfAway((v - min) / d))
			}
			packNibbles(codes[:], blk[4:])
		}
	})

	return out, nil
}

func blocksPerRow(weight IntMatrix, scales Matrix, groupSize int) (int, error) {
	if weight.Cols%BlockSize != 0 {
		return 0, fmt.Errorf("%w: %d columns do not fill %d-element blocks", ErrShapeMismatch, weight.Cols, BlockSize)
	}
	if groupSize <= 0 {
		return 0, fmt.Errorf("%w: group_size %d", ErrGroupSizeIndivisible, groupSize)
	}
	if weight.Rows != scales.Rows || (weight.Cols-BlockSize)/groupSize >= scales.Cols {
		return 0, fmt.Errorf("%w: weight %dx%d against %dx%d group scales", ErrShapeMismatch, weight.Rows, weight.Cols, scales.Rows, scales.Cols)
	}

	return weight.Cols / BlockSize, nil
}

// packNibbles stores 32 codes into 16 bytes: element i occupies the low
// nibble and element i+16 the high nibble of byte i.
func packNibbles(codes []uint8, dst []byte) {
	for i := 0; i < BlockSize/2; i++ {
		dst[i] = codes[i]&0xF | codes[i+BlockSize/2]<<4
	}
}

func putFloat16(dst []byte, f float32) {
	bits := float16.Fromfloat32(f).Bits()
	dst[0] = byte(bits)
	dst[1] = byte(bits >> 8)
}

// roundHalfAway rounds to the nearest integer with halves away from zero.
func roundHalfAway(v float32) int32 {
	return int32(math.Round(float64(v)))
}

// clampCode saturates a code into the 4-bit range instead of failing.
func clampCode(v int32) uint8 {
	if v < 0 {
		return 0
	}
	if v > 15 {
		return 15
	}

	return uint8(v)
}

func abs32(v float32) float32 {
	return float32(math.Abs(float64(v)))
}

// parallelRows fans row chunks out over the available CPUs. Chunks write to
// disjoint regions, so no synchronization beyond the join is needed.
func parallelRows(rows int, fn func(start, end int)) {
	workers := runtime.GOMAXPROCS(0)
	if rows < workers*4 {
		fn(0, rows)
		return
	}

	var g errgroup.Group
	chunk := (rows + workers - 1) / workers
	for start := 0; start < rows; start += chunk {
		end := min(start+chunk, rows)
		g.Go(func() error {
			fn(start, end)
			return nil
		})
	}

	_ = g.Wait()
}
