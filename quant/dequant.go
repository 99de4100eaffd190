package quant

import (
	"fmt"
)

// Dequantize recovers real-valued weights from unpacked integer codes:
//
//	value[r,c] = scale[group(r),c] * (weight[r,c] - zero[group(r),c])
//
// When gIdx is non-nil it supplies the group of each input-feature row
// explicitly (activation-ordered checkpoints); indices may appear in any
// order. Otherwise rows are grouped contiguously and groupSize must divide
// the feature count. No clamping is applied here, that belongs to
// requantization.
func Dequantize(weight IntMatrix, scales Matrix, zeros IntMatrix, groupSize int, gIdx []int32) (Matrix, error) {
	if weight.Cols != scales.Cols || zeros.Rows != scales.Rows || zeros.Cols != scales.Cols {
		return Matrix{}, fmt.Errorf("%w: weight %dx%d, zeros %dx%d, scales %dx%d",
			ErrShapeMismatch, weight.Rows, weight.Cols, zeros.Rows, zeros.Cols, scales.Rows, scales.Cols)
	}

	group := func(r int) int { return r / groupSize }
	if gIdx != nil {
		if len(gIdx) != weight.Rows {
			return Matrix{}, fmt.Errorf("%w: g_idx has %d entries for %d rows", ErrShapeMismatch, len(gIdx), weight.Rows)
		}
		group = func(r int) int { return int(gIdx[r]) }
	} else if groupSize <= 0 || weight.Rows%groupSize != 0 {
		return Matrix{}, fmt.Errorf("%w: group_size %d, in_features %d", ErrGroupSizeIndivisible, groupSize, weight.Rows)
	}

	out := NewMatrix(weight.Rows, weight.Cols)
	for r := 0; r < weight.Rows; r++ {
		g := group(r)
		if g < 0 || g >= scales.Rows {
			return Matrix{}, fmt.Errorf("%w: group %d of row %d outside %d groups", ErrShapeMismatch, g, r, scales.Rows)
		}

		srow := scales.Data[g*scales.Cols : (g+1)*scales.Cols]
		zrow := zeros.Data[g*zeros.Cols : (g+1)*zeros.Cols]
		wrow := weight.Data[r*weight.Cols : (r+1)*weight.Cols]
		orow := out.Data[r*out.Cols : (r+1)*out.Cols]
		for c := range wrow {
			orow[c] = srow[c] * float32(wrow[c]-zrow[c])
		}
	}

	return out, nil
}
