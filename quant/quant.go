// Package quant implements the weight requantization engine: unpacking of
// sub-byte packed integer matrices produced by GPTQ, AutoRound, and AWQ
// checkpoints, per-group affine dequantization, and re-encoding into
// fixed 32-element block formats.
package quant

import (
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

var (
	ErrUnsupportedQuantMethod = errors.New("unsupported quant method")
	ErrUnsupportedBitWidth    = errors.New("unsupported bit width")
	ErrShapeMismatch          = errors.New("unpacked shape mismatch")
	ErrGroupSizeIndivisible   = errors.New("group size does not divide input features")
)

// Method identifies the quantization scheme that produced a checkpoint.
type Method uint8

const (
	GPTQ Method = iota
	AutoRound
	AWQ
)

func (m Method) String() string {
	switch m {
	case GPTQ:
		return "gptq"
	case AutoRound:
		return "autoround"
	case AWQ:
		return "awq"
	}

	return fmt.Sprintf("method(%d)", uint8(m))
}

// Config is the quantization_config block of a HuggingFace config.json.
type Config struct {
	Method    Method `mapstructure:"-"`
	Bits      int    `mapstructure:"bits"`
	GroupSize int    `mapstructure:"group_size"`
	DescAct   bool   `mapstructure:"desc_act"`
	Sym       bool   `mapstructure:"sym"`

	QuantMethod string `mapstructure:"quant_method"`
	ZeroPoint   *bool  `mapstructure:"zero_point"`
}

// ParseConfig decodes a raw quantization_config map. The map is loosely
// typed JSON so numeric fields may arrive as float64; mapstructure's weak
// decoding normalizes them.
func ParseConfig(raw map[string]any) (Config, error) {
	var c Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &c,
	})
	if err != nil {
		return Config{}, err
	}

	if err := dec.Decode(raw); err != nil {
		return Config{}, fmt.Errorf("malformed quantization_config: %w", err)
	}

	switch c.QuantMethod {
	case "gptq":
		c.Method = GPTQ
	case "autoround":
		c.Method = AutoRound
	case "awq":
		c.Method = AWQ
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrUnsupportedQuantMethod, c.QuantMethod)
	}

	// AWQ configs carry zero_point instead of sym
	if c.ZeroPoint != nil {
		c.Sym = !*c.ZeroPoint
	}

	if _, ok := unpackers[variant{c.Method, c.Bits}]; !ok {
		return Config{}, fmt.Errorf("%w: %d bits for %s", ErrUnsupportedBitWidth, c.Bits, c.Method)
	}

	return c, nil
}

// packFactor is the number of codes stored per 32-bit word. For 3-bit
// packing only 10 of the theoretical 10.67 slots are used; the top 2 bits
// of each word are padding.
func (c Config) packFactor() int {
	return 32 / c.Bits
}

// PackedMatrix is a dense row-major matrix of 32-bit words holding packed
// sub-byte codes.
type PackedMatrix struct {
	Rows, Cols int
	Data       []uint32
}

// IntMatrix is a dense row-major matrix of unpacked integer codes.
type IntMatrix struct {
	Rows, Cols int
	Data       []int32
}

// Matrix is a dense row-major float32 matrix.
type Matrix struct {
	Rows, Cols int
	Data       []float32
}

// NewIntMatrix allocates a zeroed rows x cols code matrix.
func NewIntMatrix(rows, cols int) IntMatrix {
	return IntMatrix{Rows: rows, Cols: cols, Data: make([]int32, rows*cols)}
}

// NewMatrix allocates a zeroed rows x cols float matrix.
func NewMatrix(rows, cols int) Matrix {
	return Matrix{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// Transpose returns a new matrix with rows and columns swapped.
func (m IntMatrix) Transpose() IntMatrix {
	t := NewIntMatrix(m.Cols, m.Rows)
	for r := 0; r < m.Rows; r++ {
		row := m.Data[r*m.Cols : (r+1)*m.Cols]
		for c, v := range row {
			t.Data[c*t.Cols+r] = v
		}
	}

	return t
}

// Transpose returns a new matrix with rows and columns swapped.
func (m Matrix) Transpose() Matrix {
	t := NewMatrix(m.Cols, m.Rows)
	for r := 0; r < m.Rows; r++ {
		row := m.Data[r*m.Cols : (r+1)*m.Cols]
		for c, v := range row {
			t.Data[c*t.Cols+r] = v
		}
	}

	return t
}

// Float converts integer codes to float32 values.
func (m IntMatrix) Float() Matrix {
	f := Matrix{Rows: m.Rows, Cols: m.Cols, Data: make([]float32, len(m.Data))}
	for i, v := range m.Data {
		f.Data[i] = float32(v)
	}

	return f
}

// PermuteRows returns the matrix with rows reordered so that row i of the
// result is row perm[i] of the input.
func (m IntMatrix) PermuteRows(perm []int) (IntMatrix, error) {
	if len(perm) != m.Rows {
		return IntMatrix{}, fmt.Errorf("%w: permutation of %d rows applied to %d rows", ErrShapeMismatch, len(perm), m.Rows)
	}

	t := NewIntMatrix(m.Rows, m.Cols)
	for i, src := range perm {
		copy(t.Data[i*t.Cols:(i+1)*t.Cols], m.Data[src*m.Cols:(src+1)*m.Cols])
	}

	return t, nil
}

// PermuteRows returns the matrix with rows reordered so that row i of the
// result is row perm[i] of the input.
func (m Matrix) PermuteRows(perm []int) (Matrix, error) {
	if len(perm) != m.Rows {
		return Matrix{}, fmt.Errorf("%w: permutation of %d rows applied to %d rows", ErrShapeMismatch, len(perm), m.Rows)
	}

	t := NewMatrix(m.Rows, m.Cols)
	for i, src := range perm {
		copy(t.Data[i*t.Cols:(i+1)*t.Cols], m.Data[src*m.Cols:(src+1)*m.Cols])
	}

	return t, nil
}
