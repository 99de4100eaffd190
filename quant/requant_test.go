package quant

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/x448/float16"
)

func getFloat16(b []byte) float32 {
	return float16.Frombits(binary.LittleEndian.Uint16(b)).Float32()
}

// decodeQ4_0 expands one symmetric block back to floats.
func decodeQ4_0(blk []byte) []float32 {
	d := getFloat16(blk)
	out := make([]float32, BlockSize)
	for i := range BlockSize / 2 {
		out[i] = float32(int32(blk[2+i]&0xF)-8) * d
		out[i+16] = float32(int32(blk[2+i]>>4)-8) * d
	}

	return out
}

// decodeQ4_1 expands one affine block back to floats.
func decodeQ4_1(blk []byte) []float32 {
	d := getFloat16(blk)
	bias := getFloat16(blk[2:])
	out := make([]float32, BlockSize)
	for i := range BlockSize / 2 {
		out[i] = float32(blk[4+i]&0xF)*d + bias
		out[i+16] = float32(blk[4+i]>>4)*d + bias
	}

	return out
}

func TestRequantizeQ4_0(t *testing.T) {
	weight := NewIntMatrix(1, BlockSize)
	for i := range BlockSize {
		weight.Data[i] = int32(i % 16)
	}

	scales := Matrix{Rows: 1, Cols: 1, Data: []float32{0.5}}

	out, err := RequantizeQ4_0(weight, scales, BlockSize)
	if err != nil {
		t.Fatal(err)
	}

	if len(out) != q4_0BlockBytes {
		t.Fatalf("len = %d, want %d", len(out), q4_0BlockBytes)
	}

	if d := getFloat16(out); d != 0.5 {
		t.Errorf("scale = %v, want 0.5", d)
	}

	// element i in the low nibble, element i+16 in the high nibble,
	// recentred by 8 with saturation
	for i := range BlockSize / 2 {
		lo := clampCode(weight.Data[i] - 8)
		hi := clampCode(weight.Data[i+16] - 8)
		if want := lo | hi<<4; out[2+i] != want {
			t.Errorf("byte %d = %#x, want %#x", i, out[2+i], want)
		}
	}
}

func TestRequantizeQ4_0Saturates(t *testing.T) {
	weight := NewIntMatrix(1, BlockSize)
	weight.Data[0] = 31  // above the code range once recentred
	weight.Data[16] = -5 // below it

	scales := Matrix{Rows: 1, Cols: 1, Data: []float32{1}}

	out, err := RequantizeQ4_0(weight, scales, BlockSize)
	if err != nil {
		t.Fatal(err)
	}

	if lo := out[2] & 0xF; lo != 15 {
		t.Errorf("overflow code = %d, want 15", lo)
	}
	if hi := out[2] >> 4; hi != 0 {
		t.Errorf("underflow code = %d, want 0", hi)
	}
}

func TestRequantizeQ4_0GroupSpan(t *testing.T) {
	// group_size 64 spans two 32-element blocks; both inherit the one
	// group scale
	weight := NewIntMatrix(1, 64)
	scales := Matrix{Rows: 1, Cols: 1, Data: []float32{2}}

	out, err := RequantizeQ4_0(weight, scales, 64)
	if err != nil {
		t.Fatal(err)
	}

	if len(out) != 2*q4_0BlockBytes {
		t.Fatalf("len = %d, want %d", len(out), 2*q4_0BlockBytes)
	}

	for b := range 2 {
		if d := getFloat16(out[b*q4_0BlockBytes:]); d != 2 {
			t.Errorf("block %d scale = %v, want 2", b, d)
		}
	}
}

func TestRequantizeQ4_1(t *testing.T) {
	weight := NewIntMatrix(1, BlockSize)
	for i := range BlockSize {
		weight.Data[i] = int32(i % 16)
	}

	scales := Matrix{Rows: 1, Cols: 1, Data: []float32{0.25}}
	zeros := Matrix{Rows: 1, Cols: 1, Data: []float32{8}}

	out, err := RequantizeQ4_1(weight, scales, zeros, BlockSize)
	if err != nil {
		t.Fatal(err)
	}

	if len(out) != q4_1BlockBytes {
		t.Fatalf("len = %d, want %d", len(out), q4_1BlockBytes)
	}

	if d := getFloat16(out); d != 0.25 {
		t.Errorf("scale = %v, want 0.25", d)
	}

	// bias is precombined as -scale*zero
	if bias := getFloat16(out[2:]); bias != -2 {
		t.Errorf("bias = %v, want -2", bias)
	}

	// decode must reproduce the affine dequantization of the codes exactly
	got := decodeQ4_1(out)
	for i := range BlockSize {
		want := float32(weight.Data[i])*0.25 - 2
		if got[i] != want {
			t.Errorf("decoded[%d] = %v, want %v", i, got[i], want)
		}
	}
}

func TestQuantizeQ4_0RoundTrip(t *testing.T) {
	m := NewMatrix(1, BlockSize)
	for i := range BlockSize {
		m.Data[i] = float32(i-16) * 0.3
	}

	out, err := QuantizeQ4_0(m)
	if err != nil {
		t.Fatal(err)
	}

	d := getFloat16(out)
	got := decodeQ4_0(out)
	for i := range BlockSize {
		if diff := math.Abs(float64(got[i] - m.Data[i])); diff > math.Abs(float64(d)) {
			t.Errorf("decoded[%d] = %v, want %v within %v", i, got[i], m.Data[i], d)
		}
	}
}

func TestQuantizeQ4_1RoundTrip(t *testing.T) {
	// values sit exactly on the quantization grid: bias + k*scale with
	// fp16-exact scale and bias
	m := NewMatrix(1, BlockSize)
	for i := range BlockSize {
		m.Data[i] = -2 + float32(i%16)*0.5
	}

	out, err := QuantizeQ4_1(m)
	if err != nil {
		t.Fatal(err)
	}

	got := decodeQ4_1(out)
	for i := range BlockSize {
		if got[i] != m.Data[i] {
			t.Errorf("decoded[%d] = %v, want %v", i, got[i], m.Data[i])
		}
	}
}

func TestQuantizeZeroBlock(t *testing.T) {
	m := NewMatrix(1, BlockSize)

	out, err := QuantizeQ4_0(m)
	if err != nil {
		t.Fatal(err)
	}

	for i, v := range decodeQ4_0(out) {
		if v != 0 {
			t.Errorf("decoded[%d] = %v, want 0", i, v)
		}
	}
}

func TestRoundHalfAway(t *testing.T) {
	cases := []struct {
		in   float32
		want int32
	}{
		{0.5, 1},
		{-0.5, -1},
		{2.5, 3},
		{-2.5, -3},
		{2.4, 2},
		{-2.4, -2},
	}

	for _, tt := range cases {
		if got := roundHalfAway(tt.in); got != tt.want {
			t.Errorf("roundHalfAway(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
