package quant

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// pack4 packs up to 8 4-bit codes into a word at sequential shifts.
func pack4(codes ...int32) uint32 {
	var word uint32
	for i, c := range codes {
		word |= uint32(c&0xF) << (4 * i)
	}

	return word
}

func TestUnpackGPTQ4(t *testing.T) {
	cfg := Config{Method: GPTQ, Bits: 4, GroupSize: 8}

	// in_features=8, out_features=8: one packed row of weights, one group
	codes := [][]int32{
		{0, 1, 2, 3, 4, 5, 6, 7},
		{15, 14, 13, 12, 11, 10, 9, 8},
		{1, 1, 2, 2, 3, 3, 4, 4},
		{0, 15, 0, 15, 0, 15, 0, 15},
		{7, 7, 7, 7, 7, 7, 7, 7},
		{8, 8, 8, 8, 8, 8, 8, 8},
		{5, 0, 5, 0, 5, 0, 5, 0},
		{9, 10, 11, 12, 13, 14, 15, 0},
	}

	qweight := PackedMatrix{Rows: 1, Cols: 8, Data: make([]uint32, 8)}
	for c := range 8 {
		// column c packs codes[c][i] for rows i
		qweight.Data[c] = pack4(codes[c]...)
	}

	qzeros := PackedMatrix{Rows: 1, Cols: 1, Data: []uint32{pack4(7, 7, 7, 7, 7, 7, 7, 7)}}
	scales := NewMatrix(1, 8)

	weight, zeros, err := Unpack(cfg, qweight, qzeros, scales)
	if err != nil {
		t.Fatal(err)
	}

	if weight.Rows != 8 || weight.Cols != 8 {
		t.Fatalf("weight shape = %dx%d, want 8x8", weight.Rows, weight.Cols)
	}

	for c := range 8 {
		for r := range 8 {
			if got := weight.Data[r*8+c]; got != codes[c][r] {
				t.Errorf("weight[%d][%d] = %d, want %d", r, c, got, codes[c][r])
			}
		}
	}

	// semantic zero is the raw code plus one
	want := []int32{8, 8, 8, 8, 8, 8, 8, 8}
	if diff := cmp.Diff(want, zeros.Data); diff != "" {
		t.Errorf("zeros mismatch (-want +got):\n%s", diff)
	}

	// pure bit round-trip: repacking each unpacked column reproduces the
	// original word
	for c := range 8 {
		var col [8]int32
		for r := range 8 {
			col[r] = weight.Data[r*8+c]
		}

		if repacked := pack4(col[:]...); repacked != qweight.Data[c] {
			t.Errorf("repacked word %d = %#x, want %#x", c, repacked, qweight.Data[c])
		}
	}
}

func TestUnpackGPTQ3(t *testing.T) {
	cfg := Config{Method: GPTQ, Bits: 3, GroupSize: 10}

	// ten distinct 3-bit codes in one word, top 2 bits set to junk that
	// must be ignored
	codes := []int32{1, 2, 3, 4, 5, 6, 7, 0, 5, 3}
	var word uint32 = 0b11 << 30
	for i, c := range codes {
		word |= uint32(c) << (3 * i)
	}

	qweight := PackedMatrix{Rows: 1, Cols: 1, Data: []uint32{word}}
	qzeros := PackedMatrix{Rows: 1, Cols: 1, Data: []uint32{word}}
	scales := NewMatrix(1, 1)

	weight, zeros, err := Unpack(cfg, qweight, qzeros, scales)
	if err != nil {
		t.Fatal(err)
	}

	if weight.Rows != 10 || weight.Cols != 1 {
		t.Fatalf("weight shape = %dx%d, want 10x1", weight.Rows, weight.Cols)
	}

	if diff := cmp.Diff(codes, weight.Data); diff != "" {
		t.Errorf("weight mismatch (-want +got):\n%s", diff)
	}

	if got, want := zeros.Data[0], codes[0]+1; got != want {
		t.Errorf("zeros[0] = %d, want %d", got, want)
	}
}

func TestUnpackGPTQ3Truncates(t *testing.T) {
	// two packed rows cover 20 expanded rows but the logical feature count
	// is group_size*num_groups = 16; the tail must be dropped
	cfg := Config{Method: GPTQ, Bits: 3, GroupSize: 16}

	qweight := PackedMatrix{Rows: 2, Cols: 1, Data: []uint32{0, 0}}
	qzeros := PackedMatrix{Rows: 1, Cols: 1, Data: []uint32{0}}
	scales := NewMatrix(1, 1)

	weight, _, err := Unpack(cfg, qweight, qzeros, scales)
	if err != nil {
		t.Fatal(err)
	}

	if weight.Rows != 16 {
		t.Errorf("weight rows = %d, want 16", weight.Rows)
	}
}

func TestUnpackAWQ(t *testing.T) {
	cfg := Config{Method: AWQ, Bits: 4, GroupSize: 1}

	// physical nibble i holds the code for logical column order^-1(i)
	logical := []int32{1, 2, 3, 4, 5, 6, 7, 8}
	var word uint32
	for i, slot := range awqOrder {
		word |= uint32(logical[i]) << (4 * slot)
	}

	qweight := PackedMatrix{Rows: 1, Cols: 1, Data: []uint32{word}}
	qzeros := PackedMatrix{Rows: 1, Cols: 1, Data: []uint32{word}}
	scales := NewMatrix(1, 8)

	weight, zeros, err := Unpack(cfg, qweight, qzeros, scales)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(logical, weight.Data); diff != "" {
		t.Errorf("weight not in logical order (-want +got):\n%s", diff)
	}

	// awq zero-points carry no +1 offset
	if diff := cmp.Diff(logical, zeros.Data); diff != "" {
		t.Errorf("zeros not in logical order (-want +got):\n%s", diff)
	}
}

func TestUnpackErrors(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		qweight PackedMatrix
		qzeros  PackedMatrix
		scales  Matrix
		want    error
	}{
		{
			name:    "awq 3 bits",
			cfg:     Config{Method: AWQ, Bits: 3},
			qweight: PackedMatrix{Rows: 1, Cols: 1, Data: []uint32{0}},
			qzeros:  PackedMatrix{Rows: 1, Cols: 1, Data: []uint32{0}},
			scales:  NewMatrix(1, 8),
			want:    ErrUnsupportedBitWidth,
		},
		{
			name:    "gptq zeros disagree with scales",
			cfg:     Config{Method: GPTQ, Bits: 4, GroupSize: 8},
			qweight: PackedMatrix{Rows: 1, Cols: 8, Data: make([]uint32, 8)},
			qzeros:  PackedMatrix{Rows: 2, Cols: 1, Data: make([]uint32, 2)},
			scales:  NewMatrix(1, 8),
			want:    ErrShapeMismatch,
		},
		{
			name:    "awq columns disagree with scales",
			cfg:     Config{Method: AWQ, Bits: 4, GroupSize: 8},
			qweight: PackedMatrix{Rows: 1, Cols: 2, Data: make([]uint32, 2)},
			qzeros:  PackedMatrix{Rows: 1, Cols: 1, Data: []uint32{0}},
			scales:  NewMatrix(1, 8),
			want:    ErrShapeMismatch,
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Unpack(tt.cfg, tt.qweight, tt.qzeros, tt.scales)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}
