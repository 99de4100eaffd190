package ne

import (
	"bytes"
	"encoding/binary"
	"io"
	"iter"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// memFile is an in-memory io.WriteSeeker for inspecting emitted bytes.
type memFile struct {
	buf []byte
	off int64
}

func (m *memFile) Write(p []byte) (int, error) {
	if need := m.off + int64(len(p)); need > int64(len(m.buf)) {
		m.buf = append(m.buf, make([]byte, need-int64(len(m.buf)))...)
	}

	copy(m.buf[m.off:], p)
	m.off += int64(len(p))
	return len(p), nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		m.off = offset
	case io.SeekCurrent:
		m.off += offset
	case io.SeekEnd:
		m.off = int64(len(m.buf)) + offset
	}

	return m.off, nil
}

type rawPayload []byte

func (p rawPayload) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(p)
	return int64(n), err
}

func tokenSeq(tokens []string, scores []float32) iter.Seq2[[]byte, float32] {
	return func(yield func([]byte, float32) bool) {
		for i, t := range tokens {
			if !yield([]byte(t), scores[i]) {
				return
			}
		}
	}
}

func readInt32(t *testing.T, b []byte) int32 {
	t.Helper()
	if len(b) < 4 {
		t.Fatal("short read")
	}

	return int32(binary.LittleEndian.Uint32(b))
}

func TestWriteTensor(t *testing.T) {
	var f memFile
	w := NewWriter(&f)

	payload := make(rawPayload, 12)
	for i := range payload {
		payload[i] = byte(i + 1)
	}

	tensor := Tensor{Name: "a.b", Kind: TypeF16, Shape: []uint64{2, 3}, WriterTo: payload}
	if err := w.WriteTensor(&tensor); err != nil {
		t.Fatal(err)
	}

	b := f.buf
	if got := readInt32(t, b); got != 2 {
		t.Errorf("ndim = %d, want 2", got)
	}
	if got := readInt32(t, b[4:]); got != 3 {
		t.Errorf("namelen = %d, want 3", got)
	}
	if got := readInt32(t, b[8:]); got != int32(TypeF16) {
		t.Errorf("dtype = %d, want %d", got, TypeF16)
	}

	// dims are stored reversed, innermost first
	if d0, d1 := readInt32(t, b[12:]), readInt32(t, b[16:]); d0 != 3 || d1 != 2 {
		t.Errorf("dims = [%d %d], want [3 2]", d0, d1)
	}

	if got := string(b[20:23]); got != "a.b" {
		t.Errorf("name = %q, want %q", got, "a.b")
	}

	// zero padding carries the payload to the 32-byte boundary
	for i := 23; i < 32; i++ {
		if b[i] != 0 {
			t.Errorf("padding byte %d = %#x, want 0", i, b[i])
		}
	}

	if diff := cmp.Diff([]byte(payload), b[32:]); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}

	if len(b) != 32+len(payload) {
		t.Errorf("file size = %d, want %d", len(b), 32+len(payload))
	}
}

func TestWriteHeader(t *testing.T) {
	var f memFile
	w := NewWriter(&f)

	hp := HParams{
		VocabSize:  65024,
		EmbedDim:   4096,
		HeadCount:  32,
		LayerCount: 28,
		FType:      2,
		SeqLength:  32768,
		FreqBase:   10000,
		RopeFactor: 1,
		EosTokenID: 2,
		PadTokenID: -1,
		SepTokenID: -1,
	}
	if err := w.WriteHeader(hp); err != nil {
		t.Fatal(err)
	}

	b := f.buf
	if got := binary.LittleEndian.Uint32(b); got != Magic {
		t.Errorf("magic = %#x, want %#x", got, Magic)
	}
	if got := binary.LittleEndian.Uint32(b[4:]); got != Version {
		t.Errorf("version = %#x, want %#x", got, Version)
	}
	if got := binary.LittleEndian.Uint32(b[8:]); got != hp.VocabSize {
		t.Errorf("vocab size = %d, want %d", got, hp.VocabSize)
	}

	// 24 fixed fields follow magic and version
	if want := 8 + 24*4; len(b) != want {
		t.Errorf("prologue size = %d, want %d", len(b), want)
	}

	// the two trailing token ids are signed
	if got := readInt32(t, b[len(b)-4:]); got != -1 {
		t.Errorf("sep token = %d, want -1", got)
	}
}

func TestWriteVocabPads(t *testing.T) {
	var f memFile
	w := NewWriter(&f)

	if err := w.WriteVocab(4, tokenSeq([]string{"hi", "bye"}, []float32{1, 2})); err != nil {
		t.Fatal(err)
	}

	b := f.buf
	var entries []string
	var scores []float32
	for len(b) > 0 {
		n := readInt32(t, b)
		entries = append(entries, string(b[4:4+n]))
		scores = append(scores, readFloat32(t, b[4+n:]))
		b = b[4+int(n)+4:]
	}

	if diff := cmp.Diff([]string{"hi", "bye", "bye", "bye"}, entries); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}

	// padding entries repeat the last token with a zero score
	if diff := cmp.Diff([]float32{1, 2, 0, 0}, scores); diff != "" {
		t.Errorf("scores mismatch (-want +got):\n%s", diff)
	}
}

func readFloat32(t *testing.T, b []byte) float32 {
	t.Helper()
	var f float32
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &f); err != nil {
		t.Fatal(err)
	}

	return f
}

func TestWriteVocabEmpty(t *testing.T) {
	var f memFile
	w := NewWriter(&f)

	if err := w.WriteVocab(4, tokenSeq(nil, nil)); err == nil {
		t.Error("expected an error padding an empty vocabulary")
	}
}

func TestOutputDeterministic(t *testing.T) {
	write := func() []byte {
		var f memFile
		w := NewWriter(&f)
		if err := w.WriteHeader(HParams{VocabSize: 2}); err != nil {
			t.Fatal(err)
		}
		if err := w.WriteVocab(2, tokenSeq([]string{"a", "b"}, []float32{0, 0})); err != nil {
			t.Fatal(err)
		}

		for _, name := range []string{"x", "longer.tensor.name"} {
			tensor := Tensor{Name: name, Kind: TypeF32, Shape: []uint64{1, 8}, WriterTo: make(rawPayload, 32)}
			if err := w.WriteTensor(&tensor); err != nil {
				t.Fatal(err)
			}
		}

		return f.buf
	}

	if !slices.Equal(write(), write()) {
		t.Error("identical inputs produced different bytes")
	}
}
