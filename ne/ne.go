// Package ne writes the NE model container consumed by the neural-speed
// engine: a fixed prologue (magic, hyperparameters, vocabulary) followed by
// a flat sequence of tensor records. The container is append-only with no
// trailing index or footer; readers consume it as a simple forward
// sequence.
package ne

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"iter"
	"log/slog"
)

const (
	// Magic identifies an NE model file.
	Magic uint32 = 0x67676d66

	Version uint32 = 1

	// Alignment is the byte boundary every tensor payload starts on.
	Alignment = 32
)

// Tensor dtype codes as the engine reads them.
const (
	TypeF32 uint32 = iota
	TypeF16
	TypeQ4_0
	TypeQ4_1
)

// Tensor is one record of the container. Shape is ordered outermost first;
// the on-disk header stores dimensions reversed (innermost first). The
// payload is produced by the embedded WriterTo and must be row-major,
// tightly packed.
type Tensor struct {
	Name  string
	Kind  uint32
	Shape []uint64

	io.WriterTo
}

// HParams is the fixed hyperparameter block of the prologue. Field order is
// the byte order on disk.
type HParams struct {
	VocabSize          uint32
	EmbedDim           uint32
	Mult               uint32
	HeadCount          uint32
	HeadCountKV        uint32
	LayerCount         uint32
	Rot                uint32
	FType              uint32
	SeqLength          uint32
	AlibiBiasMax       float32
	ClipQKV            float32
	ParRes             uint32
	WordEmbedProjDim   uint32
	DoLayerNormBefore  uint32
	MultiQueryGroupNum uint32
	FFNHiddenSize      uint32
	InnerHiddenSize    uint32
	NormEps            float32
	FreqBase           float32
	RopeFactor         float32
	BosTokenID         int32
	EosTokenID         int32
	PadTokenID         int32
	SepTokenID         int32
}

// Writer owns the output stream and its offset. It is the only writer; a
// second concurrent writer would corrupt the alignment contract.
type Writer struct {
	ws io.WriteSeeker
	bo binary.ByteOrder
}

func NewWriter(ws io.WriteSeeker) *Writer {
	return &Writer{ws: ws, bo: binary.LittleEndian}
}

// WriteHeader emits the magic, version, and hyperparameter block.
func (w *Writer) WriteHeader(hp HParams) error {
	if err := binary.Write(w.ws, w.bo, Magic); err != nil {
		return err
	}

	if err := binary.Write(w.ws, w.bo, Version); err != nil {
		return err
	}

	return binary.Write(w.ws, w.bo, hp)
}

// WriteVocab emits the vocabulary section: one (length, bytes, score)
// entry per token. tokens is consumed in a single pass. When the sequence
// is shorter than padTo the final token is repeated with a zero score, the
// engine requires exactly padTo entries.
func (w *Writer) WriteVocab(padTo int, tokens iter.Seq2[[]byte, float32]) error {
	var last []byte
	var n int
	for text, score := range tokens {
		if err := w.writeToken(text, score); err != nil {
			return err
		}

		last, n = text, n+1
	}

	if n < padTo && last == nil {
		return fmt.Errorf("cannot pad an empty vocabulary to %d entries", padTo)
	}

	for ; n < padTo; n++ {
		if err := w.writeToken(last, 0); err != nil {
			return err
		}
	}

	return nil
}

func (w *Writer) writeToken(text []byte, score float32) error {
	if err := binary.Write(w.ws, w.bo, int32(len(text))); err != nil {
		return err
	}

	if _, err := w.ws.Write(text); err != nil {
		return err
	}

	return binary.Write(w.ws, w.bo, score)
}

// WriteTensor appends one tensor record: the header, zero padding up to
// the next alignment boundary, then the payload.
func (w *Writer) WriteTensor(t *Tensor) error {
	if len(t.Shape) == 0 {
		return fmt.Errorf("tensor %q has no shape", t.Name)
	}

	name := []byte(t.Name)
	if err := binary.Write(w.ws, w.bo, []int32{int32(len(t.Shape)), int32(len(name)), int32(t.Kind)}); err != nil {
		return err
	}

	for i := len(t.Shape) - 1; i >= 0; i-- {
		if err := binary.Write(w.ws, w.bo, int32(t.Shape[i])); err != nil {
			return err
		}
	}

	if _, err := w.ws.Write(name); err != nil {
		return err
	}

	if err := w.align(); err != nil {
		return err
	}

	n, err := t.WriteTo(w.ws)
	if err != nil {
		return err
	}

	slog.Debug("wrote tensor", "name", t.Name, "kind", t.Kind, "shape", t.Shape, "bytes", n)
	return nil
}

// align pads the stream forward to the next Alignment boundary. Padding is
// written as explicit zeros so output is deterministic and diff-stable.
func (w *Writer) align() error {
	offset, err := w.ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	if padding := padding(offset, Alignment); padding > 0 {
		if _, err := w.ws.Write(bytes.Repeat([]byte{0}, int(padding))); err != nil {
			return err
		}
	}

	return nil
}

func padding(offset, align int64) int64 {
	return (align - offset%align) % align
}
