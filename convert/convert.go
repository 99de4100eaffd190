// Package convert turns quantized HuggingFace checkpoints (GPTQ,
// AutoRound, AWQ) and plain float checkpoints into the NE model file
// consumed by the neural-speed engine.
package convert

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/x448/float16"

	"github.com/wutthichai46/neural-speed/ne"
	"github.com/wutthichai46/neural-speed/quant"
)

type ModelParameters struct {
	Architectures []string `json:"architectures"`
	VocabSize     uint32   `json:"vocab_size"`

	// QuantizationConfig is schema-less in config.json; quant.ParseConfig
	// normalizes it.
	QuantizationConfig map[string]any `json:"quantization_config"`
}

type ModelConverter interface {
	// HParams maps configuration values into the fixed file prologue.
	HParams(*Tokenizer) ne.HParams
	// Replacements returns a list of string pairs to replace in tensor names.
	// See [strings.Replacer](https://pkg.go.dev/strings#Replacer) for details
	Replacements() []string

	// headPermutation returns the output-row reordering required by the
	// target attention layout for the named weight, or nil when the rows
	// are already in place.
	headPermutation(name string, rows int) []int
}

// ConvertModel writes an NE model file to ws from the checkpoint and
// configuration files found in fsys. outType selects the storage of
// two-dimensional weights; one-dimensional tensors always stay float32.
func ConvertModel(fsys fs.FS, ws io.WriteSeeker, outType uint32) error {
	bts, err := fs.ReadFile(fsys, "config.json")
	if err != nil {
		return err
	}

	var p ModelParameters
	if err := json.Unmarshal(bts, &p); err != nil {
		return err
	}

	if len(p.Architectures) < 1 {
		return errors.New("unknown architecture")
	}

	var conv ModelConverter
	switch p.Architectures[0] {
	case "LlamaForCausalLM", "MistralForCausalLM":
		conv = &llamaModel{}
	case "ChatGLMModel", "ChatGLMForConditionalGeneration":
		conv = &chatglmModel{}
	default:
		return fmt.Errorf("unsupported architecture %q", p.Architectures[0])
	}

	if err := json.Unmarshal(bts, conv); err != nil {
		return err
	}

	var qcfg quant.Config
	quantized := p.QuantizationConfig != nil
	if quantized {
		if qcfg, err = quant.ParseConfig(p.QuantizationConfig); err != nil {
			return err
		}

		slog.Info("quantized checkpoint", "method", qcfg.Method, "bits", qcfg.Bits, "group_size", qcfg.GroupSize, "desc_act", qcfg.DescAct)
	}

	t, err := parseTokenizer(fsys)
	if err != nil {
		return err
	}

	ts, err := parseTensors(fsys, strings.NewReplacer(conv.Replacements()...))
	if err != nil {
		return err
	}

	hp := conv.HParams(t)
	if hp.VocabSize == 0 {
		hp.VocabSize = uint32(len(t.Tokens))
	}
	hp.FType = outType

	switch {
	case int(hp.VocabSize) < len(t.Tokens):
		return fmt.Errorf("vocabulary is larger than expected '%d' instead of '%d'", len(t.Tokens), hp.VocabSize)
	case int(hp.VocabSize) > len(t.Tokens):
		slog.Warn("vocabulary is smaller than expected, padding with the last token", "expect", hp.VocabSize, "actual", len(t.Tokens))
	}

	w := ne.NewWriter(ws)
	if err := w.WriteHeader(hp); err != nil {
		return err
	}

	if err := w.WriteVocab(int(hp.VocabSize), t.All()); err != nil {
		return err
	}

	groups := groupPacked(ts)
	for _, t := range ts {
		base, part := splitPackedName(t.Name())
		g, grouped := groups[base]
		switch {
		case !grouped:
			if err := writePlain(w, t, conv, outType); err != nil {
				return fmt.Errorf("%s: %w", t.Name(), err)
			}
		case part == "qweight":
			if !quantized {
				return fmt.Errorf("%s: packed tensors but no quantization_config", t.Name())
			}

			if err := writePacked(w, qcfg, base, g, conv, outType); err != nil {
				return fmt.Errorf("%s: %w", base, err)
			}
		}
	}

	return nil
}

// packedGroup collects the sibling tensors of one group-quantized weight.
type packedGroup struct {
	qweight, qzeros, scales, gidx Tensor
}

// groupPacked indexes packed weight groups by their base name. A base is
// only a group when its qweight member exists; a stray scales tensor
// passes through as a plain tensor.
func groupPacked(ts []Tensor) map[string]*packedGroup {
	groups := make(map[string]*packedGroup)
	for _, t := range ts {
		if base, part := splitPackedName(t.Name()); part == "qweight" {
			groups[base] = &packedGroup{qweight: t}
		}
	}

	for _, t := range ts {
		base, part := splitPackedName(t.Name())
		g, ok := groups[base]
		if !ok {
			continue
		}

		switch part {
		case "qzeros":
			g.qzeros = t
		case "scales":
			g.scales = t
		case "g_idx":
			g.gidx = t
		}
	}

	return groups
}

func splitPackedName(name string) (base, part string) {
	if i := strings.LastIndex(name, "."); i >= 0 {
		switch suffix := name[i+1:]; suffix {
		case "qweight", "qzeros", "scales", "g_idx":
			return name[:i], suffix
		}
	}

	return name, ""
}

// writePacked runs one packed weight group through the requantization
// pipeline: unpack, optionally dequantize, transpose to the output
// [out_features, in_features] layout, apply the architecture's head
// permutation, and re-encode per outType.
func writePacked(w *ne.Writer, cfg quant.Config, base string, g *packedGroup, conv ModelConverter, outType uint32) error {
	if g.qzeros == nil || g.scales == nil {
		return fmt.Errorf("%w: missing qzeros or scales", quant.ErrShapeMismatch)
	}

	qweight, err := packedMatrix(g.qweight)
	if err != nil {
		return err
	}

	qzeros, err := packedMatrix(g.qzeros)
	if err != nil {
		return err
	}

	scales, err := floatMatrix(g.scales)
	if err != nil {
		return err
	}

	weight, zeros, err := quant.Unpack(cfg, qweight, qzeros, scales)
	if err != nil {
		return err
	}

	var gidx []int32
	if cfg.DescAct && g.gidx != nil {
		if gidx, err = g.gidx.Ints(); err != nil {
			return err
		}
	}

	name := base + ".weight"
	perm := conv.headPermutation(name, weight.Cols)

	var kind uint32
	var payload io.WriterTo
	switch {
	// the exact path: group-quantized codes survive into the block
	// format untouched
	case gidx == nil && outType == ne.TypeQ4_0:
		kind = ne.TypeQ4_0
		wt, st, _, err := transposePacked(weight, scales, quant.Matrix{}, perm)
		if err != nil {
			return err
		}

		data, err := quant.RequantizeQ4_0(wt, st, cfg.GroupSize)
		if err != nil {
			return err
		}
		payload = bytesPayload(data)
	case gidx == nil && outType == ne.TypeQ4_1:
		kind = ne.TypeQ4_1
		wt, st, zt, err := transposePacked(weight, scales, zeros.Float(), perm)
		if err != nil {
			return err
		}

		data, err := quant.RequantizeQ4_1(wt, st, zt, cfg.GroupSize)
		if err != nil {
			return err
		}
		payload = bytesPayload(data)
	default:
		// activation-ordered checkpoints lose the contiguous group
		// layout the block encoder indexes by, so they go through
		// floats and are requantized dynamically
		deq, err := quant.Dequantize(weight, scales, zeros, cfg.GroupSize, gidx)
		if err != nil {
			return err
		}

		dt := deq.Transpose()
		if perm != nil {
			if dt, err = dt.PermuteRows(perm); err != nil {
				return err
			}
		}

		if kind, payload, err = floatPayload(dt.Data, outType); err != nil {
			return err
		}
	}

	return w.WriteTensor(&ne.Tensor{
		Name:     name,
		Kind:     kind,
		Shape:    []uint64{uint64(weight.Cols), uint64(weight.Rows)},
		WriterTo: payload,
	})
}

// transposePacked flips the unpacked weight and its per-group metadata
// into [out_features, *] orientation and applies the head permutation to
// all of them identically.
func transposePacked(weight quant.IntMatrix, scales, zeros quant.Matrix, perm []int) (quant.IntMatrix, quant.Matrix, quant.Matrix, error) {
	wt := weight.Transpose()
	st := scales.Transpose()
	zt := zeros.Transpose()

	if perm != nil {
		var err error
		if wt, err = wt.PermuteRows(perm); err != nil {
			return wt, st, zt, err
		}
		if st, err = st.PermuteRows(perm); err != nil {
			return wt, st, zt, err
		}
		if zt.Rows > 0 {
			if zt, err = zt.PermuteRows(perm); err != nil {
				return wt, st, zt, err
			}
		}
	}

	return wt, st, zt, nil
}

// writePlain writes an unquantized checkpoint tensor. Vectors stay
// float32; matrices follow outType, falling back to half precision when
// their rows do not fill whole blocks. The architecture's head
// permutation, when one applies, is installed as the tensor's repacker.
func writePlain(w *ne.Writer, t Tensor, conv ModelConverter, outType uint32) error {
	shape := t.Shape()

	var perm []int
	if len(shape) == 2 {
		if perm = conv.headPermutation(t.Name(), int(shape[0])); perm != nil {
			t.SetRepacker(permuteRows(perm))
		}
	}

	kind := t.Kind()
	var payload io.WriterTo = t

	if kind != ne.TypeF32 {
		switch outType {
		case ne.TypeF32, ne.TypeF16:
			kind = outType
		case ne.TypeQ4_0, ne.TypeQ4_1:
			cols := shape[len(shape)-1]
			if cols%quant.BlockSize != 0 {
				slog.Warn("tensor rows do not fill whole blocks, keeping half precision", "name", t.Name(), "cols", cols)
				break
			}

			m, err := floatMatrix(t)
			if err != nil {
				return err
			}

			if perm != nil {
				if m, err = m.PermuteRows(perm); err != nil {
					return err
				}
			}

			if kind, payload, err = floatPayload(m.Data, outType); err != nil {
				return err
			}
		}
	}

	if kind == ne.TypeF32 && t.Kind() == ne.TypeF16 {
		f32s, err := t.Floats()
		if err != nil {
			return err
		}

		if perm != nil {
			m := quant.Matrix{Rows: int(shape[0]), Cols: int(shape[1]), Data: f32s}
			if m, err = m.PermuteRows(perm); err != nil {
				return err
			}
			f32s = m.Data
		}

		payload = floatsPayload(f32s)
	}

	return w.WriteTensor(&ne.Tensor{
		Name:     t.Name(),
		Kind:     kind,
		Shape:    shape,
		WriterTo: payload,
	})
}

// permuteRows adapts a row permutation to the streaming repack hook.
func permuteRows(perm []int) Repacker {
	return func(name string, data []float32, shape []uint64) ([]float32, error) {
		m := quant.Matrix{Rows: int(shape[0]), Cols: int(shape[1]), Data: data}
		out, err := m.PermuteRows(perm)
		if err != nil {
			return nil, err
		}

		return out.Data, nil
	}
}

// floatPayload encodes float values per outType.
func floatPayload(f32s []float32, outType uint32) (uint32, io.WriterTo, error) {
	switch outType {
	case ne.TypeF32:
		return ne.TypeF32, floatsPayload(f32s), nil
	case ne.TypeF16:
		return ne.TypeF16, halfPayload(f32s), nil
	case ne.TypeQ4_0:
		data, err := quant.QuantizeQ4_0(quant.Matrix{Rows: 1, Cols: len(f32s), Data: f32s})
		if err != nil {
			return 0, nil, err
		}

		return ne.TypeQ4_0, bytesPayload(data), nil
	case ne.TypeQ4_1:
		data, err := quant.QuantizeQ4_1(quant.Matrix{Rows: 1, Cols: len(f32s), Data: f32s})
		if err != nil {
			return 0, nil, err
		}

		return ne.TypeQ4_1, bytesPayload(data), nil
	default:
		return 0, nil, fmt.Errorf("unknown output type %d", outType)
	}
}

func packedMatrix(t Tensor) (quant.PackedMatrix, error) {
	shape := t.Shape()
	if len(shape) != 2 {
		return quant.PackedMatrix{}, fmt.Errorf("%w: %s is not a matrix", quant.ErrShapeMismatch, t.Name())
	}

	i32s, err := t.Ints()
	if err != nil {
		return quant.PackedMatrix{}, err
	}

	words := make([]uint32, len(i32s))
	for i, v := range i32s {
		words[i] = uint32(v)
	}

	return quant.PackedMatrix{Rows: int(shape[0]), Cols: int(shape[1]), Data: words}, nil
}

func floatMatrix(t Tensor) (quant.Matrix, error) {
	shape := t.Shape()
	if len(shape) != 2 {
		return quant.Matrix{}, fmt.Errorf("%w: %s is not a matrix", quant.ErrShapeMismatch, t.Name())
	}

	f32s, err := t.Floats()
	if err != nil {
		return quant.Matrix{}, err
	}

	return quant.Matrix{Rows: int(shape[0]), Cols: int(shape[1]), Data: f32s}, nil
}

type bytesPayload []byte

func (p bytesPayload) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(p)
	return int64(n), err
}

type floatsPayload []float32

func (p floatsPayload) WriteTo(w io.Writer) (int64, error) {
	return int64(len(p) * 4), binary.Write(w, binary.LittleEndian, []float32(p))
}

type halfPayload []float32

func (p halfPayload) WriteTo(w io.Writer) (int64, error) {
	f16s := make([]uint16, len(p))
	for i, f := range p {
		f16s[i] = float16.Fromfloat32(f).Bits()
	}

	return int64(len(f16s) * 2), binary.Write(w, binary.LittleEndian, f16s)
}
