package convert

import (
	"errors"
	"io"
	"io/fs"
	"strings"

	"github.com/wutthichai46/neural-speed/ne"
)

// Tensor is one entry of a checkpoint. Floats and Ints materialize the
// data for the requantization pipeline; WriteTo streams the float path
// directly into the output file, converting to Kind on the way.
type Tensor interface {
	Name() string
	Shape() []uint64
	Kind() uint32
	SetRepacker(Repacker)
	WriteTo(io.Writer) (int64, error)
	Floats() ([]float32, error)
	Ints() ([]int32, error)
}

// Repacker rearranges float tensor data before it is written.
type Repacker func(string, []float32, []uint64) ([]float32, error)

type tensorBase struct {
	name     string
	shape    []uint64
	repacker Repacker
}

func (t tensorBase) Name() string {
	return t.name
}

func (t tensorBase) Shape() []uint64 {
	return t.shape
}

func (t tensorBase) Kind() uint32 {
	switch len(t.shape) {
	case 0:
		panic("invalid tensor shape")
	case 1:
		return ne.TypeF32
	default:
		return ne.TypeF16
	}
}

func (t *tensorBase) SetRepacker(fn Repacker) {
	t.repacker = fn
}

func parseTensors(fsys fs.FS, replacer *strings.Replacer) ([]Tensor, error) {
	patterns := []struct {
		Pattern string
		Func    func(fs.FS, *strings.Replacer, ...string) ([]Tensor, error)
	}{
		{"model-*-of-*.safetensors", parseSafetensors},
		{"model.safetensors", parseSafetensors},
		{"pytorch_model-*-of-*.bin", parseTorch},
		{"pytorch_model.bin", parseTorch},
	}

	for _, pattern := range patterns {
		matches, err := fs.Glob(fsys, pattern.Pattern)
		if err != nil {
			return nil, err
		}

		if len(matches) > 0 {
			return pattern.Func(fsys, replacer, matches...)
		}
	}

	return nil, errors.New("unknown tensor format")
}
