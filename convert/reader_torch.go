package convert

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/x448/float16"

	"github.com/wutthichai46/neural-speed/ne"
)

func parseTorch(fsys fs.FS, replacer *strings.Replacer, ps ...string) ([]Tensor, error) {
	var ts []Tensor
	for _, p := range ps {
		m, err := loadTorch(fsys, p)
		if err != nil {
			return nil, err
		}

		for _, k := range m.(*types.Dict).Keys() {
			t := m.(*types.Dict).MustGet(k).(*pytorch.Tensor)

			var shape []uint64
			for _, dim := range t.Size {
				shape = append(shape, uint64(dim))
			}

			ts = append(ts, &torch{
				storage: t.Source,
				tensorBase: &tensorBase{
					name:  replacer.Replace(k.(string)),
					shape: shape,
				},
			})
		}
	}

	return ts, nil
}

// loadTorch unpickles a checkpoint file. The unpickler wants a file on
// disk, so anything served from a non-OS filesystem is staged through a
// temporary file first.
func loadTorch(fsys fs.FS, p string) (any, error) {
	f, err := fsys.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	staged, err := os.CreateTemp("", "pytorch-model-")
	if err != nil {
		return nil, err
	}
	defer os.Remove(staged.Name())

	if _, err := io.Copy(staged, f); err != nil {
		staged.Close()
		return nil, err
	}

	if err := staged.Close(); err != nil {
		return nil, err
	}

	return pytorch.Load(staged.Name())
}

type torch struct {
	storage pytorch.StorageInterface
	*tensorBase
}

func (pt *torch) Floats() ([]float32, error) {
	switch s := pt.storage.(type) {
	case *pytorch.FloatStorage:
		return s.Data, nil
	case *pytorch.HalfStorage:
		return s.Data, nil
	case *pytorch.BFloat16Storage:
		return s.Data, nil
	default:
		return nil, fmt.Errorf("%T is not a float storage", s)
	}
}

func (pt *torch) Ints() ([]int32, error) {
	switch s := pt.storage.(type) {
	case *pytorch.IntStorage:
		return s.Data, nil
	case *pytorch.LongStorage:
		i32s := make([]int32, len(s.Data))
		for i, v := range s.Data {
			i32s[i] = int32(v)
		}

		return i32s, nil
	default:
		return nil, fmt.Errorf("%T is not an integer storage", s)
	}
}

func (pt *torch) WriteTo(w io.Writer) (int64, error) {
	f32s, err := pt.Floats()
	if err != nil {
		return 0, err
	}

	if pt.repacker != nil {
		f32s, err = pt.repacker(pt.Name(), f32s, pt.Shape())
		if err != nil {
			return 0, err
		}
	}

	switch pt.Kind() {
	case ne.TypeF32:
		return int64(len(f32s) * 4), binary.Write(w, binary.LittleEndian, f32s)
	case ne.TypeF16:
		f16s := make([]uint16, len(f32s))
		for i := range f32s {
			f16s[i] = float16.Fromfloat32(f32s[i]).Bits()
		}

		return int64(len(f16s) * 2), binary.Write(w, binary.LittleEndian, f16s)
	default:
		return 0, fmt.Errorf("unknown storage type: %d", pt.Kind())
	}
}
