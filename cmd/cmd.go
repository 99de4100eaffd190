// Package cmd implements the command line interface of the converter.
package cmd

import (
	"archive/zip"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wutthichai46/neural-speed/convert"
	"github.com/wutthichai46/neural-speed/format"
	"github.com/wutthichai46/neural-speed/ne"
)

var outTypes = map[string]uint32{
	"f32":  ne.TypeF32,
	"f16":  ne.TypeF16,
	"q4_0": ne.TypeQ4_0,
	"q4_1": ne.TypeQ4_1,
}

func NewCLI() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "neconvert MODEL",
		Short:         "Convert quantized checkpoints to the NE tensor format",
		Long:          "Converts a HuggingFace model directory (or zip archive) holding a GPTQ, AutoRound, AWQ, or plain float checkpoint into a single NE model file.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runConvert,
	}

	cmd.Flags().String("outfile", "", "path of the model file to write (default ne-model-<outtype>.bin)")
	cmd.Flags().String("outtype", "q4_0", "storage of 2D weights: f32, f16, q4_0 or q4_1")
	cmd.Flags().BoolP("verbose", "v", false, "enable debug logging")

	return cmd
}

func runConvert(cmd *cobra.Command, args []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	name, _ := cmd.Flags().GetString("outtype")
	outType, ok := outTypes[name]
	if !ok {
		return fmt.Errorf("unknown outtype %q", name)
	}

	fsys, err := modelFS(args[0])
	if err != nil {
		return err
	}

	outfile, _ := cmd.Flags().GetString("outfile")
	if outfile == "" {
		outfile = fmt.Sprintf("ne-model-%s.bin", name)
	}

	// partial output from a failed run must never be mistaken for a
	// model, so write to a scratch file and rename once complete
	tmp, err := os.CreateTemp(filepath.Dir(outfile), filepath.Base(outfile)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	slog.Info("converting model", "input", args[0], "outtype", name)
	if err := convert.ConvertModel(fsys, tmp, outType); err != nil {
		return err
	}

	fi, err := tmp.Stat()
	if err != nil {
		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmp.Name(), outfile); err != nil {
		return err
	}

	slog.Info("model written", "file", outfile, "size", format.HumanBytes(fi.Size()))
	return nil
}

// modelFS opens a model directory, or a zip archive of one. Oversized
// archive members are staged to a scratch directory on first open.
func modelFS(path string) (fs.FS, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if fi.IsDir() {
		return os.DirFS(path), nil
	}

	if !strings.HasSuffix(path, ".zip") {
		return nil, fmt.Errorf("%s is neither a directory nor a zip archive", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	zr, err := zip.NewReader(f, fi.Size())
	if err != nil {
		return nil, err
	}

	staging, err := os.MkdirTemp("", "ne-model-zip-")
	if err != nil {
		return nil, err
	}

	return convert.NewZipReader(zr, staging, 32<<20), nil
}
