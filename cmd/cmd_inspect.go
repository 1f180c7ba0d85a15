// cmd_inspect.go - Checkpoints untersuchen
// Hauptfunktionen: InspectHandler, inspectFile, fileDigest, readTensor
package cmd

import (
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ollama/fluxmod/format"
	"github.com/ollama/fluxmod/fs"
	"github.com/ollama/fluxmod/fs/gguf"
	"github.com/ollama/fluxmod/fs/safetensors"
	"github.com/ollama/fluxmod/loader"
	"github.com/ollama/fluxmod/ml"
	"github.com/ollama/fluxmod/model/fluxmod"
)

// fileSummary beschreibt den Inhalt einer Tensor-Datei
type fileSummary struct {
	Path      string
	Format    fs.Format
	Tensors   int
	Size      int64
	DTypes    map[string]int
	ScaledFP8 bool
	Guidance  bool
	Digest    string
}

// addTensor zaehlt einen Tensor mit Schluessel, Typ und Datengroesse
func (s *fileSummary) addTensor(key, dtype string, size int64) {
	if key == loader.ScaledFP8Key {
		s.ScaledFP8 = true
		return
	}
	if strings.HasPrefix(key, fluxmod.GuidancePrefix+".") {
		s.Guidance = true
	}
	s.Tensors++
	s.Size += size
	s.DTypes[dtype]++
}

func (s *fileSummary) dtypes() string {
	var parts []string
	for _, k := range slices.Sorted(maps.Keys(s.DTypes)) {
		parts = append(parts, fmt.Sprintf("%s:%d", k, s.DTypes[k]))
	}
	return strings.Join(parts, " ")
}

// inspectFile liest nur die Header von Safetensors und GGUF, Torch-Dateien
// werden vollstaendig geladen
func inspectFile(path string) (*fileSummary, error) {
	s := &fileSummary{Path: path, Format: fs.DetectFormat(path), DTypes: make(map[string]int)}

	switch s.Format {
	case fs.FormatSafetensors:
		f, err := safetensors.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		for _, k := range f.Keys() {
			ti, _ := f.Info(k)
			s.addTensor(k, ti.DType, ti.NumBytes())
		}
	case fs.FormatGGUF:
		f, err := gguf.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		for _, ti := range f.Tensors() {
			s.addTensor(ti.Name, ti.Type.String(), ti.NumBytes())
		}
	default:
		tensors, err := fs.LoadTorchFile(path)
		if err != nil {
			return nil, err
		}
		for k, t := range tensors {
			s.addTensor(k, t.DType.String(), t.NumBytes())
		}
	}

	return s, nil
}

// fileDigest ist der xxhash64 des Dateiinhalts
func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// InspectHandler - Zeigt Format, Tensor-Anzahl, Groesse und Datentypen der Dateien
func InspectHandler(cmd *cobra.Command, args []string) error {
	digest, _ := cmd.Flags().GetBool("digest")

	summaries := make([]*fileSummary, len(args))

	var g errgroup.Group
	g.SetLimit(max(runtime.GOMAXPROCS(0)-1, 1))

	for i, path := range args {
		g.Go(func() error {
			s, err := inspectFile(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if digest {
				if s.Digest, err = fileDigest(path); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
			}
			summaries[i] = s
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	writeSummaries(cmd.OutOrStdout(), summaries, digest)

	if name, _ := cmd.Flags().GetString("show"); name != "" {
		for _, path := range args {
			t, err := readTensor(path, name)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			dump, err := ml.Dump(t)
			if err != nil {
				return fmt.Errorf("%s: %s: %w", path, name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%s %s %s\n%s\n", filepath.Base(path), name, t, dump)
		}
	}
	return nil
}

// readTensor laedt einen einzelnen Tensor einer Datei
func readTensor(path, name string) (*ml.Tensor, error) {
	switch fs.DetectFormat(path) {
	case fs.FormatSafetensors:
		f, err := safetensors.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return f.Tensor(name)
	case fs.FormatGGUF:
		f, err := gguf.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return f.Tensor(name)
	default:
		tensors, err := fs.LoadTorchFile(path)
		if err != nil {
			return nil, err
		}
		t, ok := tensors[name]
		if !ok {
			return nil, fmt.Errorf("tensor %s not found", name)
		}
		return t, nil
	}
}

func writeSummaries(w io.Writer, summaries []*fileSummary, digest bool) {
	header := []string{"FILE", "FORMAT", "TENSORS", "SIZE", "DTYPES", "SCALED FP8", "GUIDANCE"}
	if digest {
		header = append(header, "DIGEST")
	}

	var data [][]string
	for _, s := range summaries {
		row := []string{
			filepath.Base(s.Path),
			string(s.Format),
			fmt.Sprint(s.Tensors),
			format.HumanBytes(s.Size),
			s.dtypes(),
			fmt.Sprint(s.ScaledFP8),
			fmt.Sprint(s.Guidance),
		}
		if digest {
			row = append(row, s.Digest)
		}
		data = append(data, row)
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

// newInspectCmd - Erstellt den inspect Command
func newInspectCmd() *cobra.Command {
	inspectCmd := &cobra.Command{
		Use:   "inspect FILE...",
		Short: "Show the tensors of checkpoint files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  InspectHandler,
	}
	inspectCmd.Flags().Bool("digest", false, "Compute the xxhash64 digest of each file")
	inspectCmd.Flags().String("show", "", "Print the values of the named tensor")
	return inspectCmd
}
