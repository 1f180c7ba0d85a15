// cmd_extract.go - Tensors aus einem Checkpoint in eine neue Datei kopieren
// Hauptfunktionen: ExtractHandler, extractTensors
package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ollama/fluxmod/fs"
	"github.com/ollama/fluxmod/fs/gguf"
	"github.com/ollama/fluxmod/fs/safetensors"
	"github.com/ollama/fluxmod/ml"
)

// extractOptions waehlt und konvertiert Tensors
type extractOptions struct {
	// Prefix behaelt nur Schluessel mit Prefix und entfernt ihn
	Prefix  string
	Exclude []string

	// DType castet alle Gleitkomma-Tensors; 0 behaelt den Typ
	DType ml.DType
	Cast  bool
}

// extractTensors waehlt Tensors aus sd. Das Ergebnis teilt keine Daten mit sd,
// wenn gecastet wird.
func extractTensors(sd map[string]*ml.Tensor, o extractOptions) (map[string]*ml.Tensor, error) {
	out := make(map[string]*ml.Tensor)
	for k, t := range sd {
		if safetensors.Excluded(k, o.Exclude) {
			continue
		}

		name := k
		if o.Prefix != "" {
			rest, ok := strings.CutPrefix(k, o.Prefix)
			if !ok {
				continue
			}
			name = rest
		}

		if o.Cast && t.DType.IsFloating() && t.DType != o.DType {
			c, err := t.Cast(o.DType)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			t = c
		}
		out[name] = t
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no tensors selected")
	}
	return out, nil
}

// ExtractHandler - Kopiert ausgewaehlte Tensors nach Safetensors oder GGUF
func ExtractHandler(cmd *cobra.Command, args []string) error {
	src, dst := args[0], args[1]

	o := extractOptions{}
	o.Prefix, _ = cmd.Flags().GetString("prefix")
	o.Exclude, _ = cmd.Flags().GetStringSlice("exclude")
	if s, _ := cmd.Flags().GetString("dtype"); s != "" {
		dt, err := ml.ParseDType(s)
		if err != nil {
			return err
		}
		if !dt.IsFloating() {
			return fmt.Errorf("dtype %s is not a floating type", dt)
		}
		o.DType, o.Cast = dt, true
	}

	sd, err := fs.LoadSelected(src, nil)
	if err != nil {
		return err
	}

	out, err := extractTensors(sd, o)
	if err != nil {
		return fmt.Errorf("%s: %w", src, err)
	}

	switch fs.DetectFormat(dst) {
	case fs.FormatSafetensors:
		err = safetensors.WriteFile(dst, out, map[string]string{"format": "pt"})
	case fs.FormatGGUF:
		err = gguf.WriteFile(dst, map[string]any{"general.architecture": "flux"}, out)
	default:
		return fmt.Errorf("%s: output must be .safetensors or .gguf", dst)
	}
	if err != nil {
		return err
	}

	slog.Debug("extracted tensors", "src", src, "dst", dst, "count", len(out))
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d tensors to %s\n", len(out), dst)
	return nil
}

// newExtractCmd - Erstellt den extract Command
func newExtractCmd() *cobra.Command {
	extractCmd := &cobra.Command{
		Use:   "extract SRC DST",
		Short: "Copy selected tensors into a new safetensors or gguf file",
		Example: `  # Split the approximator out of a Chroma checkpoint
  fluxmod extract chroma.safetensors guidance.safetensors --prefix distilled_guidance_layer.`,
		Args: cobra.ExactArgs(2),
		RunE: ExtractHandler,
	}
	extractCmd.Flags().String("prefix", "", "Keep only keys with this prefix and strip it")
	extractCmd.Flags().StringSlice("exclude", nil, "Drop keys containing any of these substrings")
	extractCmd.Flags().String("dtype", "", "Cast floating tensors (F32, F16, BF16, F8_E4M3, F8_E5M2)")
	return extractCmd
}
