// cmd_load.go - FluxMod Modell probeweise laden
// Hauptfunktionen: LoadHandler, parseQuantFlag
package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/ollama/fluxmod/format"
	"github.com/ollama/fluxmod/loader"
	"github.com/ollama/fluxmod/ml"
	"github.com/ollama/fluxmod/nodes"
)

// parseQuantFlag akzeptiert die Node-Werte und deren Kurzform ("bf16", "float8_e4m3fn", "float8_e5m2")
func parseQuantFlag(s string) (ml.DType, error) {
	for _, mode := range nodes.QuantModes {
		if mode == s || strings.HasPrefix(mode, s+" ") {
			return nodes.ParseQuantMode(mode)
		}
	}
	return nodes.ParseQuantMode(s)
}

// LoadHandler - Laedt ein Modell wie FluxModCheckpointLoader und zeigt das Ergebnis
func LoadHandler(cmd *cobra.Command, args []string) error {
	quant, _ := cmd.Flags().GetString("quant")
	dtype, err := parseQuantFlag(quant)
	if err != nil {
		return err
	}

	guidance, _ := cmd.Flags().GetString("guidance")
	litePatch, _ := cmd.Flags().GetString("lite-patch")
	isGGUF, _ := cmd.Flags().GetBool("gguf")

	bar := progressbar.NewOptions(len(loader.Stages)-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(string(loader.StageWeights)),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)

	start := time.Now()
	patcher, err := loader.LoadFluxMod(cmd.Context(), loader.Options{
		ModelPath:     args[0],
		GuidancePath:  guidance,
		LitePatchPath: litePatch,
		LinearDType:   dtype,
		IsGGUF:        isGGUF,
		Progress: func(s loader.Stage) {
			bar.Describe(string(s))
			if s != loader.StageWeights {
				bar.Add(1) //nolint:errcheck
			}
		},
	})
	if err != nil {
		return err
	}
	bar.Finish() //nolint:errcheck

	m := patcher.Model
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "model type:     %s\n", m.Type)
	fmt.Fprintf(out, "dtype:          %s\n", m.DType)
	fmt.Fprintf(out, "linear dtype:   %s\n", dtype)
	fmt.Fprintf(out, "scaled fp8:     %t\n", m.Config.ScaledFP8)
	fmt.Fprintf(out, "load device:    %s\n", patcher.LoadDevice)
	fmt.Fprintf(out, "offload device: %s\n", patcher.OffloadDevice)
	fmt.Fprintf(out, "size:           %s\n", format.HumanBytes(patcher.Size()))
	fmt.Fprintf(out, "loaded in:      %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}

// newLoadCmd - Erstellt den load Command
func newLoadCmd() *cobra.Command {
	loadCmd := &cobra.Command{
		Use:   "load MODEL",
		Short: "Load a FluxMod model and report its layout",
		Args:  cobra.ExactArgs(1),
		RunE:  LoadHandler,
	}
	loadCmd.Flags().String("guidance", "", "Distilled guidance (approximator) checkpoint")
	loadCmd.Flags().String("lite-patch", "", "Smaller approximator replacing --guidance")
	loadCmd.Flags().String("quant", "bf16", "Linear layer dtype (bf16, float8_e4m3fn, float8_e5m2)")
	loadCmd.Flags().Bool("gguf", false, "Read MODEL as GGUF regardless of its extension")
	return loadCmd
}
