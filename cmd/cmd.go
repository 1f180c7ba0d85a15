// cmd.go - Root Command und Umgebungsvariablen in der Hilfe
// Hauptfunktionen: NewCLI, appendEnvDocs
package cmd

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ollama/fluxmod/envconfig"
)

// appendEnvDocs haengt die genannten Variablen an das Usage-Template
func appendEnvDocs(cmd *cobra.Command, names ...string) {
	if len(names) == 0 {
		return
	}

	vars := envconfig.AsMap()

	var sb strings.Builder
	sb.WriteString("\nEnvironment Variables:\n")
	for _, name := range names {
		if e, ok := vars[name]; ok {
			fmt.Fprintf(&sb, "      %-24s   %s\n", e.Name, e.Description)
		}
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + sb.String())
}

// NewCLI - Erstellt den Root Command mit allen Subcommands
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:               "fluxmod",
		Short:             "FluxMod node server and checkpoint tools",
		SilenceUsage:      true,
		SilenceErrors:     true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}

	folders := []string{"FLUXMOD_MODELS", "FLUXMOD_CHECKPOINTS", "FLUXMOD_UNET_GGUF", "FLUXMOD_CONDITIONING"}
	devices := []string{"FLUXMOD_DEVICE", "FLUXMOD_OFFLOAD_DEVICE"}

	serveCmd := newServeCmd()
	appendEnvDocs(serveCmd, slices.Concat(
		[]string{"FLUXMOD_DEBUG", "FLUXMOD_HOST", "FLUXMOD_ORIGINS"},
		folders,
		[]string{"FLUXMOD_OUTPUT", "FLUXMOD_FAST"},
		devices,
		[]string{"FLUXMOD_MAX_HISTORY"},
	)...)

	nodesCmd := newNodesCmd()
	appendEnvDocs(nodesCmd, slices.Concat([]string{"FLUXMOD_HOST"}, folders)...)

	runCmd := newRunCmd()
	appendEnvDocs(runCmd, "FLUXMOD_HOST")

	inspectCmd := newInspectCmd()
	appendEnvDocs(inspectCmd, "FLUXMOD_DEBUG")

	loadCmd := newLoadCmd()
	appendEnvDocs(loadCmd, slices.Concat([]string{"FLUXMOD_DEBUG"}, devices)...)

	extractCmd := newExtractCmd()
	appendEnvDocs(extractCmd, "FLUXMOD_DEBUG")

	rootCmd.AddCommand(serveCmd, nodesCmd, runCmd, inspectCmd, loadCmd, extractCmd)
	return rootCmd
}
