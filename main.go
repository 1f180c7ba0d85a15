package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ollama/fluxmod/cmd"
	"github.com/ollama/fluxmod/envconfig"
	"github.com/ollama/fluxmod/logutil"
)

func main() {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
	cobra.CheckErr(cmd.NewCLI().ExecuteContext(context.Background()))
}
