// cmd_serve.go - Server starten
// Hauptfunktionen: RunServer, newServeCmd
package cmd

import (
	"errors"
	"net"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/ollama/fluxmod/envconfig"
	"github.com/ollama/fluxmod/server"
)

// RunServer - Startet den Node-Server auf FLUXMOD_HOST
func RunServer(_ *cobra.Command, _ []string) error {
	ln, err := net.Listen("tcp", envconfig.Host().Host)
	if err != nil {
		return err
	}

	err = server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// newServeCmd - Erstellt den serve Command
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the node server",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}
}
