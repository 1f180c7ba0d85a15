// cmd_run.go - Node-Graph an einen laufenden Server senden
// Hauptfunktionen: RunHandler, readPrompt, writeHistory
package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ollama/fluxmod/api"
	"github.com/ollama/fluxmod/envconfig"
)

// readPrompt liest {"prompt": {...}} oder direkt die Node-Map {"1": {...}}
func readPrompt(r io.Reader) (*api.PromptRequest, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	decode := func(v any) error {
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		return dec.Decode(v)
	}

	var req api.PromptRequest
	if err := decode(&req); err != nil {
		return nil, err
	}
	if len(req.Prompt) > 0 {
		return &req, nil
	}

	if err := decode(&req.Prompt); err != nil {
		return nil, err
	}
	if len(req.Prompt) == 0 {
		return nil, fmt.Errorf("prompt has no nodes")
	}
	return &req, nil
}

// RunHandler - Fuehrt einen Graphen aus einer JSON-Datei aus ("-" liest stdin)
func RunHandler(cmd *cobra.Command, args []string) error {
	var r io.Reader = os.Stdin
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	req, err := readPrompt(r)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	if err := client.Heartbeat(cmd.Context()); err != nil {
		return fmt.Errorf("server at %s not reachable: %w", envconfig.Host(), err)
	}

	resp, err := client.Prompt(cmd.Context(), req)
	if err != nil {
		return err
	}

	entry, err := client.History(cmd.Context(), resp.PromptID)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(entry)
	}

	return writeHistory(cmd.OutOrStdout(), entry)
}

func writeHistory(w io.Writer, e *api.HistoryEntry) error {
	fmt.Fprintf(w, "prompt %s %s in %s\n\n", e.PromptID, e.Status.StatusStr, e.Duration)

	var data [][]string
	for _, id := range e.Order {
		out, ok := e.Outputs[id]
		if !ok {
			continue
		}

		values, err := json.Marshal(out.Values)
		if err != nil {
			return err
		}
		row := []string{id, out.ClassType, string(values), ""}
		if len(out.UI) > 0 {
			ui, err := json.Marshal(out.UI)
			if err != nil {
				return err
			}
			row[3] = string(ui)
		}
		data = append(data, row)
	}

	if e.Error != nil && !slices.ContainsFunc(data, func(row []string) bool { return row[0] == e.Error.NodeID }) {
		data = append(data, []string{e.Error.NodeID, e.Error.ClassType, "error: " + e.Error.Message, ""})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"NODE", "CLASS", "OUTPUTS", "UI"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
	return nil
}

// newRunCmd - Erstellt den run Command
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run GRAPH",
		Short: "Execute a node graph on the running server",
		Args:  cobra.ExactArgs(1),
		RunE:  RunHandler,
	}
	runCmd.Flags().Bool("json", false, "Print the history entry as JSON")
	return runCmd
}
