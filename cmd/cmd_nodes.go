// cmd_nodes.go - Node-Klassen auflisten
// Hauptfunktionen: NodesHandler, localNodes, remoteNodes
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ollama/fluxmod/api"
	"github.com/ollama/fluxmod/host"
	"github.com/ollama/fluxmod/nodes"
)

// nodeRow ist eine Zeile der Node-Tabelle
type nodeRow struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Category    string   `json:"category"`
	Output      []string `json:"output"`
	OutputNode  bool     `json:"output_node"`
}

// NodesHandler - Listet die Node-Klassen der eingebauten Registry oder eines laufenden Servers
func NodesHandler(cmd *cobra.Command, args []string) error {
	var rows []nodeRow
	var err error
	if remote, _ := cmd.Flags().GetBool("remote"); remote {
		rows, err = remoteNodes(cmd)
	} else {
		rows, err = localNodes()
	}
	if err != nil {
		return err
	}

	if len(args) > 0 {
		rows = slices.DeleteFunc(rows, func(r nodeRow) bool {
			return !strings.HasPrefix(strings.ToLower(r.Name), strings.ToLower(args[0]))
		})
	}

	writeNodes(os.Stdout, rows)
	return nil
}

func localNodes() ([]nodeRow, error) {
	r, err := nodes.DefaultRegistry()
	if err != nil {
		return nil, err
	}

	env := &nodes.Env{Folders: host.NewFolderPaths()}
	info, err := r.ObjectInfo(env)
	if err != nil {
		return nil, err
	}

	rows := make([]nodeRow, 0, info.Len())
	for p := info.Oldest(); p != nil; p = p.Next() {
		rows = append(rows, nodeRow{
			Name:        p.Value.Name,
			DisplayName: p.Value.DisplayName,
			Category:    p.Value.Category,
			Output:      p.Value.Output,
			OutputNode:  p.Value.OutputNode,
		})
	}
	return rows, nil
}

func remoteNodes(cmd *cobra.Command) ([]nodeRow, error) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, err
	}

	info, err := client.ObjectInfo(cmd.Context())
	if err != nil {
		return nil, err
	}

	rows := make([]nodeRow, 0, len(info))
	for name, raw := range info {
		var row nodeRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if row.Name == "" {
			row.Name = name
		}
		rows = append(rows, row)
	}
	slices.SortFunc(rows, func(a, b nodeRow) int { return strings.Compare(a.Name, b.Name) })
	return rows, nil
}

func writeNodes(w io.Writer, rows []nodeRow) {
	var data [][]string
	for _, r := range rows {
		output := strings.Join(r.Output, ", ")
		if r.OutputNode {
			output = "(output node)"
			if len(r.Output) > 0 {
				output = strings.Join(r.Output, ", ") + " (output node)"
			}
		}
		data = append(data, []string{r.Name, r.DisplayName, r.Category, output})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"NAME", "TITLE", "CATEGORY", "OUTPUTS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

// newNodesCmd - Erstellt den nodes Command
func newNodesCmd() *cobra.Command {
	nodesCmd := &cobra.Command{
		Use:     "nodes [PREFIX]",
		Aliases: []string{"ls"},
		Short:   "List node classes",
		Args:    cobra.MaximumNArgs(1),
		RunE:    NodesHandler,
	}
	nodesCmd.Flags().Bool("remote", false, "List the nodes of the running server")
	return nodesCmd
}
