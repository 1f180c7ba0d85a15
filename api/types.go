// types.go - Request- und Response-Typen der Node-API
//
// Dieses Modul enthaelt:
// - StatusError: Fehler mit HTTP-Statuscode
// - PromptRequest / NodeRequest: Ein Graph aus Node-Aufrufen
// - PromptResponse: Ergebnis von POST /prompt
// - HistoryEntry / NodeOutput / NodeError: Gespeicherte Ergebnisse
package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// StatusError is an error with an HTTP status code and message.
type StatusError struct {
	StatusCode   int    `json:"-"`
	Status       string `json:"-"`
	ErrorMessage string `json:"error"`
	NodeID       string `json:"node_id,omitempty"`
}

func (e StatusError) Error() string {
	msg := e.ErrorMessage
	if e.NodeID != "" {
		msg = fmt.Sprintf("node %s: %s", e.NodeID, msg)
	}

	switch {
	case e.Status != "" && msg != "":
		return fmt.Sprintf("%s: %s", e.Status, msg)
	case e.Status != "":
		return e.Status
	case msg != "":
		return msg
	default:
		return "something went wrong, please see the fluxmod server logs for details"
	}
}

// NodeRequest ruft eine Node-Klasse auf. Eingaben sind Widget-Werte oder
// Links der Form [node_id, output_index].
type NodeRequest struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// PromptRequest ist ein Graph aus Node-Aufrufen, indiziert nach Node-ID
type PromptRequest struct {
	Prompt   map[string]NodeRequest `json:"prompt"`
	ClientID string                 `json:"client_id,omitempty"`
}

// PromptResponse ist die Antwort auf POST /prompt
type PromptResponse struct {
	PromptID string `json:"prompt_id"`
	Number   int    `json:"number"`
}

// Status beschreibt den Ausgang eines Prompts
type Status struct {
	StatusStr string `json:"status_str"`
	Completed bool   `json:"completed"`
}

const (
	StatusSuccess = "success"
	StatusFailed  = "error"
)

// NodeOutput ist die JSON-Zusammenfassung der Ausgaben einer Node
type NodeOutput struct {
	ClassType string         `json:"class_type"`
	Values    []any          `json:"values"`
	UI        map[string]any `json:"ui,omitempty"`
}

// NodeError beschreibt die Node, an der ein Prompt abgebrochen wurde
type NodeError struct {
	NodeID    string `json:"node_id"`
	ClassType string `json:"class_type"`
	Message   string `json:"message"`
}

// HistoryEntry ist ein ausgefuehrter Prompt
type HistoryEntry struct {
	PromptID string                `json:"prompt_id"`
	Status   Status                `json:"status"`
	Order    []string              `json:"order"`
	Outputs  map[string]NodeOutput `json:"outputs"`
	Error    *NodeError            `json:"error,omitempty"`
	Started  time.Time             `json:"started"`
	Duration Duration              `json:"duration"`
}

// Duration wird als Go-Dauer ("1.5s") serialisiert
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}
