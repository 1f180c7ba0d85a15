// registry.go - Node-Definitionen und Registry
//
// Dieses Modul enthaelt:
// - Env: Host-Dienste fuer die Ausfuehrung (Ordner, Sampling, Backend)
// - Definition / Info: Node-Klasse und ihre Beschreibung (object_info)
// - Registry: Registrierte Node-Klassen in Einfuegereihenfolge
// - Execute: Validierung der Eingaben und Aufruf der Node-Funktion
// - decode / object: Eingaben in typisierte Werte umwandeln (mapstructure)
package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mitchellh/mapstructure"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/ollama/fluxmod/host"
	"github.com/ollama/fluxmod/sample"
)

var (
	// ErrInvalidValue wird fuer ungueltige Widget-Werte zurueckgegeben
	ErrInvalidValue = errors.New("invalid value")

	// ErrUnknownNode wird fuer nicht registrierte Node-Klassen zurueckgegeben
	ErrUnknownNode = errors.New("unknown node class")

	// ErrMissingInput wird fuer fehlende Pflicht-Eingaben zurueckgegeben
	ErrMissingInput = errors.New("missing required input")
)

// Category ist die Kategorie der FluxMod Nodes
const Category = "ExtraModels/FluxMod"

// Env sind die Host-Dienste, die Nodes bei der Ausfuehrung nutzen
type Env struct {
	Folders    *host.FolderPaths
	Dispatcher *sample.Dispatcher

	// Backend wird an geladene Modelle gebunden
	Backend host.Backend

	// OutputDir ist das Zielverzeichnis von Ausgabe-Nodes
	OutputDir string
}

// Definition ist eine Node-Klasse
type Definition struct {
	Name           string
	Title          string
	Description    string
	Category       string
	Function       string
	ReturnTypes    []string
	ReturnNames    []string
	OutputTooltips []string
	OutputNode     bool

	// Inputs baut das Eingabe-Schema; Auswahllisten koennen von Env abhaengen
	Inputs func(env *Env) (*Schema, error)

	// Run fuehrt die Node aus und gibt je Rueckgabetyp einen Wert zurueck
	Run func(ctx context.Context, env *Env, inputs map[string]any) (Result, error)
}

// Result ist das Ergebnis einer Node-Ausfuehrung
type Result struct {
	// Values enthaelt je Rueckgabetyp einen Wert
	Values []any

	// UI sind Anzeige-Daten von Ausgabe-Nodes (z.B. geschriebene Dateien)
	UI map[string]any
}

func values(v ...any) Result {
	return Result{Values: v}
}

// Info ist die JSON-Beschreibung einer Node-Klasse
type Info struct {
	Input          *Schema  `json:"input"`
	InputOrder     Order    `json:"input_order"`
	Output         []string `json:"output"`
	OutputIsList   []bool   `json:"output_is_list"`
	OutputName     []string `json:"output_name"`
	Name           string   `json:"name"`
	DisplayName    string   `json:"display_name"`
	Description    string   `json:"description"`
	Category       string   `json:"category"`
	OutputNode     bool     `json:"output_node"`
	OutputTooltips []string `json:"output_tooltips,omitempty"`
}

// Order ist die Eingabe-Reihenfolge je Abschnitt
type Order struct {
	Required []string `json:"required"`
	Optional []string `json:"optional,omitempty"`
}

// Info beschreibt die Node-Klasse fuer env
func (d *Definition) Info(env *Env) (*Info, error) {
	schema, err := d.Inputs(env)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.Name, err)
	}

	names := d.ReturnNames
	if names == nil {
		names = d.ReturnTypes
	}

	return &Info{
		Input:          schema,
		InputOrder:     Order{Required: schema.RequiredNames(), Optional: schema.OptionalNames()},
		Output:         d.ReturnTypes,
		OutputIsList:   make([]bool, len(d.ReturnTypes)),
		OutputName:     names,
		Name:           d.Name,
		DisplayName:    d.Title,
		Description:    d.Description,
		Category:       d.Category,
		OutputNode:     d.OutputNode,
		OutputTooltips: d.OutputTooltips,
	}, nil
}

// Registry haelt die registrierten Node-Klassen
type Registry struct {
	defs *orderedmap.OrderedMap[string, *Definition]
}

// NewRegistry erstellt eine leere Registry
func NewRegistry() *Registry {
	return &Registry{defs: orderedmap.New[string, *Definition]()}
}

// Register fuegt Node-Klassen hinzu; doppelte Namen sind ein Fehler
func (r *Registry) Register(defs ...*Definition) error {
	for _, d := range defs {
		if _, ok := r.defs.Get(d.Name); ok {
			return fmt.Errorf("node class %s already registered", d.Name)
		}
		r.defs.Set(d.Name, d)
	}
	return nil
}

// Get sucht eine Node-Klasse
func (r *Registry) Get(name string) (*Definition, error) {
	d, ok := r.defs.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownNode, name)
	}
	return d, nil
}

// Names gibt alle Klassennamen in Registrierungsreihenfolge zurueck
func (r *Registry) Names() []string {
	out := make([]string, 0, r.defs.Len())
	for p := r.defs.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Key)
	}
	return out
}

// ObjectInfo beschreibt alle Node-Klassen
func (r *Registry) ObjectInfo(env *Env) (*orderedmap.OrderedMap[string, *Info], error) {
	out := orderedmap.New[string, *Info]()
	for p := r.defs.Oldest(); p != nil; p = p.Next() {
		info, err := p.Value.Info(env)
		if err != nil {
			return nil, err
		}
		out.Set(p.Key, info)
	}
	return out, nil
}

// Execute prueft die Eingaben gegen das Schema und fuehrt die Node aus
func (r *Registry) Execute(ctx context.Context, env *Env, class string, inputs map[string]any) (Result, error) {
	d, err := r.Get(class)
	if err != nil {
		return Result{}, err
	}

	schema, err := d.Inputs(env)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", class, err)
	}

	for _, name := range schema.RequiredNames() {
		if _, ok := inputs[name]; !ok {
			return Result{}, fmt.Errorf("%s: %w %q", class, ErrMissingInput, name)
		}
	}
	for name, v := range inputs {
		in, _, ok := schema.Lookup(name)
		if !ok {
			continue
		}
		if err := in.validate(name, v); err != nil {
			return Result{}, fmt.Errorf("%s: %w", class, err)
		}
	}

	start := time.Now()
	out, err := d.Run(ctx, env, inputs)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", class, err)
	}
	if len(out.Values) != len(d.ReturnTypes) {
		return Result{}, fmt.Errorf("%s: returned %d outputs, declared %d", class, len(out.Values), len(d.ReturnTypes))
	}

	slog.Debug("executed node", "class", class, "duration", time.Since(start))
	return out, nil
}

// decode liest die Widget-Werte aus inputs in v (Felder mit `mapstructure` Tags)
func decode(inputs map[string]any, v any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           v,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(inputs); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return nil
}

// object liest eine verknuepfte Eingabe vom Typ T
func object[T any](inputs map[string]any, name string) (T, error) {
	v, ok := inputs[name].(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s: expected %T, got %T", ErrInvalidValue, name, zero, inputs[name])
	}
	return v, nil
}

// number wandelt numerische Widget-Werte in float64
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
