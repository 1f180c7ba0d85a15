// schema.go - Eingabe-Schemas der Nodes
//
// Dieses Modul enthaelt:
// - Input: Typ oder Auswahlliste mit geordneten Optionen (default, min, tooltip, ...)
// - Schema: Required/Optional Eingaben in Einfuegereihenfolge
// - Fragmente: Required, Optional, With, Without fuer die Zusammensetzung
// - JSON-Ausgabe im INPUT_TYPES Format des Hosts
package nodes

import (
	"encoding/json"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Eingabetypen der Host-Graphen
const (
	TypeModel        = "MODEL"
	TypeLatent       = "LATENT"
	TypeConditioning = "CONDITIONING"
	TypeSampler      = "SAMPLER"
	TypeSigmas       = "SIGMAS"
	TypeInt          = "INT"
	TypeFloat        = "FLOAT"
	TypeString       = "STRING"
	TypeBoolean      = "BOOLEAN"
)

// Option ist ein Schluessel-Wert Paar der Eingabe-Optionen
type Option struct {
	Key   string
	Value any
}

func Default(v any) Option     { return Option{"default", v} }
func Min(v any) Option         { return Option{"min", v} }
func Max(v any) Option         { return Option{"max", v} }
func Step(v any) Option        { return Option{"step", v} }
func Tooltip(s string) Option  { return Option{"tooltip", s} }
func Multiline(b bool) Option  { return Option{"multiline", b} }
func RoundTo(v float64) Option { return Option{"round", v} }

// Input beschreibt eine Eingabe: entweder ein Typ oder eine Auswahlliste
type Input struct {
	Type    string
	Choices []string
	Options *orderedmap.OrderedMap[string, any]
}

func newInput(typ string, choices []string, opts []Option) Input {
	in := Input{Type: typ, Choices: choices}
	if len(opts) > 0 {
		in.Options = orderedmap.New[string, any]()
		for _, o := range opts {
			in.Options.Set(o.Key, o.Value)
		}
	}
	return in
}

// Typed ist eine Eingabe vom Typ typ (MODEL, INT, ...)
func Typed(typ string, opts ...Option) Input {
	return newInput(typ, nil, opts)
}

// Combo ist eine Auswahl aus choices
func Combo(choices []string, opts ...Option) Input {
	if choices == nil {
		choices = []string{}
	}
	return newInput("", choices, opts)
}

// IsCombo meldet ob die Eingabe eine Auswahlliste ist
func (in Input) IsCombo() bool {
	return in.Choices != nil
}

// Option gibt den Wert der Option key zurueck
func (in Input) Option(key string) (any, bool) {
	if in.Options == nil {
		return nil, false
	}
	return in.Options.Get(key)
}

// MarshalJSON schreibt [typ, optionen] bzw. [[auswahl...], optionen]
func (in Input) MarshalJSON() ([]byte, error) {
	var first any = in.Type
	if in.IsCombo() {
		first = in.Choices
	}

	if in.Options == nil || in.Options.Len() == 0 {
		return json.Marshal([]any{first})
	}
	return json.Marshal([]any{first, in.Options})
}

// Field ist eine benannte Eingabe
type Field struct {
	Name  string
	Input Input
}

// F erzeugt ein Field
func F(name string, in Input) Field {
	return Field{Name: name, Input: in}
}

// Schema sind die Eingaben einer Node. Schemas werden nie veraendert;
// With und Without liefern neue Schemas.
type Schema struct {
	required *orderedmap.OrderedMap[string, Input]
	optional *orderedmap.OrderedMap[string, Input]
}

func newSchema() *Schema {
	return &Schema{
		required: orderedmap.New[string, Input](),
		optional: orderedmap.New[string, Input](),
	}
}

// Required ist ein Fragment aus Pflicht-Eingaben
func Required(fields ...Field) *Schema {
	s := newSchema()
	for _, f := range fields {
		s.required.Set(f.Name, f.Input)
	}
	return s
}

// Optional ist ein Fragment aus optionalen Eingaben
func Optional(fields ...Field) *Schema {
	s := newSchema()
	for _, f := range fields {
		s.optional.Set(f.Name, f.Input)
	}
	return s
}

func (s *Schema) clone() *Schema {
	c := newSchema()
	for p := s.required.Oldest(); p != nil; p = p.Next() {
		c.required.Set(p.Key, p.Value)
	}
	for p := s.optional.Oldest(); p != nil; p = p.Next() {
		c.optional.Set(p.Key, p.Value)
	}
	return c
}

// With haengt die Eingaben der Fragmente an. Gleichnamige Eingaben werden
// an ihrer bisherigen Position ersetzt.
func (s *Schema) With(fragments ...*Schema) *Schema {
	c := s.clone()
	for _, f := range fragments {
		for p := f.required.Oldest(); p != nil; p = p.Next() {
			c.optional.Delete(p.Key)
			c.required.Set(p.Key, p.Value)
		}
		for p := f.optional.Oldest(); p != nil; p = p.Next() {
			c.required.Delete(p.Key)
			c.optional.Set(p.Key, p.Value)
		}
	}
	return c
}

// Without entfernt die genannten Eingaben
func (s *Schema) Without(names ...string) *Schema {
	c := s.clone()
	for _, n := range names {
		c.required.Delete(n)
		c.optional.Delete(n)
	}
	return c
}

// Lookup sucht eine Eingabe und meldet ob sie Pflicht ist
func (s *Schema) Lookup(name string) (in Input, required bool, ok bool) {
	if in, ok := s.required.Get(name); ok {
		return in, true, true
	}
	if in, ok := s.optional.Get(name); ok {
		return in, false, true
	}
	return Input{}, false, false
}

// RequiredNames gibt die Pflicht-Eingaben in Reihenfolge zurueck
func (s *Schema) RequiredNames() []string {
	return keys(s.required)
}

// OptionalNames gibt die optionalen Eingaben in Reihenfolge zurueck
func (s *Schema) OptionalNames() []string {
	return keys(s.optional)
}

func keys(m *orderedmap.OrderedMap[string, Input]) []string {
	out := make([]string, 0, m.Len())
	for p := m.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Key)
	}
	return out
}

// MarshalJSON schreibt {"required": {...}, "optional": {...}}
func (s *Schema) MarshalJSON() ([]byte, error) {
	out := orderedmap.New[string, *orderedmap.OrderedMap[string, Input]]()
	out.Set("required", s.required)
	if s.optional.Len() > 0 {
		out.Set("optional", s.optional)
	}
	return json.Marshal(out)
}

// validate prueft einen Widget-Wert gegen Auswahlliste und Grenzen
func (in Input) validate(name string, v any) error {
	if in.IsCombo() {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: %s: expected one of %q, got %v", ErrInvalidValue, name, in.Choices, v)
		}
		for _, c := range in.Choices {
			if c == s {
				return nil
			}
		}
		return fmt.Errorf("%w: %s: %q not in %q", ErrInvalidValue, name, s, in.Choices)
	}

	if in.Type != TypeInt && in.Type != TypeFloat {
		return nil
	}

	f, ok := number(v)
	if !ok {
		return fmt.Errorf("%w: %s: expected %s, got %v", ErrInvalidValue, name, in.Type, v)
	}
	if lo, ok := in.Option("min"); ok {
		if l, ok := number(lo); ok && f < l {
			return fmt.Errorf("%w: %s: %v is below minimum %v", ErrInvalidValue, name, v, lo)
		}
	}
	if hi, ok := in.Option("max"); ok {
		if h, ok := number(hi); ok && f > h {
			return fmt.Errorf("%w: %s: %v is above maximum %v", ErrInvalidValue, name, v, hi)
		}
	}
	return nil
}
