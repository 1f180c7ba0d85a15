// Package nn - Reflection-basierter Modulbaum
//
// Dieses Modul enthaelt die Reflection-Logik fuer Modell-Strukturen:
//   - Module sind Structs, deren Parameter- und Kind-Felder ein
//     `weight:"name"` Tag tragen; Slices und Arrays werden indiziert
//   - StateDict / Keys / NumParams: Deklarierte Parameter
//   - LoadStateDict: Striktes Laden (fehlende, unerwartete und falsch geformte Schluessel)
//   - To: Konvertiert alle Gleitkomma-Parameter
package nn

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/ollama/fluxmod/logutil"
	"github.com/ollama/fluxmod/ml"
)

// ErrStateDict wird zurueckgegeben wenn ein State-Dict nicht exakt zum Modul passt
var ErrStateDict = errors.New("state dict mismatch")

var tensorType = reflect.TypeOf((*ml.Tensor)(nil))

// param ist ein Parameter-Feld mit vollem Namen
type param struct {
	name  string
	value reflect.Value
}

func (p param) tensor() *ml.Tensor {
	return p.value.Interface().(*ml.Tensor)
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// walk besucht alle getaggten Felder von v. visit wird fuer jedes Kind-Modul
// (Zeiger auf Struct) aufgerufen; gibt visit false zurueck, wird das Kind
// nicht weiter durchlaufen. fn erhaelt jedes nicht-nil Parameter-Feld.
func walk(v reflect.Value, prefix string, visit func(name string, child reflect.Value) bool, fn func(param)) {
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return
	}

	t := v.Type()
	for i := range t.NumField() {
		tag, ok := t.Field(i).Tag.Lookup("weight")
		if !ok || tag == "-" || !v.Field(i).CanSet() {
			continue
		}
		walkField(v.Field(i), join(prefix, tag), visit, fn)
	}
}

func walkField(vv reflect.Value, name string, visit func(string, reflect.Value) bool, fn func(param)) {
	switch {
	case vv.Type() == tensorType:
		if !vv.IsNil() {
			fn(param{name, vv})
		}
	case vv.Kind() == reflect.Pointer && vv.Type().Elem().Kind() == reflect.Struct:
		if vv.IsNil() {
			return
		}
		if visit == nil || visit(name, vv) {
			walk(vv, name, visit, fn)
		}
	case vv.Kind() == reflect.Slice || vv.Kind() == reflect.Array:
		for i := range vv.Len() {
			walkField(vv.Index(i), join(name, strconv.Itoa(i)), visit, fn)
		}
	case vv.Kind() == reflect.Struct:
		walk(vv, name, visit, fn)
	}
}

func params(m any) []param {
	var ps []param
	walk(reflect.ValueOf(m), "", nil, func(p param) {
		ps = append(ps, p)
	})
	return ps
}

// StateDict gibt alle deklarierten Parameter nach vollem Namen zurueck
func StateDict(m any) map[string]*ml.Tensor {
	sd := make(map[string]*ml.Tensor)
	for _, p := range params(m) {
		sd[p.name] = p.tensor()
	}
	return sd
}

// Keys gibt die sortierten Parameternamen zurueck
func Keys(m any) []string {
	return slices.Sorted(maps.Keys(StateDict(m)))
}

// NumParams zaehlt die Elemente aller Parameter
func NumParams(m any) int64 {
	var n int64
	for _, p := range params(m) {
		n += p.tensor().NumElements()
	}
	return n
}

// LoadStateDict ersetzt jeden deklarierten Parameter durch den gleichnamigen
// Tensor aus sd. Fehlende, unerwartete und falsch geformte Schluessel werden
// gesammelt als ein Fehler gemeldet; das Modul bleibt dann unveraendert.
func LoadStateDict(m any, sd map[string]*ml.Tensor) error {
	ps := params(m)

	var missing, mismatched []string
	declared := make(map[string]struct{}, len(ps))
	for _, p := range ps {
		declared[p.name] = struct{}{}
		t, ok := sd[p.name]
		if !ok {
			missing = append(missing, p.name)
			continue
		}
		if want := p.tensor().Shape; !slices.Equal(want, t.Shape) {
			mismatched = append(mismatched, fmt.Sprintf("%s: %v != %v", p.name, t.Shape, want))
		}
	}

	var unexpected []string
	for k := range sd {
		if _, ok := declared[k]; !ok {
			unexpected = append(unexpected, k)
		}
	}

	if len(missing)+len(unexpected)+len(mismatched) > 0 {
		slices.Sort(missing)
		slices.Sort(unexpected)
		slices.Sort(mismatched)

		var b strings.Builder
		for _, part := range []struct {
			label string
			keys  []string
		}{
			{"missing keys", missing},
			{"unexpected keys", unexpected},
			{"size mismatch", mismatched},
		} {
			if len(part.keys) > 0 {
				fmt.Fprintf(&b, "; %s: %s", part.label, strings.Join(part.keys, ", "))
			}
		}
		return fmt.Errorf("%w%s", ErrStateDict, b.String())
	}

	for _, p := range ps {
		logutil.Trace("load parameter", "name", p.name, "tensor", sd[p.name])
		p.value.Set(reflect.ValueOf(sd[p.name]))
	}
	return nil
}

// To konvertiert jeden Gleitkomma-Parameter des Baums nach dtype
func To(m any, dtype ml.DType) error {
	for _, p := range params(m) {
		if err := castParam(p, dtype); err != nil {
			return err
		}
	}
	return nil
}

func castParam(p param, dtype ml.DType) error {
	t := p.tensor()
	if !t.DType.IsFloating() {
		return nil
	}
	cast, err := t.Cast(dtype)
	if err != nil {
		return fmt.Errorf("%s: %w", p.name, err)
	}
	p.value.Set(reflect.ValueOf(cast))
	return nil
}
