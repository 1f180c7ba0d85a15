package nn

import (
	"reflect"

	"github.com/ollama/fluxmod/logutil"
	"github.com/ollama/fluxmod/ml"
)

// CastLayers durchlaeuft die Kinder von m in Tiefensuche. Jedes Kind vom Typ L
// wird mit allen Gleitkomma-Parametern nach dtype konvertiert und nicht weiter
// durchlaufen; alle anderen Kinder werden rekursiv besucht. Gibt die Anzahl
// der konvertierten Knoten zurueck.
func CastLayers[L any](m any, dtype ml.DType) (int, error) {
	var n int
	var err error
	walk(reflect.ValueOf(m), "", func(name string, child reflect.Value) bool {
		if err != nil {
			return false
		}
		if _, ok := child.Interface().(L); !ok {
			return true
		}

		walk(child, name, nil, func(p param) {
			if err == nil {
				err = castParam(p, dtype)
			}
		})
		logutil.Trace("cast layer", "name", name, "dtype", dtype)
		n++
		return false
	}, func(param) {})
	return n, err
}
