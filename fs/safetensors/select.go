package safetensors

import (
	"strings"

	"github.com/ollama/fluxmod/ml"
)

// Excluded meldet ob key eines der Schluesselwoerter als Teilstring enthaelt
func Excluded(key string, exclude []string) bool {
	for _, keyword := range exclude {
		if strings.Contains(key, keyword) {
			return true
		}
	}
	return false
}

// LoadSelected loads every tensor of the archive at path whose name contains
// none of the exclude keywords. Any read error aborts the whole load.
func LoadSelected(path string, exclude []string) (map[string]*ml.Tensor, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tensors := make(map[string]*ml.Tensor, f.Len())
	for _, key := range f.Keys() {
		if Excluded(key, exclude) {
			continue
		}

		t, err := f.Tensor(key)
		if err != nil {
			return nil, err
		}
		tensors[key] = t
	}

	return tensors, nil
}
