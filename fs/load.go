// Package fs - Format-unabhaengiges Laden von Tensor-Dateien
//
// Dieses Modul enthaelt:
// - LoadTorchFile: Laedt safetensors, GGUF oder PyTorch Checkpoints anhand der Endung
// - LoadSelected: Wie LoadTorchFile, mit Substring-Ausschluss von Schluesseln
// - LoadSelectedFormat: LoadSelected ohne Erkennung anhand der Endung
package fs

import (
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"strings"

	"github.com/ollama/fluxmod/fs/gguf"
	"github.com/ollama/fluxmod/fs/safetensors"
	"github.com/ollama/fluxmod/fs/torch"
	"github.com/ollama/fluxmod/ml"
)

// Format bezeichnet das Container-Format einer Tensor-Datei
type Format string

const (
	FormatSafetensors Format = "safetensors"
	FormatGGUF        Format = "gguf"
	FormatTorch       Format = "torch"
)

// DetectFormat bestimmt das Format anhand der Dateiendung
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".safetensors", ".sft":
		return FormatSafetensors
	case ".gguf":
		return FormatGGUF
	default:
		return FormatTorch
	}
}

// LoadTorchFile laedt alle Tensors einer Datei
func LoadTorchFile(path string) (map[string]*ml.Tensor, error) {
	return LoadSelected(path, nil)
}

// LoadSelected laedt alle Tensors deren Schluessel keinen der Teilstrings
// aus exclude enthaelt. Bei Fehlern wird kein Teilergebnis zurueckgegeben.
func LoadSelected(path string, exclude []string) (map[string]*ml.Tensor, error) {
	return LoadSelectedFormat(path, DetectFormat(path), exclude)
}

// LoadSelectedFormat ist LoadSelected mit vorgegebenem Format
func LoadSelectedFormat(path string, format Format, exclude []string) (map[string]*ml.Tensor, error) {
	slog.Debug("loading tensors", "path", path, "format", format, "exclude", exclude)

	switch format {
	case FormatSafetensors:
		return safetensors.LoadSelected(path, exclude)
	case FormatGGUF:
		return loadGGUF(path, exclude)
	default:
		all, err := torch.Load(path)
		if err != nil {
			return nil, err
		}
		maps.DeleteFunc(all, func(k string, _ *ml.Tensor) bool {
			return safetensors.Excluded(k, exclude)
		})
		return all, nil
	}
}

func loadGGUF(path string, exclude []string) (map[string]*ml.Tensor, error) {
	f, err := gguf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("gguf %s: %w", path, err)
	}
	defer f.Close()

	tensors := make(map[string]*ml.Tensor)
	for _, info := range f.Tensors() {
		if safetensors.Excluded(info.Name, exclude) {
			continue
		}
		t, err := f.Tensor(info.Name)
		if err != nil {
			return nil, fmt.Errorf("gguf %s: %w", path, err)
		}
		tensors[info.Name] = t
	}
	return tensors, nil
}
