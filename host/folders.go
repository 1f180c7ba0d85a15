// folders.go - Benannte Modellordner des Hosts
//
// Dieses Modul enthaelt:
// - FolderPaths: Ordnername -> Verzeichnisse und Dateiendungen
// - FilenameList: Alle Modelldateien eines Ordners (relativ, sortiert)
// - FullPath: Aufloesung eines Dateinamens mit "did you mean" Vorschlag
package host

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/ollama/fluxmod/envconfig"
)

// ErrNotFound wird fuer unbekannte Ordner oder Dateien zurueckgegeben
var ErrNotFound = errors.New("not found")

// ModelExtensions sind die Endungen ladbarer Checkpoints
var ModelExtensions = []string{".safetensors", ".sft", ".ckpt", ".pt", ".pth", ".bin", ".gguf"}

type folder struct {
	dirs       []string
	extensions []string
}

// FolderPaths verwaltet die Modellordner
type FolderPaths struct {
	folders map[string]folder
}

// NewFolderPaths registriert checkpoints, unet_gguf und conditioning aus der Umgebung
func NewFolderPaths() *FolderPaths {
	f := &FolderPaths{folders: make(map[string]folder)}
	f.Register("checkpoints", envconfig.Checkpoints(), ModelExtensions)
	f.Register("unet_gguf", envconfig.UnetGGUF(), []string{".gguf"})
	f.Register("conditioning", envconfig.Conditioning(), []string{".safetensors"})
	return f
}

// Register fuegt einen Ordner hinzu oder ersetzt ihn
func (f *FolderPaths) Register(name string, dirs, extensions []string) {
	f.folders[name] = folder{dirs: dirs, extensions: extensions}
}

// Dirs gibt die Verzeichnisse eines Ordners zurueck
func (f *FolderPaths) Dirs(name string) []string {
	return f.folders[name].dirs
}

// FilenameList listet alle Dateien eines Ordners relativ zu ihrem Verzeichnis.
// Nicht vorhandene Verzeichnisse werden uebersprungen.
func (f *FolderPaths) FilenameList(name string) ([]string, error) {
	fo, ok := f.folders[name]
	if !ok {
		return nil, fmt.Errorf("folder %q: %w", name, ErrNotFound)
	}

	var names []string
	for _, dir := range fo.dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if d.IsDir() || !slices.Contains(fo.extensions, strings.ToLower(filepath.Ext(path))) {
				return nil
			}

			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			names = append(names, filepath.ToSlash(rel))
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	slices.Sort(names)
	return slices.Compact(names), nil
}

// FullPath findet filename im ersten Verzeichnis des Ordners, das ihn enthaelt
func (f *FolderPaths) FullPath(name, filename string) (string, error) {
	fo, ok := f.folders[name]
	if !ok {
		return "", fmt.Errorf("folder %q: %w", name, ErrNotFound)
	}

	rel := filepath.FromSlash(filename)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("invalid model name %q", filename)
	}

	for _, dir := range fo.dirs {
		p := filepath.Join(dir, rel)
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p, nil
		}
	}

	err := fmt.Errorf("%s %q: %w", name, filename, ErrNotFound)
	if names, lerr := f.FilenameList(name); lerr == nil {
		if s := closest(filename, names); s != "" {
			err = fmt.Errorf("%w, did you mean %q?", err, s)
		}
	}
	return "", err
}

// closest gibt den aehnlichsten Namen zurueck, falls er nah genug ist
func closest(s string, names []string) string {
	var best string
	score := math.MaxInt
	for _, n := range names {
		if d := levenshtein.ComputeDistance(s, n); d < score {
			score = d
			best = n
		}
	}

	if score <= max(3, len(s)/3) {
		return best
	}
	return ""
}
