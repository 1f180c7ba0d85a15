// Package safetensors - Lesen von Safetensors-Archiven
//
// Dieses Modul enthaelt:
// - File: geoeffnetes Archiv mit geparstem Header
// - Open: Header-Laenge und JSON-Header lesen und validieren
// - Keys / Info / Tensor: Zugriff auf einzelne Tensoren
package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/ollama/fluxmod/ml"
)

// ErrInvalidHeader wird bei beschaedigten oder abgeschnittenen Archiven zurueckgegeben
var ErrInvalidHeader = errors.New("invalid safetensors header")

// maxHeaderSize begrenzt den JSON-Header (100 MB wie in der Referenzimplementierung)
const maxHeaderSize = 100 << 20

const metadataKey = "__metadata__"

// TensorInfo beschreibt einen Tensor im Header
type TensorInfo struct {
	DType   string   `json:"dtype"`
	Shape   []int64  `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// NumBytes gibt die Groesse der Tensordaten zurueck
func (ti TensorInfo) NumBytes() int64 {
	return ti.Offsets[1] - ti.Offsets[0]
}

// File repraesentiert ein geoeffnetes Safetensors-Archiv
type File struct {
	Path string

	file     *os.File
	dataBase int64
	infos    map[string]TensorInfo
	metadata map[string]string
}

// Open oeffnet ein Archiv und parst den Header
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	sf := &File{Path: path, file: f}
	if err := sf.readHeader(f, st.Size()); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return sf, nil
}

func (f *File) readHeader(r io.Reader, size int64) error {
	var n int64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}

	if n <= 0 || n > maxHeaderSize || 8+n > size {
		return fmt.Errorf("%w: header length %d", ErrInvalidHeader, n)
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err := io.CopyN(b, r, n); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(b).Decode(&raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}

	f.dataBase = 8 + n
	dataSize := size - f.dataBase
	f.infos = make(map[string]TensorInfo, len(raw))

	for key, value := range raw {
		if key == metadataKey {
			if err := json.Unmarshal(value, &f.metadata); err != nil {
				return fmt.Errorf("%w: metadata: %v", ErrInvalidHeader, err)
			}
			continue
		}

		var info TensorInfo
		if err := json.Unmarshal(value, &info); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidHeader, key, err)
		}

		dtype, err := ml.ParseDType(info.DType)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidHeader, key, err)
		}

		if info.Offsets[0] < 0 || info.Offsets[1] < info.Offsets[0] || info.Offsets[1] > dataSize {
			return fmt.Errorf("%w: %s: offsets %v outside data of %d bytes", ErrInvalidHeader, key, info.Offsets, dataSize)
		}

		have := info.NumBytes()
		want := int64(dtype.Size())
		for _, d := range info.Shape {
			switch {
			case d < 0:
				return fmt.Errorf("%w: %s: negative dimension in shape %v", ErrInvalidHeader, key, info.Shape)
			case d > 0 && want > have/d:
				return fmt.Errorf("%w: %s: %s%v exceeds %d bytes", ErrInvalidHeader, key, info.DType, info.Shape, have)
			}
			want *= d
		}
		if want != have {
			return fmt.Errorf("%w: %s: %s%v needs %d bytes, have %d", ErrInvalidHeader, key, info.DType, info.Shape, want, info.NumBytes())
		}

		f.infos[key] = info
	}

	return nil
}

// Keys gibt alle Tensornamen sortiert zurueck
func (f *File) Keys() []string {
	return slices.Sorted(maps.Keys(f.infos))
}

// Len gibt die Anzahl der Tensoren zurueck
func (f *File) Len() int {
	return len(f.infos)
}

// Info gibt die Header-Information eines Tensors zurueck
func (f *File) Info(name string) (TensorInfo, bool) {
	info, ok := f.infos[name]
	return info, ok
}

// Metadata gibt die optionalen Header-Metadaten zurueck
func (f *File) Metadata() map[string]string {
	return f.metadata
}

// Reader liefert einen Reader fuer die Rohdaten eines Tensors
func (f *File) Reader(name string) (io.Reader, error) {
	info, ok := f.infos[name]
	if !ok {
		return nil, fmt.Errorf("tensor %s not found", name)
	}
	return io.NewSectionReader(f.file, f.dataBase+info.Offsets[0], info.NumBytes()), nil
}

// Tensor liest einen Tensor vollstaendig in den Speicher
func (f *File) Tensor(name string) (*ml.Tensor, error) {
	info, ok := f.infos[name]
	if !ok {
		return nil, fmt.Errorf("tensor %s not found", name)
	}

	dtype, err := ml.ParseDType(info.DType)
	if err != nil {
		return nil, err
	}

	data := make([]byte, info.NumBytes())
	if _, err := f.file.ReadAt(data, f.dataBase+info.Offsets[0]); err != nil {
		return nil, fmt.Errorf("read tensor %s: %w", name, err)
	}

	return &ml.Tensor{DType: dtype, Shape: slices.Clone(info.Shape), Data: data}, nil
}

// Close schliesst die Datei
func (f *File) Close() error {
	return f.file.Close()
}
