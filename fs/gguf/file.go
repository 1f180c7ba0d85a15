// Package gguf liest und schreibt GGUF-Checkpoints (Ordner "unet_gguf").
//
// file.go enthaelt:
// - File, Open, Close
// - readHeader: Magic, Version, Key-Values und Tensor-Infos
// - Kennungen der Metadaten-Typen
package gguf

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"os"
)

// Type-Konstanten fuer GGUF-Datentypen
const (
	typeUint8 uint32 = iota
	typeInt8
	typeUint16
	typeInt16
	typeUint32
	typeInt32
	typeFloat32
	typeBool
	typeString
	typeArray
	typeUint64
	typeInt64
	typeFloat64
)

// ErrUnsupported wird bei nicht unterstuetzten Formaten, Versionen oder Tensortypen zurueckgegeben
var ErrUnsupported = errors.New("unsupported")

// File ist eine geoeffnete GGUF-Datei. Header und Tensor-Beschreibungen
// liegen nach Open im Speicher, Tensordaten werden bei Bedarf gelesen.
type File struct {
	Magic   [4]byte
	Version uint32

	keyValues []KeyValue
	tensors   []TensorInfo

	// offset ist der ausgerichtete Beginn des Datenbereichs
	offset int64
	file   *os.File
}

// Open oeffnet eine GGUF-Datei (Version 2 oder neuer) und liest den Header
func Open(path string) (*File, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	f, err := readHeader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.file = file
	return f, nil
}

func readHeader(r io.Reader) (*File, error) {
	h := newHeaderReader(r)
	f := &File{}

	copy(f.Magic[:], h.next(4))
	if h.err == nil && string(f.Magic[:]) != "GGUF" {
		return nil, fmt.Errorf("%w file type %q", ErrUnsupported, f.Magic[:])
	}

	f.Version = h.u32()
	if h.err == nil && f.Version < 2 {
		return nil, fmt.Errorf("%w version %d", ErrUnsupported, f.Version)
	}

	numTensors, numKeyValues := h.u64(), h.u64()

	for i := uint64(0); i < numKeyValues && h.err == nil; i++ {
		if kv := h.keyValue(); h.err == nil {
			f.keyValues = append(f.keyValues, kv)
		}
	}

	for i := uint64(0); i < numTensors && h.err == nil; i++ {
		if ti := h.tensorInfo(); h.err == nil {
			f.tensors = append(f.tensors, ti)
		}
	}

	if h.err != nil {
		return nil, h.err
	}

	alignment := cmp.Or(f.KeyValue("general.alignment").Int(), 32)
	f.offset = h.n + (alignment-h.n%alignment)%alignment
	return f, nil
}

// Close schliesst die Datei
func (f *File) Close() error {
	return f.file.Close()
}
