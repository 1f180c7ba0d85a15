// Package gguf - GGUF File Accessor Methoden
//
// Dieses Modul enthaelt die Zugriffs-Methoden fuer GGUF-Dateien:
// - KeyValue: Sucht ein Key-Value Paar nach Name
// - TensorInfo / Tensors: Tensor-Metadaten
// - Tensor: Liest einen Tensor als ml.Tensor (Q8_0 wird nach F32 dequantisiert)
package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"slices"

	"github.com/x448/float16"

	"github.com/ollama/fluxmod/ml"
)

const (
	q8BlockSize  = 32
	q8BlockBytes = 2 + q8BlockSize
)

// KeyValue sucht ein Key-Value Paar nach Name
func (f *File) KeyValue(key string) KeyValue {
	if index := slices.IndexFunc(f.keyValues, func(kv KeyValue) bool {
		return kv.Key == key
	}); index >= 0 {
		return f.keyValues[index]
	}
	return KeyValue{}
}

// NumTensors gibt die Anzahl der Tensors zurueck
func (f *File) NumTensors() int {
	return len(f.tensors)
}

// Tensors gibt alle Tensor-Infos in Dateireihenfolge zurueck
func (f *File) Tensors() []TensorInfo {
	return f.tensors
}

// TensorInfo sucht Tensor-Info nach Name
func (f *File) TensorInfo(name string) TensorInfo {
	if index := slices.IndexFunc(f.tensors, func(t TensorInfo) bool {
		return t.Name == name
	}); index >= 0 {
		return f.tensors[index]
	}
	return TensorInfo{}
}

// TensorReader liefert Tensor-Info und einen Reader fuer die Tensor-Daten
func (f *File) TensorReader(name string) (TensorInfo, io.Reader, error) {
	t := f.TensorInfo(name)
	if !t.Valid() {
		return TensorInfo{}, nil, fmt.Errorf("tensor %s not found", name)
	}
	if t.NumBytes() == 0 && t.NumValues() != 0 {
		return TensorInfo{}, nil, fmt.Errorf("%w tensor type %s for %s", ErrUnsupported, t.Type, name)
	}

	return t, io.NewSectionReader(f.file, f.offset+int64(t.Offset), t.NumBytes()), nil
}

// Tensor liest einen Tensor vollstaendig in den Speicher
func (f *File) Tensor(name string) (*ml.Tensor, error) {
	info, r, err := f.TensorReader(name)
	if err != nil {
		return nil, err
	}

	data := make([]byte, info.NumBytes())
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read tensor %s: %w", name, err)
	}

	if info.Type == TensorTypeQ8_0 {
		return dequantizeQ8_0(data, info.RowMajorShape()), nil
	}

	dtype, _ := info.Type.dtype()
	return &ml.Tensor{DType: dtype, Shape: info.RowMajorShape(), Data: data}, nil
}

// dequantizeQ8_0 expandiert Bloecke aus f16-Skala und 32 int8-Werten nach F32
func dequantizeQ8_0(data []byte, shape []int64) *ml.Tensor {
	blocks := len(data) / q8BlockBytes
	out := make([]byte, 4*blocks*q8BlockSize)
	for b := range blocks {
		block := data[b*q8BlockBytes : (b+1)*q8BlockBytes]
		scale := float16.Frombits(binary.LittleEndian.Uint16(block)).Float32()
		for i, q := range block[2:] {
			v := scale * float32(int8(q))
			binary.LittleEndian.PutUint32(out[4*(b*q8BlockSize+i):], math.Float32bits(v))
		}
	}
	return &ml.Tensor{DType: ml.DTypeFloat32, Shape: shape, Data: out}
}
