// Package gguf - Key-Value und Tensor-Info Typen
//
// Dieses Modul enthaelt:
// - KeyValue / Value: Metadaten-Eintraege mit typisierten Accessoren
// - TensorType: GGML-Tensortypen (Teilmenge)
// - TensorInfo: Name, Shape, Typ und Offset eines Tensors
package gguf

import (
	"fmt"

	"github.com/ollama/fluxmod/ml"
)

// KeyValue ist ein Metadaten-Eintrag
type KeyValue struct {
	Key string
	Value
}

// Valid meldet ob der Eintrag gefunden wurde
func (kv KeyValue) Valid() bool {
	return kv.Key != "" && kv.value != nil
}

// Value kapselt einen dekodierten GGUF-Wert
type Value struct {
	value any
}

// Int gibt ganzzahlige Werte als int64 zurueck, sonst 0
func (v Value) Int() int64 {
	switch t := v.value.(type) {
	case uint8:
		return int64(t)
	case int8:
		return int64(t)
	case uint16:
		return int64(t)
	case int16:
		return int64(t)
	case uint32:
		return int64(t)
	case int32:
		return int64(t)
	case uint64:
		return int64(t)
	case int64:
		return t
	default:
		return 0
	}
}

// String gibt String-Werte zurueck, sonst ""
func (v Value) String() string {
	s, _ := v.value.(string)
	return s
}

// TensorType ist äquivalent zu ggml_type
type TensorType uint32

const (
	TensorTypeF32  TensorType = 0
	TensorTypeF16  TensorType = 1
	TensorTypeQ8_0 TensorType = 8
	TensorTypeI8   TensorType = 24
	TensorTypeI16  TensorType = 25
	TensorTypeI32  TensorType = 26
	TensorTypeI64  TensorType = 27
	TensorTypeF64  TensorType = 28
	TensorTypeBF16 TensorType = 30
)

func (t TensorType) String() string {
	switch t {
	case TensorTypeF32:
		return "F32"
	case TensorTypeF16:
		return "F16"
	case TensorTypeQ8_0:
		return "Q8_0"
	case TensorTypeI8:
		return "I8"
	case TensorTypeI16:
		return "I16"
	case TensorTypeI32:
		return "I32"
	case TensorTypeI64:
		return "I64"
	case TensorTypeF64:
		return "F64"
	case TensorTypeBF16:
		return "BF16"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// dtype bildet unquantisierte Typen auf ml.DType ab
func (t TensorType) dtype() (ml.DType, bool) {
	switch t {
	case TensorTypeF32:
		return ml.DTypeFloat32, true
	case TensorTypeF16:
		return ml.DTypeFloat16, true
	case TensorTypeBF16:
		return ml.DTypeBfloat16, true
	case TensorTypeF64:
		return ml.DTypeFloat64, true
	case TensorTypeI8:
		return ml.DTypeInt8, true
	case TensorTypeI16:
		return ml.DTypeInt16, true
	case TensorTypeI32:
		return ml.DTypeInt32, true
	case TensorTypeI64:
		return ml.DTypeInt64, true
	default:
		return 0, false
	}
}

// TensorInfo beschreibt einen Tensor. Shape ist wie in GGUF ueblich
// innerste Dimension zuerst.
type TensorInfo struct {
	Name   string
	Offset uint64
	Shape  []uint64
	Type   TensorType
}

// Valid meldet ob die Info gefunden wurde
func (ti TensorInfo) Valid() bool {
	return ti.Name != ""
}

// NumValues gibt die Anzahl der Elemente zurueck
func (ti TensorInfo) NumValues() uint64 {
	n := uint64(1)
	for _, d := range ti.Shape {
		n *= d
	}
	return n
}

// NumBytes gibt die Groesse der Tensordaten zurueck, 0 fuer unbekannte Typen
func (ti TensorInfo) NumBytes() int64 {
	if ti.Type == TensorTypeQ8_0 {
		return int64(ti.NumValues() / q8BlockSize * q8BlockBytes)
	}
	if dt, ok := ti.Type.dtype(); ok {
		return int64(ti.NumValues()) * int64(dt.Size())
	}
	return 0
}

// RowMajorShape gibt die Shape in Zeilen-Reihenfolge (aeusserste Dimension zuerst) zurueck
func (ti TensorInfo) RowMajorShape() []int64 {
	shape := make([]int64, len(ti.Shape))
	for i, d := range ti.Shape {
		shape[len(shape)-1-i] = int64(d)
	}
	return shape
}
