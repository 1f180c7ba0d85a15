// Package ml - Datentypen
// Dieses Modul definiert die grundlegenden Datentypen (DType) der
// Checkpoint-Tensoren und ihre Schreibweise in Safetensors-Headern.
package ml

import (
	"errors"
	"fmt"
)

// ErrUnknownDType wird fuer nicht unterstuetzte Datentyp-Namen zurueckgegeben
var ErrUnknownDType = errors.New("unknown dtype")

type DType int

const (
	DTypeBool DType = iota
	DTypeUint8
	DTypeInt8
	DTypeInt16
	DTypeInt32
	DTypeInt64
	DTypeFloat16
	DTypeBfloat16
	DTypeFloat32
	DTypeFloat64
	DTypeFloat8E4M3FN
	DTypeFloat8E5M2
)

var dtypeNames = map[DType]string{
	DTypeBool:         "BOOL",
	DTypeUint8:        "U8",
	DTypeInt8:         "I8",
	DTypeInt16:        "I16",
	DTypeInt32:        "I32",
	DTypeInt64:        "I64",
	DTypeFloat16:      "F16",
	DTypeBfloat16:     "BF16",
	DTypeFloat32:      "F32",
	DTypeFloat64:      "F64",
	DTypeFloat8E4M3FN: "F8_E4M3",
	DTypeFloat8E5M2:   "F8_E5M2",
}

// ParseDType parst die Safetensors-Schreibweise eines Datentyps
func ParseDType(s string) (DType, error) {
	for t, name := range dtypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownDType, s)
}

func (t DType) String() string {
	if s, ok := dtypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("DType(%d)", int(t))
}

// Size gibt die Groesse eines Elements in Bytes zurueck
func (t DType) Size() int {
	switch t {
	case DTypeBool, DTypeUint8, DTypeInt8, DTypeFloat8E4M3FN, DTypeFloat8E5M2:
		return 1
	case DTypeInt16, DTypeFloat16, DTypeBfloat16:
		return 2
	case DTypeInt32, DTypeFloat32:
		return 4
	case DTypeInt64, DTypeFloat64:
		return 8
	default:
		return 0
	}
}

// IsFloating meldet ob der Typ ein Gleitkommatyp ist.
// Nur solche Parameter werden beim Casten von Modulen konvertiert.
func (t DType) IsFloating() bool {
	switch t {
	case DTypeFloat16, DTypeBfloat16, DTypeFloat32, DTypeFloat64, DTypeFloat8E4M3FN, DTypeFloat8E5M2:
		return true
	default:
		return false
	}
}

// MarshalText implementiert encoding.TextMarshaler
func (t DType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}
