// tensor.go - Tensor-Speicher fuer Checkpoint-Gewichte
//
// Dieses Modul enthaelt:
// - Tensor: Datentyp, Shape und Rohdaten (little-endian)
// - Empty: deklarierter Parameter ohne Speicher
// - NewFloat32 / Float32s: Zugriff als float32
// - Cast: Konvertierung zwischen Gleitkommatypen
package ml

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

var (
	// ErrNotFloating wird beim Casten von Nicht-Gleitkomma-Tensoren zurueckgegeben
	ErrNotFloating = errors.New("tensor is not floating point")

	// ErrNoData wird zurueckgegeben wenn ein deklarierter Tensor noch keine Daten hat
	ErrNoData = errors.New("tensor has no data")
)

// Tensor haelt die Rohdaten eines Checkpoint-Tensors.
// Data ist nil fuer Parameter, die nur deklariert aber noch nicht geladen wurden.
type Tensor struct {
	DType DType
	Shape []int64
	Data  []byte
}

// Empty deklariert einen Parameter mit Typ und Shape, ohne Speicher zu belegen
func Empty(dtype DType, shape ...int64) *Tensor {
	return &Tensor{DType: dtype, Shape: shape}
}

// NewFloat32 erstellt einen F32-Tensor aus den gegebenen Werten
func NewFloat32(values []float32, shape ...int64) *Tensor {
	if len(shape) == 0 {
		shape = []int64{int64(len(values))}
	}
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	return &Tensor{DType: DTypeFloat32, Shape: shape, Data: data}
}

// NumElements gibt die Anzahl der Elemente zurueck
func (t *Tensor) NumElements() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// NumBytes gibt die erwartete Groesse der Rohdaten zurueck
func (t *Tensor) NumBytes() int64 {
	return t.NumElements() * int64(t.DType.Size())
}

// Loaded meldet ob der Tensor Daten besitzt
func (t *Tensor) Loaded() bool {
	return t.Data != nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("%s%v", t.DType, t.Shape)
}

// Float32s dekodiert die Daten eines Gleitkomma-Tensors als float32
func (t *Tensor) Float32s() ([]float32, error) {
	if !t.Loaded() {
		return nil, ErrNoData
	}
	if int64(len(t.Data)) != t.NumBytes() {
		return nil, fmt.Errorf("tensor %s: have %d bytes, want %d", t, len(t.Data), t.NumBytes())
	}

	n := t.NumElements()
	f32s := make([]float32, n)
	switch t.DType {
	case DTypeFloat32:
		for i := range f32s {
			f32s[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[4*i:]))
		}
	case DTypeFloat64:
		for i := range f32s {
			f32s[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(t.Data[8*i:])))
		}
	case DTypeFloat16:
		for i := range f32s {
			f32s[i] = float16.Frombits(binary.LittleEndian.Uint16(t.Data[2*i:])).Float32()
		}
	case DTypeBfloat16:
		f32s = bfloat16.DecodeFloat32(t.Data)
	case DTypeFloat8E4M3FN:
		for i, b := range t.Data {
			f32s[i] = float8E4M3FNToFloat32(b)
		}
	case DTypeFloat8E5M2:
		for i, b := range t.Data {
			f32s[i] = float8E5M2ToFloat32(b)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotFloating, t.DType)
	}
	return f32s, nil
}

// Cast konvertiert einen Gleitkomma-Tensor in einen anderen Gleitkommatyp.
// Deklarierte Tensoren ohne Daten wechseln nur ihren Typ.
func (t *Tensor) Cast(dtype DType) (*Tensor, error) {
	if !t.DType.IsFloating() || !dtype.IsFloating() {
		return nil, fmt.Errorf("%w: %s -> %s", ErrNotFloating, t.DType, dtype)
	}
	if t.DType == dtype {
		return t, nil
	}
	if !t.Loaded() {
		return Empty(dtype, slices.Clone(t.Shape)...), nil
	}

	f32s, err := t.Float32s()
	if err != nil {
		return nil, err
	}

	data := make([]byte, len(f32s)*dtype.Size())
	switch dtype {
	case DTypeFloat32:
		for i, f := range f32s {
			binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(f))
		}
	case DTypeFloat64:
		for i, f := range f32s {
			binary.LittleEndian.PutUint64(data[8*i:], math.Float64bits(float64(f)))
		}
	case DTypeFloat16:
		for i, f := range f32s {
			binary.LittleEndian.PutUint16(data[2*i:], float16.Fromfloat32(f).Bits())
		}
	case DTypeBfloat16:
		for i, f := range f32s {
			binary.LittleEndian.PutUint16(data[2*i:], float32ToBfloat16(f))
		}
	case DTypeFloat8E4M3FN:
		for i, f := range f32s {
			data[i] = float32ToFloat8E4M3FN(f)
		}
	case DTypeFloat8E5M2:
		for i, f := range f32s {
			data[i] = float32ToFloat8E5M2(f)
		}
	}

	return &Tensor{DType: dtype, Shape: slices.Clone(t.Shape), Data: data}, nil
}

// float32ToBfloat16 rundet auf die naechste gerade bf16-Zahl, NaN bleibt NaN
func float32ToBfloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	if math.IsNaN(float64(f)) {
		return uint16(bits>>16) | 0x0040
	}
	bits += 0x7fff + (bits>>16)&1
	return uint16(bits >> 16)
}
