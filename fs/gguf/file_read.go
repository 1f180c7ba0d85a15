// file_read.go - Dekodierung des GGUF-Headers
//
// Dieses Modul enthaelt:
// - headerReader: gepufferter Little-Endian Leser mit haftendem Fehler
// - keyValue / tensorInfo: ein Metadaten-Eintrag bzw. eine Tensor-Beschreibung
// - value / array: typisierte Werte nach GGUF-Typkennung
package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/bits"
)

// maxStringLength begrenzt String- und Array-Laengen aus beschaedigten Headern
const maxStringLength = 1 << 30

// maxTensorValues haelt NumBytes auch fuer 8-Byte Typen im int64-Bereich
const maxTensorValues = math.MaxInt64 / 8

// headerReader merkt sich den ersten Fehler, danach liefern alle
// Lesevorgaenge Nullwerte. n zaehlt die gelesenen Bytes.
type headerReader struct {
	r   *bufio.Reader
	n   int64
	err error
	buf []byte
}

func newHeaderReader(r io.Reader) *headerReader {
	return &headerReader{r: bufio.NewReaderSize(r, 32<<10), buf: make([]byte, 4096)}
}

func (h *headerReader) fail(err error) {
	if h.err == nil {
		h.err = err
	}
}

// next liest genau n Bytes in den internen Puffer
func (h *headerReader) next(n int) []byte {
	if h.err != nil {
		return nil
	}
	if n > len(h.buf) {
		h.buf = make([]byte, n)
	}
	b := h.buf[:n]
	m, err := io.ReadFull(h.r, b)
	h.n += int64(m)
	if err != nil {
		h.fail(err)
		return nil
	}
	return b
}

func (h *headerReader) u8() uint8 {
	if b := h.next(1); b != nil {
		return b[0]
	}
	return 0
}

func (h *headerReader) u16() uint16 {
	if b := h.next(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (h *headerReader) u32() uint32 {
	if b := h.next(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (h *headerReader) u64() uint64 {
	if b := h.next(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// length liest ein Laengenfeld und prueft es gegen maxStringLength
func (h *headerReader) length(what string) int {
	n := h.u64()
	if n > maxStringLength {
		h.fail(fmt.Errorf("%w %s length %d", ErrUnsupported, what, n))
		return 0
	}
	return int(n)
}

func (h *headerReader) str() string {
	n := h.length("string")
	return string(h.next(n))
}

func (h *headerReader) value(t uint32) any {
	switch t {
	case typeUint8:
		return h.u8()
	case typeInt8:
		return int8(h.u8())
	case typeUint16:
		return h.u16()
	case typeInt16:
		return int16(h.u16())
	case typeUint32:
		return h.u32()
	case typeInt32:
		return int32(h.u32())
	case typeUint64:
		return h.u64()
	case typeInt64:
		return int64(h.u64())
	case typeFloat32:
		return math.Float32frombits(h.u32())
	case typeFloat64:
		return math.Float64frombits(h.u64())
	case typeBool:
		return h.u8() != 0
	case typeString:
		return h.str()
	case typeArray:
		return h.array()
	}
	h.fail(fmt.Errorf("%w type %d", ErrUnsupported, t))
	return nil
}

// array legt die Elemente unabhaengig vom Elementtyp als []any ab
func (h *headerReader) array() any {
	t := h.u32()
	n := h.length("array")
	s := make([]any, 0, min(n, 1024))
	for range n {
		v := h.value(t)
		if h.err != nil {
			return nil
		}
		s = append(s, v)
	}
	return s
}

func (h *headerReader) keyValue() KeyValue {
	key := h.str()
	v := h.value(h.u32())
	if h.err != nil {
		h.err = fmt.Errorf("key %q: %w", key, h.err)
		return KeyValue{}
	}
	return KeyValue{Key: key, Value: Value{v}}
}

func (h *headerReader) tensorInfo() TensorInfo {
	ti := TensorInfo{Name: h.str()}

	dims := h.u32()
	if dims > 8 {
		h.fail(fmt.Errorf("%w: tensor %s has %d dimensions", ErrUnsupported, ti.Name, dims))
		return TensorInfo{}
	}

	ti.Shape = make([]uint64, dims)
	n := uint64(1)
	for i := range ti.Shape {
		ti.Shape[i] = h.u64()
		hi, lo := bits.Mul64(n, ti.Shape[i])
		if hi != 0 || lo > maxTensorValues {
			h.fail(fmt.Errorf("%w: tensor %s shape %v too large", ErrUnsupported, ti.Name, ti.Shape[:i+1]))
			return TensorInfo{}
		}
		n = lo
	}
	ti.Type = TensorType(h.u32())
	ti.Offset = h.u64()
	return ti
}
