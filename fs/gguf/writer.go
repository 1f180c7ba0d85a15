// Package gguf - GGUF Write Operationen
//
// Dieses Modul enthaelt:
// - Write / WriteFile: Schreibt ein GGUF v3 File mit KV-Paaren und Tensors
// - writeValue: Typisierte Serialisierung von Key-Values
// - tensorType: Abbildung ml.DType -> TensorType
package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/ollama/fluxmod/ml"
)

const defaultAlignment = 32

// countingWriter zaehlt geschriebene Bytes fuer Offsets und Padding
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// WriteFile schreibt Tensors und Key-Values nach path
func WriteFile(path string, kv map[string]any, tensors map[string]*ml.Tensor) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(f)
	if err := Write(bw, kv, tensors); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Write serialisiert ein GGUF v3 File. Tensors werden nach Name sortiert
// abgelegt, Shapes innerste Dimension zuerst.
func Write(w io.Writer, kv map[string]any, tensors map[string]*ml.Tensor) error {
	cw := &countingWriter{w: w}

	names := slices.Sorted(maps.Keys(tensors))

	for _, name := range names {
		if !tensors[name].Loaded() {
			return fmt.Errorf("tensor %s has no data", name)
		}
		if _, err := tensorType(tensors[name].DType); err != nil {
			return fmt.Errorf("tensor %s: %w", name, err)
		}
	}

	// Magic, Version, Tensor Count, KV Count
	for _, v := range []any{[]byte("GGUF"), uint32(3), uint64(len(tensors)), uint64(len(kv))} {
		if err := binary.Write(cw, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	for _, k := range slices.Sorted(maps.Keys(kv)) {
		if err := writeString(cw, k); err != nil {
			return err
		}
		if err := writeValue(cw, kv[k]); err != nil {
			return fmt.Errorf("key %s: %w", k, err)
		}
	}

	var offset uint64
	for _, name := range names {
		t := tensors[name]
		tt, _ := tensorType(t.DType)

		if err := writeString(cw, name); err != nil {
			return err
		}
		if err := binary.Write(cw, binary.LittleEndian, uint32(len(t.Shape))); err != nil {
			return err
		}
		for i := len(t.Shape) - 1; i >= 0; i-- {
			if err := binary.Write(cw, binary.LittleEndian, uint64(t.Shape[i])); err != nil {
				return err
			}
		}
		if err := binary.Write(cw, binary.LittleEndian, uint32(tt)); err != nil {
			return err
		}
		if err := binary.Write(cw, binary.LittleEndian, offset); err != nil {
			return err
		}

		offset += uint64(len(t.Data))
		offset += uint64(padding(int64(offset), defaultAlignment))
	}

	for _, name := range names {
		if err := pad(cw); err != nil {
			return err
		}
		if _, err := cw.Write(tensors[name].Data); err != nil {
			return err
		}
	}

	return nil
}

func padding(offset, align int64) int64 {
	return (align - offset%align) % align
}

func pad(cw *countingWriter) error {
	_, err := cw.Write(make([]byte, padding(cw.n, defaultAlignment)))
	return err
}

func tensorType(dtype ml.DType) (TensorType, error) {
	for _, tt := range []TensorType{TensorTypeF32, TensorTypeF16, TensorTypeBF16, TensorTypeF64, TensorTypeI8, TensorTypeI16, TensorTypeI32, TensorTypeI64} {
		if dt, _ := tt.dtype(); dt == dtype {
			return tt, nil
		}
	}
	return 0, fmt.Errorf("%w dtype %s", ErrUnsupported, dtype)
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.Copy(w, strings.NewReader(s))
	return err
}

func writeTyped[V any](w io.Writer, t uint32, v V) error {
	if err := binary.Write(w, binary.LittleEndian, t); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, v)
}

func writeValue(w io.Writer, v any) error {
	switch v := v.(type) {
	case uint8:
		return writeTyped(w, typeUint8, v)
	case int32:
		return writeTyped(w, typeInt32, v)
	case uint32:
		return writeTyped(w, typeUint32, v)
	case int64:
		return writeTyped(w, typeInt64, v)
	case uint64:
		return writeTyped(w, typeUint64, v)
	case float32:
		return writeTyped(w, typeFloat32, v)
	case bool:
		return writeTyped(w, typeBool, v)
	case string:
		if err := binary.Write(w, binary.LittleEndian, typeString); err != nil {
			return err
		}
		return writeString(w, v)
	case []string:
		for _, x := range []any{typeArray, typeString, uint64(len(v))} {
			if err := binary.Write(w, binary.LittleEndian, x); err != nil {
				return err
			}
		}
		for _, s := range v {
			if err := writeString(w, s); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w value type %T", ErrUnsupported, v)
	}
}
