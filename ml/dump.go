// dump.go - Lesbare Ausgabe von Tensor-Inhalten
//
// Dieses Modul enthaelt:
// - DumpOptions: Praezision, Schwellwert und Randelemente
// - Dump: Verschachtelte Darstellung wie numpy, gekuerzt fuer grosse Tensors
package ml

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DumpOptions configures tensor dump output format.
type DumpOptions func(*dumpOptions)

// DumpWithPrecision sets the number of decimal places printed for floating tensors.
func DumpWithPrecision(n int) DumpOptions {
	return func(opts *dumpOptions) {
		opts.Precision = n
	}
}

// DumpWithThreshold sets the threshold for printing the entire tensor. Larger
// tensors only print the beginning and end of each dimension.
func DumpWithThreshold(n int) DumpOptions {
	return func(opts *dumpOptions) {
		opts.Threshold = n
	}
}

// DumpWithEdgeItems sets the number of elements printed at the beginning and end of each dimension.
func DumpWithEdgeItems(n int) DumpOptions {
	return func(opts *dumpOptions) {
		opts.EdgeItems = n
	}
}

type dumpOptions struct {
	Precision, Threshold, EdgeItems int
}

// Dump gibt t als verschachtelte Liste zurueck, aeusserste Dimension zuerst
func Dump(t *Tensor, optsFuncs ...DumpOptions) (string, error) {
	opts := dumpOptions{Precision: 4, Threshold: 1000, EdgeItems: 3}
	for _, optsFunc := range optsFuncs {
		optsFunc(&opts)
	}

	if t.NumElements() <= int64(opts.Threshold) {
		opts.EdgeItems = math.MaxInt
	}

	var format func(i int) string
	switch {
	case t.DType.IsFloating():
		f32s, err := t.Float32s()
		if err != nil {
			return "", err
		}
		format = func(i int) string {
			return strconv.FormatFloat(float64(f32s[i]), 'f', opts.Precision, 32)
		}
	case t.DType == DTypeBool || t.DType == DTypeUint8:
		if err := checkData(t); err != nil {
			return "", err
		}
		format = func(i int) string { return strconv.Itoa(int(t.Data[i])) }
	case t.DType == DTypeInt8:
		if err := checkData(t); err != nil {
			return "", err
		}
		format = func(i int) string { return strconv.Itoa(int(int8(t.Data[i]))) }
	case t.DType == DTypeInt16, t.DType == DTypeInt32, t.DType == DTypeInt64:
		if err := checkData(t); err != nil {
			return "", err
		}
		format = func(i int) string { return strconv.FormatInt(intAt(t, i), 10) }
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownDType, t.DType)
	}

	shape := make([]int, len(t.Shape))
	for i, d := range t.Shape {
		shape[i] = int(d)
	}
	if len(shape) == 0 {
		return format(0), nil
	}

	var sb strings.Builder
	writeDims(&sb, shape, len(shape), 0, opts.EdgeItems, format)
	return sb.String(), nil
}

func checkData(t *Tensor) error {
	if !t.Loaded() {
		return ErrNoData
	}
	if int64(len(t.Data)) != t.NumBytes() {
		return fmt.Errorf("tensor %s: have %d bytes, want %d", t, len(t.Data), t.NumBytes())
	}
	return nil
}

func intAt(t *Tensor, i int) int64 {
	switch t.DType {
	case DTypeInt16:
		return int64(int16(binary.LittleEndian.Uint16(t.Data[2*i:])))
	case DTypeInt32:
		return int64(int32(binary.LittleEndian.Uint32(t.Data[4*i:])))
	default:
		return int64(binary.LittleEndian.Uint64(t.Data[8*i:]))
	}
}

func product(dims []int) int {
	p := 1
	for _, d := range dims {
		p *= d
	}
	return p
}

// writeDims schreibt die Dimensionen dims ab dem flachen Index offset
func writeDims(sb *strings.Builder, dims []int, rank, offset, items int, format func(int) string) {
	depth := len(dims)
	stride := product(dims[1:])

	sb.WriteString("[")
	defer sb.WriteString("]")

	for i := 0; i < dims[0]; i++ {
		if i >= items && i < dims[0]-items {
			sb.WriteString("...")
			i = dims[0] - items - 1
		} else if depth > 1 {
			writeDims(sb, dims[1:], rank, offset+i*stride, items, format)
		} else {
			text := format(offset + i)
			if len(text) > 0 && text[0] != '-' {
				sb.WriteString(" ")
			}
			sb.WriteString(text)
		}

		if i < dims[0]-1 {
			sb.WriteString(",")
			if depth > 1 {
				sb.WriteString(strings.Repeat("\n", depth-1))
				sb.WriteString(strings.Repeat(" ", rank-depth+1))
			} else {
				sb.WriteString(" ")
			}
		}
	}
}
