// Package torch - PyTorch Pickle Checkpoints
//
// Dieses Modul enthaelt:
// - Load: Liest .pt/.pth/.ckpt/.bin Checkpoints ueber gopickle
// - stateDict: Findet das Tensor-Dictionary (dict, OrderedDict, "state_dict")
// - convert: Wandelt pytorch.Tensor in ml.Tensor
package torch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/x448/float16"

	"github.com/ollama/fluxmod/ml"
)

// ErrUnsupported wird fuer unbekannte Wurzelobjekte oder Storage-Typen zurueckgegeben
var ErrUnsupported = errors.New("unsupported torch checkpoint")

// Load liest alle Tensors eines PyTorch-Checkpoints
func Load(path string) (map[string]*ml.Tensor, error) {
	root, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("torch load %s: %w", path, err)
	}

	entries, err := stateDict(root)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	tensors := make(map[string]*ml.Tensor, len(entries))
	for _, e := range entries {
		name, ok := e.key.(string)
		if !ok {
			return nil, fmt.Errorf("%w: key %v is %T", ErrUnsupported, e.key, e.key)
		}

		pt, ok := e.value.(*pytorch.Tensor)
		if !ok {
			// Nicht-Tensor Eintraege (z.B. Versionszaehler) werden uebersprungen
			continue
		}

		t, err := convert(pt)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		tensors[name] = t
	}

	return tensors, nil
}

type entry struct {
	key, value any
}

// stateDict liefert die Eintraege des Wurzel-Dictionaries. Checkpoints die
// das Dictionary unter "state_dict" ablegen werden entpackt.
func stateDict(root any) ([]entry, error) {
	var entries []entry
	switch d := root.(type) {
	case *types.Dict:
		for _, k := range d.Keys() {
			v, _ := d.Get(k)
			entries = append(entries, entry{k, v})
		}
	case *types.OrderedDict:
		for e := d.List.Front(); e != nil; e = e.Next() {
			oe := e.Value.(*types.OrderedDictEntry)
			entries = append(entries, entry{oe.Key, oe.Value})
		}
	default:
		return nil, fmt.Errorf("%w: root object %T", ErrUnsupported, root)
	}

	for _, e := range entries {
		if e.key == "state_dict" {
			return stateDict(e.value)
		}
	}

	return entries, nil
}

// convert kopiert den (zusammenhaengenden) Ausschnitt des Storage in ein ml.Tensor
func convert(pt *pytorch.Tensor) (*ml.Tensor, error) {
	shape := make([]int64, len(pt.Size))
	n := 1
	for i, d := range pt.Size {
		shape[i] = int64(d)
		n *= d
	}

	if !contiguous(pt.Size, pt.Stride) {
		return nil, fmt.Errorf("%w: non-contiguous stride %v", ErrUnsupported, pt.Stride)
	}

	lo, hi := pt.StorageOffset, pt.StorageOffset+n
	switch s := pt.Source.(type) {
	case *pytorch.FloatStorage:
		if hi > len(s.Data) {
			return nil, errOutOfRange(hi, len(s.Data))
		}
		return ml.NewFloat32(s.Data[lo:hi], shape...), nil
	case *pytorch.HalfStorage:
		if hi > len(s.Data) {
			return nil, errOutOfRange(hi, len(s.Data))
		}
		t := ml.Empty(ml.DTypeFloat16, shape...)
		t.Data = make([]byte, 2*n)
		for i, v := range s.Data[lo:hi] {
			binary.LittleEndian.PutUint16(t.Data[2*i:], float16.Fromfloat32(v).Bits())
		}
		return t, nil
	case *pytorch.BFloat16Storage:
		if hi > len(s.Data) {
			return nil, errOutOfRange(hi, len(s.Data))
		}
		return ml.NewFloat32(s.Data[lo:hi], shape...).Cast(ml.DTypeBfloat16)
	case *pytorch.DoubleStorage:
		if hi > len(s.Data) {
			return nil, errOutOfRange(hi, len(s.Data))
		}
		t := ml.Empty(ml.DTypeFloat64, shape...)
		t.Data = make([]byte, 8*n)
		for i, v := range s.Data[lo:hi] {
			binary.LittleEndian.PutUint64(t.Data[8*i:], math.Float64bits(v))
		}
		return t, nil
	default:
		return nil, fmt.Errorf("%w: storage %T", ErrUnsupported, s)
	}
}

func contiguous(size, stride []int) bool {
	if len(stride) == 0 {
		return true
	}
	if len(stride) != len(size) {
		return false
	}
	want := 1
	for i := len(size) - 1; i >= 0; i-- {
		if size[i] != 1 && stride[i] != want {
			return false
		}
		want *= size[i]
	}
	return true
}

func errOutOfRange(want, have int) error {
	return fmt.Errorf("%w: storage has %d elements, need %d", ErrUnsupported, have, want)
}
