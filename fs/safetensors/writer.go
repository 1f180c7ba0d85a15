package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/ollama/fluxmod/ml"
)

// Write serialisiert tensors im Safetensors-Format. Tensoren werden nach
// Namen sortiert abgelegt, der Header wird auf 8 Bytes aufgefuellt.
func Write(w io.Writer, tensors map[string]*ml.Tensor, metadata map[string]string) error {
	keys := slices.Sorted(maps.Keys(tensors))

	header := make(map[string]any, len(keys)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	var offset int64
	for _, key := range keys {
		t := tensors[key]
		if !t.Loaded() {
			return fmt.Errorf("tensor %s: %w", key, ml.ErrNoData)
		}
		if int64(len(t.Data)) != t.NumBytes() {
			return fmt.Errorf("tensor %s: have %d bytes, want %d", key, len(t.Data), t.NumBytes())
		}

		shape := t.Shape
		if shape == nil {
			shape = []int64{}
		}
		header[key] = TensorInfo{
			DType:   t.DType.String(),
			Shape:   shape,
			Offsets: [2]int64{offset, offset + int64(len(t.Data))},
		}
		offset += int64(len(t.Data))
	}

	bts, err := json.Marshal(header)
	if err != nil {
		return err
	}
	if pad := len(bts) % 8; pad != 0 {
		bts = append(bts, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	if err := binary.Write(w, binary.LittleEndian, int64(len(bts))); err != nil {
		return err
	}
	if _, err := w.Write(bts); err != nil {
		return err
	}

	for _, key := range keys {
		if _, err := w.Write(tensors[key].Data); err != nil {
			return err
		}
	}

	return nil
}

// WriteFile schreibt ein Archiv nach path
func WriteFile(path string, tensors map[string]*ml.Tensor, metadata map[string]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := Write(f, tensors, metadata); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}
