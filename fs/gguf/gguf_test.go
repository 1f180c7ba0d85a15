package gguf

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/x448/float16"

	"github.com/ollama/fluxmod/ml"
)

func TestWriteOpen(t *testing.T) {
	p := filepath.Join(t.TempDir(), "model.gguf")

	f16, err := ml.NewFloat32([]float32{1, 2, 3, 4, 5, 6}, 2, 3).Cast(ml.DTypeFloat16)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]*ml.Tensor{
		"img_in.weight": ml.NewFloat32([]float32{1, 2, 3}, 3),
		"txt_in.weight": f16,
	}
	kv := map[string]any{
		"general.architecture": "flux",
		"general.file_type":    uint32(1),
	}
	if err := WriteFile(p, kv, want); err != nil {
		t.Fatal(err)
	}

	f, err := Open(p)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if got := f.KeyValue("general.architecture").String(); got != "flux" {
		t.Errorf("architecture: erwartet flux, bekommen %q", got)
	}
	if got := f.KeyValue("general.file_type").Int(); got != 1 {
		t.Errorf("file_type: erwartet 1, bekommen %d", got)
	}
	if f.KeyValue("missing").Valid() {
		t.Error("missing key sollte ungueltig sein")
	}

	if info := f.TensorInfo("txt_in.weight"); !cmp.Equal(info.Shape, []uint64{3, 2}) {
		t.Errorf("gguf shape: erwartet [3 2], bekommen %v", info.Shape)
	}

	for name, w := range want {
		got, err := f.Tensor(name)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(w, got); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", name, diff)
		}
	}
}

func TestDequantizeQ8_0(t *testing.T) {
	data := make([]byte, q8BlockBytes)
	binary.LittleEndian.PutUint16(data, float16.Fromfloat32(0.5).Bits())
	for i := range q8BlockSize {
		data[2+i] = byte(int8(i - 16))
	}

	got := dequantizeQ8_0(data, []int64{1, q8BlockSize})
	f32s, err := got.Float32s()
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range f32s {
		if want := 0.5 * float32(i-16); v != want {
			t.Fatalf("wert %d: erwartet %v, bekommen %v", i, want, v)
		}
	}
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()

	header := func(magic string, version uint32) []byte {
		b := []byte(magic)
		b = binary.LittleEndian.AppendUint32(b, version)
		b = binary.LittleEndian.AppendUint64(b, 0)
		return binary.LittleEndian.AppendUint64(b, 0)
	}

	tests := []struct {
		name string
		data []byte
		err  error
	}{
		{"bad magic", header("GGML", 3), ErrUnsupported},
		{"old version", header("GGUF", 1), ErrUnsupported},
		{"truncated", []byte("GGUF"), nil},
		{"shape overflow", func() []byte {
			b := []byte("GGUF")
			b = binary.LittleEndian.AppendUint32(b, 3)
			b = binary.LittleEndian.AppendUint64(b, 1)
			b = binary.LittleEndian.AppendUint64(b, 0)
			b = binary.LittleEndian.AppendUint64(b, 1)
			b = append(b, 'w')
			b = binary.LittleEndian.AppendUint32(b, 2)
			b = binary.LittleEndian.AppendUint64(b, 1<<62+1)
			b = binary.LittleEndian.AppendUint64(b, 4)
			b = binary.LittleEndian.AppendUint32(b, 0)
			return binary.LittleEndian.AppendUint64(b, 0)
		}(), ErrUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := filepath.Join(dir, tt.name)
			if err := os.WriteFile(p, tt.data, 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := Open(p)
			if err == nil {
				t.Fatal("erwartet Fehler")
			}
			if tt.err != nil && !errors.Is(err, tt.err) {
				t.Errorf("erwartet %v, bekommen %v", tt.err, err)
			}
		})
	}
}

func TestUnsupportedTensorType(t *testing.T) {
	info := TensorInfo{Name: "x", Shape: []uint64{32}, Type: TensorType(2)}
	if info.NumBytes() != 0 {
		t.Errorf("Q4_0 sollte keine bekannte Groesse haben")
	}

	f := &File{tensors: []TensorInfo{info}}
	if _, err := f.Tensor("x"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("erwartet ErrUnsupported, bekommen %v", err)
	}
}
