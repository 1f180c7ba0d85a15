package fs

import (
	"maps"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ollama/fluxmod/fs/gguf"
	"github.com/ollama/fluxmod/fs/safetensors"
	"github.com/ollama/fluxmod/ml"
)

func TestDetectFormat(t *testing.T) {
	cases := map[string]Format{
		"model.safetensors":  FormatSafetensors,
		"MODEL.SFT":          FormatSafetensors,
		"flux-mod-q8.gguf":   FormatGGUF,
		"approximator.pt":    FormatTorch,
		"checkpoint.ckpt":    FormatTorch,
		"dir.gguf/model.bin": FormatTorch,
	}
	for path, want := range cases {
		if got := DetectFormat(path); got != want {
			t.Errorf("%s: erwartet %s, bekommen %s", path, want, got)
		}
	}
}

func testTensors() map[string]*ml.Tensor {
	return map[string]*ml.Tensor{
		"img_in.weight":                       ml.NewFloat32([]float32{1, 2, 3, 4}, 2, 2),
		"double_blocks.0.img_mod.lin.weight":  ml.NewFloat32([]float32{5, 6}, 2),
		"final_layer.adaLN_modulation.1.bias": ml.NewFloat32([]float32{7}, 1),
	}
}

var exclude = []string{"mod.lin", "adaLN_modulation"}

func TestLoadSelected(t *testing.T) {
	dir := t.TempDir()

	st := filepath.Join(dir, "model.safetensors")
	if err := safetensors.WriteFile(st, testTensors(), nil); err != nil {
		t.Fatal(err)
	}
	gg := filepath.Join(dir, "model.gguf")
	if err := gguf.WriteFile(gg, map[string]any{"general.architecture": "flux"}, testTensors()); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{st, gg} {
		t.Run(filepath.Base(path), func(t *testing.T) {
			all, err := LoadTorchFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 3 {
				t.Errorf("erwartet 3 Tensoren, bekommen %d", len(all))
			}

			got, err := LoadSelected(path, exclude)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff([]string{"img_in.weight"}, slices.Sorted(maps.Keys(got))); diff != "" {
				t.Errorf("keys mismatch (-want +got):\n%s", diff)
			}

			values, err := got["img_in.weight"].Float32s()
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff([]float32{1, 2, 3, 4}, values); diff != "" {
				t.Errorf("values mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadSelectedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.bin")
	if err := gguf.WriteFile(path, nil, testTensors()); err != nil {
		t.Fatal(err)
	}

	got, err := LoadSelectedFormat(path, FormatGGUF, exclude)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("erwartet 1 Tensor, bekommen %d", len(got))
	}

	if _, err := LoadSelected(path, exclude); err == nil {
		t.Error("erwartet Fehler: .bin wird als PyTorch Datei gelesen")
	}
}
