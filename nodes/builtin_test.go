package nodes

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/ollama/fluxmod/fs/safetensors"
	"github.com/ollama/fluxmod/host"
	"github.com/ollama/fluxmod/ml"
)

func TestEmptyLatentImage(t *testing.T) {
	r, err := DefaultRegistry()
	if err != nil {
		t.Fatal(err)
	}

	out, err := r.Execute(context.Background(), testEnv(t, nil), "EmptyLatentImage", map[string]any{
		"width":      512,
		"height":     256,
		"batch_size": 2,
	})
	if err != nil {
		t.Fatal(err)
	}

	l := out.Values[0].(host.Latent)
	if diff := cmp.Diff([]int64{2, 4, 32, 64}, l.Samples.Shape); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
}

func TestBasicScheduler(t *testing.T) {
	r, err := DefaultRegistry()
	if err != nil {
		t.Fatal(err)
	}
	env := testEnv(t, nil)
	p := testPatcher(nil)

	out, err := r.Execute(context.Background(), env, "BasicScheduler", map[string]any{
		"model":     p,
		"scheduler": "simple",
		"steps":     4,
		"denoise":   1.0,
	})
	if err != nil {
		t.Fatal(err)
	}

	want, err := host.CalculateSigmas(p.Model.Sampling, "simple", 4)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, out.Values[0]); diff != "" {
		t.Errorf("sigmas mismatch (-want +got):\n%s", diff)
	}

	out, err = r.Execute(context.Background(), env, "BasicScheduler", map[string]any{
		"model":     p,
		"scheduler": "simple",
		"steps":     4,
		"denoise":   0.0,
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{}, out.Values[0]); diff != "" {
		t.Errorf("erwartet keine Sigmas (-want +got):\n%s", diff)
	}
}

func TestSamplerCustomGraph(t *testing.T) {
	r, err := DefaultRegistry()
	if err != nil {
		t.Fatal(err)
	}

	b := &velocityBackend{target: 0.5}
	env := testEnv(t, b)
	ctx := context.Background()
	p := testPatcher(b)

	run := func(class string, inputs map[string]any) []any {
		t.Helper()
		out, err := r.Execute(ctx, env, class, inputs)
		if err != nil {
			t.Fatalf("%s: %v", class, err)
		}
		return out.Values
	}

	latent := run("EmptyLatentImage", map[string]any{"width": 16, "height": 16, "batch_size": 1})[0]
	sampler := run("KSamplerSelect", map[string]any{"sampler_name": "heun"})[0]
	wrapped := run("FluxModSamplerWrapper", map[string]any{"sampler": sampler, "activation_casting": "bf16"})[0]
	sigmas := run("BasicScheduler", map[string]any{"model": p, "scheduler": "normal", "steps": 3, "denoise": 1.0})[0]

	out := run("SamplerCustom", map[string]any{
		"model":        p,
		"add_noise":    true,
		"noise_seed":   7,
		"cfg":          2.0,
		"positive":     testConditioning(),
		"negative":     testConditioning(),
		"sampler":      wrapped,
		"sigmas":       sigmas,
		"latent_image": latent,
	})

	format := host.FluxLatentFormat()
	want := make([]float32, 16*2*2)
	for i := range want {
		want[i] = 0.5/format.ScaleFactor + format.ShiftFactor
	}

	for i, name := range []string{"output", "denoised_output"} {
		l := out[i].(host.Latent)
		if diff := cmp.Diff([]int64{1, 16, 2, 2}, l.Samples.Shape); diff != "" {
			t.Errorf("%s shape mismatch (-want +got):\n%s", name, diff)
		}
		got, err := l.Samples.Float32s()
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-4)); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", name, diff)
		}
	}

	if b.calls == 0 {
		t.Error("Backend wurde nicht aufgerufen")
	}
}

func writeConditioning(t *testing.T, env *Env, name string, tensors map[string]*ml.Tensor) {
	t.Helper()
	dir := env.Folders.Dirs("conditioning")[0]
	if err := safetensors.WriteFile(filepath.Join(dir, name), tensors, nil); err != nil {
		t.Fatal(err)
	}
}

func TestConditioningLoader(t *testing.T) {
	r, err := DefaultRegistry()
	if err != nil {
		t.Fatal(err)
	}
	env := testEnv(t, nil)

	writeConditioning(t, env, "prompt.safetensors", map[string]*ml.Tensor{
		"embedding":     ml.NewFloat32(make([]float32, 24), 1, 3, 8),
		"pooled_output": ml.NewFloat32(make([]float32, 4), 1, 4),
	})
	writeConditioning(t, env, "flat.safetensors", map[string]*ml.Tensor{
		"embedding": ml.NewFloat32(make([]float32, 8), 8),
	})

	out, err := r.Execute(context.Background(), env, "ConditioningLoader", map[string]any{
		"conditioning_name": "prompt.safetensors",
		"guidance":          2.5,
	})
	if err != nil {
		t.Fatal(err)
	}

	c := out.Values[0].(host.Conditioning)
	if len(c) != 1 {
		t.Fatalf("erwartet 1 Eintrag, bekommen %d", len(c))
	}
	if diff := cmp.Diff([]int64{1, 3, 8}, c[0].Embedding.Shape); diff != "" {
		t.Errorf("embedding shape mismatch (-want +got):\n%s", diff)
	}
	if _, ok := c[0].Options["pooled_output"].(*ml.Tensor); !ok {
		t.Error("pooled_output fehlt")
	}
	if g := c[0].Options["guidance"]; g != 2.5 {
		t.Errorf("erwartet guidance 2.5, bekommen %v", g)
	}
	if c[0].Strength() != 1 {
		t.Errorf("erwartet strength 1, bekommen %v", c[0].Strength())
	}

	if _, err := r.Execute(context.Background(), env, "ConditioningLoader", map[string]any{
		"conditioning_name": "flat.safetensors",
	}); err == nil || !strings.Contains(err.Error(), "[B, T, C]") {
		t.Errorf("erwartet Shape-Fehler, bekommen %v", err)
	}

	_, err = loadConditioning(filepath.Join(env.Folders.Dirs("conditioning")[0], "missing.safetensors"))
	if err == nil {
		t.Error("erwartet Fehler fuer fehlende Datei")
	}
}

func TestSaveLatent(t *testing.T) {
	r, err := DefaultRegistry()
	if err != nil {
		t.Fatal(err)
	}
	env := testEnv(t, nil)
	l := host.Latent{Samples: ml.NewFloat32([]float32{1, 2, 3, 4}, 1, 1, 2, 2)}

	var files []string
	for range 2 {
		out, err := r.Execute(context.Background(), env, "SaveLatent", map[string]any{
			"samples":         l,
			"filename_prefix": "latents/test",
		})
		if err != nil {
			t.Fatal(err)
		}

		entries := out.UI["latents"].([]map[string]string)
		if entries[0]["subfolder"] != "latents" || entries[0]["type"] != "output" {
			t.Errorf("UI: bekommen %v", entries)
		}
		files = append(files, entries[0]["filename"])
	}

	if diff := cmp.Diff([]string{"test_00001_.latent", "test_00002_.latent"}, files); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}

	f, err := safetensors.Open(filepath.Join(env.OutputDir, "latents", files[1]))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	got, err := f.Tensor("latent_tensor")
	if err != nil {
		t.Fatal(err)
	}
	values, err := got.Float32s()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{1, 2, 3, 4}, values); diff != "" {
		t.Errorf("latent mismatch (-want +got):\n%s", diff)
	}
	if _, ok := f.Info("latent_format_version_0"); !ok {
		t.Error("latent_format_version_0 fehlt")
	}

	_, err = r.Execute(context.Background(), env, "SaveLatent", map[string]any{
		"samples":         l,
		"filename_prefix": "../outside",
	})
	if !errors.Is(err, ErrInvalidValue) {
		t.Errorf("erwartet ErrInvalidValue, bekommen %v", err)
	}
}
