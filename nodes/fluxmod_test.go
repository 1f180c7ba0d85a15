package nodes

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/ollama/fluxmod/host"
	"github.com/ollama/fluxmod/ml"
	"github.com/ollama/fluxmod/model/fluxmod"
)

func TestParseLayerList(t *testing.T) {
	cases := []struct {
		in   string
		want []int
		err  bool
	}{
		{in: "10", want: []int{10}},
		{in: "3, 4", want: []int{3, 4}},
		{in: "3 ,4 ,  5", want: []int{3, 4, 5}},
		{in: " 7 ", want: []int{7}},
		{in: "-1", want: []int{-1}},
		{in: "a,b", err: true},
		{in: "3,,4", err: true},
		{in: "", err: true},
		{in: "1.5", err: true},
		{in: "1 2", err: true},
		{in: "\u00e4,1", err: true},
		{in: "0\t,\n12", want: []int{0, 12}},
	}

	for _, tt := range cases {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLayerList(tt.in)
			if tt.err {
				if !errors.Is(err, ErrInvalidValue) {
					t.Errorf("erwartet ErrInvalidValue, bekommen %v (%v)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseQuantMode(t *testing.T) {
	want := []ml.DType{ml.DTypeBfloat16, ml.DTypeFloat8E4M3FN, ml.DTypeFloat8E5M2}
	for i, mode := range QuantModes {
		got, err := ParseQuantMode(mode)
		if err != nil || got != want[i] {
			t.Errorf("%s: erwartet %s, bekommen %s (%v)", mode, want[i], got, err)
		}
	}

	if _, err := ParseQuantMode("int4"); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("erwartet ErrInvalidValue, bekommen %v", err)
	}
}

func smallModel() *fluxmod.Model {
	p := fluxmod.DefaultParams()
	p.InChannels = 4
	p.ContextInDim = 8
	p.HiddenSize = 8
	p.NumHeads = 2
	p.Depth = 2
	p.DepthSingleBlocks = 3
	return fluxmod.New(p)
}

func TestSkipLayerForward(t *testing.T) {
	r, err := DefaultRegistry()
	if err != nil {
		t.Fatal(err)
	}
	env := testEnv(t, nil)

	p := testPatcher(nil)
	m := smallModel()
	p.Model.DiffusionModel = m

	out, err := r.Execute(context.Background(), env, "SkipLayerForward", map[string]any{
		"model":             p,
		"skip_mmdit_layers": "1",
		"skip_dit_layers":   "0, 2",
	})
	if err != nil {
		t.Fatal(err)
	}

	if out.Values[0] != p {
		t.Error("erwartet denselben Patcher")
	}
	if diff := cmp.Diff([]int{1}, m.SkipMMDiT); diff != "" {
		t.Errorf("mmdit mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0, 2}, m.SkipDiT); diff != "" {
		t.Errorf("dit mismatch (-want +got):\n%s", diff)
	}

	cases := []struct {
		name   string
		inputs map[string]any
	}{
		{"out of range", map[string]any{"model": p, "skip_mmdit_layers": "5", "skip_dit_layers": "0"}},
		{"not a number", map[string]any{"model": p, "skip_mmdit_layers": "1", "skip_dit_layers": "a,b"}},
		{"not a fluxmod model", map[string]any{"model": testPatcher(nil), "skip_mmdit_layers": "1", "skip_dit_layers": "0"}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Execute(context.Background(), env, "SkipLayerForward", tt.inputs); !errors.Is(err, ErrInvalidValue) {
				t.Errorf("erwartet ErrInvalidValue, bekommen %v", err)
			}
		})
	}

	// fehlgeschlagene Aufrufe lassen die Listen unveraendert
	if diff := cmp.Diff([]int{0, 2}, m.SkipDiT); diff != "" {
		t.Errorf("dit mismatch (-want +got):\n%s", diff)
	}
}

func TestKSamplerMod(t *testing.T) {
	r, err := DefaultRegistry()
	if err != nil {
		t.Fatal(err)
	}

	b := &velocityBackend{}
	env := testEnv(t, b)

	out, err := r.Execute(context.Background(), env, "KSamplerMod", map[string]any{
		"model":              testPatcher(b),
		"seed":               42,
		"steps":              4,
		"cfg":                1.0,
		"sampler_name":       "euler",
		"scheduler":          "simple",
		"positive":           testConditioning(),
		"negative":           testConditioning(),
		"latent_image":       host.EmptyLatent(1, 4, 2, 2),
		"denoise":            1.0,
		"activation_casting": "fp16",
	})
	if err != nil {
		t.Fatal(err)
	}

	l, ok := out.Values[0].(host.Latent)
	if !ok {
		t.Fatalf("erwartet host.Latent, bekommen %T", out.Values[0])
	}
	if diff := cmp.Diff([]int64{1, 16, 2, 2}, l.Samples.Shape); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}

	got, err := l.Samples.Float32s()
	if err != nil {
		t.Fatal(err)
	}
	want := make([]float32, 64)
	for i := range want {
		want[i] = host.FluxLatentFormat().ShiftFactor
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("samples mismatch (-want +got):\n%s", diff)
	}
	if b.calls != 4 {
		t.Errorf("erwartet 4 Forward-Aufrufe, bekommen %d", b.calls)
	}
}

func TestFluxModSamplerWrapper(t *testing.T) {
	r, err := DefaultRegistry()
	if err != nil {
		t.Fatal(err)
	}
	env := testEnv(t, nil)

	inner, err := host.NewSampler("euler_ancestral")
	if err != nil {
		t.Fatal(err)
	}

	out, err := r.Execute(context.Background(), env, "FluxModSamplerWrapper", map[string]any{
		"sampler":            inner,
		"activation_casting": "bf16",
	})
	if err != nil {
		t.Fatal(err)
	}

	wrapped, ok := out.Values[0].(*host.Sampler)
	if !ok {
		t.Fatalf("erwartet *host.Sampler, bekommen %T", out.Values[0])
	}
	if wrapped == inner || wrapped.Name != inner.Name {
		t.Errorf("erwartet neuen Sampler %s, bekommen %+v", inner.Name, wrapped)
	}
}

func TestCheckpointLoaderMissingFile(t *testing.T) {
	r, err := DefaultRegistry()
	if err != nil {
		t.Fatal(err)
	}
	env := testEnv(t, nil)

	_, err = r.Execute(context.Background(), env, "ChromaCheckpointLoader", map[string]any{
		"ckpt_name":  "chroma.safetensors",
		"quant_mode": "bf16",
	})
	if !errors.Is(err, ErrInvalidValue) {
		t.Errorf("erwartet ErrInvalidValue fuer unbekannten Checkpoint, bekommen %v", err)
	}

	// ohne Validierung gegen die Auswahlliste meldet FullPath den Fehler
	_, err = loadCheckpoint(context.Background(), env, map[string]any{
		"ckpt_name":  "chroma.safetensors",
		"quant_mode": "bf16",
	})
	if !errors.Is(err, host.ErrNotFound) {
		t.Errorf("erwartet ErrNotFound, bekommen %v", err)
	}

	_, err = loadCheckpoint(context.Background(), env, map[string]any{
		"ckpt_name":  "../chroma.safetensors",
		"quant_mode": "bf16",
	})
	if err == nil || !strings.Contains(err.Error(), "invalid model name") {
		t.Errorf("erwartet ungueltigen Namen, bekommen %v", err)
	}
}
