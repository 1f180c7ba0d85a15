package loader

import (
	"context"
	"errors"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ollama/fluxmod/fs/gguf"
	"github.com/ollama/fluxmod/fs/safetensors"
	"github.com/ollama/fluxmod/ml"
	"github.com/ollama/fluxmod/model/fluxmod"
	"github.com/ollama/fluxmod/nn"
)

type testDevices struct {
	load, offload ml.Device
}

func (d testDevices) TorchDevice() ml.Device            { return d.load }
func (d testDevices) UnetOffloadDevice() ml.Device      { return d.offload }
func (d testDevices) SupportsFP8Compute(ml.Device) bool { return false }

var cuda = ml.Device{Type: "cuda", Index: 0}

func smallParams() *fluxmod.Params {
	p := fluxmod.DefaultParams()
	p.InChannels = 4
	p.ContextInDim = 8
	p.HiddenSize = 8
	p.NumHeads = 2
	p.Depth = 2
	p.DepthSingleBlocks = 3
	return &p
}

// filled erzeugt fuer jeden deklarierten Parameter von m einen Tensor aus Einsen
func filled(m any, prefix string) map[string]*ml.Tensor {
	out := make(map[string]*ml.Tensor)
	for k, t := range nn.StateDict(m) {
		values := make([]float32, t.NumElements())
		for i := range values {
			values[i] = 1
		}
		out[prefix+k] = ml.NewFloat32(values, t.Shape...)
	}
	return out
}

func baseWeights() map[string]*ml.Tensor {
	w := filled(fluxmod.New(*smallParams()), "")
	for _, k := range []string{
		"double_blocks.0.img_mod.lin.weight",
		"single_blocks.1.modulation.lin.bias",
		"time_in.in_layer.weight",
		"vector_in.out_layer.bias",
		"guidance_in.in_layer.weight",
	} {
		w[k] = ml.NewFloat32([]float32{1, 2}, 2)
	}
	return w
}

func approxWeights(prefix string) map[string]*ml.Tensor {
	return filled(fluxmod.NewApproximator(4, 8, 16, 2), prefix)
}

func writeSafetensors(t *testing.T, name string, tensors map[string]*ml.Tensor) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := safetensors.WriteFile(p, tensors, nil); err != nil {
		t.Fatal(err)
	}
	return p
}

func load(t *testing.T, o Options) (*fluxmod.Model, error) {
	t.Helper()
	o.Params = smallParams()
	o.Devices = testDevices{load: cuda, offload: ml.CPU}
	if o.LinearDType == 0 {
		o.LinearDType = ml.DTypeBfloat16
	}

	p, err := LoadFluxMod(context.Background(), o)
	if err != nil {
		return nil, err
	}
	if p.LoadDevice != cuda || p.OffloadDevice != ml.CPU {
		t.Errorf("devices: bekommen %v/%v", p.LoadDevice, p.OffloadDevice)
	}
	return p.Model.DiffusionModel.(*fluxmod.Model), nil
}

func TestLoadFluxMod(t *testing.T) {
	base := baseWeights()
	model := writeSafetensors(t, "flux-mod.safetensors", base)
	guidance := writeSafetensors(t, "guidance.safetensors", approxWeights(""))

	var stages []Stage
	m, err := load(t, Options{
		ModelPath:    model,
		GuidancePath: guidance,
		LinearDType:  ml.DTypeFloat8E4M3FN,
		Progress:     func(s Stage) { stages = append(stages, s) },
	})
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(Stages, stages); diff != "" {
		t.Errorf("stages mismatch (-want +got):\n%s", diff)
	}

	sd := nn.StateDict(m)
	for k := range base {
		if safetensors.Excluded(k, fluxmod.ExcludeKeywords) {
			continue
		}
		if _, ok := sd[k]; !ok {
			t.Errorf("geladener Schluessel %s fehlt im Modell", k)
		}
	}

	for name, want := range map[string]ml.DType{
		"img_in.weight":                                  ml.DTypeFloat8E4M3FN,
		"double_blocks.1.txt_mlp.2.bias":                 ml.DTypeFloat8E4M3FN,
		"single_blocks.2.linear1.weight":                 ml.DTypeFloat8E4M3FN,
		"double_blocks.0.img_attn.norm.query_norm.scale": ml.DTypeBfloat16,
		"single_blocks.0.norm.key_norm.scale":            ml.DTypeBfloat16,
		"distilled_guidance_layer.in_proj.weight":        ml.DTypeBfloat16,
		"distilled_guidance_layer.norms.1.scale":         ml.DTypeBfloat16,
	} {
		if got := sd[name].DType; got != want {
			t.Errorf("%s: erwartet %s, bekommen %s", name, want, got)
		}
	}

	if got := sd["img_in.weight"].Data[0]; got != 0x38 {
		t.Errorf("fp8 e4m3fn 1.0: erwartet 0x38, bekommen %#x", got)
	}
	if got := sd["single_blocks.0.norm.key_norm.scale"].Data[:2]; !slices.Equal(got, []byte{0x80, 0x3f}) {
		t.Errorf("bf16 1.0: erwartet [0x80 0x3f], bekommen %#v", got)
	}
	if m.DType != UnetDType {
		t.Errorf("model dtype: erwartet %s, bekommen %s", UnetDType, m.DType)
	}
}

func TestLoadFluxModChroma(t *testing.T) {
	w := baseWeights()
	maps.Copy(w, approxWeights(fluxmod.GuidancePrefix+"."))

	m, err := load(t, Options{ModelPath: writeSafetensors(t, "chroma.safetensors", w)})
	if err != nil {
		t.Fatal(err)
	}
	if m.DistilledGuidance == nil || len(m.DistilledGuidance.Layers) != 2 {
		t.Fatalf("eingebetteter Approximator nicht geladen: %+v", m.DistilledGuidance)
	}
}

func TestLoadFluxModEmbeddedConflict(t *testing.T) {
	w := baseWeights()
	maps.Copy(w, approxWeights(fluxmod.GuidancePrefix+"."))
	model := writeSafetensors(t, "chroma.safetensors", w)
	guidance := writeSafetensors(t, "guidance.safetensors", approxWeights(""))
	lite := writeSafetensors(t, "lite.safetensors", approxWeights(""))

	cases := []struct {
		name string
		opts Options
	}{
		{"guidance", Options{ModelPath: model, GuidancePath: guidance}},
		{"lite patch", Options{ModelPath: model, LitePatchPath: lite}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(t, tt.opts)
			if err == nil {
				t.Fatal("erwartet Fehler fuer eingebettete und separate Approximator-Gewichte")
			}
			if !strings.Contains(err.Error(), "unexpected keys: "+fluxmod.GuidancePrefix+".") {
				t.Errorf("erwartet unerwartete Guidance-Schluessel, bekommen %v", err)
			}
		})
	}
}

func TestLoadFluxModLitePatch(t *testing.T) {
	model := writeSafetensors(t, "flux-mod.safetensors", baseWeights())
	lite := writeSafetensors(t, "lite.safetensors", filled(fluxmod.NewApproximator(4, 8, 6, 3), ""))

	m, err := load(t, Options{ModelPath: model, LitePatchPath: lite})
	if err != nil {
		t.Fatal(err)
	}
	if a := m.DistilledGuidance; a.HiddenDim != 6 || len(a.Layers) != 3 {
		t.Errorf("lite approximator: hidden %d, layers %d", a.HiddenDim, len(a.Layers))
	}
}

func TestLoadFluxModGGUF(t *testing.T) {
	p := filepath.Join(t.TempDir(), "flux-mod-q.bin")
	if err := gguf.WriteFile(p, map[string]any{"general.architecture": "flux"}, baseWeights()); err != nil {
		t.Fatal(err)
	}
	guidance := writeSafetensors(t, "guidance.safetensors", approxWeights(""))

	if _, err := load(t, Options{ModelPath: p, GuidancePath: guidance, IsGGUF: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := load(t, Options{ModelPath: p, GuidancePath: guidance}); err == nil {
		t.Error("ohne IsGGUF sollte .bin als PyTorch-Archiv scheitern")
	}
}

func TestLoadFluxModScaledFP8(t *testing.T) {
	w := baseWeights()
	w[ScaledFP8Key] = &ml.Tensor{DType: ml.DTypeFloat8E4M3FN, Shape: []int64{0}, Data: []byte{}}
	model := writeSafetensors(t, "scaled.safetensors", w)
	guidance := writeSafetensors(t, "guidance.safetensors", approxWeights(""))

	p, err := LoadFluxMod(context.Background(), Options{
		ModelPath:    model,
		GuidancePath: guidance,
		LinearDType:  ml.DTypeBfloat16,
		Params:       smallParams(),
		Devices:      testDevices{load: ml.CPU, offload: ml.CPU},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !p.Model.Config.ScaledFP8 {
		t.Error("scaled_fp8 Markierung nicht erkannt")
	}
}

func TestLoadFluxModErrors(t *testing.T) {
	guidance := writeSafetensors(t, "guidance.safetensors", approxWeights(""))

	missing := baseWeights()
	delete(missing, "double_blocks.1.img_attn.proj.weight")
	if _, err := load(t, Options{
		ModelPath:    writeSafetensors(t, "missing.safetensors", missing),
		GuidancePath: guidance,
	}); !errors.Is(err, nn.ErrStateDict) {
		t.Errorf("fehlender Schluessel: erwartet ErrStateDict, bekommen %v", err)
	}

	extra := baseWeights()
	extra["double_blocks.0.img_attn.extra.weight"] = ml.NewFloat32([]float32{1}, 1)
	if _, err := load(t, Options{
		ModelPath:    writeSafetensors(t, "extra.safetensors", extra),
		GuidancePath: guidance,
	}); !errors.Is(err, nn.ErrStateDict) {
		t.Errorf("unerwarteter Schluessel: erwartet ErrStateDict, bekommen %v", err)
	}

	model := writeSafetensors(t, "flux-mod.safetensors", baseWeights())
	if _, err := load(t, Options{ModelPath: model}); !errors.Is(err, ErrNoGuidance) {
		t.Errorf("ohne Guidance: erwartet ErrNoGuidance, bekommen %v", err)
	}

	wide := writeSafetensors(t, "wide.safetensors", filled(fluxmod.NewApproximator(4, 16, 16, 2), ""))
	if _, err := load(t, Options{ModelPath: model, GuidancePath: wide}); !errors.Is(err, fluxmod.ErrApproximator) {
		t.Errorf("falsche Ausgabedimension: erwartet ErrApproximator, bekommen %v", err)
	}

	if _, err := load(t, Options{ModelPath: model, GuidancePath: guidance, LinearDType: ml.DTypeInt8}); err == nil {
		t.Error("erwartet Fehler fuer Int8 als Linear-Praezision")
	}

	if _, err := load(t, Options{ModelPath: filepath.Join(t.TempDir(), "nope.safetensors"), GuidancePath: guidance}); err == nil {
		t.Error("erwartet Fehler fuer fehlende Datei")
	}
}

func TestLoadSelectedKeys(t *testing.T) {
	base := baseWeights()
	got, err := LoadSelectedKeys(writeSafetensors(t, "flux-mod.safetensors", base), fluxmod.ExcludeKeywords)
	if err != nil {
		t.Fatal(err)
	}

	var want []string
	for k := range base {
		if !safetensors.Excluded(k, fluxmod.ExcludeKeywords) {
			want = append(want, k)
		}
	}
	slices.Sort(want)
	if diff := cmp.Diff(want, slices.Sorted(maps.Keys(got))); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
}
