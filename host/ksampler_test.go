package host

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/ollama/fluxmod/ml"
)

// targetBackend sagt eine Geschwindigkeit voraus, deren entrauschtes Latent
// ueberall target ist
type targetBackend struct {
	target   float32
	calls    int
	guidance []float32
}

func (b *targetBackend) Forward(ctx context.Context, m *BaseModel, x *ml.Tensor, timestep float64, conds map[string]any) (*ml.Tensor, error) {
	b.calls++
	if g, ok := conds["guidance"].(*ml.Tensor); ok {
		v, _ := g.Float32s()
		b.guidance = append(b.guidance, v...)
	}

	xs, err := x.Float32s()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(xs))
	for i, v := range xs {
		out[i] = (v - b.target) / float32(timestep)
	}
	return ml.NewFloat32(out, x.Shape...), nil
}

func newTestPatcher(b Backend) *ModelPatcher {
	m := NewBaseModel(ExternalFlux(), ModelTypeFlux, ml.CPU)
	m.Backend = b
	return NewModelPatcher(m, ml.CPU, ml.CPU)
}

func positive() Conditioning {
	return Conditioning{{Embedding: ml.NewFloat32(make([]float32, 8), 1, 2, 4), Options: map[string]any{}}}
}

func filled(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestCommonKSampler(t *testing.T) {
	format := FluxLatentFormat()
	for _, name := range SamplerNames() {
		t.Run(name, func(t *testing.T) {
			b := &targetBackend{}
			p := newTestPatcher(b)

			out, err := CommonKSampler(context.Background(), p, KSamplerOptions{
				Seed:        1,
				Steps:       3,
				CFG:         1,
				SamplerName: name,
				Scheduler:   "simple",
				Positive:    positive(),
				Latent:      EmptyLatent(1, 16, 2, 2),
				Denoise:     1,
			})
			if err != nil {
				t.Fatal(err)
			}

			got, err := out.Samples.Float32s()
			if err != nil {
				t.Fatal(err)
			}
			want := filled(64, format.ShiftFactor)
			if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
				t.Errorf("samples mismatch (-want +got):\n%s", diff)
			}
			if b.calls == 0 {
				t.Error("Backend wurde nicht aufgerufen")
			}
		})
	}
}

func TestCFGGuider(t *testing.T) {
	b := &targetBackend{}
	p := newTestPatcher(b)

	negative := Conditioning{{
		Embedding: ml.NewFloat32(make([]float32, 8), 1, 2, 4),
		Options:   map[string]any{"guidance": 1.5},
	}}

	_, err := CommonKSampler(context.Background(), p, KSamplerOptions{
		Steps: 1, CFG: 2, SamplerName: "euler", Scheduler: "normal",
		Positive: positive(), Negative: negative,
		Latent: EmptyLatent(1, 16, 1, 1), Denoise: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{DefaultGuidance, 1.5}, b.guidance); diff != "" {
		t.Errorf("guidance mismatch (-want +got):\n%s", diff)
	}

	_, err = CommonKSampler(context.Background(), p, KSamplerOptions{
		Steps: 1, CFG: 2, SamplerName: "euler", Scheduler: "normal",
		Positive: positive(), Latent: EmptyLatent(1, 16, 1, 1), Denoise: 1,
	})
	if err == nil {
		t.Error("erwartet Fehler fuer leeres negatives Conditioning")
	}
}

func TestCommonKSamplerNoiseMask(t *testing.T) {
	p := newTestPatcher(&targetBackend{target: 5})

	values := []float32{0.1, 0.2, 0.3, 0.4}
	l := Latent{
		Samples:   ml.NewFloat32(append(filled(60, 0.5), values...), 1, 16, 2, 2),
		NoiseMask: ml.NewFloat32(make([]float32, 4), 2, 2),
	}

	out, err := CommonKSampler(context.Background(), p, KSamplerOptions{
		Seed: 7, Steps: 4, CFG: 1, SamplerName: "euler", Scheduler: "simple",
		Positive: positive(), Latent: l, Denoise: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	want, _ := l.Samples.Float32s()
	got, _ := out.Samples.Float32s()
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-4)); diff != "" {
		t.Errorf("maskiertes Latent veraendert (-want +got):\n%s", diff)
	}
}

func TestCommonKSamplerErrors(t *testing.T) {
	p := newTestPatcher(&targetBackend{})
	base := KSamplerOptions{
		Steps: 2, CFG: 1, SamplerName: "euler", Scheduler: "simple",
		Positive: positive(), Latent: EmptyLatent(1, 16, 1, 1), Denoise: 1,
	}

	o := base
	o.SamplerName = "dpmpp_2m"
	if _, err := CommonKSampler(context.Background(), p, o); !errors.Is(err, ErrUnknownSampler) {
		t.Errorf("erwartet ErrUnknownSampler, bekommen %v", err)
	}

	o = base
	o.Scheduler = "beta"
	if _, err := CommonKSampler(context.Background(), p, o); !errors.Is(err, ErrUnknownScheduler) {
		t.Errorf("erwartet ErrUnknownScheduler, bekommen %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := CommonKSampler(ctx, p, base); !errors.Is(err, context.Canceled) {
		t.Errorf("erwartet context.Canceled, bekommen %v", err)
	}

	if _, err := CommonKSampler(context.Background(), newTestPatcher(nil), base); !errors.Is(err, ErrNoBackend) {
		t.Errorf("erwartet ErrNoBackend, bekommen %v", err)
	}
}

func TestCommonKSamplerDenoiseZero(t *testing.T) {
	b := &targetBackend{}
	p := newTestPatcher(b)
	l := EmptyLatent(1, 4, 1, 1)

	out, err := CommonKSampler(context.Background(), p, KSamplerOptions{
		Steps: 2, CFG: 1, SamplerName: "euler", Scheduler: "simple",
		Positive: positive(), Latent: l, Denoise: 0,
	})
	if err != nil {
		t.Fatal(err)
	}
	if b.calls != 0 {
		t.Errorf("Backend bei denoise 0 aufgerufen: %d", b.calls)
	}
	if got := out.Samples.Shape; !cmp.Equal(got, []int64{1, 16, 1, 1}) {
		t.Errorf("erwartet aufgefuellte 16 Kanaele, bekommen %v", got)
	}
}

func TestFixEmptyLatentChannels(t *testing.T) {
	l := Latent{Samples: ml.NewFloat32([]float32{0, 1, 0, 0}, 1, 4, 1, 1)}
	if _, err := FixEmptyLatentChannels(FluxLatentFormat(), l); err == nil {
		t.Error("erwartet Fehler fuer nicht-leeres Latent mit falscher Kanalanzahl")
	}

	same := EmptyLatent(1, 16, 1, 1)
	got, err := FixEmptyLatentChannels(FluxLatentFormat(), same)
	if err != nil || got.Samples != same.Samples {
		t.Errorf("passendes Latent veraendert: %v", err)
	}
}
