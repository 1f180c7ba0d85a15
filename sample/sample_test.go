package sample

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ollama/fluxmod/host"
	"github.com/ollama/fluxmod/ml"
)

type testDevices struct {
	torch ml.Device
	fp8   bool
}

func (d testDevices) TorchDevice() ml.Device            { return d.torch }
func (d testDevices) UnetOffloadDevice() ml.Device      { return ml.CPU }
func (d testDevices) SupportsFP8Compute(ml.Device) bool { return d.fp8 }

// recordingAutocaster zeichnet jeden betretenen Bereich auf
type recordingAutocaster struct {
	entered []ml.Autocast
	exited  int
}

func (r *recordingAutocaster) Enter(ctx context.Context, device ml.Device, dtype ml.DType) (context.Context, func()) {
	r.entered = append(r.entered, ml.Autocast{Device: device, DType: dtype})
	return ml.WithAutocast(ctx, device, dtype), func() { r.exited++ }
}

// autocastBackend merkt sich den Autocast-Zustand jedes Forward-Aufrufs
type autocastBackend struct {
	seen []*ml.Autocast
}

func (b *autocastBackend) Forward(ctx context.Context, m *host.BaseModel, x *ml.Tensor, timestep float64, conds map[string]any) (*ml.Tensor, error) {
	if ac, ok := ml.AutocastFrom(ctx); ok {
		b.seen = append(b.seen, &ac)
	} else {
		b.seen = append(b.seen, nil)
	}
	return ml.NewFloat32(make([]float32, x.NumElements()), x.Shape...), nil
}

var (
	cuda0 = ml.Device{Type: "cuda", Index: 0}
	cuda1 = ml.Device{Type: "cuda", Index: 1}
)

func newPatcher(b host.Backend, scaled bool) *host.ModelPatcher {
	cfg := host.ExternalFlux()
	cfg.ScaledFP8 = scaled
	m := host.NewBaseModel(cfg, host.ModelTypeFlux, cuda0)
	m.Backend = b
	return host.NewModelPatcher(m, cuda0, ml.CPU)
}

func options() host.KSamplerOptions {
	return host.KSamplerOptions{
		Seed:        3,
		Steps:       2,
		CFG:         1,
		SamplerName: "euler",
		Scheduler:   "simple",
		Positive:    host.Conditioning{{Embedding: ml.NewFloat32([]float32{0, 0}, 1, 1, 2)}},
		Latent:      host.EmptyLatent(1, 16, 1, 1),
		Denoise:     1,
	}
}

func TestUsingScaledFP8(t *testing.T) {
	cases := []struct {
		name                 string
		fast, fp8, scaledCkp bool
		want                 bool
	}{
		{"nothing", false, false, false, false},
		{"fast without fp8 device", true, false, false, false},
		{"fp8 device without fast", false, true, false, false},
		{"fast with fp8 device", true, true, false, true},
		{"scaled checkpoint", false, false, true, true},
		{"scaled checkpoint with fast", true, true, true, true},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			p := newPatcher(nil, tt.scaledCkp)
			if got := UsingScaledFP8(p, tt.fast, testDevices{fp8: tt.fp8}); got != tt.want {
				t.Errorf("erwartet %v, bekommen %v", tt.want, got)
			}
		})
	}
}

func TestDispatcherSample(t *testing.T) {
	cases := []struct {
		name    string
		casting ml.DType
		scaled  bool
		fast    bool
		fp8     bool
		want    []ml.Autocast
	}{
		{"bf16", ml.DTypeBfloat16, false, false, false, []ml.Autocast{{Device: cuda0, DType: ml.DTypeBfloat16}}},
		{"fp16", ml.DTypeFloat16, false, false, false, []ml.Autocast{{Device: cuda0, DType: ml.DTypeFloat16}}},
		{"fast without fp8 support", ml.DTypeBfloat16, false, true, false, []ml.Autocast{{Device: cuda0, DType: ml.DTypeBfloat16}}},
		{"scaled checkpoint", ml.DTypeBfloat16, true, false, false, nil},
		{"fast with fp8 support", ml.DTypeFloat16, false, true, true, nil},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			b := &autocastBackend{}
			ac := &recordingAutocaster{}
			d := &Dispatcher{
				Devices:    testDevices{torch: cuda1, fp8: tt.fp8},
				Autocaster: ac,
				Fast:       func() bool { return tt.fast },
			}

			_, err := d.Sample(context.Background(), Request{
				Patcher:         newPatcher(b, tt.scaled),
				KSamplerOptions: options(),
				Casting:         tt.casting,
			})
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(tt.want, ac.entered); diff != "" {
				t.Errorf("autocast mismatch (-want +got):\n%s", diff)
			}
			if ac.exited != len(ac.entered) {
				t.Errorf("Bereich %d mal betreten, %d mal verlassen", len(ac.entered), ac.exited)
			}

			if len(b.seen) != 2 {
				t.Fatalf("erwartet 2 Forward-Aufrufe, bekommen %d", len(b.seen))
			}
			for _, seen := range b.seen {
				if tt.want == nil && seen != nil {
					t.Errorf("Forward lief unter Autocast %+v", *seen)
				}
				if tt.want != nil && (seen == nil || *seen != tt.want[0]) {
					t.Errorf("Forward: erwartet %+v, bekommen %+v", tt.want[0], seen)
				}
			}
		})
	}
}

func TestWrapSampler(t *testing.T) {
	for _, scaled := range []bool{false, true} {
		b := &autocastBackend{}
		ac := &recordingAutocaster{}
		d := &Dispatcher{Devices: testDevices{torch: cuda1}, Autocaster: ac, Fast: func() bool { return false }}

		inner, err := host.NewSampler("heun")
		if err != nil {
			t.Fatal(err)
		}
		inner.ExtraOptions["s_noise"] = 1.0

		wrapped := d.WrapSampler(inner, ml.DTypeFloat16)
		if wrapped.Name != "heun" || wrapped.ExtraOptions["s_noise"] != 1.0 {
			t.Errorf("Optionen nicht uebernommen: %+v", wrapped)
		}

		p := newPatcher(b, scaled)
		o := options()
		g := host.NewCFGGuider(p, o.Positive, nil, 1)
		sigmas, _ := host.CalculateSigmas(p.Model.Sampling, "simple", 2)
		noise := make([]float32, 16)

		if _, err := host.SampleCustom(context.Background(), g, wrapped, sigmas, noise, o.Latent, host.SamplerOptions{}); err != nil {
			t.Fatal(err)
		}

		var want []ml.Autocast
		if !scaled {
			want = []ml.Autocast{{Device: cuda1, DType: ml.DTypeFloat16}}
		}
		if diff := cmp.Diff(want, ac.entered); diff != "" {
			t.Errorf("scaled=%v: autocast mismatch (-want +got):\n%s", scaled, diff)
		}
	}
}

func TestParseCasting(t *testing.T) {
	for s, want := range map[string]ml.DType{"bf16": ml.DTypeBfloat16, "fp16": ml.DTypeFloat16} {
		got, err := ParseCasting(s)
		if err != nil || got != want {
			t.Errorf("%s: erwartet %s, bekommen %s (%v)", s, want, got, err)
		}
	}

	if _, err := ParseCasting("fp32"); !errors.Is(err, ErrInvalidCasting) {
		t.Errorf("erwartet ErrInvalidCasting, bekommen %v", err)
	}
}
