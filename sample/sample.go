// sample.go - Quantisierungsabhaengiges Sampling
//
// Dieses Modul enthaelt:
// - UsingScaledFP8: Entscheidung ob die Aktivierungen ohne Autocast laufen
// - Dispatcher: KSampler-Aufruf mit oder ohne Autocast-Bereich
// - WrapSampler: Dieselbe Entscheidung pro Sampler-Aufruf (SamplerWrapper)
package sample

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/ollama/fluxmod/envconfig"
	"github.com/ollama/fluxmod/host"
	"github.com/ollama/fluxmod/ml"
)

// ErrInvalidCasting wird fuer unbekannte Aktivierungs-Praezisionen zurueckgegeben
var ErrInvalidCasting = errors.New("invalid activation casting")

// CastingNames sind die waehlbaren Aktivierungs-Praezisionen, Default zuerst
var CastingNames = []string{"bf16", "fp16"}

// ParseCasting bildet "bf16" und "fp16" auf ihren Datentyp ab
func ParseCasting(s string) (ml.DType, error) {
	switch s {
	case "bf16":
		return ml.DTypeBfloat16, nil
	case "fp16":
		return ml.DTypeFloat16, nil
	default:
		return 0, fmt.Errorf("%w %q", ErrInvalidCasting, s)
	}
}

// UsingScaledFP8 meldet ob das Modell mit skalierten fp8-Matmuls rechnet:
// entweder ist fast aktiv und das Rechengeraet unterstuetzt fp8, oder der
// Checkpoint ist bereits skaliert.
func UsingScaledFP8(p *host.ModelPatcher, fast bool, devices host.DeviceManager) bool {
	return (fast && devices.SupportsFP8Compute(p.LoadDevice)) || p.Model.Config.ScaledFP8
}

// Dispatcher fuehrt Sampling-Aufrufe aus
type Dispatcher struct {
	Devices    host.DeviceManager
	Autocaster ml.Autocaster

	// Fast entspricht --fast des Hosts; nil liest FLUXMOD_FAST
	Fast func() bool
}

// NewDispatcher erstellt einen Dispatcher mit Umgebungs-Konfiguration
func NewDispatcher() *Dispatcher {
	return &Dispatcher{Devices: host.EnvDeviceManager{}, Autocaster: ml.ContextAutocaster{}, Fast: envconfig.Fast}
}

func (d *Dispatcher) scaledFP8(p *host.ModelPatcher) bool {
	fast := envconfig.Fast
	if d.Fast != nil {
		fast = d.Fast
	}
	return UsingScaledFP8(p, fast(), d.Devices)
}

// Request ist ein KSamplerMod-Aufruf
type Request struct {
	Patcher *host.ModelPatcher
	host.KSamplerOptions

	// Casting ist die Autocast-Praezision (bf16 oder fp16)
	Casting ml.DType
}

// Sample ruft den Host-KSampler auf. Bei skalierten fp8-Gewichten wird kein
// Autocast-Bereich betreten, sonst einer mit genau r.Casting auf dem
// Rechengeraet des Modells.
func (d *Dispatcher) Sample(ctx context.Context, r Request) (host.Latent, error) {
	if d.scaledFP8(r.Patcher) {
		slog.Debug("scaled fp8, sampling without autocast")
		return host.CommonKSampler(ctx, r.Patcher, r.KSamplerOptions)
	}

	ctx, exit := d.Autocaster.Enter(ctx, r.Patcher.LoadDevice, r.Casting)
	defer exit()
	return host.CommonKSampler(ctx, r.Patcher, r.KSamplerOptions)
}

// WrapSampler gibt einen Sampler zurueck, der s bei jedem Aufruf mit
// derselben Entscheidung wie Sample ausfuehrt. Das Geraet kommt von der
// Geraeteverwaltung.
func (d *Dispatcher) WrapSampler(s *host.Sampler, casting ml.DType) *host.Sampler {
	inner := s.Fn
	return &host.Sampler{
		Name: s.Name,
		Fn: func(ctx context.Context, den host.Denoiser, x []float32, sigmas []float64, opts host.SamplerOptions) ([]float32, error) {
			if d.scaledFP8(den.ModelPatcher()) {
				return inner(ctx, den, x, sigmas, opts)
			}

			ctx, exit := d.Autocaster.Enter(ctx, d.Devices.TorchDevice(), casting)
			defer exit()
			return inner(ctx, den, x, sigmas, opts)
		},
		ExtraOptions:   maps.Clone(s.ExtraOptions),
		InpaintOptions: maps.Clone(s.InpaintOptions),
	}
}
