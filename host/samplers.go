// samplers.go - Sampler-Registry und Integrationsverfahren
//
// Dieses Modul enthaelt:
// - Denoiser: Schnittstelle des Guiders fuer die Sampler
// - Sampler: Sampler-Funktion mit Extra- und Inpaint-Optionen (host KSAMPLER)
// - euler, euler_ancestral (Rectified-Flow Variante), heun
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
)

// ErrUnknownSampler wird fuer unbekannte Sampler-Namen zurueckgegeben
var ErrUnknownSampler = errors.New("unknown sampler")

// Denoiser sagt fuer x bei sigma das entrauschte Latent voraus
type Denoiser interface {
	Denoise(ctx context.Context, x []float32, sigma float64) ([]float32, error)

	// ModelPatcher gibt das Modell zurueck, mit dem entrauscht wird
	ModelPatcher() *ModelPatcher
}

// StepCallback wird nach jedem Schritt mit der aktuellen Vorhersage aufgerufen
type StepCallback func(step, total int, denoised []float32)

// SamplerOptions sind die Laufzeitoptionen eines Sampler-Aufrufs
type SamplerOptions struct {
	// Seed bestimmt das Rauschen ancestraler Sampler
	Seed int64

	Callback StepCallback
}

// SamplerFunc integriert x entlang sigmas und gibt das Ergebnis zurueck
type SamplerFunc func(ctx context.Context, d Denoiser, x []float32, sigmas []float64, opts SamplerOptions) ([]float32, error)

// Sampler ist eine benannte Sampler-Funktion mit ihren Optionen
type Sampler struct {
	Name           string
	Fn             SamplerFunc
	ExtraOptions   map[string]any
	InpaintOptions map[string]any
}

var samplers = []struct {
	name string
	fn   SamplerFunc
}{
	{"euler", sampleEuler},
	{"euler_ancestral", sampleEulerAncestral},
	{"heun", sampleHeun},
}

// SamplerNames gibt die registrierten Sampler zurueck
func SamplerNames() []string {
	names := make([]string, len(samplers))
	for i, s := range samplers {
		names[i] = s.name
	}
	return names
}

// NewSampler sucht einen Sampler nach Namen
func NewSampler(name string) (*Sampler, error) {
	for _, s := range samplers {
		if s.name == name {
			return &Sampler{Name: name, Fn: s.fn, ExtraOptions: map[string]any{}, InpaintOptions: map[string]any{}}, nil
		}
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownSampler, name)
}

// step ruft den Denoiser auf und meldet den Fortschritt
func step(ctx context.Context, d Denoiser, x []float32, sigmas []float64, i int, opts SamplerOptions) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	denoised, err := d.Denoise(ctx, x, sigmas[i])
	if err != nil {
		return nil, fmt.Errorf("step %d (sigma %.4f): %w", i, sigmas[i], err)
	}

	slog.Debug("sampler step", "step", i+1, "total", len(sigmas)-1, "sigma", sigmas[i])
	if opts.Callback != nil {
		opts.Callback(i, len(sigmas)-1, denoised)
	}
	return denoised, nil
}

// derivative berechnet (x - denoised) / sigma
func derivative(x, denoised []float32, sigma float64) []float32 {
	return lerp(1/sigma, x, -1/sigma, denoised)
}

func sampleEuler(ctx context.Context, d Denoiser, x []float32, sigmas []float64, opts SamplerOptions) ([]float32, error) {
	x = clone(x)
	for i := range len(sigmas) - 1 {
		denoised, err := step(ctx, d, x, sigmas, i, opts)
		if err != nil {
			return nil, err
		}
		axpy(sigmas[i+1]-sigmas[i], derivative(x, denoised, sigmas[i]), x)
	}
	return x, nil
}

// sampleEulerAncestral ist die Rectified-Flow Variante mit eta = 1
func sampleEulerAncestral(ctx context.Context, d Denoiser, x []float32, sigmas []float64, opts SamplerOptions) ([]float32, error) {
	const eta, sNoise = 1.0, 1.0

	noise := NewNoise(opts.Seed)
	x = clone(x)
	for i := range len(sigmas) - 1 {
		denoised, err := step(ctx, d, x, sigmas, i, opts)
		if err != nil {
			return nil, err
		}

		next := sigmas[i+1]
		if next == 0 {
			x = denoised
			continue
		}

		sigmaDown := next * (1 + (next/sigmas[i]-1)*eta)
		alphaNext := 1 - next
		alphaDown := 1 - sigmaDown
		renoise := math.Sqrt(math.Max(0, next*next-sigmaDown*sigmaDown*alphaNext*alphaNext/(alphaDown*alphaDown)))

		ratio := sigmaDown / sigmas[i]
		x = lerp(ratio, x, 1-ratio, denoised)
		scal(alphaNext/alphaDown, x)
		axpy(sNoise*renoise, noise.Sample(len(x)), x)
	}
	return x, nil
}

func sampleHeun(ctx context.Context, d Denoiser, x []float32, sigmas []float64, opts SamplerOptions) ([]float32, error) {
	x = clone(x)
	for i := range len(sigmas) - 1 {
		denoised, err := step(ctx, d, x, sigmas, i, opts)
		if err != nil {
			return nil, err
		}

		deriv := derivative(x, denoised, sigmas[i])
		dt := sigmas[i+1] - sigmas[i]
		if sigmas[i+1] == 0 {
			axpy(dt, deriv, x)
			continue
		}

		x2 := clone(x)
		axpy(dt, deriv, x2)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		denoised2, err := d.Denoise(ctx, x2, sigmas[i+1])
		if err != nil {
			return nil, fmt.Errorf("step %d (sigma %.4f): %w", i, sigmas[i+1], err)
		}

		axpy(dt/2, deriv, x)
		axpy(dt/2, derivative(x2, denoised2, sigmas[i+1]), x)
	}
	return x, nil
}

func clone(x []float32) []float32 {
	out := make([]float32, len(x))
	copy(out, x)
	return out
}
