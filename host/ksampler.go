// ksampler.go - Classifier-Free Guidance und die Sampling-Einstiegspunkte
//
// Dieses Modul enthaelt:
// - CFGGuider: Positive/negative Conditionings, Staerke-Gewichtung, Noise-Maske
// - SampleCustom: Sampling mit vorgegebenem Sampler und Sigmas (SamplerCustom)
// - CommonKSampler: Der KSampler des Hosts (Seed, Scheduler, denoise)
package host

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ollama/fluxmod/ml"
)

// CFGGuider kombiniert die Vorhersagen fuer positives und negatives Conditioning
type CFGGuider struct {
	Patcher  *ModelPatcher
	Positive Conditioning
	Negative Conditioning
	CFG      float64

	shape  []int64
	latent []float32
	noise  []float32
	mask   []float32
}

// NewCFGGuider erstellt einen Guider fuer patcher
func NewCFGGuider(patcher *ModelPatcher, positive, negative Conditioning, cfg float64) *CFGGuider {
	return &CFGGuider{Patcher: patcher, Positive: positive, Negative: negative, CFG: cfg}
}

// ModelPatcher implementiert Denoiser
func (g *CFGGuider) ModelPatcher() *ModelPatcher {
	return g.Patcher
}

// Denoise implementiert Denoiser. Bei cfg == 1 wird das negative
// Conditioning nicht ausgewertet.
func (g *CFGGuider) Denoise(ctx context.Context, x []float32, sigma float64) ([]float32, error) {
	if g.mask != nil {
		x = g.inpaint(x, g.Patcher.Model.Sampling.NoiseScaling(sigma, g.noise, g.latent))
	}

	cond, err := g.predict(ctx, g.Positive, x, sigma)
	if err != nil {
		return nil, fmt.Errorf("positive conditioning: %w", err)
	}

	out := cond
	if g.CFG != 1 {
		uncond, err := g.predict(ctx, g.Negative, x, sigma)
		if err != nil {
			return nil, fmt.Errorf("negative conditioning: %w", err)
		}
		out = lerp(1-g.CFG, uncond, g.CFG, cond)
	}

	if g.mask != nil {
		out = g.inpaint(out, g.latent)
	}
	return out, nil
}

// predict mittelt die Vorhersagen aller Eintraege gewichtet nach Staerke
func (g *CFGGuider) predict(ctx context.Context, c Conditioning, x []float32, sigma float64) ([]float32, error) {
	if len(c) == 0 {
		return nil, fmt.Errorf("empty conditioning")
	}

	xt := ml.NewFloat32(x, g.shape...)
	sum := make([]float32, len(x))
	var total float64
	for _, e := range c {
		denoised, err := g.Patcher.Model.ApplyModel(ctx, xt, sigma, g.Patcher.Model.ExtraConds(e))
		if err != nil {
			return nil, err
		}
		axpy(e.Strength(), denoised, sum)
		total += e.Strength()
	}

	if total == 0 {
		return nil, fmt.Errorf("conditioning strengths sum to zero")
	}
	scal(1/total, sum)
	return sum, nil
}

// inpaint behaelt x innerhalb der Maske und ersetzt den Rest durch keep
func (g *CFGGuider) inpaint(x, keep []float32) []float32 {
	out := make([]float32, len(x))
	for i := range out {
		out[i] = x[i]*g.mask[i] + keep[i]*(1-g.mask[i])
	}
	return out
}

// prepare setzt Form, Latent und Maske fuer einen Sampling-Lauf
func (g *CFGGuider) prepare(l Latent, latent, noise []float32) error {
	g.shape = l.Samples.Shape
	g.latent = latent
	g.noise = noise
	g.mask = nil

	if l.NoiseMask == nil {
		return nil
	}

	mask, err := broadcastMask(l)
	if err != nil {
		return err
	}
	g.mask = mask
	return nil
}

// broadcastMask bringt eine [H, W] oder [B, C, H, W] Maske auf die Latent-Form
func broadcastMask(l Latent) ([]float32, error) {
	b, c, h, w, err := l.Shape()
	if err != nil {
		return nil, err
	}

	values, err := l.NoiseMask.Float32s()
	if err != nil {
		return nil, fmt.Errorf("noise mask: %w", err)
	}

	plane := int(h * w)
	switch len(values) {
	case int(b * c * h * w):
		return values, nil
	case plane:
		out := make([]float32, 0, int(b*c)*plane)
		for range b * c {
			out = append(out, values...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("noise mask shape %v does not match latent %v", l.NoiseMask.Shape, l.Samples.Shape)
	}
}

// SampleCustom fuehrt sampler entlang sigmas aus. noise hat die Form des
// Latents; das Ergebnis liegt wieder im Latent-Raum des VAE.
func SampleCustom(ctx context.Context, g *CFGGuider, sampler *Sampler, sigmas []float64, noise []float32, l Latent, opts SamplerOptions) (Latent, error) {
	if len(sigmas) < 2 {
		return l, nil
	}

	format := g.Patcher.Model.Config.LatentFormat
	values, err := l.Samples.Float32s()
	if err != nil {
		return l, err
	}
	if len(noise) != len(values) {
		return l, fmt.Errorf("noise has %d values, latent has %d", len(noise), len(values))
	}

	latent := format.ProcessIn(values)
	if err := g.prepare(l, latent, noise); err != nil {
		return l, err
	}

	ms := g.Patcher.Model.Sampling
	x := ms.NoiseScaling(sigmas[0], noise, latent)

	start := time.Now()
	samples, err := sampler.Fn(ctx, g, x, sigmas, opts)
	if err != nil {
		return l, fmt.Errorf("%s: %w", sampler.Name, err)
	}
	slog.Info("sampling finished", "sampler", sampler.Name, "steps", len(sigmas)-1, "duration", time.Since(start))

	samples = format.ProcessOut(ms.InverseNoiseScaling(sigmas[len(sigmas)-1], samples))
	return Latent{
		Samples:    ml.NewFloat32(samples, l.Samples.Shape...),
		BatchIndex: l.BatchIndex,
		NoiseMask:  l.NoiseMask,
	}, nil
}

// KSamplerOptions sind die Eingaben des KSamplers
type KSamplerOptions struct {
	Seed         int64
	Steps        int
	CFG          float64
	SamplerName  string
	Scheduler    string
	Positive     Conditioning
	Negative     Conditioning
	Latent       Latent
	Denoise      float64
	DisableNoise bool
	Callback     StepCallback
}

// CommonKSampler ist der Sampling-Ablauf des Host-KSamplers
func CommonKSampler(ctx context.Context, patcher *ModelPatcher, o KSamplerOptions) (Latent, error) {
	l, err := FixEmptyLatentChannels(patcher.Model.Config.LatentFormat, o.Latent)
	if err != nil {
		return o.Latent, err
	}

	var noise []float32
	if o.DisableNoise {
		noise = make([]float32, l.Samples.NumElements())
	} else if noise, err = PrepareNoise(l, o.Seed); err != nil {
		return l, err
	}

	sigmas, err := DenoiseSigmas(patcher.Model.Sampling, o.Scheduler, o.Steps, o.Denoise)
	if err != nil {
		return l, err
	}

	sampler, err := NewSampler(o.SamplerName)
	if err != nil {
		return l, err
	}

	g := NewCFGGuider(patcher, o.Positive, o.Negative, o.CFG)
	return SampleCustom(ctx, g, sampler, sigmas, noise, l, SamplerOptions{Seed: o.Seed, Callback: o.Callback})
}
