// sampling.go - Flow-Matching Parametrisierung fuer Flux
//
// Dieses Modul enthaelt:
// - ModelSamplingFlux: Sigma/Timestep-Abbildung mit Zeitverschiebung (shift 1.15)
// - NoiseScaling / InverseNoiseScaling / CalculateDenoised (konstante Interpolation)
package host

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// numTimesteps ist die Aufloesung der Sigma-Tabelle
const numTimesteps = 10000

// ModelSamplingFlux bildet Timesteps t in (0, 1] auf Sigmas ab:
// sigma(t) = e^shift / (e^shift + (1/t - 1))
type ModelSamplingFlux struct {
	Shift  float64
	sigmas []float64
}

// NewModelSamplingFlux berechnet die Sigma-Tabelle fuer shift
func NewModelSamplingFlux(shift float64) *ModelSamplingFlux {
	ms := &ModelSamplingFlux{Shift: shift}
	ts := floats.Span(make([]float64, numTimesteps), 1.0/numTimesteps, 1.0)
	ms.sigmas = make([]float64, numTimesteps)
	for i, t := range ts {
		ms.sigmas[i] = ms.Sigma(t)
	}
	return ms
}

func fluxTimeShift(mu, sigma, t float64) float64 {
	return math.Exp(mu) / (math.Exp(mu) + math.Pow(1/t-1, sigma))
}

// Sigma gibt das Rauschniveau fuer Timestep t zurueck
func (ms *ModelSamplingFlux) Sigma(t float64) float64 {
	return fluxTimeShift(ms.Shift, 1.0, t)
}

// Timestep ist fuer Flux das Sigma selbst
func (ms *ModelSamplingFlux) Timestep(sigma float64) float64 {
	return sigma
}

// SigmaMin ist das kleinste tabellierte Sigma
func (ms *ModelSamplingFlux) SigmaMin() float64 {
	return ms.sigmas[0]
}

// SigmaMax ist das groesste tabellierte Sigma (1.0)
func (ms *ModelSamplingFlux) SigmaMax() float64 {
	return ms.sigmas[len(ms.sigmas)-1]
}

// Sigmas gibt die Sigma-Tabelle aufsteigend zurueck
func (ms *ModelSamplingFlux) Sigmas() []float64 {
	return ms.sigmas
}

// PercentToSigma bildet einen Fortschritt in [0, 1] auf ein Sigma ab
func (ms *ModelSamplingFlux) PercentToSigma(percent float64) float64 {
	if percent <= 0 {
		return 1
	}
	if percent >= 1 {
		return 0
	}
	return fluxTimeShift(ms.Shift, 1.0, 1-percent)
}

// NoiseScaling mischt Rauschen und Latent: sigma*noise + (1-sigma)*latent
func (ms *ModelSamplingFlux) NoiseScaling(sigma float64, noise, latent []float32) []float32 {
	out := make([]float32, len(noise))
	s := float32(sigma)
	for i := range out {
		out[i] = s*noise[i] + (1-s)*latent[i]
	}
	return out
}

// InverseNoiseScaling entfernt die Latent-Skalierung nach dem letzten Schritt
func (ms *ModelSamplingFlux) InverseNoiseScaling(sigma float64, latent []float32) []float32 {
	if sigma == 0 {
		return latent
	}
	s := float32(1 - sigma)
	out := make([]float32, len(latent))
	for i, v := range latent {
		out[i] = v / s
	}
	return out
}

// CalculateDenoised berechnet x0 = x - sigma * v aus der Modellausgabe v
func (ms *ModelSamplingFlux) CalculateDenoised(sigma float64, output, input []float32) []float32 {
	out := make([]float32, len(input))
	copy(out, input)
	axpy(-sigma, output, out)
	return out
}
