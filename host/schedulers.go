// schedulers.go - Sigma-Zeitplaene
//
// Dieses Modul enthaelt:
// - SchedulerNames: Registrierte Scheduler in Anzeige-Reihenfolge
// - CalculateSigmas: simple, normal, sgm_uniform, karras, exponential
// - DenoiseSigmas: Verkuerzter Zeitplan fuer denoise < 1
package host

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// ErrUnknownScheduler wird fuer unbekannte Scheduler-Namen zurueckgegeben
var ErrUnknownScheduler = errors.New("unknown scheduler")

type schedulerFunc func(ms *ModelSamplingFlux, steps int) []float64

var schedulers = []struct {
	name string
	fn   schedulerFunc
}{
	{"normal", func(ms *ModelSamplingFlux, steps int) []float64 { return normalScheduler(ms, steps, false) }},
	{"karras", karrasScheduler},
	{"exponential", exponentialScheduler},
	{"sgm_uniform", func(ms *ModelSamplingFlux, steps int) []float64 { return normalScheduler(ms, steps, true) }},
	{"simple", simpleScheduler},
}

// SchedulerNames gibt die registrierten Scheduler zurueck
func SchedulerNames() []string {
	names := make([]string, len(schedulers))
	for i, s := range schedulers {
		names[i] = s.name
	}
	return names
}

// CalculateSigmas gibt steps+1 absteigende Sigmas zurueck, das letzte ist 0
func CalculateSigmas(ms *ModelSamplingFlux, scheduler string, steps int) ([]float64, error) {
	if steps < 1 {
		return nil, fmt.Errorf("steps must be positive, got %d", steps)
	}
	for _, s := range schedulers {
		if s.name == scheduler {
			return s.fn(ms, steps), nil
		}
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownScheduler, scheduler)
}

// DenoiseSigmas berechnet den Zeitplan fuer eine Teil-Entrauschung: es werden
// die letzten steps+1 Sigmas eines laengeren Plans verwendet. denoise <= 0
// ergibt einen leeren Plan.
func DenoiseSigmas(ms *ModelSamplingFlux, scheduler string, steps int, denoise float64) ([]float64, error) {
	if denoise <= 0 {
		return nil, nil
	}
	if denoise >= 1 {
		return CalculateSigmas(ms, scheduler, steps)
	}

	sigmas, err := CalculateSigmas(ms, scheduler, int(float64(steps)/denoise))
	if err != nil {
		return nil, err
	}
	return sigmas[len(sigmas)-(steps+1):], nil
}

func simpleScheduler(ms *ModelSamplingFlux, steps int) []float64 {
	table := ms.Sigmas()
	ss := float64(len(table)) / float64(steps)
	sigs := make([]float64, 0, steps+1)
	for x := range steps {
		sigs = append(sigs, table[len(table)-1-int(float64(x)*ss)])
	}
	return append(sigs, 0)
}

func normalScheduler(ms *ModelSamplingFlux, steps int, sgm bool) []float64 {
	start := ms.Timestep(ms.SigmaMax())
	end := ms.Timestep(ms.SigmaMin())

	var ts []float64
	if sgm {
		ts = floats.Span(make([]float64, steps+1), start, end)[:steps]
	} else {
		ts = linspace(start, end, steps)
	}

	sigs := make([]float64, 0, steps+1)
	for _, t := range ts {
		sigs = append(sigs, ms.Sigma(t))
	}
	return append(sigs, 0)
}

func karrasScheduler(ms *ModelSamplingFlux, steps int) []float64 {
	const rho = 7.0
	minInvRho := math.Pow(ms.SigmaMin(), 1/rho)
	maxInvRho := math.Pow(ms.SigmaMax(), 1/rho)

	ramp := linspace(0, 1, steps)
	sigs := make([]float64, 0, steps+1)
	for _, r := range ramp {
		sigs = append(sigs, math.Pow(maxInvRho+r*(minInvRho-maxInvRho), rho))
	}
	return append(sigs, 0)
}

func exponentialScheduler(ms *ModelSamplingFlux, steps int) []float64 {
	logs := linspace(math.Log(ms.SigmaMax()), math.Log(ms.SigmaMin()), steps)
	sigs := make([]float64, 0, steps+1)
	for _, l := range logs {
		sigs = append(sigs, math.Exp(l))
	}
	return append(sigs, 0)
}

// linspace verhaelt sich wie floats.Span, erlaubt aber einen einzelnen Punkt
func linspace(lo, hi float64, n int) []float64 {
	if n == 1 {
		return []float64{lo}
	}
	return floats.Span(make([]float64, n), lo, hi)
}
