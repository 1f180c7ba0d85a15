package host

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestModelSamplingFlux(t *testing.T) {
	ms := NewModelSamplingFlux(1.15)

	if got := ms.SigmaMax(); math.Abs(got-1) > 1e-9 {
		t.Errorf("SigmaMax: erwartet 1, bekommen %f", got)
	}
	if got := ms.SigmaMin(); got <= 0 || got >= 0.01 {
		t.Errorf("SigmaMin: erwartet (0, 0.01), bekommen %f", got)
	}

	want := math.Exp(1.15) / (math.Exp(1.15) + 1)
	if got := ms.Sigma(0.5); math.Abs(got-want) > 1e-12 {
		t.Errorf("Sigma(0.5): erwartet %f, bekommen %f", want, got)
	}

	if got := ms.PercentToSigma(0); got != 1 {
		t.Errorf("PercentToSigma(0): erwartet 1, bekommen %f", got)
	}
	if got := ms.PercentToSigma(1); got != 0 {
		t.Errorf("PercentToSigma(1): erwartet 0, bekommen %f", got)
	}

	noise := []float32{1, 1}
	latent := []float32{0, 2}
	if diff := cmp.Diff([]float32{0.75, 1.25}, ms.NoiseScaling(0.75, noise, latent)); diff != "" {
		t.Errorf("NoiseScaling mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{0.5, 1}, ms.CalculateDenoised(0.5, []float32{1, 2}, []float32{1, 2})); diff != "" {
		t.Errorf("CalculateDenoised mismatch (-want +got):\n%s", diff)
	}
}

func TestCalculateSigmas(t *testing.T) {
	ms := NewModelSamplingFlux(1.15)

	for _, name := range SchedulerNames() {
		t.Run(name, func(t *testing.T) {
			sigmas, err := CalculateSigmas(ms, name, 4)
			if err != nil {
				t.Fatal(err)
			}
			if len(sigmas) != 5 {
				t.Fatalf("erwartet 5 Sigmas, bekommen %d", len(sigmas))
			}
			if sigmas[4] != 0 {
				t.Errorf("letztes Sigma: erwartet 0, bekommen %f", sigmas[4])
			}
			if math.Abs(sigmas[0]-1) > 1e-6 {
				t.Errorf("erstes Sigma: erwartet 1, bekommen %f", sigmas[0])
			}
			for i := 1; i < len(sigmas); i++ {
				if sigmas[i] >= sigmas[i-1] {
					t.Errorf("Sigmas nicht absteigend: %v", sigmas)
					break
				}
			}
		})
	}

	if _, err := CalculateSigmas(ms, "beta", 4); !errors.Is(err, ErrUnknownScheduler) {
		t.Errorf("erwartet ErrUnknownScheduler, bekommen %v", err)
	}
	if _, err := CalculateSigmas(ms, "simple", 0); err == nil {
		t.Error("erwartet Fehler fuer steps = 0")
	}
}

func TestDenoiseSigmas(t *testing.T) {
	ms := NewModelSamplingFlux(1.15)

	full, err := CalculateSigmas(ms, "simple", 8)
	if err != nil {
		t.Fatal(err)
	}

	half, err := DenoiseSigmas(ms, "simple", 4, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(full[4:], half, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("denoise 0.5 mismatch (-want +got):\n%s", diff)
	}

	none, err := DenoiseSigmas(ms, "simple", 4, 0)
	if err != nil || none != nil {
		t.Errorf("denoise 0: erwartet leeren Plan, bekommen %v, %v", none, err)
	}
}

func TestPrepareNoise(t *testing.T) {
	l := EmptyLatent(2, 1, 2, 2)

	a, err := PrepareNoise(l, 42)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := PrepareNoise(l, 42)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("gleicher Seed liefert anderes Rauschen:\n%s", diff)
	}

	c, _ := PrepareNoise(l, 43)
	if cmp.Equal(a, c) {
		t.Error("unterschiedliche Seeds liefern gleiches Rauschen")
	}

	l.BatchIndex = []int{0, 1}
	ordered, err := PrepareNoise(l, 42)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(a, ordered); diff != "" {
		t.Errorf("batch index 0,1 mismatch (-want +got):\n%s", diff)
	}

	l.BatchIndex = []int{1, 0}
	swapped, err := PrepareNoise(l, 42)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(append(a[4:8:8], a[:4]...), swapped); diff != "" {
		t.Errorf("batch index 1,0 mismatch (-want +got):\n%s", diff)
	}

	l.BatchIndex = []int{0}
	if _, err := PrepareNoise(l, 42); err == nil {
		t.Error("erwartet Fehler fuer zu kurzen Batch-Index")
	}
}
