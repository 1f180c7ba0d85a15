// noise.go - Deterministisches Gauss-Rauschen
//
// Dieses Modul enthaelt:
// - Noise: Seed-basierte Normalverteilung (gonum distuv)
// - PrepareNoise: Rauschen pro Batch-Index wie beim Host
package host

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Noise erzeugt standardnormalverteilte Werte aus einem festen Seed
type Noise struct {
	dist distuv.Normal
}

// NewNoise erstellt einen Generator fuer seed
func NewNoise(seed int64) *Noise {
	return &Noise{dist: distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(uint64(seed))}}
}

// Fill fuellt dst mit neuen Werten
func (n *Noise) Fill(dst []float32) {
	for i := range dst {
		dst[i] = float32(n.dist.Rand())
	}
}

// Sample gibt n neue Werte zurueck
func (n *Noise) Sample(count int) []float32 {
	out := make([]float32, count)
	n.Fill(out)
	return out
}

// PrepareNoise erzeugt Rauschen in der Form des Latents. Ohne batchIndex
// wird der ganze Batch aus einem Generator gezogen, sonst erhaelt jedes
// Sample den Rauschblock seines Index (Indizes werden der Reihe nach gezogen).
func PrepareNoise(l Latent, seed int64) ([]float32, error) {
	b, c, h, w, err := l.Shape()
	if err != nil {
		return nil, err
	}

	gen := NewNoise(seed)
	per := int(c * h * w)
	if len(l.BatchIndex) == 0 {
		return gen.Sample(int(b) * per), nil
	}

	if len(l.BatchIndex) != int(b) {
		return nil, fmt.Errorf("batch index has %d entries, latent batch is %d", len(l.BatchIndex), b)
	}

	var blocks [][]float32
	out := make([]float32, 0, int(b)*per)
	for _, idx := range l.BatchIndex {
		if idx < 0 {
			return nil, fmt.Errorf("negative batch index %d", idx)
		}
		for len(blocks) <= idx {
			blocks = append(blocks, gen.Sample(per))
		}
		out = append(out, blocks[idx]...)
	}
	return out, nil
}
