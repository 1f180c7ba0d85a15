// latent.go - Latents, Latent-Formate und Conditioning
//
// Dieses Modul enthaelt:
// - LatentFormat: Kanalanzahl sowie Skala und Verschiebung (Flux)
// - Latent: Samples mit optionalem Batch-Index und Noise-Maske
// - Conditioning: Text-Embeddings mit Optionen (pooled_output, guidance, strength)
package host

import (
	"fmt"
	"slices"

	"github.com/ollama/fluxmod/ml"
)

// LatentFormat beschreibt den latenten Raum des VAE
type LatentFormat struct {
	Name        string
	Channels    int64
	ScaleFactor float32
	ShiftFactor float32
}

// FluxLatentFormat ist das 16-Kanal Format der Flux VAE
func FluxLatentFormat() LatentFormat {
	return LatentFormat{Name: "Flux", Channels: 16, ScaleFactor: 0.3611, ShiftFactor: 0.1159}
}

// ProcessIn bildet VAE-Latents in den Modellraum ab: (x - shift) * scale
func (f LatentFormat) ProcessIn(x []float32) []float32 {
	out := make([]float32, len(x))
	for i, v := range x {
		out[i] = (v - f.ShiftFactor) * f.ScaleFactor
	}
	return out
}

// ProcessOut ist die Umkehrung von ProcessIn: x / scale + shift
func (f LatentFormat) ProcessOut(x []float32) []float32 {
	out := make([]float32, len(x))
	for i, v := range x {
		out[i] = v/f.ScaleFactor + f.ShiftFactor
	}
	return out
}

// Latent ist ein Batch latenter Bilder im Layout [B, C, H, W]
type Latent struct {
	Samples *ml.Tensor

	// BatchIndex waehlt pro Sample den Noise-Index (leer: 0..B-1)
	BatchIndex []int

	// NoiseMask begrenzt das Entrauschen auf maskierte Pixel; Shape [B, C, H, W] oder [H, W]
	NoiseMask *ml.Tensor
}

// Shape gibt [B, C, H, W] zurueck
func (l Latent) Shape() (b, c, h, w int64, err error) {
	if l.Samples == nil || len(l.Samples.Shape) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("latent must have shape [B, C, H, W]")
	}
	s := l.Samples.Shape
	return s[0], s[1], s[2], s[3], nil
}

// EmptyLatent erstellt einen Batch aus Nullen
func EmptyLatent(batch, channels, height, width int64) Latent {
	n := batch * channels * height * width
	return Latent{Samples: ml.NewFloat32(make([]float32, n), batch, channels, height, width)}
}

// FixEmptyLatentChannels ersetzt ein leeres Latent mit falscher Kanalanzahl
// durch Nullen im Format des Modells
func FixEmptyLatentChannels(format LatentFormat, l Latent) (Latent, error) {
	b, c, h, w, err := l.Shape()
	if err != nil {
		return l, err
	}
	if c == format.Channels {
		return l, nil
	}

	values, err := l.Samples.Float32s()
	if err != nil {
		return l, err
	}
	if slices.ContainsFunc(values, func(v float32) bool { return v != 0 }) {
		return l, fmt.Errorf("latent has %d channels, model expects %d", c, format.Channels)
	}

	fixed := EmptyLatent(b, format.Channels, h, w)
	fixed.BatchIndex = l.BatchIndex
	fixed.NoiseMask = l.NoiseMask
	return fixed, nil
}

// ConditioningEntry ist ein Embedding mit Optionen wie "pooled_output",
// "guidance" und "strength"
type ConditioningEntry struct {
	Embedding *ml.Tensor
	Options   map[string]any
}

// Conditioning ist eine Liste gewichteter Embeddings
type Conditioning []ConditioningEntry

// Strength gibt das Gewicht eines Eintrags zurueck (Default 1)
func (e ConditioningEntry) Strength() float64 {
	switch v := e.Options["strength"].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 1
	}
}
