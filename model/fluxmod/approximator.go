// Package fluxmod - Destillierter Guidance-Approximator
// Enthaelt: MLPEmbedder, Approximator, InferApproximator (Lite-Patch)

package fluxmod

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ollama/fluxmod/ml"
	"github.com/ollama/fluxmod/nn"
)

// ErrApproximator wird zurueckgegeben wenn die Dimensionen eines
// Approximator-Checkpoints nicht bestimmt werden koennen
var ErrApproximator = errors.New("invalid approximator weights")

// MLPEmbedder is one residual layer of the approximator
// Weight names: layers.N.{in_layer,out_layer}
type MLPEmbedder struct {
	InLayer  *nn.Linear `weight:"in_layer"`
	OutLayer *nn.Linear `weight:"out_layer"`
}

// Approximator replaces the modulation inputs of Flux
// Weight names: in_proj, layers.N.*, norms.N.scale, out_proj
type Approximator struct {
	InProj  *nn.Linear     `weight:"in_proj"`
	Layers  []*MLPEmbedder `weight:"layers"`
	Norms   []*nn.RMSNorm  `weight:"norms"`
	OutProj *nn.Linear     `weight:"out_proj"`

	InDim, OutDim, HiddenDim int64
}

// NewApproximator deklariert einen Approximator; der volle FluxMod
// Checkpoint hat (64, 3072, 5120, 4)
func NewApproximator(inDim, outDim, hiddenDim int64, layers int) *Approximator {
	a := &Approximator{
		InProj:    nn.NewLinear(inDim, hiddenDim, true),
		OutProj:   nn.NewLinear(hiddenDim, outDim, true),
		InDim:     inDim,
		OutDim:    outDim,
		HiddenDim: hiddenDim,
	}
	for range layers {
		a.Layers = append(a.Layers, &MLPEmbedder{
			InLayer:  nn.NewLinear(hiddenDim, hiddenDim, true),
			OutLayer: nn.NewLinear(hiddenDim, hiddenDim, true),
		})
		a.Norms = append(a.Norms, nn.NewRMSNorm(hiddenDim))
	}
	return a
}

// InferApproximator bestimmt die Dimensionen aus den Tensor-Shapes eines
// Approximator-Checkpoints (z.B. Lite-Patch mit kleinerem hidden_dim)
func InferApproximator(sd map[string]*ml.Tensor) (*Approximator, error) {
	in, ok := sd["in_proj.weight"]
	if !ok || len(in.Shape) != 2 {
		return nil, fmt.Errorf("%w: in_proj.weight missing or not 2D", ErrApproximator)
	}
	out, ok := sd["out_proj.weight"]
	if !ok || len(out.Shape) != 2 {
		return nil, fmt.Errorf("%w: out_proj.weight missing or not 2D", ErrApproximator)
	}

	layers := 0
	for k := range sd {
		rest, ok := strings.CutPrefix(k, "layers.")
		if !ok {
			continue
		}
		idx, _, _ := strings.Cut(rest, ".")
		n, err := strconv.Atoi(idx)
		if err != nil {
			return nil, fmt.Errorf("%w: key %s", ErrApproximator, k)
		}
		layers = max(layers, n+1)
	}

	return NewApproximator(in.Shape[1], out.Shape[0], in.Shape[0], layers), nil
}
