// Package fluxmod - Modulbaum des FluxMod Transformers
// Enthaelt: DoubleBlock, SingleBlock, LastLayer, Model und die Skip-Listen.
// Modulation, time_in, vector_in und guidance_in fehlen; sie werden durch den
// destillierten Guidance-Approximator ersetzt.

package fluxmod

import (
	"fmt"
	"slices"

	"github.com/ollama/fluxmod/ml"
	"github.com/ollama/fluxmod/nn"
)

// ExcludeKeywords filtert die Schluessel der Basis-Checkpoints, die dieses
// Modell nicht deklariert
var ExcludeKeywords = []string{"mod", "time_in", "guidance_in", "vector_in"}

// GuidancePrefix ist der Schluessel-Prefix des Approximators im Chroma Checkpoint
const GuidancePrefix = "distilled_guidance_layer"

// SelfAttention implements one attention stream
// Weight names: double_blocks.N.{img,txt}_attn.*
type SelfAttention struct {
	QKV  *nn.Linear `weight:"qkv"`
	Norm *nn.QKNorm `weight:"norm"`
	Proj *nn.Linear `weight:"proj"`
}

// MLP implements the gelu feed forward; index 1 is the activation
// Weight names: double_blocks.N.{img,txt}_mlp.{0,2}
type MLP struct {
	Up   *nn.Linear `weight:"0"`
	Down *nn.Linear `weight:"2"`
}

// DoubleBlock implements a dual-stream block without modulation
// Weight names: double_blocks.N.*
type DoubleBlock struct {
	ImgAttn *SelfAttention `weight:"img_attn"`
	ImgMLP  *MLP           `weight:"img_mlp"`
	TxtAttn *SelfAttention `weight:"txt_attn"`
	TxtMLP  *MLP           `weight:"txt_mlp"`
}

// SingleBlock implements the parallel attention/mlp block
// Weight names: single_blocks.N.*
type SingleBlock struct {
	Linear1 *nn.Linear `weight:"linear1"`
	Linear2 *nn.Linear `weight:"linear2"`
	Norm    *nn.QKNorm `weight:"norm"`
}

// LastLayer projects back to latent patches
// Weight names: final_layer.linear.*
type LastLayer struct {
	Linear *nn.Linear `weight:"linear"`
}

// Model is the FluxMod transformer
type Model struct {
	ImgIn        *nn.Linear     `weight:"img_in"`
	TxtIn        *nn.Linear     `weight:"txt_in"`
	DoubleBlocks []*DoubleBlock `weight:"double_blocks"`
	SingleBlocks []*SingleBlock `weight:"single_blocks"`
	FinalLayer   *LastLayer     `weight:"final_layer"`

	// Nil bis der Approximator geladen ist
	DistilledGuidance *Approximator `weight:"distilled_guidance_layer"`

	Params Params
	DType  ml.DType

	// Indizes der zu ueberspringenden Bloecke (SkipLayerForward)
	SkipMMDiT []int
	SkipDiT   []int
}

func newSelfAttention(p Params) *SelfAttention {
	return &SelfAttention{
		QKV:  nn.NewLinear(p.HiddenSize, 3*p.HiddenSize, p.QKVBias),
		Norm: nn.NewQKNorm(p.HeadDim()),
		Proj: nn.NewLinear(p.HiddenSize, p.HiddenSize, true),
	}
}

func newMLP(p Params) *MLP {
	return &MLP{
		Up:   nn.NewLinear(p.HiddenSize, p.MLPHiddenDim(), true),
		Down: nn.NewLinear(p.MLPHiddenDim(), p.HiddenSize, true),
	}
}

// New deklariert den Modulbaum fuer p, ohne Gewichte zu laden
func New(p Params) *Model {
	m := &Model{
		ImgIn:      nn.NewLinear(p.InChannels, p.HiddenSize, true),
		TxtIn:      nn.NewLinear(p.ContextInDim, p.HiddenSize, true),
		FinalLayer: &LastLayer{Linear: nn.NewLinear(p.HiddenSize, p.OutChannels(), true)},
		Params:     p,
		DType:      ml.DTypeFloat32,
	}

	for range p.Depth {
		m.DoubleBlocks = append(m.DoubleBlocks, &DoubleBlock{
			ImgAttn: newSelfAttention(p),
			ImgMLP:  newMLP(p),
			TxtAttn: newSelfAttention(p),
			TxtMLP:  newMLP(p),
		})
	}

	for range p.DepthSingleBlocks {
		m.SingleBlocks = append(m.SingleBlocks, &SingleBlock{
			Linear1: nn.NewLinear(p.HiddenSize, 3*p.HiddenSize+p.MLPHiddenDim(), true),
			Linear2: nn.NewLinear(p.HiddenSize+p.MLPHiddenDim(), p.HiddenSize, true),
			Norm:    nn.NewQKNorm(p.HeadDim()),
		})
	}

	return m
}

// SetSkipLayers ersetzt die Skip-Listen. Indizes ausserhalb der Blockanzahl
// werden abgelehnt.
func (m *Model) SetSkipLayers(mmdit, dit []int) error {
	for _, i := range mmdit {
		if i < 0 || i >= len(m.DoubleBlocks) {
			return fmt.Errorf("skip_mmdit_layers: index %d out of range [0, %d)", i, len(m.DoubleBlocks))
		}
	}
	for _, i := range dit {
		if i < 0 || i >= len(m.SingleBlocks) {
			return fmt.Errorf("skip_dit_layers: index %d out of range [0, %d)", i, len(m.SingleBlocks))
		}
	}
	m.SkipMMDiT = slices.Clone(mmdit)
	m.SkipDiT = slices.Clone(dit)
	return nil
}

// SkipsDoubleBlock meldet ob double_blocks.i im Forward uebersprungen wird
func (m *Model) SkipsDoubleBlock(i int) bool {
	return slices.Contains(m.SkipMMDiT, i)
}

// SkipsSingleBlock meldet ob single_blocks.i im Forward uebersprungen wird
func (m *Model) SkipsSingleBlock(i int) bool {
	return slices.Contains(m.SkipDiT, i)
}
