// Package fluxmod - Architektur-Parameter
// Enthaelt: Params (Flux-Konfiguration) und DefaultParams

package fluxmod

// Params holds the Flux transformer configuration
type Params struct {
	InChannels        int64   `json:"in_channels"`         // 64
	VecInDim          int64   `json:"vec_in_dim"`          // 768
	ContextInDim      int64   `json:"context_in_dim"`      // 4096
	HiddenSize        int64   `json:"hidden_size"`         // 3072
	MLPRatio          float64 `json:"mlp_ratio"`           // 4.0
	NumHeads          int64   `json:"num_heads"`           // 24
	Depth             int     `json:"depth"`               // 19
	DepthSingleBlocks int     `json:"depth_single_blocks"` // 38
	AxesDim           []int64 `json:"axes_dim"`            // [16, 56, 56]
	Theta             int64   `json:"theta"`               // 10000
	QKVBias           bool    `json:"qkv_bias"`
	GuidanceEmbed     bool    `json:"guidance_embed"`
}

// DefaultParams liefert die Konfiguration des FluxMod Checkpoints
func DefaultParams() Params {
	return Params{
		InChannels:        64,
		VecInDim:          768,
		ContextInDim:      4096,
		HiddenSize:        3072,
		MLPRatio:          4.0,
		NumHeads:          24,
		Depth:             19,
		DepthSingleBlocks: 38,
		AxesDim:           []int64{16, 56, 56},
		Theta:             10_000,
		QKVBias:           true,
		GuidanceEmbed:     false,
	}
}

// HeadDim ist hidden_size / num_heads (3072 / 24 = 128)
func (p Params) HeadDim() int64 {
	return p.HiddenSize / p.NumHeads
}

// MLPHiddenDim ist hidden_size * mlp_ratio (3072 * 4 = 12288)
func (p Params) MLPHiddenDim() int64 {
	return int64(float64(p.HiddenSize) * p.MLPRatio)
}

// OutChannels entspricht in_channels (Patch-Groesse 1)
func (p Params) OutChannels() int64 {
	return p.InChannels
}
