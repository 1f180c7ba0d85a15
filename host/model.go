// model.go - Modell-Konfiguration, Basismodell und Model-Patcher
//
// Dieses Modul enthaelt:
// - ModelConfig / ExternalFlux: Konfiguration ohne eigene UNet-Erzeugung
// - BaseModel: Diffusionsmodell mit Sampling, Extra-Conds und Backend-Aufruf
// - ModelPatcher: Bindet ein Modell an Rechen- und Offload-Geraet
// - Backend: Externe Compute-Laufzeit fuer den Forward-Pass
package host

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/ollama/fluxmod/ml"
	"github.com/ollama/fluxmod/nn"
)

// ErrNoBackend wird zurueckgegeben wenn kein Compute-Backend registriert ist
var ErrNoBackend = errors.New("no compute backend")

// ModelType bestimmt die Parametrisierung des Samplings
type ModelType int

const (
	ModelTypeEPS ModelType = iota
	ModelTypeFlow
	ModelTypeFlux
)

func (t ModelType) String() string {
	switch t {
	case ModelTypeEPS:
		return "EPS"
	case ModelTypeFlow:
		return "FLOW"
	case ModelTypeFlux:
		return "FLUX"
	default:
		return fmt.Sprintf("ModelType(%d)", int(t))
	}
}

// UnetConfig sind die UNet-Optionen der Modell-Konfiguration
type UnetConfig map[string]any

// ModelConfig ist die Host-Konfiguration eines geladenen Modells
type ModelConfig struct {
	UnetConfig   UnetConfig
	LatentFormat LatentFormat

	// ScaledFP8 ist gesetzt wenn der Checkpoint bereits skalierte fp8-Gewichte enthaelt
	ScaledFP8 bool

	// SamplingShift ist die Verschiebung von ModelSamplingFlux
	SamplingShift float64
}

// ExternalFlux ist die Konfiguration fuer extern erzeugte Flux-Modelle
func ExternalFlux() *ModelConfig {
	return &ModelConfig{
		UnetConfig:    UnetConfig{"disable_unet_model_creation": true},
		LatentFormat:  FluxLatentFormat(),
		SamplingShift: 1.15,
	}
}

// Backend fuehrt den Forward-Pass des Diffusionsmodells aus. Ein aktiver
// Autocast-Bereich ist ueber ml.AutocastFrom(ctx) abrufbar.
type Backend interface {
	Forward(ctx context.Context, m *BaseModel, x *ml.Tensor, timestep float64, conds map[string]any) (*ml.Tensor, error)
}

// BaseModel ist das Host-Modellobjekt um den Modulbaum
type BaseModel struct {
	Config   *ModelConfig
	Type     ModelType
	Device   ml.Device
	Sampling *ModelSamplingFlux

	// DiffusionModel ist der Modulbaum mit `weight` Tags
	DiffusionModel any

	// DType ist die Praezision in der der Baum gespeichert ist
	DType ml.DType

	Backend Backend
}

// NewBaseModel erstellt ein Basismodell ohne Diffusionsmodell
func NewBaseModel(cfg *ModelConfig, typ ModelType, device ml.Device) *BaseModel {
	return &BaseModel{
		Config:   cfg,
		Type:     typ,
		Device:   device,
		Sampling: NewModelSamplingFlux(cfg.SamplingShift),
		DType:    ml.DTypeFloat32,
	}
}

// DefaultGuidance ist die destillierte Guidance ohne explizite Angabe
const DefaultGuidance = 3.5

// ExtraConds baut die Modell-Eingaben aus einem Conditioning-Eintrag
func (m *BaseModel) ExtraConds(e ConditioningEntry) map[string]any {
	out := map[string]any{"c_crossattn": e.Embedding}
	if pooled, ok := e.Options["pooled_output"]; ok {
		out["y"] = pooled
	}

	guidance := float32(DefaultGuidance)
	switch g := e.Options["guidance"].(type) {
	case float64:
		guidance = float32(g)
	case float32:
		guidance = g
	}
	out["guidance"] = ml.NewFloat32([]float32{guidance})
	return out
}

// ApplyModel ruft das Backend auf und liefert die entrauschte Vorhersage
func (m *BaseModel) ApplyModel(ctx context.Context, x *ml.Tensor, sigma float64, conds map[string]any) ([]float32, error) {
	if m.Backend == nil {
		return nil, ErrNoBackend
	}

	out, err := m.Backend.Forward(ctx, m, x, m.Sampling.Timestep(sigma), maps.Clone(conds))
	if err != nil {
		return nil, err
	}
	if !slices.Equal(out.Shape, x.Shape) {
		return nil, fmt.Errorf("backend output shape %v, expected %v", out.Shape, x.Shape)
	}

	xs, err := x.Float32s()
	if err != nil {
		return nil, err
	}
	eps, err := out.Float32s()
	if err != nil {
		return nil, err
	}
	return m.Sampling.CalculateDenoised(sigma, eps, xs), nil
}

// ModelPatcher bindet ein Modell an Rechen- und Offload-Geraet
type ModelPatcher struct {
	Model         *BaseModel
	LoadDevice    ml.Device
	OffloadDevice ml.Device
}

// NewModelPatcher erstellt einen Patcher fuer m
func NewModelPatcher(m *BaseModel, load, offload ml.Device) *ModelPatcher {
	return &ModelPatcher{Model: m, LoadDevice: load, OffloadDevice: offload}
}

// Size gibt die Groesse aller geladenen Parameter in Bytes zurueck
func (p *ModelPatcher) Size() int64 {
	var n int64
	for _, t := range nn.StateDict(p.Model.DiffusionModel) {
		n += t.NumBytes()
	}
	return n
}
