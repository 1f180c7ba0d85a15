// loader.go - Zusammenbau eines FluxMod Modells
//
// Dieses Modul enthaelt:
// - LoadSelectedKeys: Selektives Laden der Basisgewichte
// - Options: Pfade, Quantisierung, Geraete und Fortschritt
// - LoadFluxMod: Gewichte laden, Linear-Layer casten, Approximator anhaengen
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/ollama/fluxmod/format"
	"github.com/ollama/fluxmod/fs"
	"github.com/ollama/fluxmod/host"
	"github.com/ollama/fluxmod/ml"
	"github.com/ollama/fluxmod/model/fluxmod"
	"github.com/ollama/fluxmod/nn"
)

// ScaledFP8Key markiert Checkpoints mit bereits skalierten fp8-Gewichten
const ScaledFP8Key = "scaled_fp8"

// UnetDType ist die Praezision aller Parameter ausser den Linear-Layern
const UnetDType = ml.DTypeBfloat16

// ErrNoGuidance wird zurueckgegeben wenn keine Approximator-Gewichte gefunden werden
var ErrNoGuidance = errors.New("no distilled guidance weights")

// Stage bezeichnet einen Abschnitt von LoadFluxMod fuer die Fortschrittsanzeige
type Stage string

const (
	StageWeights  Stage = "loading weights"
	StageGuidance Stage = "loading guidance"
	StageModel    Stage = "building model"
	StageCast     Stage = "casting layers"
	StageDone     Stage = "done"
)

// Stages sind alle Abschnitte in Ausfuehrungsreihenfolge
var Stages = []Stage{StageWeights, StageGuidance, StageModel, StageCast, StageDone}

// Options steuern LoadFluxMod
type Options struct {
	ModelPath string

	// GuidancePath ist der Approximator-Checkpoint (FluxMod)
	GuidancePath string

	// LitePatchPath ersetzt GuidancePath durch einen kleineren Approximator
	LitePatchPath string

	// LinearDType ist die Praezision der Linear-Layer (bf16, fp8 e4m3fn, fp8 e5m2)
	LinearDType ml.DType

	// IsGGUF erzwingt das GGUF-Format unabhaengig von der Endung
	IsGGUF bool

	// Devices ist die Geraeteverwaltung; nil bedeutet host.EnvDeviceManager
	Devices host.DeviceManager

	// Backend fuehrt spaeter den Forward-Pass aus
	Backend host.Backend

	// Params ueberschreibt die Architektur; nil bedeutet fluxmod.DefaultParams
	Params *fluxmod.Params

	Progress func(Stage)
}

func (o Options) progress(s Stage) {
	if o.Progress != nil {
		o.Progress(s)
	}
}

// LoadSelectedKeys laedt alle Tensors von path deren Schluessel keinen der
// Teilstrings aus exclude enthaelt
func LoadSelectedKeys(path string, exclude []string) (map[string]*ml.Tensor, error) {
	return fs.LoadSelected(path, exclude)
}

// LoadFluxMod baut ein FluxMod Modell aus den Checkpoints in o zusammen
func LoadFluxMod(ctx context.Context, o Options) (*host.ModelPatcher, error) {
	start := time.Now()
	if !o.LinearDType.IsFloating() {
		return nil, fmt.Errorf("linear dtype %s is not a floating type", o.LinearDType)
	}

	o.progress(StageWeights)
	var weights map[string]*ml.Tensor
	var err error
	if o.IsGGUF {
		weights, err = fs.LoadSelectedFormat(o.ModelPath, fs.FormatGGUF, fluxmod.ExcludeKeywords)
	} else {
		weights, err = LoadSelectedKeys(o.ModelPath, fluxmod.ExcludeKeywords)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", o.ModelPath, err)
	}

	cfg := host.ExternalFlux()
	if _, ok := weights[ScaledFP8Key]; ok {
		delete(weights, ScaledFP8Key)
		cfg.ScaledFP8 = true
	}

	var paramCount int64
	for _, t := range weights {
		paramCount += t.NumElements()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o.progress(StageGuidance)
	// Eingebettete Gewichte gelten nur ohne separaten Approximator, sonst
	// meldet LoadStateDict sie als unerwartete Schluessel.
	var embedded map[string]*ml.Tensor
	if o.GuidancePath == "" && o.LitePatchPath == "" {
		embedded = splitPrefix(weights, fluxmod.GuidancePrefix+".")
	}
	approx, guidance, err := loadGuidance(o, embedded)
	if err != nil {
		return nil, err
	}

	devices := o.Devices
	if devices == nil {
		devices = host.EnvDeviceManager{}
	}
	loadDevice := devices.TorchDevice()
	offloadDevice := devices.UnetOffloadDevice()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o.progress(StageModel)
	params := fluxmod.DefaultParams()
	if o.Params != nil {
		params = *o.Params
	}

	if approx.OutDim != params.HiddenSize {
		return nil, fmt.Errorf("%w: output dim %d, model hidden size %d", fluxmod.ErrApproximator, approx.OutDim, params.HiddenSize)
	}

	model := fluxmod.New(params)
	if err := nn.LoadStateDict(model, weights); err != nil {
		return nil, fmt.Errorf("load %s: %w", o.ModelPath, err)
	}
	if err := nn.LoadStateDict(approx, guidance); err != nil {
		return nil, fmt.Errorf("distilled guidance layer: %w", err)
	}

	o.progress(StageCast)
	if err := nn.To(model, UnetDType); err != nil {
		return nil, err
	}
	cast, err := nn.CastLayers[*nn.Linear](model, o.LinearDType)
	if err != nil {
		return nil, err
	}
	if err := nn.To(approx, UnetDType); err != nil {
		return nil, err
	}
	model.DistilledGuidance = approx
	model.DType = UnetDType

	base := host.NewBaseModel(cfg, host.ModelTypeFlux, loadDevice)
	base.DiffusionModel = model
	base.DType = UnetDType
	base.Backend = o.Backend

	patcher := host.NewModelPatcher(base, loadDevice, offloadDevice)
	o.progress(StageDone)

	slog.Info("loaded flux mod",
		"model", o.ModelPath,
		"params", format.HumanNumber(paramCount),
		"size", format.HumanBytes(patcher.Size()),
		"linear_dtype", o.LinearDType,
		"linear_layers", cast,
		"scaled_fp8", cfg.ScaledFP8,
		"load_device", loadDevice,
		"offload_device", offloadDevice,
		"duration", time.Since(start))
	return patcher, nil
}

// loadGuidance waehlt die Approximator-Gewichte: Lite-Patch, separater
// Checkpoint oder die im Basis-Checkpoint eingebetteten Gewichte (Chroma).
// Die Dimensionen werden immer aus den Shapes bestimmt.
func loadGuidance(o Options, embedded map[string]*ml.Tensor) (*fluxmod.Approximator, map[string]*ml.Tensor, error) {
	switch {
	case o.LitePatchPath != "":
		sd, err := fs.LoadTorchFile(o.LitePatchPath)
		if err != nil {
			return nil, nil, fmt.Errorf("lite patch %s: %w", o.LitePatchPath, err)
		}
		approx, err := fluxmod.InferApproximator(sd)
		if err != nil {
			return nil, nil, fmt.Errorf("lite patch %s: %w", o.LitePatchPath, err)
		}
		slog.Debug("lite patch approximator", "in", approx.InDim, "out", approx.OutDim, "hidden", approx.HiddenDim, "layers", len(approx.Layers))
		return approx, sd, nil
	case o.GuidancePath != "":
		sd, err := fs.LoadTorchFile(o.GuidancePath)
		if err != nil {
			return nil, nil, fmt.Errorf("guidance %s: %w", o.GuidancePath, err)
		}
		approx, err := fluxmod.InferApproximator(sd)
		if err != nil {
			return nil, nil, fmt.Errorf("guidance %s: %w", o.GuidancePath, err)
		}
		return approx, sd, nil
	case len(embedded) > 0:
		approx, err := fluxmod.InferApproximator(embedded)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", o.ModelPath, err)
		}
		return approx, embedded, nil
	default:
		return nil, nil, fmt.Errorf("%s: %w", o.ModelPath, ErrNoGuidance)
	}
}

// splitPrefix entfernt alle Schluessel mit prefix aus sd und gibt sie ohne
// prefix zurueck
func splitPrefix(sd map[string]*ml.Tensor, prefix string) map[string]*ml.Tensor {
	out := make(map[string]*ml.Tensor)
	for k, t := range sd {
		if rest, ok := strings.CutPrefix(k, prefix); ok {
			out[rest] = t
		}
	}
	maps.DeleteFunc(sd, func(k string, _ *ml.Tensor) bool {
		return strings.HasPrefix(k, prefix)
	})
	return out
}
