// fluxmod.go - Die FluxMod Nodes
//
// Dieses Modul enthaelt:
// - FluxModCheckpointLoader, FluxModCheckpointLoaderMini, ChromaCheckpointLoader
// - KSamplerMod: KSampler mit Aktivierungs-Autocast
// - FluxModSamplerWrapper: Autocast fuer beliebige Sampler
// - SkipLayerForward / ParseLayerList: Bloecke im Forward ueberspringen
package nodes

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"

	"github.com/ollama/fluxmod/host"
	"github.com/ollama/fluxmod/loader"
	"github.com/ollama/fluxmod/ml"
	"github.com/ollama/fluxmod/model/fluxmod"
	"github.com/ollama/fluxmod/sample"
)

// QuantModes sind die Praezisionen der Linear-Layer in Anzeige-Reihenfolge
var QuantModes = []string{"bf16", "float8_e4m3fn (8 bit)", "float8_e5m2 (also 8 bit)"}

// ParseQuantMode bildet einen quant_mode auf seinen Datentyp ab
func ParseQuantMode(s string) (ml.DType, error) {
	switch s {
	case QuantModes[0]:
		return ml.DTypeBfloat16, nil
	case QuantModes[1]:
		return ml.DTypeFloat8E4M3FN, nil
	case QuantModes[2]:
		return ml.DTypeFloat8E5M2, nil
	default:
		return 0, fmt.Errorf("%w: quant_mode %q", ErrInvalidValue, s)
	}
}

var layerSeparator = regexp2.MustCompile(`\s*,\s*`, regexp2.None)

// splitLayers teilt s an jedem Treffer von layerSeparator
func splitLayers(s string) ([]string, error) {
	runes := []rune(s)

	var parts []string
	start := 0
	m, err := layerSeparator.FindStringMatch(s)
	for ; m != nil && err == nil; m, err = layerSeparator.FindNextMatch(m) {
		parts = append(parts, string(runes[start:m.Index]))
		start = m.Index + m.Length
	}
	if err != nil {
		return nil, err
	}
	return append(parts, string(runes[start:])), nil
}

// ParseLayerList liest eine kommagetrennte Liste von Blockindizes, z.B. "3, 4"
func ParseLayerList(s string) ([]int, error) {
	parts, err := splitLayers(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}

	out := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%w: layer list %q: %q is not an integer", ErrInvalidValue, s, part)
		}
		out = append(out, n)
	}
	return out, nil
}

// checkpointNames listet checkpoints und, falls registriert, unet_gguf
func checkpointNames(env *Env) (ckpts, all []string, err error) {
	ckpts, err = env.Folders.FilenameList("checkpoints")
	if err != nil {
		return nil, nil, err
	}

	gguf, err := env.Folders.FilenameList("unet_gguf")
	if errors.Is(err, host.ErrNotFound) {
		return ckpts, ckpts, nil
	} else if err != nil {
		return nil, nil, err
	}
	return ckpts, slices.Concat(ckpts, gguf), nil
}

func checkpointLoaderInputs(env *Env) (*Schema, error) {
	ckpts, all, err := checkpointNames(env)
	if err != nil {
		return nil, err
	}
	return Required(
		F("ckpt_name", Combo(all)),
		F("guidance_name", Combo(ckpts)),
		F("quant_mode", Combo(QuantModes)),
	), nil
}

type checkpointInputs struct {
	CkptName     string `mapstructure:"ckpt_name"`
	GuidanceName string `mapstructure:"guidance_name"`
	LitePatch    string `mapstructure:"lite_patch_ckpt_name"`
	QuantMode    string `mapstructure:"quant_mode"`
}

func loadCheckpoint(ctx context.Context, env *Env, inputs map[string]any) (Result, error) {
	var in checkpointInputs
	if err := decode(inputs, &in); err != nil {
		return Result{}, err
	}

	dtype, err := ParseQuantMode(in.QuantMode)
	if err != nil {
		return Result{}, err
	}

	isGGUF := strings.HasSuffix(strings.ToLower(in.CkptName), ".gguf")
	folder := "checkpoints"
	if isGGUF {
		folder = "unet_gguf"
	}

	o := loader.Options{
		LinearDType: dtype,
		IsGGUF:      isGGUF,
		Devices:     env.Dispatcher.Devices,
		Backend:     env.Backend,
	}
	if o.ModelPath, err = env.Folders.FullPath(folder, in.CkptName); err != nil {
		return Result{}, err
	}
	if in.GuidanceName != "" {
		if o.GuidancePath, err = env.Folders.FullPath("checkpoints", in.GuidanceName); err != nil {
			return Result{}, err
		}
	}
	if in.LitePatch != "" {
		if o.LitePatchPath, err = env.Folders.FullPath("checkpoints", in.LitePatch); err != nil {
			return Result{}, err
		}
	}

	patcher, err := loader.LoadFluxMod(ctx, o)
	if err != nil {
		return Result{}, err
	}
	return values(patcher), nil
}

func checkpointLoader(name string, inputs func(*Env) (*Schema, error)) *Definition {
	return &Definition{
		Name:        name,
		Title:       name,
		Category:    Category,
		Function:    "load_checkpoint",
		ReturnTypes: []string{TypeModel},
		ReturnNames: []string{"model"},
		Inputs:      inputs,
		Run:         loadCheckpoint,
	}
}

// FluxModCheckpointLoader laedt ein FluxMod Modell mit separatem Approximator
func FluxModCheckpointLoader() *Definition {
	return checkpointLoader("FluxModCheckpointLoader", checkpointLoaderInputs)
}

// FluxModCheckpointLoaderMini laedt zusaetzlich einen Lite-Patch
func FluxModCheckpointLoaderMini() *Definition {
	return checkpointLoader("FluxModCheckpointLoaderMini", func(env *Env) (*Schema, error) {
		base, err := checkpointLoaderInputs(env)
		if err != nil {
			return nil, err
		}
		ckpts, err := env.Folders.FilenameList("checkpoints")
		if err != nil {
			return nil, err
		}
		return base.With(Required(F("lite_patch_ckpt_name", Combo(ckpts)))), nil
	})
}

// ChromaCheckpointLoader laedt Chroma; der Approximator steckt im Checkpoint
func ChromaCheckpointLoader() *Definition {
	return checkpointLoader("ChromaCheckpointLoader", func(env *Env) (*Schema, error) {
		base, err := checkpointLoaderInputs(env)
		if err != nil {
			return nil, err
		}
		return base.Without("guidance_name"), nil
	})
}

func activationCasting() Input {
	return Combo(sample.CastingNames,
		Default("bf16"),
		Tooltip("Cast model activation to bf16 or fp16. Always use bf16 unless your card does not support it."))
}

// KSamplerMod ist der KSampler mit Autocast der Aktivierungen
func KSamplerMod() *Definition {
	return &Definition{
		Name:           "KSamplerMod",
		Title:          "KSamplerMod",
		Description:    "Uses the provided model, positive and negative conditioning to denoise the latent image.",
		Category:       Category,
		Function:       "sample",
		ReturnTypes:    []string{TypeLatent},
		OutputTooltips: []string{"The denoised latent."},
		Inputs: func(*Env) (*Schema, error) {
			return Required(
				F("model", Typed(TypeModel, Tooltip("The model used for denoising the input latent."))),
				F("seed", Typed(TypeInt, Default(0), Min(0), Max(uint64(0xffffffffffffffff)), Tooltip("The random seed used for creating the noise."))),
				F("steps", Typed(TypeInt, Default(20), Min(1), Max(10000), Tooltip("The number of steps used in the denoising process."))),
				F("cfg", Typed(TypeFloat, Default(8.0), Min(0.0), Max(100.0), Step(0.1), RoundTo(0.01), Tooltip("The Classifier-Free Guidance scale balances creativity and adherence to the prompt."))),
				F("sampler_name", Combo(host.SamplerNames(), Tooltip("The algorithm used when sampling."))),
				F("scheduler", Combo(host.SchedulerNames(), Tooltip("The scheduler controls how noise is gradually removed to form the image."))),
				F("positive", Typed(TypeConditioning, Tooltip("The conditioning describing the attributes you want to include in the image."))),
				F("negative", Typed(TypeConditioning, Tooltip("The conditioning describing the attributes you want to exclude from the image."))),
				F("latent_image", Typed(TypeLatent, Tooltip("The latent image to denoise."))),
				F("denoise", Typed(TypeFloat, Default(1.0), Min(0.0), Max(1.0), Step(0.01), Tooltip("The amount of denoising applied."))),
				F("activation_casting", activationCasting()),
			), nil
		},
		Run: runKSamplerMod,
	}
}

type ksamplerInputs struct {
	Seed              uint64  `mapstructure:"seed"`
	Steps             int     `mapstructure:"steps"`
	CFG               float64 `mapstructure:"cfg"`
	SamplerName       string  `mapstructure:"sampler_name"`
	Scheduler         string  `mapstructure:"scheduler"`
	Denoise           float64 `mapstructure:"denoise"`
	ActivationCasting string  `mapstructure:"activation_casting"`
}

func runKSamplerMod(ctx context.Context, env *Env, inputs map[string]any) (Result, error) {
	in := ksamplerInputs{Denoise: 1, ActivationCasting: "bf16"}
	if err := decode(inputs, &in); err != nil {
		return Result{}, err
	}

	casting, err := sample.ParseCasting(in.ActivationCasting)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}

	model, err := object[*host.ModelPatcher](inputs, "model")
	if err != nil {
		return Result{}, err
	}
	positive, err := object[host.Conditioning](inputs, "positive")
	if err != nil {
		return Result{}, err
	}
	negative, err := object[host.Conditioning](inputs, "negative")
	if err != nil {
		return Result{}, err
	}
	latent, err := object[host.Latent](inputs, "latent_image")
	if err != nil {
		return Result{}, err
	}

	out, err := env.Dispatcher.Sample(ctx, sample.Request{
		Patcher: model,
		KSamplerOptions: host.KSamplerOptions{
			Seed:        int64(in.Seed),
			Steps:       in.Steps,
			CFG:         in.CFG,
			SamplerName: in.SamplerName,
			Scheduler:   in.Scheduler,
			Positive:    positive,
			Negative:    negative,
			Latent:      latent,
			Denoise:     in.Denoise,
		},
		Casting: casting,
	})
	if err != nil {
		return Result{}, err
	}
	return values(out), nil
}

// FluxModSamplerWrapper umhuellt einen Sampler mit Autocast
func FluxModSamplerWrapper() *Definition {
	return &Definition{
		Name:        "FluxModSamplerWrapper",
		Title:       "FluxModSamplerWrapper",
		Description: "Enables FluxMod in float8 quant_mode to be used with advanced sampling nodes by wrapping another SAMPLER. If you are using multiple sampler wrappers, put this node closest to SamplerCustom/SamplerCustomAdvanced/etc.",
		Category:    Category,
		Function:    "go",
		ReturnTypes: []string{TypeSampler},
		Inputs: func(*Env) (*Schema, error) {
			return Required(
				F("sampler", Typed(TypeSampler)),
				F("activation_casting", activationCasting()),
			), nil
		},
		Run: func(ctx context.Context, env *Env, inputs map[string]any) (Result, error) {
			var in struct {
				ActivationCasting string `mapstructure:"activation_casting"`
			}
			if err := decode(inputs, &in); err != nil {
				return Result{}, err
			}
			casting, err := sample.ParseCasting(in.ActivationCasting)
			if err != nil {
				return Result{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
			}

			s, err := object[*host.Sampler](inputs, "sampler")
			if err != nil {
				return Result{}, err
			}
			return values(env.Dispatcher.WrapSampler(s, casting)), nil
		},
	}
}

// SkipLayerForward setzt die zu ueberspringenden Bloecke. Das Modell wird
// direkt veraendert und unveraendert zurueckgegeben.
func SkipLayerForward() *Definition {
	return &Definition{
		Name:        "SkipLayerForward",
		Title:       "SkipLayerForward",
		Description: "Prune model layers",
		Category:    Category,
		Function:    "skip_layer",
		ReturnTypes: []string{TypeModel},
		ReturnNames: []string{"model"},
		Inputs: func(*Env) (*Schema, error) {
			return Required(
				F("model", Typed(TypeModel)),
				F("skip_mmdit_layers", Typed(TypeString, Default("10"), Multiline(false))),
				F("skip_dit_layers", Typed(TypeString, Default("3, 4"), Multiline(false))),
			), nil
		},
		Run: func(ctx context.Context, env *Env, inputs map[string]any) (Result, error) {
			var in struct {
				MMDiT string `mapstructure:"skip_mmdit_layers"`
				DiT   string `mapstructure:"skip_dit_layers"`
			}
			if err := decode(inputs, &in); err != nil {
				return Result{}, err
			}

			mmdit, err := ParseLayerList(in.MMDiT)
			if err != nil {
				return Result{}, err
			}
			dit, err := ParseLayerList(in.DiT)
			if err != nil {
				return Result{}, err
			}

			p, err := object[*host.ModelPatcher](inputs, "model")
			if err != nil {
				return Result{}, err
			}
			m, ok := p.Model.DiffusionModel.(*fluxmod.Model)
			if !ok {
				return Result{}, fmt.Errorf("%w: model is not a FluxMod model", ErrInvalidValue)
			}
			if err := m.SetSkipLayers(mmdit, dit); err != nil {
				return Result{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
			}
			return values(p), nil
		},
	}
}

// PluginNodes sind die Node-Klassen von FluxMod in Registrierungsreihenfolge
func PluginNodes() []*Definition {
	return []*Definition{
		FluxModCheckpointLoader(),
		FluxModCheckpointLoaderMini(),
		ChromaCheckpointLoader(),
		KSamplerMod(),
		FluxModSamplerWrapper(),
		SkipLayerForward(),
	}
}
