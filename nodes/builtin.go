// builtin.go - Host-Nodes fuer vollstaendige Graphen
//
// Dieses Modul enthaelt:
// - EmptyLatentImage, KSamplerSelect, BasicScheduler, SamplerCustom
// - ConditioningLoader: Vorberechnete Text-Embeddings aus Safetensors
// - SaveLatent: Schreibt Latents als .latent Datei ins Ausgabeverzeichnis
// - Default: Registry mit Host- und FluxMod-Nodes
package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"

	"github.com/ollama/fluxmod/fs/safetensors"
	"github.com/ollama/fluxmod/host"
	"github.com/ollama/fluxmod/ml"
)

const (
	// maxResolution ist die groesste Bildkante in Pixeln
	maxResolution = 16384

	// latentDownscale ist der Faktor zwischen Pixeln und Latent
	latentDownscale = 8
)

// EmptyLatentImage erstellt einen leeren Batch im 4-Kanal Format; der
// Sampler passt die Kanalanzahl an das Modell an
func EmptyLatentImage() *Definition {
	return &Definition{
		Name:           "EmptyLatentImage",
		Title:          "Empty Latent Image",
		Description:    "Create a new batch of empty latent images to be denoised via sampling.",
		Category:       "latent",
		Function:       "generate",
		ReturnTypes:    []string{TypeLatent},
		OutputTooltips: []string{"The empty latent image batch."},
		Inputs: func(*Env) (*Schema, error) {
			return Required(
				F("width", Typed(TypeInt, Default(1024), Min(16), Max(maxResolution), Step(8))),
				F("height", Typed(TypeInt, Default(1024), Min(16), Max(maxResolution), Step(8))),
				F("batch_size", Typed(TypeInt, Default(1), Min(1), Max(4096))),
			), nil
		},
		Run: func(ctx context.Context, env *Env, inputs map[string]any) (Result, error) {
			in := struct {
				Width     int64 `mapstructure:"width"`
				Height    int64 `mapstructure:"height"`
				BatchSize int64 `mapstructure:"batch_size"`
			}{BatchSize: 1}
			if err := decode(inputs, &in); err != nil {
				return Result{}, err
			}
			return values(host.EmptyLatent(in.BatchSize, 4, in.Height/latentDownscale, in.Width/latentDownscale)), nil
		},
	}
}

// KSamplerSelect waehlt einen Sampler fuer SamplerCustom
func KSamplerSelect() *Definition {
	return &Definition{
		Name:        "KSamplerSelect",
		Title:       "KSamplerSelect",
		Category:    "sampling/custom_sampling/samplers",
		Function:    "get_sampler",
		ReturnTypes: []string{TypeSampler},
		Inputs: func(*Env) (*Schema, error) {
			return Required(F("sampler_name", Combo(host.SamplerNames()))), nil
		},
		Run: func(ctx context.Context, env *Env, inputs map[string]any) (Result, error) {
			var in struct {
				SamplerName string `mapstructure:"sampler_name"`
			}
			if err := decode(inputs, &in); err != nil {
				return Result{}, err
			}
			s, err := host.NewSampler(in.SamplerName)
			if err != nil {
				return Result{}, err
			}
			return values(s), nil
		},
	}
}

// BasicScheduler berechnet die Sigmas eines Schedulers
func BasicScheduler() *Definition {
	return &Definition{
		Name:        "BasicScheduler",
		Title:       "BasicScheduler",
		Category:    "sampling/custom_sampling/schedulers",
		Function:    "get_sigmas",
		ReturnTypes: []string{TypeSigmas},
		Inputs: func(*Env) (*Schema, error) {
			return Required(
				F("model", Typed(TypeModel)),
				F("scheduler", Combo(host.SchedulerNames())),
				F("steps", Typed(TypeInt, Default(20), Min(1), Max(10000))),
				F("denoise", Typed(TypeFloat, Default(1.0), Min(0.0), Max(1.0), Step(0.01))),
			), nil
		},
		Run: func(ctx context.Context, env *Env, inputs map[string]any) (Result, error) {
			in := struct {
				Scheduler string  `mapstructure:"scheduler"`
				Steps     int     `mapstructure:"steps"`
				Denoise   float64 `mapstructure:"denoise"`
			}{Denoise: 1}
			if err := decode(inputs, &in); err != nil {
				return Result{}, err
			}
			p, err := object[*host.ModelPatcher](inputs, "model")
			if err != nil {
				return Result{}, err
			}

			sigmas, err := host.DenoiseSigmas(p.Model.Sampling, in.Scheduler, in.Steps, in.Denoise)
			if err != nil {
				return Result{}, err
			}
			if sigmas == nil {
				sigmas = []float64{}
			}
			return values(sigmas), nil
		},
	}
}

// SamplerCustom sampelt mit vorgegebenem Sampler und Sigmas
func SamplerCustom() *Definition {
	return &Definition{
		Name:        "SamplerCustom",
		Title:       "SamplerCustom",
		Category:    "sampling/custom_sampling",
		Function:    "sample",
		ReturnTypes: []string{TypeLatent, TypeLatent},
		ReturnNames: []string{"output", "denoised_output"},
		Inputs: func(*Env) (*Schema, error) {
			return Required(
				F("model", Typed(TypeModel)),
				F("add_noise", Typed(TypeBoolean, Default(true))),
				F("noise_seed", Typed(TypeInt, Default(0), Min(0), Max(uint64(0xffffffffffffffff)))),
				F("cfg", Typed(TypeFloat, Default(8.0), Min(0.0), Max(100.0), Step(0.1), RoundTo(0.01))),
				F("positive", Typed(TypeConditioning)),
				F("negative", Typed(TypeConditioning)),
				F("sampler", Typed(TypeSampler)),
				F("sigmas", Typed(TypeSigmas)),
				F("latent_image", Typed(TypeLatent)),
			), nil
		},
		Run: runSamplerCustom,
	}
}

func runSamplerCustom(ctx context.Context, env *Env, inputs map[string]any) (Result, error) {
	in := struct {
		AddNoise  bool    `mapstructure:"add_noise"`
		NoiseSeed uint64  `mapstructure:"noise_seed"`
		CFG       float64 `mapstructure:"cfg"`
	}{AddNoise: true}
	if err := decode(inputs, &in); err != nil {
		return Result{}, err
	}

	p, err := object[*host.ModelPatcher](inputs, "model")
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
	sampler, err := object[*host.Sampler](inputs, "sampler")
	if err != nil {
		return Result{}, err
	}
	sigmas, err := object[[]float64](inputs, "sigmas")
	if err != nil {
		return Result{}, err
	}
	latent, err := object[host.Latent](inputs, "latent_image")
	if err != nil {
		return Result{}, err
	}

	format := p.Model.Config.LatentFormat
	if latent, err = host.FixEmptyLatentChannels(format, latent); err != nil {
		return Result{}, err
	}

	seed := int64(in.NoiseSeed)
	noise := make([]float32, latent.Samples.NumElements())
	if in.AddNoise {
		if noise, err = host.PrepareNoise(latent, seed); err != nil {
			return Result{}, err
		}
	}

	var x0 []float32
	opts := host.SamplerOptions{
		Seed:     seed,
		Callback: func(_, _ int, denoised []float32) { x0 = denoised },
	}

	g := host.NewCFGGuider(p, positive, negative, in.CFG)
	out, err := host.SampleCustom(ctx, g, sampler, sigmas, noise, latent, opts)
	if err != nil {
		return Result{}, err
	}

	denoised := out
	if x0 != nil {
		denoised = host.Latent{
			Samples:    ml.NewFloat32(format.ProcessOut(x0), out.Samples.Shape...),
			BatchIndex: out.BatchIndex,
			NoiseMask:  out.NoiseMask,
		}
	}
	return values(out, denoised), nil
}

// ConditioningLoader laedt ein vorberechnetes Conditioning. Die Datei
// enthaelt "embedding" [B, T, C] und optional "pooled_output".
func ConditioningLoader() *Definition {
	return &Definition{
		Name:        "ConditioningLoader",
		Title:       "Load Conditioning",
		Description: "Loads precomputed text embeddings from the conditioning folder.",
		Category:    "conditioning",
		Function:    "load_conditioning",
		ReturnTypes: []string{TypeConditioning},
		Inputs: func(env *Env) (*Schema, error) {
			names, err := env.Folders.FilenameList("conditioning")
			if err != nil {
				return nil, err
			}
			return Required(
				F("conditioning_name", Combo(names)),
			).With(Optional(
				F("guidance", Typed(TypeFloat, Default(host.DefaultGuidance), Min(0.0), Max(100.0), Step(0.1))),
				F("strength", Typed(TypeFloat, Default(1.0), Min(0.0), Max(10.0), Step(0.01))),
			)), nil
		},
		Run: func(ctx context.Context, env *Env, inputs map[string]any) (Result, error) {
			in := struct {
				Name     string  `mapstructure:"conditioning_name"`
				Guidance float64 `mapstructure:"guidance"`
				Strength float64 `mapstructure:"strength"`
			}{Guidance: host.DefaultGuidance, Strength: 1}
			if err := decode(inputs, &in); err != nil {
				return Result{}, err
			}

			path, err := env.Folders.FullPath("conditioning", in.Name)
			if err != nil {
				return Result{}, err
			}
			entry, err := loadConditioning(path)
			if err != nil {
				return Result{}, fmt.Errorf("%s: %w", in.Name, err)
			}
			entry.Options["guidance"] = in.Guidance
			entry.Options["strength"] = in.Strength
			return values(host.Conditioning{entry}), nil
		},
	}
}

func loadConditioning(path string) (host.ConditioningEntry, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return host.ConditioningEntry{}, err
	}
	defer f.Close()

	embedding, err := f.Tensor("embedding")
	if err != nil {
		return host.ConditioningEntry{}, err
	}
	if len(embedding.Shape) != 3 {
		return host.ConditioningEntry{}, fmt.Errorf("embedding must have shape [B, T, C], got %v", embedding.Shape)
	}

	e := host.ConditioningEntry{Embedding: embedding, Options: map[string]any{}}
	if _, ok := f.Info("pooled_output"); ok {
		pooled, err := f.Tensor("pooled_output")
		if err != nil {
			return host.ConditioningEntry{}, err
		}
		e.Options["pooled_output"] = pooled
	}
	return e, nil
}

var latentCounter = regexp2.MustCompile(`^_(\d{5})_\.latent$`, regexp2.None)

// SaveLatent schreibt Latents nach OutputDir/<prefix>_00001_.latent
func SaveLatent() *Definition {
	return &Definition{
		Name:        "SaveLatent",
		Title:       "SaveLatent",
		Category:    "_for_testing",
		Function:    "save",
		OutputNode:  true,
		ReturnTypes: []string{},
		Inputs: func(*Env) (*Schema, error) {
			return Required(
				F("samples", Typed(TypeLatent)),
				F("filename_prefix", Typed(TypeString, Default("latents/FluxMod"))),
			), nil
		},
		Run: func(ctx context.Context, env *Env, inputs map[string]any) (Result, error) {
			in := struct {
				Prefix string `mapstructure:"filename_prefix"`
			}{Prefix: "latents/FluxMod"}
			if err := decode(inputs, &in); err != nil {
				return Result{}, err
			}
			l, err := object[host.Latent](inputs, "samples")
			if err != nil {
				return Result{}, err
			}

			path, err := nextLatentPath(env.OutputDir, in.Prefix)
			if err != nil {
				return Result{}, err
			}

			tensors := map[string]*ml.Tensor{
				"latent_tensor":           l.Samples,
				"latent_format_version_0": {DType: ml.DTypeFloat32, Shape: []int64{0}, Data: []byte{}},
			}
			if err := safetensors.WriteFile(path, tensors, map[string]string{"format": "pt"}); err != nil {
				return Result{}, err
			}
			slog.Info("saved latent", "path", path, "shape", l.Samples.Shape)

			rel, err := filepath.Rel(env.OutputDir, path)
			if err != nil {
				return Result{}, err
			}
			subfolder := filepath.ToSlash(filepath.Dir(rel))
			if subfolder == "." {
				subfolder = ""
			}
			return Result{
				Values: []any{},
				UI: map[string]any{
					"latents": []map[string]string{{
						"filename":  filepath.Base(rel),
						"subfolder": subfolder,
						"type":      "output",
					}},
				},
			}, nil
		},
	}
}

// nextLatentPath sucht den naechsten freien Zaehler fuer prefix
func nextLatentPath(outputDir, prefix string) (string, error) {
	if outputDir == "" {
		return "", fmt.Errorf("%w: no output directory configured", ErrInvalidValue)
	}

	rel := filepath.FromSlash(prefix)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: filename_prefix %q leaves the output directory", ErrInvalidValue, prefix)
	}

	dir := filepath.Join(outputDir, filepath.Dir(rel))
	base := filepath.Base(rel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	counter := 1
	for _, e := range entries {
		rest, ok := strings.CutPrefix(e.Name(), base)
		if !ok {
			continue
		}
		m, err := latentCounter.FindStringMatch(rest)
		if err != nil || m == nil {
			continue
		}
		if n, err := strconv.Atoi(m.GroupByNumber(1).String()); err == nil && n >= counter {
			counter = n + 1
		}
	}

	return filepath.Join(dir, fmt.Sprintf("%s_%05d_.latent", base, counter)), nil
}

// HostNodes sind die Host-Nodes fuer Graphen ohne externen Host
func HostNodes() []*Definition {
	return []*Definition{
		EmptyLatentImage(),
		KSamplerSelect(),
		BasicScheduler(),
		SamplerCustom(),
		ConditioningLoader(),
		SaveLatent(),
	}
}

// DefaultRegistry erstellt eine Registry mit allen Host- und FluxMod-Nodes
func DefaultRegistry() (*Registry, error) {
	r := NewRegistry()
	if err := r.Register(HostNodes()...); err != nil {
		return nil, err
	}
	if err := r.Register(PluginNodes()...); err != nil {
		return nil, err
	}
	return r, nil
}
