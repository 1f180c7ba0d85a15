// config_utils.go - Getter-Fabriken und Export der Umgebungsvariablen
//
// Dieses Modul enthaelt:
// - lookup: generischer Parser mit Fallback
// - Bool, BoolWithDefault, String, Uint: Getter fuer einzelne Variablen
// - EnvVar, AsMap, Values: Beschreibung aller FLUXMOD_* Variablen
package envconfig

import (
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
)

// lookup parst den Wert von key. Leere Werte liefern fallback,
// Parse-Fehler werden an onErr uebergeben.
func lookup[T any](key string, fallback T, parse func(string) (T, error), onErr func(string, error) T) T {
	s := Var(key)
	if s == "" {
		return fallback
	}
	v, err := parse(s)
	if err != nil {
		return onErr(s, err)
	}
	return v
}

// BoolWithDefault liest einen Bool. Gesetzte, aber unlesbare Werte
// zaehlen als true (FLUXMOD_FAST=yes schaltet ein).
func BoolWithDefault(key string) func(bool) bool {
	return func(fallback bool) bool {
		return lookup(key, fallback, strconv.ParseBool, func(string, error) bool { return true })
	}
}

// Bool ist BoolWithDefault mit Default false
func Bool(key string) func() bool {
	get := BoolWithDefault(key)
	return func() bool { return get(false) }
}

func String(key string) func() string {
	return func() string { return Var(key) }
}

// Uint liest eine nicht-negative Zahl, bei ungueltigem Wert gilt fallback
func Uint(key string, fallback uint) func() uint {
	parse := func(s string) (uint, error) {
		n, err := strconv.ParseUint(s, 10, 64)
		return uint(n), err
	}
	return func() uint {
		return lookup(key, fallback, parse, func(s string, err error) uint {
			slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", fallback, "error", err)
			return fallback
		})
	}
}

// EnvVar beschreibt eine Variable fuer Hilfe-Texte und Server-Log
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

type entry struct {
	name  string
	value func() any
	desc  string
}

// registry listet alle Variablen in der Reihenfolge der Hilfe
var registry = []entry{
	{"FLUXMOD_DEBUG", func() any { return LogLevel() }, "Show additional debug information (e.g. FLUXMOD_DEBUG=1)"},
	{"FLUXMOD_HOST", func() any { return Host() }, "IP Address for the node server (default 127.0.0.1:8188)"},
	{"FLUXMOD_ORIGINS", func() any { return AllowedOrigins() }, "A comma separated list of allowed origins"},
	{"FLUXMOD_MODELS", func() any { return Models() }, "The path to the models directory"},
	{"FLUXMOD_CHECKPOINTS", func() any { return Checkpoints() }, "Directories of the checkpoints folder"},
	{"FLUXMOD_UNET_GGUF", func() any { return UnetGGUF() }, "Directories of the unet_gguf folder"},
	{"FLUXMOD_CONDITIONING", func() any { return Conditioning() }, "Directories of the conditioning folder"},
	{"FLUXMOD_OUTPUT", func() any { return Output() }, "Directory for saved latents"},
	{"FLUXMOD_FAST", func() any { return Fast() }, "Use fp8 compute on supported devices"},
	{"FLUXMOD_DEVICE", func() any { return Device() }, "Compute device (e.g. cuda:0, default cpu)"},
	{"FLUXMOD_OFFLOAD_DEVICE", func() any { return OffloadDevice() }, "Offload device for model weights (default cpu)"},
	{"FLUXMOD_CUDA_COMPUTE", func() any { return CudaCompute() }, "Compute capability of the compute device (e.g. 8.9)"},
	{"FLUXMOD_FP8_COMPUTE", func() any { return FP8Compute(false) }, "Force fp8 compute support detection"},
	{"FLUXMOD_MAX_HISTORY", func() any { return MaxHistory() }, "Maximum number of stored prompt results"},
	{"CUDA_VISIBLE_DEVICES", func() any { return CudaVisibleDevices() }, "Set which NVIDIA devices are visible"},
}

// AsMap liefert Name, aktuellen Wert und Beschreibung jeder Variable.
// CUDA_VISIBLE_DEVICES fehlt auf macOS.
func AsMap() map[string]EnvVar {
	m := make(map[string]EnvVar, len(registry))
	for _, e := range registry {
		if e.name == "CUDA_VISIBLE_DEVICES" && runtime.GOOS == "darwin" {
			continue
		}
		m[e.name] = EnvVar{Name: e.name, Value: e.value(), Description: e.desc}
	}
	return m
}

// Values formatiert AsMap fuer das Server-Log
func Values() map[string]string {
	vals := make(map[string]string, len(registry))
	for k, v := range AsMap() {
		vals[k] = fmt.Sprint(v.Value)
	}
	return vals
}
