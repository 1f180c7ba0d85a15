// device.go - Geraeteverwaltung des Hosts
//
// Dieses Modul enthaelt:
// - DeviceManager: Abfrage von Rechen- und Offload-Geraet sowie FP8-Unterstuetzung
// - EnvDeviceManager: Implementierung ueber envconfig (FLUXMOD_DEVICE, ...)
package host

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/ollama/fluxmod/envconfig"
	"github.com/ollama/fluxmod/ml"
)

// DeviceManager liefert die prozessweit aktiven Geraete
type DeviceManager interface {
	TorchDevice() ml.Device
	UnetOffloadDevice() ml.Device
	SupportsFP8Compute(ml.Device) bool
}

// EnvDeviceManager liest die Geraete bei jeder Abfrage aus der Umgebung
type EnvDeviceManager struct{}

func (EnvDeviceManager) TorchDevice() ml.Device {
	d, err := ml.ParseDevice(envconfig.Device())
	if err != nil {
		slog.Warn("invalid FLUXMOD_DEVICE, using cpu", "error", err)
		return ml.CPU
	}

	if s := envconfig.CudaCompute(); s != "" && d.Type == "cuda" {
		major, minor, _ := strings.Cut(s, ".")
		d.ComputeMajor, _ = strconv.Atoi(major)
		d.ComputeMinor, _ = strconv.Atoi(minor)
	}
	return d
}

func (EnvDeviceManager) UnetOffloadDevice() ml.Device {
	d, err := ml.ParseDevice(envconfig.OffloadDevice())
	if err != nil {
		slog.Warn("invalid FLUXMOD_OFFLOAD_DEVICE, using cpu", "error", err)
		return ml.CPU
	}
	return d
}

// SupportsFP8Compute folgt der Compute Capability, FLUXMOD_FP8_COMPUTE ueberschreibt
func (EnvDeviceManager) SupportsFP8Compute(d ml.Device) bool {
	return envconfig.FP8Compute(d.SupportsFP8Compute())
}
