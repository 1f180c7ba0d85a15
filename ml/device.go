// device.go
// Dieses Modul enthaelt die Device-Struktur fuer Compute- und Offload-Geraete
// sowie das Parsen der Schreibweise "cuda:0".

package ml

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

type Device struct {
	// Type is the backend device type, e.g. "cpu", "cuda" or "mps"
	Type string `json:"type"`

	// Index selects one of several devices of the same type, -1 if unset
	Index int `json:"index"`

	// ComputeMajor is the major version of capabilities of the device
	// if unknown, 0 is used
	ComputeMajor int `json:"compute_major,omitempty"`

	// ComputeMinor is the minor version of capabilities of the device
	ComputeMinor int `json:"compute_minor,omitempty"`
}

// CPU ist das Standard-Offload-Geraet
var CPU = Device{Type: "cpu", Index: -1}

// ParseDevice parst "cpu", "cuda", "cuda:1" usw.
func ParseDevice(s string) (Device, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return CPU, nil
	}

	typ, idx, ok := strings.Cut(s, ":")
	d := Device{Type: typ, Index: -1}
	if ok {
		n, err := strconv.Atoi(idx)
		if err != nil || n < 0 {
			return Device{}, fmt.Errorf("invalid device index %q", s)
		}
		d.Index = n
	}

	switch d.Type {
	case "cpu", "cuda", "mps", "xpu", "npu":
	default:
		return Device{}, fmt.Errorf("unknown device type %q", d.Type)
	}

	return d, nil
}

func (d Device) String() string {
	if d.Index < 0 {
		return d.Type
	}
	return fmt.Sprintf("%s:%d", d.Type, d.Index)
}

func (d Device) LogValue() slog.Value {
	return slog.StringValue(d.String())
}

// SupportsFP8Compute meldet ob das Geraet native fp8-Matmuls ausfuehren kann (CUDA >= 8.9)
func (d Device) SupportsFP8Compute() bool {
	if d.Type != "cuda" {
		return false
	}
	return d.ComputeMajor > 8 || (d.ComputeMajor == 8 && d.ComputeMinor >= 9)
}
