// config_features.go - Feature-Flags und Geraete-Konfiguration
//
// Dieses Modul enthaelt:
// - Feature-Flags (Fast)
// - Geraete-Variablen (Device, OffloadDevice, FP8Compute)
// - Server-Einstellungen
package envconfig

// Feature-Flags

var (
	// Fast erlaubt FP8-Matmul auf Geraeten mit FP8-Unterstuetzung
	// (entspricht --fast des Hosts)
	Fast = Bool("FLUXMOD_FAST")
)

// Geraete-Variablen

var (
	// Device ist das Rechengeraet, z.B. "cuda:0" (Default: cpu)
	Device = String("FLUXMOD_DEVICE")

	// OffloadDevice ist das Geraet fuer ausgelagerte Gewichte (Default: cpu)
	OffloadDevice = String("FLUXMOD_OFFLOAD_DEVICE")

	// CudaCompute ist die Compute Capability des Rechengeraets, z.B. "8.9"
	CudaCompute = String("FLUXMOD_CUDA_COMPUTE")

	// FP8Compute ueberschreibt die Erkennung von FP8-Rechenunterstuetzung
	FP8Compute = BoolWithDefault("FLUXMOD_FP8_COMPUTE")

	// CudaVisibleDevices steuert sichtbare NVIDIA-Geraete
	CudaVisibleDevices = String("CUDA_VISIBLE_DEVICES")
)

// Server-Einstellungen

var (
	// MaxHistory begrenzt die Anzahl gespeicherter Prompt-Ergebnisse
	MaxHistory = Uint("FLUXMOD_MAX_HISTORY", 100)
)
