package nn

import "github.com/ollama/fluxmod/ml"

// Linear ist eine affine Schicht mit Gewicht [out, in] und optionalem Bias
type Linear struct {
	Weight *ml.Tensor `weight:"weight"`
	Bias   *ml.Tensor `weight:"bias"`
}

// NewLinear deklariert eine Linear-Schicht ohne Speicher
func NewLinear(in, out int64, bias bool) *Linear {
	l := &Linear{Weight: ml.Empty(ml.DTypeFloat32, out, in)}
	if bias {
		l.Bias = ml.Empty(ml.DTypeFloat32, out)
	}
	return l
}

// RMSNorm normalisiert mit einer lernbaren Skala
type RMSNorm struct {
	Scale *ml.Tensor `weight:"scale"`
}

func NewRMSNorm(dim int64) *RMSNorm {
	return &RMSNorm{Scale: ml.Empty(ml.DTypeFloat32, dim)}
}

// QKNorm haelt getrennte RMS-Normen fuer Query und Key
type QKNorm struct {
	QueryNorm *RMSNorm `weight:"query_norm"`
	KeyNorm   *RMSNorm `weight:"key_norm"`
}

func NewQKNorm(dim int64) *QKNorm {
	return &QKNorm{QueryNorm: NewRMSNorm(dim), KeyNorm: NewRMSNorm(dim)}
}
