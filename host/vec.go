package host

import "gonum.org/v1/gonum/blas/blas32"

func vec(s []float32) blas32.Vector {
	return blas32.Vector{N: len(s), Data: s, Inc: 1}
}

// axpy berechnet y += a*x
func axpy(a float64, x, y []float32) {
	blas32.Axpy(float32(a), vec(x), vec(y))
}

// scal berechnet x *= a
func scal(a float64, x []float32) {
	blas32.Scal(float32(a), vec(x))
}

// lerp gibt a*x + b*y als neuen Vektor zurueck
func lerp(a float64, x []float32, b float64, y []float32) []float32 {
	out := make([]float32, len(x))
	axpy(a, x, out)
	axpy(b, y, out)
	return out
}
