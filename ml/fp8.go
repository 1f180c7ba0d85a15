// fp8.go - Konvertierung von und nach 8-Bit Gleitkommaformaten
//
// Dieses Modul enthaelt:
// - float8_e4m3fn: 1 Vorzeichen-, 4 Exponenten-, 3 Mantissenbits, Bias 7, kein Inf
// - float8_e5m2: 1 Vorzeichen-, 5 Exponenten-, 2 Mantissenbits, Bias 15
//
// Rundung ist round-to-nearest-even. Ueberlauf ergibt bei e4m3fn NaN (0x7f),
// bei e5m2 Inf (0x7c), wie in der Referenz-Runtime.
package ml

import "math"

func float32ToFloat8E4M3FN(f float32) uint8 {
	const (
		fp8Max     = uint32(1087) << 20 // 480.0
		denormMask = uint32(141) << 23
	)

	bits := math.Float32bits(f)
	sign := bits & 0x80000000
	bits ^= sign

	var result uint8
	switch {
	case bits >= fp8Max:
		result = 0x7f
	case bits < uint32(121)<<23:
		// subnormal: Addition richtet die Mantisse aus und rundet dabei
		sum := math.Float32frombits(bits) + math.Float32frombits(denormMask)
		result = uint8(math.Float32bits(sum) - denormMask)
	default:
		mantOdd := (bits >> 20) & 1
		bits -= uint32(127-7) << 23
		bits += 0x7ffff
		bits += mantOdd
		result = uint8(bits >> 20)
	}

	return result | uint8(sign>>24)
}

func float8E4M3FNToFloat32(b uint8) float32 {
	sign := float32(1)
	if b&0x80 != 0 {
		sign = -1
	}

	exp := int(b>>3) & 0xf
	mant := float64(b & 0x7)
	switch {
	case exp == 0xf && mant == 7:
		return float32(math.NaN())
	case exp == 0:
		return sign * float32(math.Ldexp(mant/8, -6))
	default:
		return sign * float32(math.Ldexp(1+mant/8, exp-7))
	}
}

func float32ToFloat8E5M2(f float32) uint8 {
	const (
		fp8Max     = uint32(143) << 23 // 65536.0
		denormMask = uint32(134) << 23
	)

	bits := math.Float32bits(f)
	sign := bits & 0x80000000
	bits ^= sign

	var result uint8
	switch {
	case bits >= fp8Max:
		if bits > 0x7f800000 {
			result = 0x7f
		} else {
			result = 0x7c
		}
	case bits < uint32(113)<<23:
		sum := math.Float32frombits(bits) + math.Float32frombits(denormMask)
		result = uint8(math.Float32bits(sum) - denormMask)
	default:
		mantOdd := (bits >> 21) & 1
		bits -= uint32(127-15) << 23
		bits += 0xfffff
		bits += mantOdd
		result = uint8(bits >> 21)
	}

	return result | uint8(sign>>24)
}

func float8E5M2ToFloat32(b uint8) float32 {
	sign := float32(1)
	if b&0x80 != 0 {
		sign = -1
	}

	exp := int(b>>2) & 0x1f
	mant := float64(b & 0x3)
	switch {
	case exp == 0x1f && mant == 0:
		return sign * float32(math.Inf(1))
	case exp == 0x1f:
		return float32(math.NaN())
	case exp == 0:
		return sign * float32(math.Ldexp(mant/4, -14))
	default:
		return sign * float32(math.Ldexp(1+mant/4, exp-15))
	}
}
