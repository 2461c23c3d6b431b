// Package embedding compresses embedding vectors into bytes and compares them.
//
// Quantization maps each float in the assumed [-1, 1] range onto one byte
// (scale 127, offset 128). Values outside that range saturate at 0 or 255.
package embedding

import (
	"fmt"
	"math"

	"github.com/hupe1980/contextmesh/core"
)

const (
	scale  = 127.0
	offset = 128.0
)

// Quantize converts v into one byte per element:
// clamp(round(x*127+128), 0, 255).
func Quantize(v []float32) []byte {
	out := make([]byte, len(v))
	for i, x := range v {
		q := math.Round(float64(x)*scale + offset)
		switch {
		case q < 0 || math.IsNaN(q):
			q = 0
		case q > 255:
			q = 255
		}
		out[i] = byte(q)
	}
	return out
}

// Dequantize reverses Quantize: (b-128)/127.
func Dequantize(b []byte) []float32 {
	out := make([]float32, len(b))
	for i, x := range b {
		out[i] = float32((float64(x) - offset) / scale)
	}
	return out
}

// CosineSimilarity returns dot(a,b)/(|a|*|b|). It returns 0 when either vector
// has zero norm. Vectors of different length are a precondition violation.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: vector lengths differ (%d != %d)", core.ErrInvalidArgument, len(a), len(b))
	}
	var dot, magA, magB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		magA += x * x
		magB += y * y
	}
	denom := math.Sqrt(magA) * math.Sqrt(magB)
	if denom == 0 {
		return 0, nil
	}
	return dot / denom, nil
}
