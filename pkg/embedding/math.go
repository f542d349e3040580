package embedding

import "math"

// Normalize returns vec scaled to unit length. Zero vectors are returned as-is.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// CosineSimilarity returns 0 for mismatched or zero-length vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func IsZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}

// meanPool averages hidden states of one sequence over positions whose mask
// is 1. hidden is laid out [seqLen][dim].
func meanPool(hidden []float32, mask []int64, seqLen, dim int) []float32 {
	out := make([]float32, dim)
	attended := 0
	for i := 0; i < seqLen && i < len(mask); i++ {
		if mask[i] != 1 {
			continue
		}
		attended++
		row := hidden[i*dim : (i+1)*dim]
		for j, v := range row {
			out[j] += v
		}
	}
	if attended == 0 {
		return out
	}
	for j := range out {
		out[j] /= float32(attended)
	}
	return out
}
