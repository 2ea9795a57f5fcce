// Package vector provides the vector math used by the similarity pipeline.
//
// All similarity comparisons in MuninnDB go through this package so that
// every component agrees on one implementation. Embeddings are float32 on
// the wire; accumulation is done in float64 for precision.
package vector

import "math"

// CosineSimilarity calculates cosine similarity between two float32 vectors.
// Returns a value in [-1, 1] where 1 = identical direction, 0 = orthogonal.
// Mismatched or empty vectors yield 0.
//
// Example:
//
//	a := []float32{1.0, 2.0, 3.0}
//	b := []float32{4.0, 5.0, 6.0}
//	sim := vector.CosineSimilarity(a, b) // 0.9746...
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// CosineDistance is 1 - CosineSimilarity, clamped to [0, 2]. The clustering
// stage treats this as its distance metric.
func CosineDistance(a, b []float32) float64 {
	d := 1.0 - CosineSimilarity(a, b)
	if d < 0 {
		return 0
	}
	return d
}

// Normalize returns a unit-length copy of the vector. The input is not
// modified. A zero vector normalizes to a zero vector of the same length.
func Normalize(v []float32) []float32 {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}

	out := make([]float32, len(v))
	if sumSquares == 0 {
		return out
	}

	norm := math.Sqrt(sumSquares)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// WeightedCombine blends two equal-length vectors as wa*a + wb*b and
// normalizes the result. The similarity engine uses this to fold a
// question embedding and an answer embedding into one record embedding.
// Returns nil when the lengths differ or either input is empty.
func WeightedCombine(a, b []float32, wa, wb float64) []float32 {
	if len(a) != len(b) || len(a) == 0 {
		return nil
	}

	combined := make([]float32, len(a))
	for i := range a {
		combined[i] = float32(wa*float64(a[i]) + wb*float64(b[i]))
	}
	return Normalize(combined)
}
