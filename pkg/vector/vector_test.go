package vector

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	t.Run("identical_vectors", func(t *testing.T) {
		a := []float32{1, 2, 3}
		assert.InDelta(t, 1.0, CosineSimilarity(a, a), 1e-9)
	})

	t.Run("orthogonal_vectors", func(t *testing.T) {
		a := []float32{1, 0}
		b := []float32{0, 1}
		assert.InDelta(t, 0.0, CosineSimilarity(a, b), 1e-9)
	})

	t.Run("opposite_vectors", func(t *testing.T) {
		a := []float32{1, 1}
		b := []float32{-1, -1}
		assert.InDelta(t, -1.0, CosineSimilarity(a, b), 1e-9)
	})

	t.Run("known_value", func(t *testing.T) {
		a := []float32{1, 2, 3}
		b := []float32{4, 5, 6}
		assert.InDelta(t, 0.9746318, CosineSimilarity(a, b), 1e-6)
	})

	t.Run("mismatched_lengths_return_zero", func(t *testing.T) {
		assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 2}))
		assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
	})

	t.Run("zero_vector_returns_zero", func(t *testing.T) {
		assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 2}))
	})
}

func TestCosineDistance(t *testing.T) {
	a := []float32{1, 2, 3}
	assert.InDelta(t, 0.0, CosineDistance(a, a), 1e-9)

	b := []float32{-1, -2, -3}
	assert.InDelta(t, 2.0, CosineDistance(a, b), 1e-9)
}

func TestNormalize(t *testing.T) {
	t.Run("produces_unit_length", func(t *testing.T) {
		v := Normalize([]float32{3, 4})
		assert.InDelta(t, 0.6, float64(v[0]), 1e-6)
		assert.InDelta(t, 0.8, float64(v[1]), 1e-6)
	})

	t.Run("does_not_modify_input", func(t *testing.T) {
		orig := []float32{3, 4}
		Normalize(orig)
		assert.Equal(t, []float32{3, 4}, orig)
	})

	t.Run("zero_vector_stays_zero", func(t *testing.T) {
		v := Normalize([]float32{0, 0, 0})
		assert.Equal(t, []float32{0, 0, 0}, v)
	})
}

func TestWeightedCombine(t *testing.T) {
	t.Run("normalized_blend", func(t *testing.T) {
		q := []float32{1, 0}
		a := []float32{0, 1}
		combined := WeightedCombine(q, a, 0.6, 0.4)
		require.NotNil(t, combined)

		var norm float64
		for _, x := range combined {
			norm += float64(x) * float64(x)
		}
		assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)
		assert.Greater(t, combined[0], combined[1])
	})

	t.Run("mismatched_lengths_return_nil", func(t *testing.T) {
		assert.Nil(t, WeightedCombine([]float32{1}, []float32{1, 2}, 0.5, 0.5))
		assert.Nil(t, WeightedCombine(nil, nil, 0.5, 0.5))
	})
}
