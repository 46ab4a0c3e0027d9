package vecmath

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosine_IdenticalVectors(t *testing.T) {
	v := []float32{1, 2, 3}
	assert.InDelta(t, 1.0, Cosine(v, v), 1e-6)
}

func TestCosine_OrthogonalVectors(t *testing.T) {
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-6)
}

func TestCosine_ZeroVectorIsZeroNotNaN(t *testing.T) {
	got := Cosine([]float32{0, 0}, []float32{1, 1})
	assert.Equal(t, 0.0, got)
}

func TestPositiveCosine_ClampsNegative(t *testing.T) {
	got := PositiveCosine([]float32{1, 0}, []float32{-1, 0})
	assert.Equal(t, 0.0, got)
}

func TestNormalize_UnitNorm(t *testing.T) {
	n := Normalize([]float32{3, 4})
	assert.InDelta(t, 1.0, Norm(n), 1e-6)
}

func TestNormalizedMatrix_DotEqualsCosine(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 5, 6}
	norm := NormalizedMatrix([][]float32{a, b})
	assert.InDelta(t, Cosine(a, b), Dot(norm[0], norm[1]), 1e-6)
}
