// Package retention implements the decay-coefficient selection and
// retention-score mathematics of spec.md §4.2.
package retention

import (
	"math"

	"memoryengine/internal/memory"
)

// CoefficientForIntensity linearly interpolates the decay coefficient within
// a category's range by intensity (0-100):
//
//	coeff = min_c + (max_c - min_c) * intensity/100
func CoefficientForIntensity(category memory.Category, intensity int) (float64, error) {
	min, max, err := category.DecayRange()
	if err != nil {
		return 0, err
	}
	if intensity < 0 {
		intensity = 0
	}
	if intensity > 100 {
		intensity = 100
	}
	coeff := min + (max-min)*float64(intensity)/100.0
	if coeff > memory.MaxDecayCoefficient {
		coeff = memory.MaxDecayCoefficient
	}
	return coeff, nil
}

// Score computes retention_score = intensity * coeff^days using
// exp(days*ln(coeff)) to avoid overflow/NaN, per spec.md §4.2. A
// non-positive coefficient is treated defensively as 0.
func Score(intensity int, coeff, days float64) float64 {
	if coeff <= 0 {
		return 0
	}
	if days < 0 {
		days = 0
	}
	return float64(intensity) * math.Exp(days*math.Log(coeff))
}

// ScoreOf is a convenience wrapper computing the current retention score of
// a record from its current fields (invariant 2).
func ScoreOf(r *memory.Record) float64 {
	return Score(r.EmotionalIntensity, r.DecayCoefficient, r.MemoryDays)
}

// ClampCoefficient enforces [MinDecayCoefficient, MaxDecayCoefficient].
func ClampCoefficient(c float64) float64 {
	if c < memory.MinDecayCoefficient {
		return memory.MinDecayCoefficient
	}
	if c > memory.MaxDecayCoefficient {
		return memory.MaxDecayCoefficient
	}
	return c
}

// ClassifyLevel is re-exported for callers that only import retention.
func ClassifyLevel(score float64) memory.Level { return memory.ClassifyLevel(score) }
