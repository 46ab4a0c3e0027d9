package resonance

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"memoryengine/internal/memory"
)

func TestScore_NilContextIsZero(t *testing.T) {
	r := &memory.Record{EmotionalValence: memory.ValencePositive}
	assert.Equal(t, 0.0, Score(r, nil))
}

func TestScore_ValenceMatchBonus(t *testing.T) {
	r := &memory.Record{EmotionalValence: memory.ValencePositive, EmotionalArousal: 0}
	cur := &EmotionContext{Valence: memory.ValencePositive, Arousal: 100}
	// valence matches (+0.3), arousal delta 100 -> bonus 0.
	assert.InDelta(t, 0.3, Score(r, cur), 1e-9)
}

func TestScore_ArousalProximityBonus(t *testing.T) {
	r := &memory.Record{EmotionalValence: memory.ValenceNeutral, EmotionalArousal: 50}
	cur := &EmotionContext{Valence: memory.ValenceNegative, Arousal: 50}
	// no valence match; arousal delta 0 -> full 0.2 bonus.
	assert.InDelta(t, 0.2, Score(r, cur), 1e-9)
}

func TestScore_TagOverlapBonus(t *testing.T) {
	r := &memory.Record{EmotionalTags: []string{"work", "deadline"}}
	cur := &EmotionContext{Tags: []string{"work", "family"}}
	// overlap 1 of max(2,2)=2 -> 0.5 * 0.5 = 0.25.
	assert.InDelta(t, 0.25, Score(r, cur), 1e-9)
}

func TestScore_EmptyTagSetsContributeNothing(t *testing.T) {
	r := &memory.Record{EmotionalTags: nil}
	cur := &EmotionContext{Tags: []string{"work"}}
	assert.Equal(t, 0.0, Score(r, cur))
}
