// Package resonance implements the emotional-similarity bonus used by
// retrieval priority scoring, spec.md §4.5.
package resonance

import "memoryengine/internal/memory"

// EmotionContext is the caller-supplied current emotional state used to
// compute a resonance bonus against a candidate record. A nil context means
// retrieval falls back to plain base priority (no resonance term).
type EmotionContext struct {
	Valence  memory.Valence
	Arousal  int
	Tags     []string
}

const (
	valenceBonus  = 0.3
	maxArousal    = 0.2
	tagBonusScale = 0.5
	// Alpha weights the resonance term against the record's retention score
	// when folding it into retrieval priority (spec.md §4.5 step 4).
	Alpha = 0.3
)

// Score computes valence_bonus + arousal_bonus + tag_bonus for a candidate
// record against the current emotion context.
func Score(mem *memory.Record, cur *EmotionContext) float64 {
	if cur == nil {
		return 0
	}
	total := 0.0
	if mem.EmotionalValence == cur.Valence {
		total += valenceBonus
	}
	total += arousalBonus(mem.EmotionalArousal, cur.Arousal)
	total += tagBonus(mem.EmotionalTags, cur.Tags)
	return total
}

func arousalBonus(memArousal, curArousal int) float64 {
	delta := memArousal - curArousal
	if delta < 0 {
		delta = -delta
	}
	bonus := maxArousal * (1 - float64(delta)/100.0)
	if bonus < 0 {
		return 0
	}
	return bonus
}

func tagBonus(memTags, curTags []string) float64 {
	if len(memTags) == 0 || len(curTags) == 0 {
		return 0
	}
	cur := make(map[string]struct{}, len(curTags))
	for _, t := range curTags {
		cur[t] = struct{}{}
	}
	overlap := 0
	for _, t := range memTags {
		if _, ok := cur[t]; ok {
			overlap++
		}
	}
	if overlap == 0 {
		return 0
	}
	denom := len(memTags)
	if len(curTags) > denom {
		denom = len(curTags)
	}
	return float64(overlap) / float64(denom) * tagBonusScale
}
