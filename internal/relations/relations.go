// Package relations implements the P7 relation-maintenance sub-phases of
// spec.md §4.6: integrity, direction re-evaluation, and similarity-based
// auto-linking. All three operate on an in-memory snapshot of records;
// the batch engine is responsible for persisting whichever records this
// package mutates.
package relations

import (
	"sort"

	"memoryengine/internal/memory"
	"memoryengine/internal/retention"
	"memoryengine/internal/vecmath"
)

// Counters tallies the relations_new/relations_updated batch counters
// (spec.md §4.6).
type Counters struct {
	New     int
	Updated int
}

// Index is a by-id lookup over a working set of records, built once per
// batch phase and shared across the three sub-passes below.
type Index map[string]*memory.Record

func NewIndex(records []*memory.Record) Index {
	idx := make(Index, len(records))
	for _, r := range records {
		idx[r.ID] = r
	}
	return idx
}

// Integrity drops relations whose target is missing from idx or archived,
// per spec.md §4.6/P7 "Integrity". idx must contain every record in the
// store (active and archived) for "missing" to be distinguishable from
// "exists but wasn't loaded". Returns the ids of records whose relation
// list changed, so the caller knows which rows to persist.
func Integrity(idx Index) []string {
	var touched []string
	for _, r := range idx {
		kept := r.Relations[:0:0]
		changed := false
		for _, rel := range r.Relations {
			target, ok := idx[rel.ID]
			if !ok || target.Archived() {
				changed = true
				continue
			}
			kept = append(kept, rel)
		}
		if changed {
			r.Relations = kept
			touched = append(touched, r.ID)
		}
	}
	return touched
}

// ReevaluateDirection flips every surviving edge A->B where
// score(B) - score(A) > epsilon, moving the edge onto B pointing at A with
// its type preserved (spec.md §4.6/P7 "Direction re-evaluation"). Scores
// are computed from each record's intensity, coefficient and days via
// retention.ScoreOf; the stored RetentionScore field is not read.
// Returns the ids of every record whose relation list changed.
func ReevaluateDirection(idx Index, epsilon float64) []string {
	touchedSet := map[string]bool{}
	for _, a := range idx {
		var kept []memory.Relation
		for _, rel := range a.Relations {
			b, ok := idx[rel.ID]
			if !ok {
				kept = append(kept, rel)
				continue
			}
			if retention.ScoreOf(b)-retention.ScoreOf(a) > epsilon {
				b.Relations = append(b.Relations, memory.Relation{ID: a.ID, Type: rel.Type})
				touchedSet[b.ID] = true
				touchedSet[a.ID] = true
				continue
			}
			kept = append(kept, rel)
		}
		if len(kept) != len(a.Relations) {
			a.Relations = kept
		}
	}
	ids := make([]string, 0, len(touchedSet))
	for id := range touchedSet {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// hasEdge reports whether a already has an outgoing edge to b, in either
// direction (auto-linking must not duplicate an existing relation).
func hasEdge(idx Index, a, b string) bool {
	for _, rel := range idx[a].Relations {
		if rel.ID == b {
			return true
		}
	}
	for _, rel := range idx[b].Relations {
		if rel.ID == a {
			return true
		}
	}
	return false
}

// AutoLink considers every candidate in newSet against every record in
// active (spec.md §4.6/P7 "Auto-linking"): records newly inserted since the
// previous batch plus records whose embedding was regenerated in P4. It
// computes cosine similarity via the L2-normalized-rows matrix-multiply
// idiom and adds a same_topic edge, from the higher-score endpoint to the
// lower-score endpoint, for any pair at or above threshold that isn't
// already linked. Fan-out is then capped at maxRelations per endpoint by
// dropping the lowest-target-score edges first. Returns the Counters and
// the ids of every record whose relation list changed.
func AutoLink(idx Index, newSet, active []*memory.Record, threshold float64, maxRelations int) (Counters, []string) {
	var cs Counters
	touched := map[string]bool{}

	activeVecs := make([][]float32, len(active))
	for i, r := range active {
		activeVecs[i] = r.Embedding
	}
	normActive := vecmath.NormalizedMatrix(activeVecs)

	for _, n := range newSet {
		if len(n.Embedding) == 0 {
			continue
		}
		nn := vecmath.Normalize(n.Embedding)
		for i, a := range active {
			if a.ID == n.ID || len(a.Embedding) == 0 {
				continue
			}
			sim := vecmath.Dot(nn, normActive[i])
			if sim < threshold {
				continue
			}
			if hasEdge(idx, n.ID, a.ID) {
				continue
			}
			hi, lo := n, a
			if retention.ScoreOf(a) > retention.ScoreOf(n) {
				hi, lo = a, n
			}
			hi.Relations = append(hi.Relations, memory.Relation{ID: lo.ID, Type: memory.RelationSameTopic})
			cs.New++
			touched[hi.ID] = true
		}
	}

	for id := range touched {
		if EnforceFanOut(idx, idx[id], maxRelations) {
			cs.Updated++
		}
	}

	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return cs, ids
}

// EnforceFanOut drops r's lowest-target-score relations, using idx to look
// up each target's retention score, until |relations(r)| <=
// max_relations_per_memory. Exported so the batch engine can call it
// directly after any step that may have grown a relation list (it calls it
// for every record a direction flip touches; AutoLink calls it for every
// record it added an edge to).
func EnforceFanOut(idx Index, r *memory.Record, maxRelations int) bool {
	if len(r.Relations) <= maxRelations {
		return false
	}
	sort.SliceStable(r.Relations, func(i, j int) bool {
		ti, oki := idx[r.Relations[i].ID]
		tj, okj := idx[r.Relations[j].ID]
		si, sj := 0.0, 0.0
		if oki {
			si = retention.ScoreOf(ti)
		}
		if okj {
			sj = retention.ScoreOf(tj)
		}
		return si > sj
	})
	r.Relations = r.Relations[:maxRelations]
	return true
}
