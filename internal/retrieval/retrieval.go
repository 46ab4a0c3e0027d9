// Package retrieval implements the query-time memory surfacing pass of
// spec.md §4.5: embed the query, score active and archived candidates by
// similarity/retention/resonance, select a top-k, and apply the
// mark_recalled / revival_requested side effects.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"memoryengine/internal/config"
	"memoryengine/internal/embedclient"
	"memoryengine/internal/memory"
	"memoryengine/internal/resonance"
	"memoryengine/internal/retention"
	"memoryengine/internal/store"
	"memoryengine/internal/vecmath"
)

// Result is one scored, selected candidate.
type Result struct {
	Record   *memory.Record
	Priority float64
	Archived bool
}

// Retriever wires the store and the embedding collaborator together.
type Retriever struct {
	store *store.Store
	embed embedclient.Provider
	cfg   config.Config
	log   zerolog.Logger
}

func New(st *store.Store, embed embedclient.Provider, cfg config.Config, log zerolog.Logger) *Retriever {
	return &Retriever{store: st, embed: embed, cfg: cfg, log: log.With().Str("component", "retrieval").Logger()}
}

// Query runs one retrieval pass. A nil error with a nil/empty result slice
// means "no memories emitted" (spec.md §4.5 and §7: retrieval degrades
// gracefully, it never emits a partial block).
func (rt *Retriever) Query(ctx context.Context, query string, emo *resonance.EmotionContext) ([]Result, error) {
	if strings.HasPrefix(strings.TrimSpace(query), "/") {
		return nil, nil
	}

	qvec, err := rt.embed.Embed(ctx, query)
	if err != nil {
		rt.log.Warn().Err(err).Msg("retrieval: embedding failed, emitting no memories")
		return nil, nil
	}

	active, err := rt.store.GetActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	var archived []*memory.Record
	if rt.cfg.Retrieval.EnableArchiveRecall {
		archived, err = rt.store.GetArchived(ctx)
		if err != nil {
			return nil, fmt.Errorf("retrieval: %w", err)
		}
	}

	scored := make([]Result, 0, len(active)+len(archived))
	for _, r := range active {
		if len(r.Embedding) == 0 {
			continue
		}
		scored = append(scored, Result{Record: r, Priority: priority(r, qvec, emo), Archived: false})
	}
	for _, r := range archived {
		if len(r.Embedding) == 0 {
			continue
		}
		scored = append(scored, Result{Record: r, Priority: priority(r, qvec, emo), Archived: true})
	}

	selected := selectTopK(scored, rt.cfg.Retrieval.TopK, rt.cfg.Retrieval.RelevanceThreshold)
	if len(selected) == 0 {
		return nil, nil
	}

	if err := rt.applySideEffects(ctx, selected); err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	return selected, nil
}

// priority computes base (and, with an emotion context, resonance-weighted)
// priority for a single candidate, per spec.md §4.5 step 4.
func priority(r *memory.Record, qvec []float32, emo *resonance.EmotionContext) float64 {
	sim := vecmath.PositiveCosine(qvec, r.Embedding)
	score := retention.ScoreOf(r)
	base := score * sim * (1 + 0.1*float64(r.RecallCount))
	if emo == nil {
		return base
	}
	res := resonance.Score(r, emo)
	return base + resonance.Alpha*res*score
}

// selectTopK applies the threshold+fallback rule of spec.md §4.5 step 5:
// prefer the set at-or-above relevanceThreshold if it has enough members,
// else fall back to the global top-k of all positive-priority candidates.
// Ties are broken by more recent Created.
func selectTopK(scored []Result, topK int, relevanceThreshold float64) []Result {
	var positive []Result
	for _, c := range scored {
		if c.Priority > 0 {
			positive = append(positive, c)
		}
	}
	sortByPriority := func(rs []Result) {
		sort.SliceStable(rs, func(i, j int) bool {
			if rs[i].Priority != rs[j].Priority {
				return rs[i].Priority > rs[j].Priority
			}
			return rs[i].Record.Created.After(rs[j].Record.Created)
		})
	}

	var aboveThreshold []Result
	for _, c := range positive {
		if c.Priority >= relevanceThreshold {
			aboveThreshold = append(aboveThreshold, c)
		}
	}

	if len(aboveThreshold) >= topK {
		sortByPriority(aboveThreshold)
		return aboveThreshold[:topK]
	}

	sortByPriority(positive)
	if len(positive) > topK {
		return positive[:topK]
	}
	return positive
}

// applySideEffects marks active results recalled and flags archived
// results for revival, per spec.md §4.5 step 6, all inside a single
// transaction so a failure partway through never leaves some archived
// candidates flagged and others not ("Retrieval never partially marks").
// mark_recalled runs last, as the spec requires.
func (rt *Retriever) applySideEffects(ctx context.Context, selected []Result) error {
	now := time.Now()
	return rt.store.Transaction(ctx, func(tx *store.Tx) error {
		var activeIDs []string
		for _, r := range selected {
			if r.Archived {
				if err := tx.Update(r.Record.ID, map[string]any{
					"revival_requested":    true,
					"revival_requested_at": now,
				}); err != nil {
					return err
				}
			} else {
				activeIDs = append(activeIDs, r.Record.ID)
			}
		}
		if len(activeIDs) == 0 {
			return nil
		}
		return tx.MarkRecalled(activeIDs)
	})
}

// FormatBlock renders the <memories> output block of spec.md §6. An empty
// results slice renders nothing (empty string).
func FormatBlock(results []Result) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<memories>\n")
	for _, r := range results {
		marker := ""
		if r.Archived {
			marker = "[archived]"
		}
		fmt.Fprintf(&b, "- [%s][L%d]%s %s → %s\n",
			r.Record.Created.Format(time.RFC3339), int(r.Record.CurrentLevel), marker, r.Record.Trigger, r.Record.Content)
	}
	b.WriteString("</memories>")
	return b.String()
}
