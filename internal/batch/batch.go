// Package batch implements the daily maintenance orchestrator of spec.md
// §4.6: nine strictly-ordered phases, each its own store transaction,
// gated by the last_compression_run state key for idempotency.
package batch

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"memoryengine/internal/analysisclient"
	"memoryengine/internal/config"
	"memoryengine/internal/embedclient"
	"memoryengine/internal/memory"
	"memoryengine/internal/recall"
	"memoryengine/internal/relations"
	"memoryengine/internal/retention"
	"memoryengine/internal/store"
)

// Counters tallies the per-phase effects spec.md §4.6 requires every batch
// run to report.
type Counters struct {
	RecalledProcessed int
	DaysUpdated       int
	ScoresUpdated     int
	L1ToL2            int
	L2ToL3            int
	L3ToL4            int
	Revived           int
	L1Forced          int
	L2Forced          int
	L3Forced          int
	RelationsNew      int
	RelationsUpdated  int
	Deleted           int
}

// Report is the full outcome of one RunBatch call.
type Report struct {
	RunID    string
	RunAt    time.Time
	Skipped  bool
	SkipInfo string
	Counters Counters
}

// maxConcurrentCompressions bounds the fan-out of concurrent analysis/
// embedding provider calls within a single compression phase (spec.md §5:
// provider calls are the engine's only blocking points outside the store).
const maxConcurrentCompressions = 4

// Engine wires the store and the two external collaborators together.
type Engine struct {
	store    *store.Store
	embed    embedclient.Provider
	analysis analysisclient.Provider
	cfg      config.Config
	log      zerolog.Logger
}

func New(st *store.Store, embed embedclient.Provider, analysis analysisclient.Provider, cfg config.Config, log zerolog.Logger) *Engine {
	return &Engine{store: st, embed: embed, analysis: analysis, cfg: cfg, log: log.With().Str("component", "batch").Logger()}
}

// RunBatch runs the nine phases in order unless the configured interval
// hasn't elapsed since the last run and force is false, per spec.md §4.6's
// guard.
func (e *Engine) RunBatch(ctx context.Context, force bool) (*Report, error) {
	runID := uuid.NewString()
	now := time.Now()
	log := e.log.With().Str("run_id", runID).Logger()

	lastRunStr, ok, err := e.store.GetState(ctx, store.StateKeyLastCompressionRun)
	if err != nil {
		return nil, fmt.Errorf("batch: %w", err)
	}
	if ok && !force {
		if lastRun, perr := time.Parse(time.RFC3339Nano, lastRunStr); perr == nil {
			elapsed := now.Sub(lastRun)
			interval := time.Duration(e.cfg.Batch.IntervalHours) * time.Hour
			if elapsed < interval {
				log.Info().Str("skip_reason", "interval_not_elapsed").Msg("batch: skipped")
				return &Report{RunID: runID, RunAt: now, Skipped: true, SkipInfo: "Skipped: interval_not_elapsed"}, nil
			}
		}
	}

	report := &Report{RunID: runID, RunAt: now}

	if err := e.phaseRecallAndAging(ctx, &report.Counters); err != nil {
		return nil, fmt.Errorf("batch: P1/P2 recall+aging: %w", err)
	}
	log.Info().Int("recalled_processed", report.Counters.RecalledProcessed).Int("days_updated", report.Counters.DaysUpdated).Msg("batch: P1/P2 done")

	if err := e.phaseRescore(ctx, &report.Counters); err != nil {
		return nil, fmt.Errorf("batch: P3 rescore: %w", err)
	}
	log.Info().Int("scores_updated", report.Counters.ScoresUpdated).Msg("batch: P3 done")

	regenerated, err := e.phaseThresholdCompression(ctx, &report.Counters)
	if err != nil {
		return nil, fmt.Errorf("batch: P4 threshold compression: %w", err)
	}
	log.Info().Int("l1_to_l2", report.Counters.L1ToL2).Int("l2_to_l3", report.Counters.L2ToL3).Int("l3_to_l4", report.Counters.L3ToL4).Msg("batch: P4 done")

	if err := e.phaseArchiveRevival(ctx, &report.Counters); err != nil {
		return nil, fmt.Errorf("batch: P5 archive revival: %w", err)
	}
	log.Info().Int("revived", report.Counters.Revived).Msg("batch: P5 done")

	regeneratedFromP6, err := e.phaseRatioEnforcement(ctx, &report.Counters)
	if err != nil {
		return nil, fmt.Errorf("batch: P6 ratio enforcement: %w", err)
	}
	regenerated = append(regenerated, regeneratedFromP6...)
	log.Info().Int("l1_forced", report.Counters.L1Forced).Int("l2_forced", report.Counters.L2Forced).Int("l3_forced", report.Counters.L3Forced).Msg("batch: P6 done")

	if err := e.phaseRelationMaintenance(ctx, &report.Counters, lastRunStr, regenerated); err != nil {
		return nil, fmt.Errorf("batch: P7 relation maintenance: %w", err)
	}
	log.Info().Int("relations_new", report.Counters.RelationsNew).Int("relations_updated", report.Counters.RelationsUpdated).Msg("batch: P7 done")

	if e.cfg.Archive.AutoDeleteEnabled {
		if err := e.phaseArchivePruning(ctx, &report.Counters); err != nil {
			return nil, fmt.Errorf("batch: P8 archive pruning: %w", err)
		}
		log.Info().Int("deleted", report.Counters.Deleted).Msg("batch: P8 done")
	}

	if err := e.store.SetState(ctx, store.StateKeyLastCompressionRun, now.Format(time.RFC3339Nano)); err != nil {
		return nil, fmt.Errorf("batch: P9 write last_compression_run: %w", err)
	}

	return report, nil
}

// phaseRecallAndAging implements P1 (recall reinforcement, spec.md §4.3)
// and P2 (aging, folded into the same pass) in a single transaction.
func (e *Engine) phaseRecallAndAging(ctx context.Context, c *Counters) error {
	return e.store.Transaction(ctx, func(tx *store.Tx) error {
		active, err := tx.GetActive()
		if err != nil {
			return err
		}
		for _, r := range active {
			if recall.Apply(r) {
				c.RecalledProcessed++
			}
			c.DaysUpdated++
			if err := tx.Update(r.ID, map[string]any{
				"memory_days":               r.MemoryDays,
				"decay_coefficient":         r.DecayCoefficient,
				"recall_count":              r.RecallCount,
				"recalled_since_last_batch": r.RecalledSinceLastBatch,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// phaseRescore implements P3: recompute retention_score for every
// non-archived record (spec.md §4.2 invariant 2).
func (e *Engine) phaseRescore(ctx context.Context, c *Counters) error {
	return e.store.Transaction(ctx, func(tx *store.Tx) error {
		active, err := tx.GetActive()
		if err != nil {
			return err
		}
		for _, r := range active {
			r.RetentionScore = retention.ScoreOf(r)
			c.ScoresUpdated++
			if err := tx.Update(r.ID, map[string]any{"retention_score": r.RetentionScore}); err != nil {
				return err
			}
		}
		return nil
	})
}

// compressionCandidate is a record awaiting a one-step downward transition
// plus the provider-produced replacement text/vector, computed outside the
// write transaction so the blocking provider calls never hold the store
// lock.
type compressionCandidate struct {
	record      *memory.Record
	fromLevel   memory.Level
	newTrigger  string
	newContent  string
	newEmbedded []float32
	archiveOnly bool
	err         error
}

// prepareCompressions calls the analysis/embedding providers for every
// candidate concurrently (bounded), computing each one's replacement
// trigger/content/embedding without mutating the record yet.
func (e *Engine) prepareCompressions(ctx context.Context, candidates []*memory.Record) []*compressionCandidate {
	out := make([]*compressionCandidate, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentCompressions)
	for i, r := range candidates {
		i, r := i, r
		out[i] = &compressionCandidate{record: r, fromLevel: r.CurrentLevel}
		g.Go(func() error {
			out[i] = e.prepareOne(gctx, r)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (e *Engine) prepareOne(ctx context.Context, r *memory.Record) *compressionCandidate {
	cand := &compressionCandidate{record: r, fromLevel: r.CurrentLevel}
	switch r.CurrentLevel {
	case memory.Level1Full:
		rewrite, err := e.analysis.SummarizeTier(ctx, r.Trigger, r.Content)
		if err != nil {
			cand.err = err
			return cand
		}
		vec, err := e.embed.Embed(ctx, rewrite.Trigger+" "+rewrite.Content)
		if err != nil {
			cand.err = err
			return cand
		}
		cand.newTrigger, cand.newContent, cand.newEmbedded = rewrite.Trigger, rewrite.Content, vec
	case memory.Level2Summary:
		rewrite, err := e.analysis.ExtractKeywordsTier(ctx, r.Trigger, r.Content)
		if err != nil {
			cand.err = err
			return cand
		}
		vec, err := e.embed.Embed(ctx, rewrite.Trigger+" "+rewrite.Content)
		if err != nil {
			cand.err = err
			return cand
		}
		cand.newTrigger, cand.newContent, cand.newEmbedded = rewrite.Trigger, rewrite.Content, vec
	case memory.Level3Keywords:
		cand.archiveOnly = true
	default:
		cand.err = fmt.Errorf("batch: record %q at level %d has no downward transition", r.ID, r.CurrentLevel)
	}
	return cand
}

// pendingUpdate is one record's field set staged for a later tx.Update,
// letting a caller collect updates across several candidate batches and
// persist them all inside a single transaction.
type pendingUpdate struct {
	id     string
	fields map[string]any
}

// stageCompression mutates cand.record in place to its post-transition
// state and returns the field set to persist, without touching the store
// itself — so a caller spanning several candidate batches (P6's three
// level steps) can collect every update and persist them all inside one
// transaction instead of one per batch.
func stageCompression(cand *compressionCandidate, c *Counters, log zerolog.Logger) (update *pendingUpdate, regeneratedID string, transitioned bool, err error) {
	if cand.err != nil {
		if isSkippable(cand.err) {
			log.Warn().Err(cand.err).Str("id", cand.record.ID).Msg("batch: compression skipped, record stays at prior level")
			return nil, "", false, nil
		}
		return nil, "", false, cand.err
	}
	r := cand.record
	fields := map[string]any{}
	switch cand.fromLevel {
	case memory.Level1Full:
		r.Trigger, r.Content, r.Embedding = cand.newTrigger, cand.newContent, cand.newEmbedded
		r.CurrentLevel = memory.Level2Summary
		fields["trigger"], fields["content"], fields["embedding"], fields["current_level"] = r.Trigger, r.Content, r.Embedding, r.CurrentLevel
		c.L1ToL2++
		regeneratedID = r.ID
	case memory.Level2Summary:
		r.Trigger, r.Content, r.Embedding = cand.newTrigger, cand.newContent, cand.newEmbedded
		r.CurrentLevel = memory.Level3Keywords
		fields["trigger"], fields["content"], fields["embedding"], fields["current_level"] = r.Trigger, r.Content, r.Embedding, r.CurrentLevel
		c.L2ToL3++
		regeneratedID = r.ID
	case memory.Level3Keywords:
		now := time.Now()
		r.ArchivedAt = &now
		r.CurrentLevel = memory.Level4Archive
		fields["archived_at"], fields["current_level"] = r.ArchivedAt, r.CurrentLevel
		c.L3ToL4++
	}
	return &pendingUpdate{id: r.ID, fields: fields}, regeneratedID, true, nil
}

// applyCompression stages and immediately persists one prepared candidate
// inside tx, for callers (P4) that only ever need one transaction for their
// whole candidate batch.
func applyCompression(tx *store.Tx, cand *compressionCandidate, c *Counters, log zerolog.Logger) (regeneratedID string, transitioned bool, err error) {
	update, regeneratedID, transitioned, err := stageCompression(cand, c, log)
	if err != nil || update == nil {
		return regeneratedID, transitioned, err
	}
	if err := tx.Update(update.id, update.fields); err != nil {
		return "", false, err
	}
	return regeneratedID, transitioned, nil
}

func isSkippable(err error) bool {
	return err != nil // every provider failure degrades to "retry next batch" per spec.md §7
}

// phaseThresholdCompression implements P4: demote every non-protected
// active record whose naturally-classified level is strictly below its
// stored current_level, one step at a time. Returns the ids of records
// whose embedding was regenerated, for P7's auto-link candidate set.
func (e *Engine) phaseThresholdCompression(ctx context.Context, c *Counters) ([]string, error) {
	active, err := e.store.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	var due []*memory.Record
	for _, r := range active {
		if r.Protected {
			continue
		}
		if memory.ClassifyLevel(r.RetentionScore) < r.CurrentLevel {
			due = append(due, r)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	prepared := e.prepareCompressions(ctx, due)

	var regenerated []string
	err = e.store.Transaction(ctx, func(tx *store.Tx) error {
		for _, cand := range prepared {
			id, _, err := applyCompression(tx, cand, c, e.log)
			if err != nil {
				return err
			}
			if id != "" {
				regenerated = append(regenerated, id)
			}
		}
		return nil
	})
	return regenerated, err
}

// phaseArchiveRevival implements P5: revive archive/revival_requested
// candidates, oldest request first, while the projected L3 share stays
// within 35% (spec.md §4.6).
func (e *Engine) phaseArchiveRevival(ctx context.Context, c *Counters) error {
	return e.store.Transaction(ctx, func(tx *store.Tx) error {
		archived, err := tx.GetArchived()
		if err != nil {
			return err
		}
		var candidates []*memory.Record
		for _, r := range archived {
			if r.RevivalRequested {
				candidates = append(candidates, r)
			}
		}
		if len(candidates) == 0 {
			return nil
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			ti, tj := candidates[i].RevivalRequestedAt, candidates[j].RevivalRequestedAt
			if ti == nil || tj == nil {
				return ti != nil
			}
			return ti.Before(*tj)
		})

		active, err := tx.GetActive()
		if err != nil {
			return err
		}
		l3Count, npCount := 0, 0
		for _, r := range active {
			if !r.Protected {
				npCount++
				if r.CurrentLevel == memory.Level3Keywords {
					l3Count++
				}
			}
		}

		for _, r := range candidates {
			projected := float64(l3Count+1) / float64(npCount+1)
			if projected <= 0.35 {
				var archivedDays int
				if r.ArchivedAt != nil {
					archivedDays = int(time.Since(*r.ArchivedAt).Hours() / 24)
				}
				newScore := math.Max(
					float64(r.EmotionalIntensity)*math.Pow(e.cfg.Archive.RevivalDecayPerDay, float64(archivedDays)),
					memory.Level3Threshold+e.cfg.Archive.RevivalMinMargin,
				)
				r.ArchivedAt = nil
				r.CurrentLevel = memory.Level3Keywords
				r.RevivalRequested = false
				r.RecalledSinceLastBatch = true
				r.RecallCount++
				r.RetentionScore = newScore

				if err := tx.Update(r.ID, map[string]any{
					"archived_at":               nil,
					"current_level":             r.CurrentLevel,
					"revival_requested":         false,
					"recalled_since_last_batch": true,
					"recall_count":              r.RecallCount,
					"retention_score":           newScore,
				}); err != nil {
					return err
				}
				c.Revived++
				l3Count++
				npCount++
			} else {
				r.RevivalRequested = false
				if err := tx.Update(r.ID, map[string]any{"revival_requested": false}); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// phaseRatioEnforcement implements P6: force-demote the excess population
// at L1, then L2, then L3, against quotas computed once from the
// non-protected active count at phase start (spec.md §4.6, matching the S4
// scenario's ceil(ratio*n) quota). Candidate selection cascades level by
// level (an L1 demotion joins the L2 pool before L2's excess is computed),
// but every resulting update across all three levels is persisted inside a
// single transaction, so P6 is never observably half-applied. Returns the
// ids of records whose embedding was regenerated.
func (e *Engine) phaseRatioEnforcement(ctx context.Context, c *Counters) ([]string, error) {
	active, err := e.store.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	var nonProtected []*memory.Record
	for _, r := range active {
		if !r.Protected {
			nonProtected = append(nonProtected, r)
		}
	}
	npCount := len(nonProtected)
	if npCount == 0 {
		return nil, nil
	}

	byLevel := map[memory.Level][]*memory.Record{}
	for _, r := range nonProtected {
		byLevel[r.CurrentLevel] = append(byLevel[r.CurrentLevel], r)
	}

	type step struct {
		level   memory.Level
		ratio   float64
		counter *int
	}
	steps := []step{
		{memory.Level1Full, e.cfg.Levels.Level1Ratio, &c.L1Forced},
		{memory.Level2Summary, e.cfg.Levels.Level2Ratio, &c.L2Forced},
		{memory.Level3Keywords, e.cfg.Levels.Level3Ratio, &c.L3Forced},
	}

	var allRegenerated []string
	var pending []*pendingUpdate
	// Forced-demotion counts are tallied below per level, kept distinct
	// from P4's natural L1ToL2/L2ToL3/L3ToL4 counters via a throwaway
	// Counters passed to stageCompression.
	throwaway := &Counters{}
	for _, st := range steps {
		pop := byLevel[st.level]
		quota := int(math.Ceil(st.ratio * float64(npCount)))
		excess := len(pop) - quota
		if excess <= 0 {
			continue
		}
		sort.SliceStable(pop, func(i, j int) bool {
			if pop[i].RetentionScore != pop[j].RetentionScore {
				return pop[i].RetentionScore < pop[j].RetentionScore
			}
			if !pop[i].Created.Equal(pop[j].Created) {
				return pop[i].Created.Before(pop[j].Created)
			}
			return pop[i].RecallCount < pop[j].RecallCount
		})
		toDemote := pop[:excess]
		*st.counter = len(toDemote)

		prepared := e.prepareCompressions(ctx, toDemote)
		for _, cand := range prepared {
			update, id, transitioned, err := stageCompression(cand, throwaway, e.log)
			if err != nil {
				return allRegenerated, err
			}
			if update != nil {
				pending = append(pending, update)
			}
			if id != "" {
				allRegenerated = append(allRegenerated, id)
			}
			if transitioned {
				nextLevel := cand.fromLevel + 1
				byLevel[nextLevel] = append(byLevel[nextLevel], cand.record)
			}
		}
	}

	if len(pending) == 0 {
		return allRegenerated, nil
	}
	err = e.store.Transaction(ctx, func(tx *store.Tx) error {
		for _, u := range pending {
			if err := tx.Update(u.id, u.fields); err != nil {
				return err
			}
		}
		return nil
	})
	return allRegenerated, err
}

// phaseRelationMaintenance implements P7: integrity, direction
// re-evaluation, then auto-linking over newly-inserted-or-regenerated
// records against the full active set.
func (e *Engine) phaseRelationMaintenance(ctx context.Context, c *Counters, lastRunISO string, regeneratedIDs []string) error {
	return e.store.Transaction(ctx, func(tx *store.Tx) error {
		active, err := tx.GetActive()
		if err != nil {
			return err
		}
		archived, err := tx.GetArchived()
		if err != nil {
			return err
		}
		all := append(append([]*memory.Record{}, active...), archived...)
		idx := relations.NewIndex(all)

		touched := map[string]bool{}
		for _, id := range relations.Integrity(idx) {
			touched[id] = true
		}
		for _, id := range relations.ReevaluateDirection(idx, e.cfg.Relations.ScoreProximityThreshold) {
			touched[id] = true
			if relations.EnforceFanOut(idx, idx[id], e.cfg.Relations.MaxRelationsPerMemory) {
				c.RelationsUpdated++
			}
		}

		if e.cfg.Relations.EnableAutoLinking {
			newSet := newRecordSet(active, lastRunISO, regeneratedIDs)
			if len(newSet) > 0 {
				cs, ids := relations.AutoLink(idx, newSet, active, e.cfg.Relations.AutoLinkSimilarityThreshold, e.cfg.Relations.MaxRelationsPerMemory)
				c.RelationsNew += cs.New
				c.RelationsUpdated += cs.Updated
				for _, id := range ids {
					touched[id] = true
				}
			}
		}

		for id := range touched {
			r := idx[id]
			if err := tx.Update(id, map[string]any{"relations": r.Relations}); err != nil {
				return err
			}
		}
		return nil
	})
}

// newRecordSet builds the auto-linking candidate set N: active records
// created after lastRunISO (newly inserted since the previous batch) plus
// every record whose embedding was regenerated in P4/P6.
func newRecordSet(active []*memory.Record, lastRunISO string, regeneratedIDs []string) []*memory.Record {
	byID := make(map[string]*memory.Record, len(active))
	for _, r := range active {
		byID[r.ID] = r
	}
	set := map[string]*memory.Record{}

	var lastRun time.Time
	if lastRunISO != "" {
		lastRun, _ = time.Parse(time.RFC3339Nano, lastRunISO)
	}
	for _, r := range active {
		if lastRun.IsZero() || r.Created.After(lastRun) {
			set[r.ID] = r
		}
	}
	for _, id := range regeneratedIDs {
		if r, ok := byID[id]; ok {
			set[r.ID] = r
		}
	}
	out := make([]*memory.Record, 0, len(set))
	for _, r := range set {
		out = append(out, r)
	}
	return out
}

// phaseArchivePruning implements P8: delete archived records matching the
// configured condition set, combined by delete_condition_mode.
func (e *Engine) phaseArchivePruning(ctx context.Context, c *Counters) error {
	return e.store.Transaction(ctx, func(tx *store.Tx) error {
		archived, err := tx.GetArchived()
		if err != nil {
			return err
		}
		and := e.cfg.Archive.DeleteConditionMode != "or"
		for _, r := range archived {
			if r.Protected {
				continue
			}
			conds := []bool{}
			if r.ArchivedAt != nil {
				conds = append(conds, time.Since(*r.ArchivedAt) > time.Duration(e.cfg.Archive.RetentionDays)*24*time.Hour)
			}
			if e.cfg.Archive.DeleteRequireZeroRecall {
				conds = append(conds, r.RecallCount == 0)
			}
			conds = append(conds, r.EmotionalIntensity < e.cfg.Archive.DeleteMaxIntensity)

			if satisfies(conds, and) {
				if err := tx.Delete(r.ID); err != nil {
					return err
				}
				c.Deleted++
			}
		}
		return nil
	})
}

func satisfies(conds []bool, and bool) bool {
	if len(conds) == 0 {
		return false
	}
	for _, cond := range conds {
		if and && !cond {
			return false
		}
		if !and && cond {
			return true
		}
	}
	return and
}
