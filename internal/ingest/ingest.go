// Package ingest implements the per-turn ingestion pipeline of spec.md
// §4.4: turn -> affect analysis -> embedding -> record insert.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"memoryengine/internal/analysisclient"
	"memoryengine/internal/config"
	"memoryengine/internal/embedclient"
	"memoryengine/internal/engineerr"
	"memoryengine/internal/memory"
	"memoryengine/internal/retention"
	"memoryengine/internal/store"
)

// Turn is a single host-transcript utterance pair, the only input this
// package accepts (turn extraction itself is out of scope).
type Turn struct {
	UserText      string
	AssistantText string
	Timestamp     time.Time
}

// Advisory carries out-of-band signals that don't change the insert
// outcome but the caller should surface (spec.md §4.4's protected-overflow
// rule).
type Advisory struct {
	ProtectedOverflow bool
}

// Ingestor wires the store and the two external collaborators together.
type Ingestor struct {
	store    *store.Store
	embed    embedclient.Provider
	analysis analysisclient.Provider
	cfg      config.Config
	log      zerolog.Logger
}

func New(st *store.Store, embed embedclient.Provider, analysis analysisclient.Provider, cfg config.Config, log zerolog.Logger) *Ingestor {
	return &Ingestor{store: st, embed: embed, analysis: analysis, cfg: cfg, log: log.With().Str("component", "ingest").Logger()}
}

// Ingest runs one turn through the pipeline. A nil record with a nil error
// means the turn was a host command and was silently skipped, per spec.md
// §4.4 step 1. Any other error means this turn's ingestion aborted; the
// caller's session loop proceeds to the next turn regardless.
func (in *Ingestor) Ingest(ctx context.Context, turn Turn) (*memory.Record, *Advisory, error) {
	if strings.HasPrefix(strings.TrimSpace(turn.UserText), "/") {
		return nil, nil, nil
	}

	analysis, err := in.analysis.AnalyzeTurn(ctx, turn.UserText, turn.AssistantText)
	if err != nil {
		in.log.Warn().Err(err).Msg("ingest: analysis provider failed, aborting turn")
		return nil, nil, err
	}

	coeff, err := retention.CoefficientForIntensity(analysis.Category, analysis.EmotionalIntensity)
	if err != nil {
		return nil, nil, fmt.Errorf("ingest: %w", err)
	}

	embedText := analysis.Trigger + " " + analysis.Content
	vec, err := in.embed.Embed(ctx, embedText)
	if err != nil {
		in.log.Warn().Err(err).Msg("ingest: embedding provider failed, aborting turn")
		return nil, nil, err
	}

	ts := turn.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	memoryDays0 := hoursUntilNextBatch(ts, in.cfg.Batch.ScheduleHour) / 24.0

	rec := &memory.Record{
		Created:                ts,
		MemoryDays:             memoryDays0,
		RecalledSinceLastBatch: false,
		RecallCount:            0,
		EmotionalIntensity:     analysis.EmotionalIntensity,
		EmotionalValence:       analysis.EmotionalValence,
		EmotionalArousal:       analysis.EmotionalArousal,
		EmotionalTags:          analysis.EmotionalTags,
		DecayCoefficient:       coeff,
		Category:               analysis.Category,
		Keywords:               analysis.Keywords,
		CurrentLevel:           memory.Level1Full,
		Trigger:                analysis.Trigger,
		Content:                analysis.Content,
		Embedding:              vec,
		RetentionScore:         float64(analysis.EmotionalIntensity),
		Protected:              analysis.Protected,
	}

	advisory := &Advisory{}
	err = in.store.Transaction(ctx, func(tx *store.Tx) error {
		id, err := allocateID(tx, ts)
		if err != nil {
			return err
		}
		rec.ID = id

		if rec.Protected {
			active, err := tx.GetActive()
			if err != nil {
				return err
			}
			protectedCount := 0
			for _, a := range active {
				if a.Protected {
					protectedCount++
				}
			}
			if protectedCount >= in.cfg.Protection.MaxProtectedMemories {
				rec.Protected = false
				advisory.ProtectedOverflow = true
			}
		}

		return tx.Insert(rec)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("ingest: insert: %w", err)
	}

	return rec, advisory, nil
}

// hoursUntilNextBatch returns the number of hours from now until the next
// occurrence of scheduleHour (today if it hasn't passed yet, else
// tomorrow), per spec.md §4.4 step 5.
func hoursUntilNextBatch(now time.Time, scheduleHour int) float64 {
	next := time.Date(now.Year(), now.Month(), now.Day(), scheduleHour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now).Hours()
}

// allocateID assigns the next mem_YYYYMMDD_NNN id for day's date, using the
// state table as a per-day atomic counter so concurrent ingestion
// processes racing for the write lock never collide (the Store's own
// single-writer serialization covers the race; this just persists the
// high-water mark).
func allocateID(tx *store.Tx, day time.Time) (string, error) {
	dateKey := day.Format("20060102")
	stateKey := "id_seq_" + dateKey

	seq := 0
	if v, ok, err := tx.GetState(stateKey); err != nil {
		return "", err
	} else if ok {
		if _, err := fmt.Sscanf(v, "%d", &seq); err != nil {
			return "", fmt.Errorf("ingest: corrupt id sequence state %q: %v", v, err)
		}
	}
	seq++
	if err := tx.SetState(stateKey, fmt.Sprintf("%d", seq)); err != nil {
		return "", err
	}
	id := fmt.Sprintf("mem_%s_%03d", dateKey, seq)
	if _, err := tx.Get(id); err == nil {
		return "", fmt.Errorf("%w: %q", engineerr.ErrDuplicateID, id)
	}
	return id, nil
}
