package batch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memoryengine/internal/analysisclient"
	"memoryengine/internal/config"
	"memoryengine/internal/memory"
	"memoryengine/internal/store"
)

type fakeAnalysis struct{}

func (fakeAnalysis) AnalyzeTurn(ctx context.Context, userText, assistantText string) (*analysisclient.TurnAnalysis, error) {
	return nil, nil
}
func (fakeAnalysis) SummarizeTier(ctx context.Context, trigger, content string) (*analysisclient.TierRewrite, error) {
	return &analysisclient.TierRewrite{Trigger: "summary: " + trigger, Content: "summary: " + content}, nil
}
func (fakeAnalysis) ExtractKeywordsTier(ctx context.Context, trigger, content string) (*analysisclient.TierRewrite, error) {
	return &analysisclient.TierRewrite{Trigger: "keywords: " + trigger, Content: "kw"}, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}
func (fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func newTestEngine(t *testing.T, mutate func(*config.Config)) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "memories.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	return New(st, fakeEmbedder{}, fakeAnalysis{}, cfg, zerolog.Nop()), st
}

func insertActive(t *testing.T, st *store.Store, id string, level memory.Level, score float64, created time.Time) *memory.Record {
	t.Helper()
	r := &memory.Record{
		ID:                 id,
		Created:            created,
		EmotionalIntensity: int(score),
		EmotionalValence:   memory.ValenceNeutral,
		DecayCoefficient:   0.9,
		Category:           memory.CategoryWork,
		CurrentLevel:       level,
		Trigger:            "trigger-" + id,
		Content:            "content-" + id,
		Embedding:          []float32{0.1, 0.2, 0.3},
		RetentionScore:     score,
	}
	require.NoError(t, st.Insert(context.Background(), r))
	return r
}

func TestRunBatch_SkipsWhenIntervalNotElapsed(t *testing.T) {
	e, st := newTestEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, st.SetState(ctx, store.StateKeyLastCompressionRun, time.Now().Format(time.RFC3339Nano)))

	report, err := e.RunBatch(ctx, false)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, "Skipped: interval_not_elapsed", report.SkipInfo)
}

func TestRunBatch_ForceRunsDespiteInterval(t *testing.T) {
	e, st := newTestEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, st.SetState(ctx, store.StateKeyLastCompressionRun, time.Now().Format(time.RFC3339Nano)))

	report, err := e.RunBatch(ctx, true)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
}

func TestRunBatch_DemotesBelowThresholdRecord(t *testing.T) {
	e, st := newTestEngine(t, nil)
	ctx := context.Background()
	insertActive(t, st, "mem_low", memory.Level1Full, 10, time.Now())

	report, err := e.RunBatch(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Counters.L1ToL2)

	got, err := st.Get(ctx, "mem_low")
	require.NoError(t, err)
	assert.Equal(t, memory.Level2Summary, got.CurrentLevel)
	assert.Contains(t, got.Trigger, "summary:")
}

func TestRunBatch_LeavesAboveThresholdRecordAlone(t *testing.T) {
	e, st := newTestEngine(t, nil)
	ctx := context.Background()
	insertActive(t, st, "mem_high", memory.Level1Full, 90, time.Now())

	report, err := e.RunBatch(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Counters.L1ToL2)

	got, err := st.Get(ctx, "mem_high")
	require.NoError(t, err)
	assert.Equal(t, memory.Level1Full, got.CurrentLevel)
}

func TestRunBatch_ProtectedRecordsNeverDemoted(t *testing.T) {
	e, st := newTestEngine(t, nil)
	ctx := context.Background()
	r := insertActive(t, st, "mem_protected", memory.Level1Full, 1, time.Now())
	r.Protected = true
	require.NoError(t, st.Update(ctx, r.ID, map[string]any{"protected": true}))

	report, err := e.RunBatch(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Counters.L1ToL2)
	assert.Equal(t, 0, report.Counters.L1Forced)
}

func TestRunBatch_RatioEnforcementForcesExcessDownOneLevel(t *testing.T) {
	e, st := newTestEngine(t, func(cfg *config.Config) {
		// Keep every record's natural level at L1 (score above 50) so only
		// ratio enforcement (not threshold compression) drives transitions.
		cfg.Levels.Level1Ratio = 0.2
	})
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		insertActive(t, st, idx(i), memory.Level1Full, 60+float64(i), base.Add(time.Duration(i)*time.Minute))
	}

	report, err := e.RunBatch(ctx, true)
	require.NoError(t, err)
	// quota = ceil(0.2*10) = 2, excess = 10-2 = 8 demoted to L2. Those 8 then
	// exceed L2's quota ceil(0.3*10) = 3, so 5 cascade on to L3, and L3's 5
	// exceed its quota ceil(0.35*10) = 4, so 1 is archived.
	assert.Equal(t, 8, report.Counters.L1Forced)

	active, err := st.GetActive(ctx)
	require.NoError(t, err)
	l1, l2 := 0, 0
	for _, r := range active {
		switch r.CurrentLevel {
		case memory.Level1Full:
			l1++
		case memory.Level2Summary:
			l2++
		}
	}
	assert.Equal(t, 2, l1)
	assert.Equal(t, 3, l2)
}

func idx(i int) string {
	return "mem_r" + string(rune('a'+i))
}

func TestRunBatch_ArchiveRevivalRestoresRequestedRecord(t *testing.T) {
	e, st := newTestEngine(t, nil)
	ctx := context.Background()

	// A handful of non-protected actives so the projected L3 share stays
	// comfortably under the 35% revival gate.
	for i := 0; i < 10; i++ {
		insertActive(t, st, "mem_active_"+idx(i), memory.Level1Full, 80, time.Now())
	}

	archived := &memory.Record{
		ID:                 "mem_archived",
		Created:            time.Now().Add(-48 * time.Hour),
		EmotionalIntensity: 40,
		EmotionalValence:   memory.ValenceNeutral,
		DecayCoefficient:   0.9,
		Category:           memory.CategoryWork,
		CurrentLevel:       memory.Level4Archive,
		Trigger:            "old trigger",
		Content:            "old content",
		Embedding:          []float32{0.1, 0.2, 0.3},
		RetentionScore:     1,
	}
	now := time.Now()
	archived.ArchivedAt = &now
	archived.RevivalRequested = true
	archived.RevivalRequestedAt = &now
	require.NoError(t, st.Insert(ctx, archived))

	report, err := e.RunBatch(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Counters.Revived)

	got, err := st.Get(ctx, "mem_archived")
	require.NoError(t, err)
	assert.Nil(t, got.ArchivedAt)
	assert.Equal(t, memory.Level3Keywords, got.CurrentLevel)
	assert.False(t, got.RevivalRequested)
}

func TestRunBatch_ArchivePruningDeletesWhenEnabled(t *testing.T) {
	e, st := newTestEngine(t, func(cfg *config.Config) {
		cfg.Archive.AutoDeleteEnabled = true
		cfg.Archive.RetentionDays = 1
		cfg.Archive.DeleteMaxIntensity = 100
		cfg.Archive.DeleteRequireZeroRecall = false
		cfg.Archive.DeleteConditionMode = "and"
	})
	ctx := context.Background()
	old := time.Now().Add(-72 * time.Hour)
	archived := &memory.Record{
		ID:                 "mem_stale",
		Created:            old,
		EmotionalIntensity: 5,
		EmotionalValence:   memory.ValenceNeutral,
		DecayCoefficient:   0.9,
		Category:           memory.CategoryWork,
		CurrentLevel:       memory.Level4Archive,
		Trigger:            "t",
		Content:            "c",
		Embedding:          []float32{0.1},
		RetentionScore:     1,
	}
	archived.ArchivedAt = &old
	require.NoError(t, st.Insert(ctx, archived))

	report, err := e.RunBatch(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Counters.Deleted)

	_, err = st.Get(ctx, "mem_stale")
	assert.ErrorIs(t, err, store.ErrRecordNotFound)
}

func TestRunBatch_WritesLastCompressionRunState(t *testing.T) {
	e, st := newTestEngine(t, nil)
	ctx := context.Background()

	_, ok, err := st.GetState(ctx, store.StateKeyLastCompressionRun)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = e.RunBatch(ctx, true)
	require.NoError(t, err)

	val, ok, err := st.GetState(ctx, store.StateKeyLastCompressionRun)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, val)
}
