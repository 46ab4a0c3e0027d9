package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memoryengine/internal/engineerr"
	"memoryengine/internal/memory"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memories.db")
	st, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sampleRecord(id string) *memory.Record {
	return &memory.Record{
		ID:                 id,
		Created:            time.Now(),
		EmotionalIntensity: 60,
		EmotionalValence:   memory.ValencePositive,
		EmotionalArousal:   40,
		EmotionalTags:      []string{"focus", "deadline"},
		DecayCoefficient:   0.88,
		Category:           memory.CategoryWork,
		Keywords:           []string{"launch"},
		CurrentLevel:       memory.Level1Full,
		Trigger:            "asked about the launch date",
		Content:            "confirmed launch is Friday",
		Embedding:          []float32{0.1, -0.2, 0.3, 0.4},
		RetentionScore:     60,
	}
}

func TestStore_InsertGetRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	rec := sampleRecord("mem_20260101_001")

	require.NoError(t, st.Insert(ctx, rec))

	got, err := st.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.EmotionalTags, got.EmotionalTags)
	assert.Equal(t, rec.Relations, got.Relations)
	assert.InDeltaSlice(t, toFloat64(rec.Embedding), toFloat64(got.Embedding), 1e-6)
}

func TestStore_InsertDuplicateID(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	rec := sampleRecord("mem_20260101_001")
	require.NoError(t, st.Insert(ctx, rec))

	err := st.Insert(ctx, sampleRecord("mem_20260101_001"))
	require.Error(t, err)
	assert.ErrorIs(t, err, engineerr.ErrDuplicateID)
}

func TestStore_UpdatePartialField(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	rec := sampleRecord("mem_20260101_001")
	require.NoError(t, st.Insert(ctx, rec))

	require.NoError(t, st.Update(ctx, rec.ID, map[string]any{"retention_score": 12.5}))

	got, err := st.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 12.5, got.RetentionScore)
}

func TestStore_UpdateUnknownField(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	rec := sampleRecord("mem_20260101_001")
	require.NoError(t, st.Insert(ctx, rec))

	err := st.Update(ctx, rec.ID, map[string]any{"not_a_column": 1})
	assert.Error(t, err)
}

func TestStore_UpdateMissingID(t *testing.T) {
	st := openTestStore(t)
	err := st.Update(context.Background(), "does_not_exist", map[string]any{"retention_score": 1.0})
	assert.True(t, errors.Is(err, ErrRecordNotFound))
}

func TestStore_GetActiveAndArchivedPartition(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	active := sampleRecord("mem_20260101_001")
	require.NoError(t, st.Insert(ctx, active))

	archived := sampleRecord("mem_20260101_002")
	now := time.Now()
	archived.ArchivedAt = &now
	archived.CurrentLevel = memory.Level4Archive
	require.NoError(t, st.Insert(ctx, archived))

	activeRecords, err := st.GetActive(ctx)
	require.NoError(t, err)
	require.Len(t, activeRecords, 1)
	assert.Equal(t, active.ID, activeRecords[0].ID)

	archivedRecords, err := st.GetArchived(ctx)
	require.NoError(t, err)
	require.Len(t, archivedRecords, 1)
	assert.Equal(t, archived.ID, archivedRecords[0].ID)
}

func TestStore_MarkRecalled_OnlyTouchesActiveIDs(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	active := sampleRecord("mem_20260101_001")
	require.NoError(t, st.Insert(ctx, active))
	archived := sampleRecord("mem_20260101_002")
	now := time.Now()
	archived.ArchivedAt = &now
	archived.CurrentLevel = memory.Level4Archive
	require.NoError(t, st.Insert(ctx, archived))

	require.NoError(t, st.MarkRecalled(ctx, []string{active.ID, archived.ID}))

	gotActive, err := st.Get(ctx, active.ID)
	require.NoError(t, err)
	assert.True(t, gotActive.RecalledSinceLastBatch)

	gotArchived, err := st.Get(ctx, archived.ID)
	require.NoError(t, err)
	assert.False(t, gotArchived.RecalledSinceLastBatch)
}

func TestStore_DeleteIsUnconditional(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	rec := sampleRecord("mem_20260101_001")
	require.NoError(t, st.Insert(ctx, rec))

	require.NoError(t, st.Delete(ctx, rec.ID))
	_, err := st.Get(ctx, rec.ID)
	assert.True(t, errors.Is(err, ErrRecordNotFound))
}

func TestStore_StateRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	_, ok, err := st.GetState(ctx, "last_compression_run")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.SetState(ctx, "last_compression_run", "2026-01-01T03:00:00Z"))
	val, ok, err := st.GetState(ctx, "last_compression_run")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2026-01-01T03:00:00Z", val)

	require.NoError(t, st.SetState(ctx, "last_compression_run", "2026-01-02T03:00:00Z"))
	val, _, _ = st.GetState(ctx, "last_compression_run")
	assert.Equal(t, "2026-01-02T03:00:00Z", val)
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
