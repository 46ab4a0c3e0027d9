package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"memoryengine/internal/engineerr"
	"memoryengine/internal/memory"
)

const recordColumns = `id, created, memory_days, recalled_since_last_batch, recall_count,
	emotional_intensity, emotional_valence, emotional_arousal, emotional_tags,
	decay_coefficient, category, keywords, current_level, trigger, content,
	embedding, relations, retention_score, archived_at, protected,
	revival_requested, revival_requested_at`

// Insert fails if id collides (spec.md §4.1, DuplicateId per §7).
func (s *Store) Insert(ctx context.Context, r *memory.Record) error {
	return s.run(ctx, func(tx *Tx) error { return tx.Insert(r) })
}

func (tx *Tx) Insert(r *memory.Record) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("store: insert: %w", err)
	}
	var existing int
	if err := tx.q.QueryRowContext(tx.ctx, `SELECT COUNT(1) FROM memories WHERE id = ?`, r.ID).Scan(&existing); err != nil {
		return fmt.Errorf("store: insert: check existing: %w", err)
	}
	if existing > 0 {
		return fmt.Errorf("store: insert: %w: %q", engineerr.ErrDuplicateID, r.ID)
	}
	_, err := tx.q.ExecContext(tx.ctx, `
		INSERT INTO memories (`+recordColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, formatTime(r.Created), r.MemoryDays, boolToInt(r.RecalledSinceLastBatch), r.RecallCount,
		r.EmotionalIntensity, string(r.EmotionalValence), r.EmotionalArousal, encodeStrings(r.EmotionalTags),
		r.DecayCoefficient, string(r.Category), encodeStrings(r.Keywords), int(r.CurrentLevel), r.Trigger, r.Content,
		encodeEmbedding(r.Embedding), encodeRelations(r.Relations), r.RetentionScore, formatTimePtr(r.ArchivedAt), boolToInt(r.Protected),
		boolToInt(r.RevivalRequested), formatTimePtr(r.RevivalRequestedAt),
	)
	if err != nil {
		return fmt.Errorf("store: insert: %w", err)
	}
	return nil
}

// Get returns a single record by id.
func (s *Store) Get(ctx context.Context, id string) (*memory.Record, error) {
	var rec *memory.Record
	err := s.run(ctx, func(tx *Tx) error {
		r, err := tx.Get(id)
		rec = r
		return err
	})
	return rec, err
}

func (tx *Tx) Get(id string) (*memory.Record, error) {
	row := tx.q.QueryRowContext(tx.ctx, `SELECT `+recordColumns+` FROM memories WHERE id = ?`, id)
	return scanRow(row)
}

// Update performs a partial, atomic update of the named fields. Field names
// match the lower_snake_case column names; unknown fields are a caller bug
// and return an error rather than being silently ignored.
func (s *Store) Update(ctx context.Context, id string, fields map[string]any) error {
	return s.run(ctx, func(tx *Tx) error { return tx.Update(id, fields) })
}

func (tx *Tx) Update(id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	sets := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+1)
	for col, v := range fields {
		if !validColumn(col) {
			return fmt.Errorf("store: update: unknown field %q", col)
		}
		sets = append(sets, col+" = ?")
		args = append(args, encodeFieldValue(col, v))
	}
	args = append(args, id)
	res, err := tx.q.ExecContext(tx.ctx, `UPDATE memories SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("store: update: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("store: update %q: %w", id, errRecordNotFound)
	}
	return nil
}

// MarkRecalled sets recalled_since_last_batch=true for every given id that
// is currently non-archived, in one transaction (spec.md §4.1/§4.5 step 6).
func (s *Store) MarkRecalled(ctx context.Context, ids []string) error {
	return s.run(ctx, func(tx *Tx) error { return tx.MarkRecalled(ids) })
}

func (tx *Tx) MarkRecalled(ids []string) error {
	for _, id := range ids {
		_, err := tx.q.ExecContext(tx.ctx,
			`UPDATE memories SET recalled_since_last_batch = 1 WHERE id = ? AND archived_at IS NULL`, id)
		if err != nil {
			return fmt.Errorf("store: mark_recalled %q: %w", id, err)
		}
	}
	return nil
}

// GetActive returns every record with archived_at IS NULL.
func (s *Store) GetActive(ctx context.Context) ([]*memory.Record, error) {
	var out []*memory.Record
	err := s.run(ctx, func(tx *Tx) error {
		rs, err := tx.GetActive()
		out = rs
		return err
	})
	return out, err
}

func (tx *Tx) GetActive() ([]*memory.Record, error) {
	return tx.queryAll(`SELECT ` + recordColumns + ` FROM memories WHERE archived_at IS NULL`)
}

// GetArchived returns every record with archived_at IS NOT NULL.
func (s *Store) GetArchived(ctx context.Context) ([]*memory.Record, error) {
	var out []*memory.Record
	err := s.run(ctx, func(tx *Tx) error {
		rs, err := tx.GetArchived()
		out = rs
		return err
	})
	return out, err
}

func (tx *Tx) GetArchived() ([]*memory.Record, error) {
	return tx.queryAll(`SELECT ` + recordColumns + ` FROM memories WHERE archived_at IS NOT NULL`)
}

// Delete unconditionally removes a record.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.run(ctx, func(tx *Tx) error { return tx.Delete(id) })
}

func (tx *Tx) Delete(id string) error {
	_, err := tx.q.ExecContext(tx.ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete %q: %w", id, err)
	}
	return nil
}

// GetState reads a value from the state key/value namespace.
func (s *Store) GetState(ctx context.Context, key string) (string, bool, error) {
	var val string
	var ok bool
	err := s.run(ctx, func(tx *Tx) error {
		v, found, err := tx.GetState(key)
		val, ok = v, found
		return err
	})
	return val, ok, err
}

func (tx *Tx) GetState(key string) (string, bool, error) {
	var val string
	err := tx.q.QueryRowContext(tx.ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get_state %q: %w", key, err)
	}
	return val, true, nil
}

// SetState writes (upserting) a value in the state key/value namespace.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	return s.run(ctx, func(tx *Tx) error { return tx.SetState(key, value) })
}

func (tx *Tx) SetState(key, value string) error {
	_, err := tx.q.ExecContext(tx.ctx,
		`INSERT INTO state (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("store: set_state %q: %w", key, err)
	}
	return nil
}

func (tx *Tx) queryAll(query string, args ...any) ([]*memory.Record, error) {
	rows, err := tx.q.QueryContext(tx.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()
	var out []*memory.Record
	for rows.Next() {
		r, err := scanRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(row *sql.Row) (*memory.Record, error) {
	r, err := scanInto(row)
	if err == sql.ErrNoRows {
		return nil, errRecordNotFound
	}
	return r, err
}

func scanRows(rows *sql.Rows) (*memory.Record, error) { return scanInto(rows) }

func scanInto(s rowScanner) (*memory.Record, error) {
	var (
		r                              memory.Record
		created                        string
		valence, category              string
		tags, keywords, relations     string
		currentLevel                   int
		embedding                      []byte
		archivedAt, revivalRequestedAt sql.NullString
		recalled, protected, revival   int
	)
	err := s.Scan(
		&r.ID, &created, &r.MemoryDays, &recalled, &r.RecallCount,
		&r.EmotionalIntensity, &valence, &r.EmotionalArousal, &tags,
		&r.DecayCoefficient, &category, &keywords, &currentLevel, &r.Trigger, &r.Content,
		&embedding, &relations, &r.RetentionScore, &archivedAt, &protected,
		&revival, &revivalRequestedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Created = parseTime(created)
	r.RecalledSinceLastBatch = intToBool(recalled)
	r.EmotionalValence = memory.Valence(valence)
	r.EmotionalTags = decodeStrings(tags)
	r.Category = memory.Category(category)
	r.Keywords = decodeStrings(keywords)
	r.CurrentLevel = memory.Level(currentLevel)
	r.Embedding = decodeEmbedding(embedding)
	r.Relations = decodeRelations(relations)
	r.Protected = intToBool(protected)
	r.RevivalRequested = intToBool(revival)
	if archivedAt.Valid {
		t := parseTime(archivedAt.String)
		r.ArchivedAt = &t
	}
	if revivalRequestedAt.Valid {
		t := parseTime(revivalRequestedAt.String)
		r.RevivalRequestedAt = &t
	}
	return &r, nil
}

func formatTime(t time.Time) string { return t.Format(time.RFC3339Nano) }

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

var columnSet = map[string]bool{
	"memory_days": true, "recalled_since_last_batch": true, "recall_count": true,
	"emotional_intensity": true, "emotional_valence": true, "emotional_arousal": true, "emotional_tags": true,
	"decay_coefficient": true, "category": true, "keywords": true, "current_level": true,
	"trigger": true, "content": true, "embedding": true, "relations": true, "retention_score": true,
	"archived_at": true, "protected": true, "revival_requested": true, "revival_requested_at": true,
}

func validColumn(col string) bool { return columnSet[col] }

// encodeFieldValue converts a Go-typed value passed to Update into the
// storage representation for columns that aren't stored as their native
// type (booleans as 0/1, sequences as JSON, embeddings as bytes, timestamps
// as RFC3339 text).
func encodeFieldValue(col string, v any) any {
	switch col {
	case "recalled_since_last_batch", "protected", "revival_requested":
		if b, ok := v.(bool); ok {
			return boolToInt(b)
		}
	case "emotional_tags", "keywords":
		if ss, ok := v.([]string); ok {
			return encodeStrings(ss)
		}
	case "relations":
		if rs, ok := v.([]memory.Relation); ok {
			return encodeRelations(rs)
		}
	case "embedding":
		if vec, ok := v.([]float32); ok {
			return encodeEmbedding(vec)
		}
	case "current_level":
		if lvl, ok := v.(memory.Level); ok {
			return int(lvl)
		}
	case "archived_at", "revival_requested_at":
		switch t := v.(type) {
		case *time.Time:
			return formatTimePtr(t)
		case time.Time:
			return formatTime(t)
		case nil:
			return nil
		}
	case "emotional_valence":
		if val, ok := v.(memory.Valence); ok {
			return string(val)
		}
	case "category":
		if c, ok := v.(memory.Category); ok {
			return string(c)
		}
	}
	return v
}
