package point

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// HistoryEntry is one stored sample as returned by History.
type HistoryEntry struct {
	ID          int64       `json:"id"`
	Key         Key         `json:"key"`
	Value       any         `json:"value"`
	Reliability Reliability `json:"reliability"`
	SampledAt   time.Time   `json:"sampled_at"`
}

// SQLiteHistory stores point samples in the point_samples table.
//
// Values are stored as JSON of their native form, so History returns plain
// Go data (float64, string, bool, []any) rather than bacnet.Value.
type SQLiteHistory struct {
	db *sql.DB
}

// NewSQLiteHistory creates a sample store on an open, migrated database.
//
// Parameters:
//   - db: Open SQLite connection used for queries
//
// Returns:
//   - *SQLiteHistory: Store ready for use
func NewSQLiteHistory(db *sql.DB) *SQLiteHistory {
	return &SQLiteHistory{db: db}
}

// AppendSample inserts one sample.
func (h *SQLiteHistory) AppendSample(ctx context.Context, s Sample) error {
	valueJSON, err := json.Marshal(s.Value)
	if err != nil {
		return fmt.Errorf("marshalling sample value: %w", err)
	}
	reliability := Reliable
	if !s.Reliable {
		reliability = Unreliable
	}
	ts := s.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err = h.db.ExecContext(ctx,
		`INSERT INTO point_samples (device, object, property, value, reliability, sampled_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.Key.Device,
		s.Key.Object.String(),
		s.Key.Property.String(),
		string(valueJSON),
		string(reliability),
		ts.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting point sample: %w", err)
	}
	return nil
}

// History returns the most recent samples of a point, newest first.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - key: The point
//   - limit: Maximum entries to return (default 50, max 1000)
//
// Returns:
//   - []HistoryEntry: Entries ordered by sampled_at DESC
//   - error: nil on success, otherwise the underlying query error
func (h *SQLiteHistory) History(ctx context.Context, key Key, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := h.db.QueryContext(ctx,
		`SELECT id, value, reliability, sampled_at
		 FROM point_samples
		 WHERE device = ? AND object = ? AND property = ?
		 ORDER BY sampled_at DESC, id DESC
		 LIMIT ?`,
		key.Device,
		key.Object.String(),
		key.Property.String(),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying point samples: %w", err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0, limit)
	for rows.Next() {
		entry := HistoryEntry{Key: key}
		var valueJSON, reliability, sampledAt string
		if err := rows.Scan(&entry.ID, &valueJSON, &reliability, &sampledAt); err != nil {
			return nil, fmt.Errorf("scanning point sample: %w", err)
		}
		if err := json.Unmarshal([]byte(valueJSON), &entry.Value); err != nil {
			return nil, fmt.Errorf("unmarshalling sample value: %w", err)
		}
		entry.Reliability = Reliability(reliability)
		if entry.SampledAt, err = time.Parse(time.RFC3339Nano, sampledAt); err != nil {
			return nil, fmt.Errorf("parsing sample timestamp %q: %w", sampledAt, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating point samples: %w", err)
	}
	return entries, nil
}

// Prune deletes samples older than the given duration.
//
// Returns:
//   - int64: Number of rows deleted
//   - error: nil on success, otherwise the underlying database error
func (h *SQLiteHistory) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}
	cutoff := time.Now().Add(-olderThan).UTC().Format(time.RFC3339Nano)

	result, err := h.db.ExecContext(ctx, "DELETE FROM point_samples WHERE sampled_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning point samples: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking pruned rows: %w", err)
	}
	return n, nil
}

// RunPruner prunes every interval until ctx is cancelled.
func (h *SQLiteHistory) RunPruner(ctx context.Context, retention, interval time.Duration, logger Logger) {
	if retention <= 0 {
		return
	}
	if logger == nil {
		logger = noopLogger{}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := h.Prune(ctx, retention)
			if err != nil {
				logger.Warn("point history prune failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("pruned point history", "deleted", n)
			}
		}
	}
}
