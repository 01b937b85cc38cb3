package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/YoshitsuguKoike/deepatch/internal/infrastructure/transaction"
)

// EventRepositoryImpl ingests run event logs into the studio database
type EventRepositoryImpl struct {
	db *sql.DB
}

// NewEventRepository creates a new SQLite-based event repository
func NewEventRepository(db *sql.DB) *EventRepositoryImpl {
	return &EventRepositoryImpl{db: db}
}

func (r *EventRepositoryImpl) getDB(ctx context.Context) dbExecutor {
	if tx, ok := transaction.GetTxFromContext(ctx); ok {
		return tx
	}
	return r.db
}

// Ingest stores events from a run's log starting at line index startIdx.
// (run_id, idx) is the line position in the source log; re-ingesting the
// same lines is ignored, so ingestion is safe to repeat after a crash.
// Returns the next index to ingest from.
func (r *EventRepositoryImpl) Ingest(ctx context.Context, runID string, startIdx int, events []map[string]interface{}) (int, error) {
	db := r.getDB(ctx)
	idx := startIdx
	for _, ev := range events {
		ts, _ := ev["ts"].(string)
		level, _ := ev["level"].(string)
		name, _ := ev["event"].(string)

		payload := make(map[string]interface{}, len(ev))
		for k, v := range ev {
			if k == "ts" || k == "level" || k == "event" {
				continue
			}
			payload[k] = v
		}
		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			return idx, fmt.Errorf("marshal event payload: %w", err)
		}

		_, err = db.ExecContext(ctx,
			`INSERT OR IGNORE INTO events (run_id, idx, ts, level, event, payload)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			runID, idx, ts, level, name, string(payloadJSON),
		)
		if err != nil {
			return idx, fmt.Errorf("ingest event %d for run %s: %w", idx, runID, err)
		}
		idx++
	}
	return idx, nil
}

// NextIndex returns the first unseen line index for a run's log.
func (r *EventRepositoryImpl) NextIndex(ctx context.Context, runID string) (int, error) {
	db := r.getDB(ctx)
	var next sql.NullInt64
	err := db.QueryRowContext(ctx,
		`SELECT MAX(idx) + 1 FROM events WHERE run_id = ?`, runID,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next event index for run %s: %w", runID, err)
	}
	return int(next.Int64), nil
}

// Event is one ingested log record.
type Event struct {
	RunID   string                 `json:"run_id"`
	Idx     int                    `json:"idx"`
	TS      string                 `json:"ts"`
	Level   string                 `json:"level"`
	Name    string                 `json:"event"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// List returns events for a run from a line cursor onward, oldest first.
func (r *EventRepositoryImpl) List(ctx context.Context, runID string, fromIdx, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 200
	}
	db := r.getDB(ctx)
	rows, err := db.QueryContext(ctx,
		`SELECT run_id, idx, ts, level, event, payload
		 FROM events WHERE run_id = ? AND idx >= ?
		 ORDER BY idx ASC LIMIT ?`,
		runID, fromIdx, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev      Event
			payload string
		)
		if err := rows.Scan(&ev.RunID, &ev.Idx, &ev.TS, &ev.Level, &ev.Name, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if payload != "" {
			json.Unmarshal([]byte(payload), &ev.Payload)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
