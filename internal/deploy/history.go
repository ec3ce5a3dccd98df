package deploy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS deployments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	environment TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP NOT NULL,
	retry_count INTEGER NOT NULL,
	state TEXT NOT NULL,
	overall TEXT NOT NULL,
	rolled_back INTEGER NOT NULL,
	tags TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deployments_env ON deployments(environment, id);
`

// HistoryRecord is one stored deployment attempt
type HistoryRecord struct {
	ID          int64
	Environment string
	StartedAt   time.Time
	FinishedAt  time.Time
	RetryCount  int
	State       State
	Overall     string
	RolledBack  bool
	Tags        map[string]string
}

// HistoryStore persists deployment attempts in SQLite. The most recent
// succeeded, non-rolled-back attempt per environment is the rollback target
// for the next run.
type HistoryStore struct {
	db *sql.DB
}

// OpenHistory opens (and initializes if needed) the history database
func OpenHistory(path string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history DB: %w", err)
	}

	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	log.Debug("Deployment history opened", "path", path)
	return &HistoryStore{db: db}, nil
}

// Close closes the underlying database
func (h *HistoryStore) Close() error {
	return h.db.Close()
}

// Record stores one finished attempt together with the image tags it left
// the environment running
func (h *HistoryStore) Record(ctx context.Context, attempt *Attempt, tags map[string]string) error {
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	overall := ""
	if attempt.FinalVerdict != nil {
		overall = string(attempt.FinalVerdict.Overall)
	}

	_, err = h.db.ExecContext(ctx,
		`INSERT INTO deployments (environment, started_at, finished_at, retry_count, state, overall, rolled_back, tags)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.Environment,
		attempt.StartedAt.UTC(),
		attempt.FinishedAt.UTC(),
		attempt.RetryCount,
		string(attempt.State),
		overall,
		attempt.RolledBack,
		string(tagsJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to record deployment: %w", err)
	}
	return nil
}

// LastKnownGood returns the image tags of the most recent succeeded,
// non-rolled-back deployment of the environment
func (h *HistoryStore) LastKnownGood(ctx context.Context, environment string) (map[string]string, bool, error) {
	var tagsJSON string
	err := h.db.QueryRowContext(ctx,
		`SELECT tags FROM deployments
		 WHERE environment = ? AND state = ? AND rolled_back = 0
		 ORDER BY id DESC LIMIT 1`,
		environment, string(StateSucceeded),
	).Scan(&tagsJSON)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query last known good: %w", err)
	}

	var tags map[string]string
	if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
		return nil, false, fmt.Errorf("failed to decode stored tags: %w", err)
	}
	return tags, true, nil
}

// Recent returns up to limit most recent attempts for the environment,
// newest first
func (h *HistoryStore) Recent(ctx context.Context, environment string, limit int) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := h.db.QueryContext(ctx,
		`SELECT id, environment, started_at, finished_at, retry_count, state, overall, rolled_back, tags
		 FROM deployments WHERE environment = ?
		 ORDER BY id DESC LIMIT ?`,
		environment, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []HistoryRecord
	for rows.Next() {
		var rec HistoryRecord
		var state, tagsJSON string
		if err := rows.Scan(&rec.ID, &rec.Environment, &rec.StartedAt, &rec.FinishedAt,
			&rec.RetryCount, &state, &rec.Overall, &rec.RolledBack, &tagsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		rec.State = State(state)
		if err := json.Unmarshal([]byte(tagsJSON), &rec.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode stored tags: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
