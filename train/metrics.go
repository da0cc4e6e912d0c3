package train

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// MetricsRecorder appends per-step training metrics to a sqlite database so
// runs can be inspected and compared after the fact.
type MetricsRecorder struct {
	db    *sql.DB
	runID string
}

func NewMetricsRecorder(path, runID string) (*MetricsRecorder, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("train: opening metrics db: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS steps (
		run_id TEXT NOT NULL,
		iter INTEGER NOT NULL,
		step INTEGER NOT NULL,
		loss REAL NOT NULL,
		lr REAL NOT NULL,
		grad_norm REAL NOT NULL,
		tokens INTEGER NOT NULL,
		recorded_at TIMESTAMP NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("train: creating metrics table: %w", err)
	}
	return &MetricsRecorder{db: db, runID: runID}, nil
}

func (r *MetricsRecorder) Record(iter, step int, loss, lr, gradNorm float64, tokens int64) error {
	_, err := r.db.Exec(
		`INSERT INTO steps (run_id, iter, step, loss, lr, grad_norm, tokens, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.runID, iter, step, loss, lr, gradNorm, tokens, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("train: recording step %d: %w", step, err)
	}
	return nil
}

func (r *MetricsRecorder) Close() error {
	return r.db.Close()
}
