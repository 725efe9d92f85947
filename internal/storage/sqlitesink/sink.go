// Package sqlitesink persists screening runs and detections to SQLite.
package sqlitesink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"github.com/hfujita/kabuscreen/internal/interfaces"
	"github.com/hfujita/kabuscreen/internal/models"
)

// Compile-time interface check.
var _ interfaces.ResultSink = (*Sink)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS screening_runs (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	rule          TEXT NOT NULL,
	trading_date  TEXT NOT NULL,
	market_filter TEXT NOT NULL,
	total_matched INTEGER NOT NULL,
	exec_millis   INTEGER NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS detected_stocks (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id          TEXT NOT NULL REFERENCES screening_runs(id),
	code            TEXT NOT NULL,
	name            TEXT NOT NULL,
	market          TEXT NOT NULL,
	rule            TEXT NOT NULL,
	trading_date    TEXT NOT NULL,
	close           REAL NOT NULL,
	volume          INTEGER NOT NULL,
	ema_10          REAL,
	ema_20          REAL,
	ema_50          REAL,
	sma_200         REAL,
	sma200_position TEXT,
	week52_high     REAL,
	touch_ema       TEXT,
	pullback_pct    REAL,
	bb_upper        REAL,
	bb_lower        REAL,
	bb_middle       REAL,
	touch_direction TEXT,
	stochastic_k    REAL,
	stochastic_d    REAL,
	attrs           TEXT
);

CREATE INDEX IF NOT EXISTS idx_detected_stocks_run ON detected_stocks(run_id);
CREATE INDEX IF NOT EXISTS idx_screening_runs_date ON screening_runs(trading_date, rule);
`

// Sink stores run summaries and their sampled detections.
type Sink struct {
	db *sql.DB
}

// New opens (or creates) the database at path and applies the schema.
func New(path string) (*Sink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating sink directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sink database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying sink schema: %w", err)
	}
	return &Sink{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Sink) Close() error {
	return s.db.Close()
}

// SaveRun stores one rule's run summary and returns its generated run id.
func (s *Sink) SaveRun(ctx context.Context, summary models.RunSummary) (string, error) {
	runID := summary.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO screening_runs
			(id, user_id, rule, trading_date, market_filter, total_matched, exec_millis, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID,
		summary.UserID,
		summary.Rule,
		summary.TradingDate.Format("2006-01-02"),
		summary.MarketFilter,
		summary.TotalMatched,
		summary.ExecMillis,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("inserting run summary: %w", err)
	}
	return runID, nil
}

// SaveDetections stores the detections for a run in one transaction.
func (s *Sink) SaveDetections(ctx context.Context, runID string, detections []models.Detection) error {
	if len(detections) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning detections transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO detected_stocks
			(run_id, code, name, market, rule, trading_date, close, volume,
			 ema_10, ema_20, ema_50, sma_200, sma200_position, week52_high,
			 touch_ema, pullback_pct, bb_upper, bb_lower, bb_middle,
			 touch_direction, stochastic_k, stochastic_d, attrs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing detections insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range detections {
		_, err := stmt.ExecContext(ctx,
			runID,
			d.Code,
			d.Name,
			string(d.Market),
			d.Rule,
			d.Date.Format("2006-01-02"),
			d.Close,
			d.Volume,
			nullFloat(d.EMA10),
			nullFloat(d.EMA20),
			nullFloat(d.EMA50),
			nullFloat(d.SMA200),
			nullString(d.SMA200Position),
			nullFloat(d.Week52High),
			nullString(d.TouchEMA),
			nullFloat(d.PullbackPct),
			nullFloat(d.BBUpper),
			nullFloat(d.BBLower),
			nullFloat(d.BBMid),
			nullString(d.TouchDirection),
			nullFloat(d.StochK),
			nullFloat(d.StochD),
			nullString(encodeAttrs(d.Attrs)),
		)
		if err != nil {
			return fmt.Errorf("inserting detection %s: %w", d.Code, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing detections: %w", err)
	}
	return nil
}

// encodeAttrs serializes rule-specific attributes as JSON, or "" when empty.
func encodeAttrs(attrs map[string]string) string {
	if len(attrs) == 0 {
		return ""
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return ""
	}
	return string(data)
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
