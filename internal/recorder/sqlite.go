package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"MarketPulse/internal/logger"
	"MarketPulse/internal/model"
)

// SQLiteRecorder persists history to a SQLite database.
type SQLiteRecorder struct {
	db  *sql.DB
	mu  sync.Mutex
	log *logrus.Entry
}

// NewSQLiteRecorder opens (or creates) the SQLite database and runs migrations.
func NewSQLiteRecorder(dbPath string, log *logrus.Entry) (*SQLiteRecorder, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL lets dashboards read while the pipeline writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db, log: logger.OrDiscard(log)}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	r.log.WithField("path", dbPath).Info("sqlite recorder opened")
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS insights (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			detected_at  INTEGER NOT NULL,
			symbol       TEXT NOT NULL,
			insight_code TEXT NOT NULL,
			timeframe    TEXT,
			severity     TEXT,
			confidence   REAL,
			signals      TEXT,
			explanation  TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_insights_symbol_ts ON insights(symbol, detected_at)`,

		`CREATE TABLE IF NOT EXISTS notifications (
			id           TEXT PRIMARY KEY,
			sent_at      INTEGER NOT NULL,
			user_id      TEXT NOT NULL,
			alert_id     TEXT,
			symbol       TEXT NOT NULL,
			insight_code TEXT NOT NULL,
			severity     TEXT,
			message      TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user_ts ON notifications(user_id, sent_at)`,
	}

	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

func (r *SQLiteRecorder) RecordInsight(ctx context.Context, ev model.InsightEvent) error {
	signals, err := json.Marshal(ev.Signals)
	if err != nil {
		return fmt.Errorf("encode signals: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.db.ExecContext(ctx, `INSERT INTO insights
		(detected_at, symbol, insight_code, timeframe, severity, confidence, signals, explanation)
		VALUES (?,?,?,?,?,?,?,?)`,
		ev.DetectedAt.Unix(), ev.Symbol, string(ev.Code), string(ev.Timeframe),
		ev.Severity.String(), ev.Confidence, string(signals), ev.RawExplanation,
	)
	return err
}

func (r *SQLiteRecorder) RecordNotification(ctx context.Context, n model.AlertNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `INSERT OR IGNORE INTO notifications
		(id, sent_at, user_id, alert_id, symbol, insight_code, severity, message)
		VALUES (?,?,?,?,?,?,?,?)`,
		n.ID, n.SentAt.Unix(), n.UserID, n.AlertID,
		n.Event.Symbol, string(n.Event.Code), n.Event.Severity.String(), n.Message,
	)
	return err
}

// CountBySymbol returns how many insights were stored for symbol.
func (r *SQLiteRecorder) CountBySymbol(ctx context.Context, symbol string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM insights WHERE symbol = ?`, symbol).Scan(&n)
	return n, err
}

func (r *SQLiteRecorder) Close() error {
	r.log.Info("closing sqlite recorder")
	return r.db.Close()
}
