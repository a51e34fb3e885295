package alertstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"MarketPulse/internal/logger"
	"MarketPulse/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS smart_alerts (
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL,
    symbol        TEXT NOT NULL,
    insight_codes TEXT[],
    min_severity  TEXT,
    enabled       BOOLEAN NOT NULL DEFAULT TRUE,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_smart_alerts_symbol ON smart_alerts (symbol) WHERE enabled;
`

// Postgres reads user alerts from the smart_alerts table.
type Postgres struct {
	db  *sqlx.DB
	log *logrus.Entry
}

// Open connects and pings with a 10s timeout.
func Open(ctx context.Context, dsn string, log *logrus.Entry) (*Postgres, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db, log), nil
}

func New(db *sqlx.DB, log *logrus.Entry) *Postgres {
	return &Postgres{db: db, log: logger.OrDiscard(log)}
}

// Migrate creates the table if needed.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate smart_alerts: %w", err)
	}
	return nil
}

type alertRow struct {
	ID          string         `db:"id"`
	UserID      string         `db:"user_id"`
	Symbol      string         `db:"symbol"`
	Codes       pq.StringArray `db:"insight_codes"`
	MinSeverity sql.NullString `db:"min_severity"`
	Enabled     bool           `db:"enabled"`
}

// toModel fails on an unparseable min_severity.
func (r alertRow) toModel() (model.UserAlert, error) {
	a := model.UserAlert{
		ID:      r.ID,
		UserID:  r.UserID,
		Symbol:  strings.ToUpper(r.Symbol),
		Enabled: r.Enabled,
	}
	for _, c := range r.Codes {
		a.Codes = append(a.Codes, model.InsightCode(strings.ToUpper(c)))
	}
	if r.MinSeverity.Valid && r.MinSeverity.String != "" {
		sev, err := model.ParseSeverity(r.MinSeverity.String)
		if err != nil {
			return a, err
		}
		a.MinSeverity = &sev
	}
	return a, nil
}

// AlertsForSymbol returns the enabled alerts for symbol.
func (p *Postgres) AlertsForSymbol(ctx context.Context, symbol string) ([]model.UserAlert, error) {
	const query = `
    SELECT id, user_id, symbol, insight_codes, min_severity, enabled
    FROM smart_alerts
    WHERE UPPER(symbol) = $1 AND enabled
    ORDER BY created_at, id`

	var rows []alertRow
	if err := p.db.SelectContext(ctx, &rows, query, strings.ToUpper(symbol)); err != nil {
		return nil, fmt.Errorf("select alerts for %s: %w", symbol, err)
	}
	out, bad := toModels(rows)
	if len(bad) > 0 {
		p.log.WithFields(logrus.Fields{"symbol": symbol, "skipped": len(bad), "alert_ids": bad}).Warn("alerts with bad min_severity skipped")
	}
	return out, nil
}

// toModels converts rows, leaving out and reporting the ids of rows that do
// not parse.
func toModels(rows []alertRow) ([]model.UserAlert, []string) {
	out := make([]model.UserAlert, 0, len(rows))
	var bad []string
	for _, r := range rows {
		a, err := r.toModel()
		if err != nil {
			bad = append(bad, r.ID)
			continue
		}
		out = append(out, a)
	}
	return out, bad
}

// Symbols lists the distinct symbols with an enabled alert.
func (p *Postgres) Symbols(ctx context.Context) ([]string, error) {
	var out []string
	if err := p.db.SelectContext(ctx, &out, `SELECT DISTINCT UPPER(symbol) FROM smart_alerts WHERE enabled ORDER BY 1`); err != nil {
		return nil, fmt.Errorf("select alert symbols: %w", err)
	}
	return out, nil
}

func (p *Postgres) Close() error { return p.db.Close() }
