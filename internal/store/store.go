package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"lbankflow/internal/bus"
	"lbankflow/internal/strategy"
	"lbankflow/logger"
	"lbankflow/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS signals (
	id         BIGSERIAL PRIMARY KEY,
	symbol     TEXT        NOT NULL,
	timeframe  TEXT        NOT NULL,
	side       TEXT        NOT NULL,
	price      DOUBLE PRECISION NOT NULL,
	reason     TEXT        NOT NULL DEFAULT '',
	fired_at   BIGINT      NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS trade_outcomes (
	id             BIGSERIAL PRIMARY KEY,
	correlation_id TEXT        NOT NULL,
	symbol         TEXT        NOT NULL,
	side           TEXT        NOT NULL,
	entry          DOUBLE PRECISION NOT NULL,
	exit           DOUBLE PRECISION NOT NULL,
	result         TEXT        NOT NULL,
	closed_at      BIGINT      NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (correlation_id)
);

CREATE TABLE IF NOT EXISTS positions (
	symbol     TEXT PRIMARY KEY,
	side       TEXT        NOT NULL,
	entry      DOUBLE PRECISION NOT NULL,
	amount     DOUBLE PRECISION NOT NULL,
	opened_at  BIGINT      NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Position is the single open position per symbol.
type Position struct {
	Symbol   string  `db:"symbol"`
	Side     string  `db:"side"`
	Entry    float64 `db:"entry"`
	Amount   float64 `db:"amount"`
	OpenedAt int64   `db:"opened_at"`
}

// Store persists signals, trade outcomes and positions in postgres. The
// runtime state of the core stays in memory; the store is an audit trail
// the dashboards read.
type Store struct {
	db  *sqlx.DB
	log *logger.Log
}

// Open connects, verifies the connection and applies the schema.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, log: logger.GetLogger()}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// InsertSignal records one strategy signal.
func (s *Store) InsertSignal(ctx context.Context, sig strategy.Signal) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO signals (symbol, timeframe, side, price, reason, fired_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sig.Symbol, sig.Timeframe, string(sig.Side), sig.Price, sig.Reason, sig.At)
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// InsertOutcome records one closed trade. The correlation id is unique, so
// a replayed outcome is a no-op rather than a duplicate row.
func (s *Store) InsertOutcome(ctx context.Context, o models.TradeOutcome) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trade_outcomes (correlation_id, symbol, side, entry, exit, result, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (correlation_id) DO NOTHING`,
		o.CorrelationID, o.Symbol, string(o.Side), o.Entry, o.Exit, string(o.Result), o.ClosedAt)
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}

// UpsertPosition installs or replaces the open position for a symbol.
func (s *Store) UpsertPosition(ctx context.Context, p Position) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO positions (symbol, side, entry, amount, opened_at)
		 VALUES (:symbol, :side, :entry, :amount, :opened_at)
		 ON CONFLICT (symbol) DO UPDATE SET
			side = EXCLUDED.side,
			entry = EXCLUDED.entry,
			amount = EXCLUDED.amount,
			opened_at = EXCLUDED.opened_at,
			updated_at = now()`, p)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// DeletePosition removes the open position for a symbol.
func (s *Store) DeletePosition(ctx context.Context, symbol string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE symbol = $1`, symbol)
	if err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	return nil
}

// RecentOutcomes returns the latest closed trades, newest first.
func (s *Store) RecentOutcomes(ctx context.Context, limit int) ([]models.TradeOutcome, error) {
	rows := []struct {
		CorrelationID string  `db:"correlation_id"`
		Symbol        string  `db:"symbol"`
		Side          string  `db:"side"`
		Entry         float64 `db:"entry"`
		Exit          float64 `db:"exit"`
		Result        string  `db:"result"`
		ClosedAt      int64   `db:"closed_at"`
	}{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT correlation_id, symbol, side, entry, exit, result, closed_at
		 FROM trade_outcomes ORDER BY closed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select outcomes: %w", err)
	}

	out := make([]models.TradeOutcome, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.TradeOutcome{
			CorrelationID: r.CorrelationID,
			Symbol:        r.Symbol,
			Side:          models.Side(r.Side),
			Entry:         r.Entry,
			Exit:          r.Exit,
			Result:        models.OutcomeResult(r.Result),
			ClosedAt:      r.ClosedAt,
		})
	}
	return out, nil
}

// OutcomeHandler returns a bus handler that persists closed trades.
func (s *Store) OutcomeHandler() bus.Handler {
	return func(payload any) error {
		o, ok := payload.(models.TradeOutcome)
		if !ok {
			return fmt.Errorf("unexpected payload %T on %s", payload, bus.TopicTradeOutcome)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.InsertOutcome(ctx, o)
	}
}

// SignalHandler returns a bus handler that persists strategy signals.
func (s *Store) SignalHandler() bus.Handler {
	return func(payload any) error {
		sig, ok := payload.(strategy.Signal)
		if !ok {
			return fmt.Errorf("unexpected payload %T on %s", payload, bus.TopicSignal)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.InsertSignal(ctx, sig)
	}
}
