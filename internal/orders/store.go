package orders

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/qtc-alpha/arena/internal/model"
)

// Store persists pending orders so reconciliation resumes after a restart.
type Store interface {
	Upsert(ctx context.Context, order model.PendingOrder) error
	LoadOpen(ctx context.Context) ([]model.PendingOrder, error)
}

type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const _schemaPendingOrders = `CREATE TABLE IF NOT EXISTS pending_orders (
	order_id         TEXT        PRIMARY KEY,
	team_id          TEXT        NOT NULL,
	symbol           TEXT        NOT NULL,
	side             TEXT        NOT NULL,
	quantity         NUMERIC     NOT NULL,
	order_type       TEXT        NOT NULL,
	limit_price      NUMERIC     NOT NULL DEFAULT 0,
	status           TEXT        NOT NULL,
	filled_qty       NUMERIC     NOT NULL DEFAULT 0,
	filled_avg_price NUMERIC     NOT NULL DEFAULT 0,
	time_in_force    TEXT        NOT NULL,
	requested_price  NUMERIC     NOT NULL,
	broker_order_id  TEXT        NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
)`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, _schemaPendingOrders); err != nil {
		return fmt.Errorf("%w: can't migrate pending_orders", err)
	}
	return nil
}

const _upsertPendingOrder = `INSERT INTO pending_orders (
		order_id, team_id, symbol, side, quantity, order_type, limit_price,
		status, filled_qty, filled_avg_price, time_in_force, requested_price,
		broker_order_id, created_at, updated_at
	) VALUES (
		:order_id, :team_id, :symbol, :side, :quantity, :order_type, :limit_price,
		:status, :filled_qty, :filled_avg_price, :time_in_force, :requested_price,
		:broker_order_id, :created_at, :updated_at
	)
	ON CONFLICT (order_id)
	DO UPDATE SET
		status = EXCLUDED.status,
		filled_qty = EXCLUDED.filled_qty,
		filled_avg_price = EXCLUDED.filled_avg_price,
		updated_at = EXCLUDED.updated_at`

func (s *PostgresStore) Upsert(ctx context.Context, order model.PendingOrder) error {
	if _, err := s.db.NamedExecContext(ctx, _upsertPendingOrder, order); err != nil {
		return fmt.Errorf("%w: can't upsert pending order %s", err, order.OrderID)
	}
	return nil
}

const _queryOpenOrders = `SELECT * FROM pending_orders
	WHERE status NOT IN ('filled', 'cancelled', 'rejected', 'expired')`

func (s *PostgresStore) LoadOpen(ctx context.Context) ([]model.PendingOrder, error) {
	var out []model.PendingOrder
	if err := s.db.SelectContext(ctx, &out, _queryOpenOrders); err != nil {
		return nil, fmt.Errorf("%w: can't load open orders", err)
	}
	return out, nil
}
