package saga

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps saga events in the saga_events table created by the
// store migrations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const selectEvents = `SELECT id, saga_id, timestamp, source, branch, category, action,
	from_state, to_state, outcome, message, metadata FROM saga_events`

func (s *PostgresStore) Append(ctx context.Context, evt *Event) error {
	meta := evt.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO saga_events (id, saga_id, timestamp, source, branch, category, action,
			from_state, to_state, outcome, message, metadata)
		 VALUES (@id, @saga, @ts, @source, @branch, @category, @action, @from, @to, @outcome, @message, @meta)`,
		pgx.NamedArgs{
			"id": evt.ID, "saga": evt.SagaID, "ts": evt.Timestamp, "source": evt.Source,
			"branch": evt.Branch, "category": evt.Category, "action": evt.Action,
			"from": evt.FromState, "to": evt.ToState, "outcome": evt.Outcome,
			"message": evt.Message, "meta": meta,
		})
	if err != nil {
		return fmt.Errorf("append saga event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBySaga(ctx context.Context, sagaID string) ([]Event, error) {
	return s.query(ctx, selectEvents+` WHERE saga_id = $1 ORDER BY timestamp ASC`, sagaID)
}

func (s *PostgresStore) ListByBranch(ctx context.Context, branch string, limit int) ([]Event, error) {
	return s.query(ctx, selectEvents+` WHERE branch = $1 ORDER BY timestamp DESC LIMIT $2`, branch, pageSize(limit))
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]Event, error) {
	return s.query(ctx, selectEvents+` ORDER BY timestamp DESC LIMIT $1`, pageSize(limit))
}

func (s *PostgresStore) query(ctx context.Context, sql string, args ...any) ([]Event, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Event, error) {
		var evt Event
		err := row.Scan(&evt.ID, &evt.SagaID, &evt.Timestamp, &evt.Source, &evt.Branch, &evt.Category,
			&evt.Action, &evt.FromState, &evt.ToState, &evt.Outcome, &evt.Message, &evt.Metadata)
		return evt, err
	})
}

func pageSize(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}
