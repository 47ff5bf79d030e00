// Package repository persists the delivery-attempt log in Postgres.
// The schema lives in schema.sql; queries are written against the pgx v5
// interfaces so tests can substitute the pool.
package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// DBTX is the subset of pgxpool.Pool the repository needs.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries executes the repository SQL against a DBTX.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// DeliveryLog is one row of the delivery_logs table.
type DeliveryLog struct {
	ID             pgtype.UUID
	ChannelID      string
	DeliveryType   string
	Recipient      pgtype.Text
	EventID        string
	SubscriptionID string
	Status         string
	ErrorMessage   pgtype.Text
	CreatedAt      pgtype.Timestamptz
}

type InsertDeliveryLogParams struct {
	ID             pgtype.UUID
	ChannelID      string
	DeliveryType   string
	Recipient      pgtype.Text
	EventID        string
	SubscriptionID string
	Status         string
	ErrorMessage   pgtype.Text
}

// Querier is the query surface consumed by the rest of the service.
type Querier interface {
	InsertDeliveryLog(ctx context.Context, arg InsertDeliveryLogParams) error
	ListRecentDeliveryLogs(ctx context.Context, limit int32) ([]DeliveryLog, error)
	PruneDeliveryLogs(ctx context.Context, before pgtype.Timestamptz) (int64, error)
}

var _ Querier = (*Queries)(nil)

const insertDeliveryLog = `
INSERT INTO delivery_logs (
	id, channel_id, delivery_type, recipient, event_id,
	subscription_id, status, error_message, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
`

func (q *Queries) InsertDeliveryLog(ctx context.Context, arg InsertDeliveryLogParams) error {
	_, err := q.db.Exec(ctx, insertDeliveryLog,
		arg.ID,
		arg.ChannelID,
		arg.DeliveryType,
		arg.Recipient,
		arg.EventID,
		arg.SubscriptionID,
		arg.Status,
		arg.ErrorMessage,
	)
	return err
}

const listRecentDeliveryLogs = `
SELECT id, channel_id, delivery_type, recipient, event_id,
       subscription_id, status, error_message, created_at
FROM delivery_logs
ORDER BY created_at DESC
LIMIT $1
`

func (q *Queries) ListRecentDeliveryLogs(ctx context.Context, limit int32) ([]DeliveryLog, error) {
	rows, err := q.db.Query(ctx, listRecentDeliveryLogs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []DeliveryLog
	for rows.Next() {
		var i DeliveryLog
		if err := rows.Scan(
			&i.ID,
			&i.ChannelID,
			&i.DeliveryType,
			&i.Recipient,
			&i.EventID,
			&i.SubscriptionID,
			&i.Status,
			&i.ErrorMessage,
			&i.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const pruneDeliveryLogs = `
DELETE FROM delivery_logs WHERE created_at < $1
`

func (q *Queries) PruneDeliveryLogs(ctx context.Context, before pgtype.Timestamptz) (int64, error) {
	res, err := q.db.Exec(ctx, pruneDeliveryLogs, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}
