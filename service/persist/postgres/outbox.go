package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/knowshare/go-knowshare/service/persist"
)

// OutboxRepository reads the transactional outbox. Rows are written by the
// relation write path inside its own transactions; this repository only
// serves the change-capture poller.
type OutboxRepository struct {
	db *sql.DB

	fetchAfterStmt *sql.Stmt
	maxIDStmt      *sql.Stmt
}

// NewOutboxRepository creates a new postgres repository for the outbox table
func NewOutboxRepository(db *sql.DB) *OutboxRepository {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	fetchAfterStmt, err := db.PrepareContext(ctx, `SELECT id,aggregate_type,aggregate_id,type,payload,created_at FROM outbox WHERE id > $1 ORDER BY id ASC LIMIT $2`)
	checkNoErr(err)

	maxIDStmt, err := db.PrepareContext(ctx, `SELECT coalesce(max(id), 0) FROM outbox`)
	checkNoErr(err)

	return &OutboxRepository{
		db:             db,
		fetchAfterStmt: fetchAfterStmt,
		maxIDStmt:      maxIDStmt,
	}
}

// FetchAfter returns up to limit outbox rows with id greater than the
// watermark, in id order.
func (r *OutboxRepository) FetchAfter(ctx context.Context, watermark int64, limit int) ([]persist.OutboxMessage, error) {
	rows, err := r.fetchAfterStmt.QueryContext(ctx, watermark, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := make([]persist.OutboxMessage, 0, limit)
	for rows.Next() {
		var m persist.OutboxMessage
		if err := rows.Scan(&m.ID, &m.AggregateType, &m.AggregateID, &m.Type, &m.Payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MaxID returns the current highest outbox id, used to seed the watermark so
// a fresh poller does not replay history.
func (r *OutboxRepository) MaxID(ctx context.Context) (int64, error) {
	var id int64
	err := r.maxIDStmt.QueryRowContext(ctx).Scan(&id)
	return id, err
}
