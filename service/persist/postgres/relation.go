package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/knowshare/go-knowshare/service/persist"
)

// RelationRepository stores follow relations. The following table is the
// authoritative side written on the request path; the follower table is the
// mirror side written asynchronously by the relation event processor.
// Cancels are logical updates on rel_status, never deletes.
type RelationRepository struct {
	db *sql.DB

	existsFollowingStmt   *sql.Stmt
	listFollowingStmt     *sql.Stmt
	listFollowersStmt     *sql.Stmt
	countFollowingStmt    *sql.Stmt
	countFollowersStmt    *sql.Stmt
	upsertFollowerStmt    *sql.Stmt
	cancelFollowerStmt    *sql.Stmt
	followingWithTimeStmt *sql.Stmt
	followersWithTimeStmt *sql.Stmt
}

// NewRelationRepository creates a new postgres repository for follow relations
func NewRelationRepository(db *sql.DB) *RelationRepository {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	existsFollowingStmt, err := db.PrepareContext(ctx, `SELECT EXISTS(SELECT 1 FROM following WHERE from_user_id = $1 AND to_user_id = $2 AND rel_status = 1)`)
	checkNoErr(err)

	listFollowingStmt, err := db.PrepareContext(ctx, `SELECT id,from_user_id,to_user_id,created_at FROM following WHERE from_user_id = $1 AND rel_status = 1 ORDER BY created_at DESC,id DESC LIMIT $2 OFFSET $3`)
	checkNoErr(err)

	listFollowersStmt, err := db.PrepareContext(ctx, `SELECT id,user_id,from_user_id,created_at FROM follower WHERE user_id = $1 AND rel_status = 1 ORDER BY created_at DESC,id DESC LIMIT $2 OFFSET $3`)
	checkNoErr(err)

	countFollowingStmt, err := db.PrepareContext(ctx, `SELECT count(*) FROM following WHERE from_user_id = $1 AND rel_status = 1`)
	checkNoErr(err)

	countFollowersStmt, err := db.PrepareContext(ctx, `SELECT count(*) FROM follower WHERE user_id = $1 AND rel_status = 1`)
	checkNoErr(err)

	upsertFollowerStmt, err := db.PrepareContext(ctx, `INSERT INTO follower (id,user_id,from_user_id,rel_status,created_at) VALUES ($1,$2,$3,1,now()) ON CONFLICT (user_id,from_user_id) DO UPDATE SET rel_status = 1, created_at = now() WHERE follower.rel_status = 0`)
	checkNoErr(err)

	cancelFollowerStmt, err := db.PrepareContext(ctx, `UPDATE follower SET rel_status = 0 WHERE user_id = $1 AND from_user_id = $2 AND rel_status = 1`)
	checkNoErr(err)

	followingWithTimeStmt, err := db.PrepareContext(ctx, `SELECT to_user_id,created_at FROM following WHERE from_user_id = $1 AND rel_status = 1 ORDER BY created_at DESC,id DESC LIMIT $2`)
	checkNoErr(err)

	followersWithTimeStmt, err := db.PrepareContext(ctx, `SELECT from_user_id,created_at FROM follower WHERE user_id = $1 AND rel_status = 1 ORDER BY created_at DESC,id DESC LIMIT $2`)
	checkNoErr(err)

	return &RelationRepository{
		db:                    db,
		existsFollowingStmt:   existsFollowingStmt,
		listFollowingStmt:     listFollowingStmt,
		listFollowersStmt:     listFollowersStmt,
		countFollowingStmt:    countFollowingStmt,
		countFollowersStmt:    countFollowersStmt,
		upsertFollowerStmt:    upsertFollowerStmt,
		cancelFollowerStmt:    cancelFollowerStmt,
		followingWithTimeStmt: followingWithTimeStmt,
		followersWithTimeStmt: followersWithTimeStmt,
	}
}

// Follow activates the following row and writes its outbox message in one
// transaction. Returns false when the relation was already active.
func (r *RelationRepository) Follow(ctx context.Context, rel persist.Relation, outbox persist.OutboxMessage) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO following (id,from_user_id,to_user_id,rel_status,created_at) VALUES ($1,$2,$3,1,now()) ON CONFLICT (from_user_id,to_user_id) DO UPDATE SET rel_status = 1, created_at = now() WHERE following.rel_status = 0`, rel.ID, rel.FromUserID, rel.ToUserID)
	if err != nil {
		return false, fmt.Errorf("upserting following row: %w", err)
	}
	changed, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if changed == 0 {
		return false, nil
	}

	if err := insertOutboxTx(ctx, tx, outbox); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// Unfollow cancels the following row and writes the cancel outbox message in
// one transaction. Returns false when no active relation existed.
func (r *RelationRepository) Unfollow(ctx context.Context, fromUserID, toUserID int64, outbox persist.OutboxMessage) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE following SET rel_status = 0 WHERE from_user_id = $1 AND to_user_id = $2 AND rel_status = 1`, fromUserID, toUserID)
	if err != nil {
		return false, fmt.Errorf("canceling following row: %w", err)
	}
	changed, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if changed == 0 {
		return false, nil
	}

	if err := insertOutboxTx(ctx, tx, outbox); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

func insertOutboxTx(ctx context.Context, tx *sql.Tx, m persist.OutboxMessage) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO outbox (id,aggregate_type,aggregate_id,type,payload,created_at) VALUES ($1,$2,$3,$4,$5,now())`, m.ID, m.AggregateType, m.AggregateID, m.Type, m.Payload)
	if err != nil {
		return fmt.Errorf("inserting outbox row: %w", err)
	}
	return nil
}

// IsFollowing reports whether an active following row exists
func (r *RelationRepository) IsFollowing(ctx context.Context, fromUserID, toUserID int64) (bool, error) {
	var exists bool
	err := r.existsFollowingStmt.QueryRowContext(ctx, fromUserID, toUserID).Scan(&exists)
	return exists, err
}

// ListFollowing returns users the given user follows, newest first
func (r *RelationRepository) ListFollowing(ctx context.Context, fromUserID int64, limit, offset int) ([]persist.Relation, error) {
	rows, err := r.listFollowingStmt.QueryContext(ctx, fromUserID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rels := make([]persist.Relation, 0, limit)
	for rows.Next() {
		var rel persist.Relation
		if err := rows.Scan(&rel.ID, &rel.FromUserID, &rel.ToUserID, &rel.CreatedAt); err != nil {
			return nil, err
		}
		rels = append(rels, rel)
	}
	return rels, rows.Err()
}

// ListFollowers returns users following the given user, newest first
func (r *RelationRepository) ListFollowers(ctx context.Context, userID int64, limit, offset int) ([]persist.FollowerEdge, error) {
	rows, err := r.listFollowersStmt.QueryContext(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	edges := make([]persist.FollowerEdge, 0, limit)
	for rows.Next() {
		var edge persist.FollowerEdge
		if err := rows.Scan(&edge.ID, &edge.UserID, &edge.FromUserID, &edge.CreatedAt); err != nil {
			return nil, err
		}
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}

// CountFollowingActive counts active following rows from the user
func (r *RelationRepository) CountFollowingActive(ctx context.Context, fromUserID int64) (int64, error) {
	var n int64
	err := r.countFollowingStmt.QueryRowContext(ctx, fromUserID).Scan(&n)
	return n, err
}

// CountFollowerActive counts active follower rows toward the user
func (r *RelationRepository) CountFollowerActive(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := r.countFollowersStmt.QueryRowContext(ctx, userID).Scan(&n)
	return n, err
}

// UpsertFollower activates the mirror edge. Idempotent on (user_id, from_user_id).
func (r *RelationRepository) UpsertFollower(ctx context.Context, edge persist.FollowerEdge) error {
	_, err := r.upsertFollowerStmt.ExecContext(ctx, edge.ID, edge.UserID, edge.FromUserID)
	return err
}

// CancelFollower logically cancels the mirror edge. Idempotent.
func (r *RelationRepository) CancelFollower(ctx context.Context, userID, fromUserID int64) error {
	_, err := r.cancelFollowerStmt.ExecContext(ctx, userID, fromUserID)
	return err
}

// FollowingWithTime returns followed user ids with relation timestamps,
// newest first, for cache backfill.
func (r *RelationRepository) FollowingWithTime(ctx context.Context, fromUserID int64, limit int) ([]RelationEntry, error) {
	return r.queryEntries(ctx, r.followingWithTimeStmt, fromUserID, limit)
}

// FollowersWithTime returns follower user ids with relation timestamps,
// newest first, for cache backfill.
func (r *RelationRepository) FollowersWithTime(ctx context.Context, userID int64, limit int) ([]RelationEntry, error) {
	return r.queryEntries(ctx, r.followersWithTimeStmt, userID, limit)
}

// RelationEntry pairs a related user with when the relation was created
type RelationEntry struct {
	UserID    int64
	CreatedAt time.Time
}

func (r *RelationRepository) queryEntries(ctx context.Context, stmt *sql.Stmt, userID int64, limit int) ([]RelationEntry, error) {
	rows, err := stmt.QueryContext(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]RelationEntry, 0, limit)
	for rows.Next() {
		var e RelationEntry
		if err := rows.Scan(&e.UserID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
