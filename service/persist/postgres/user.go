package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgtype"
	"github.com/knowshare/go-knowshare/service/persist"
)

// UserRepository reads the minimal user projection used by relation lists.
type UserRepository struct {
	db *sql.DB

	getByIDStmt  *sql.Stmt
	getByIDsStmt *sql.Stmt
}

// NewUserRepository creates a new postgres repository for users
func NewUserRepository(db *sql.DB) *UserRepository {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	getByIDStmt, err := db.PrepareContext(ctx, `SELECT id,nickname,avatar_url FROM users WHERE id = $1`)
	checkNoErr(err)

	getByIDsStmt, err := db.PrepareContext(ctx, `SELECT id,nickname,avatar_url FROM users WHERE id = ANY($1)`)
	checkNoErr(err)

	return &UserRepository{
		db:           db,
		getByIDStmt:  getByIDStmt,
		getByIDsStmt: getByIDsStmt,
	}
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (persist.UserProfile, error) {
	var u persist.UserProfile
	err := r.getByIDStmt.QueryRowContext(ctx, id).Scan(&u.ID, &u.Nickname, &u.AvatarURL)
	if err == sql.ErrNoRows {
		return persist.UserProfile{}, persist.ErrUserNotFound{ID: id}
	}
	return u, err
}

// GetByIDs batch-fetches profiles, preserving the order of ids. Missing users
// are skipped.
func (r *UserRepository) GetByIDs(ctx context.Context, ids []int64) ([]persist.UserProfile, error) {
	if len(ids) == 0 {
		return []persist.UserProfile{}, nil
	}

	var idArray pgtype.Int8Array
	if err := idArray.Set(ids); err != nil {
		return nil, err
	}

	rows, err := r.getByIDsStmt.QueryContext(ctx, &idArray)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[int64]persist.UserProfile, len(ids))
	for rows.Next() {
		var u persist.UserProfile
		if err := rows.Scan(&u.ID, &u.Nickname, &u.AvatarURL); err != nil {
			return nil, err
		}
		byID[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]persist.UserProfile, 0, len(ids))
	for _, id := range ids {
		if u, ok := byID[id]; ok {
			result = append(result, u)
		}
	}
	return result, nil
}
