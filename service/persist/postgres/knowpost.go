package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/knowshare/go-knowshare/service/persist"
)

const postColumns = `id,author_id,title,content,cover_url,visibility,status,top,created_at,updated_at,published_at`

// KnowPostRepository stores know posts through their lifecycle.
type KnowPostRepository struct {
	db *sql.DB

	createStmt           *sql.Stmt
	getByIDStmt          *sql.Stmt
	updateContentStmt    *sql.Stmt
	updateMetadataStmt   *sql.Stmt
	publishStmt          *sql.Stmt
	updateTopStmt        *sql.Stmt
	updateVisibilityStmt *sql.Stmt
	softDeleteStmt       *sql.Stmt
	listPublicStmt       *sql.Stmt
	listByAuthorStmt     *sql.Stmt
	countPublishedStmt   *sql.Stmt
	publishedIDsStmt     *sql.Stmt
}

// NewKnowPostRepository creates a new postgres repository for know posts
func NewKnowPostRepository(db *sql.DB) *KnowPostRepository {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	createStmt, err := db.PrepareContext(ctx, `INSERT INTO know_post (id,author_id,title,content,cover_url,visibility,status,top,created_at,updated_at) VALUES ($1,$2,$3,$4,$5,$6,$7,false,now(),now())`)
	checkNoErr(err)

	getByIDStmt, err := db.PrepareContext(ctx, `SELECT `+postColumns+` FROM know_post WHERE id = $1 AND status <> 'deleted'`)
	checkNoErr(err)

	updateContentStmt, err := db.PrepareContext(ctx, `UPDATE know_post SET title = $2, content = $3, updated_at = now() WHERE id = $1 AND status <> 'deleted'`)
	checkNoErr(err)

	updateMetadataStmt, err := db.PrepareContext(ctx, `UPDATE know_post SET title = $2, cover_url = $3, updated_at = now() WHERE id = $1 AND status <> 'deleted'`)
	checkNoErr(err)

	publishStmt, err := db.PrepareContext(ctx, `UPDATE know_post SET status = 'published', published_at = now(), updated_at = now() WHERE id = $1 AND status = 'draft'`)
	checkNoErr(err)

	updateTopStmt, err := db.PrepareContext(ctx, `UPDATE know_post SET top = $2, updated_at = now() WHERE id = $1 AND status <> 'deleted'`)
	checkNoErr(err)

	updateVisibilityStmt, err := db.PrepareContext(ctx, `UPDATE know_post SET visibility = $2, updated_at = now() WHERE id = $1 AND status <> 'deleted'`)
	checkNoErr(err)

	softDeleteStmt, err := db.PrepareContext(ctx, `UPDATE know_post SET status = 'deleted', updated_at = now() WHERE id = $1 AND status <> 'deleted'`)
	checkNoErr(err)

	listPublicStmt, err := db.PrepareContext(ctx, `SELECT `+postColumns+` FROM know_post WHERE status = 'published' AND visibility = 'public' ORDER BY top DESC, published_at DESC, id DESC LIMIT $1 OFFSET $2`)
	checkNoErr(err)

	listByAuthorStmt, err := db.PrepareContext(ctx, `SELECT `+postColumns+` FROM know_post WHERE author_id = $1 AND status <> 'deleted' ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`)
	checkNoErr(err)

	countPublishedStmt, err := db.PrepareContext(ctx, `SELECT count(*) FROM know_post WHERE author_id = $1 AND status = 'published'`)
	checkNoErr(err)

	publishedIDsStmt, err := db.PrepareContext(ctx, `SELECT id FROM know_post WHERE author_id = $1 AND status = 'published'`)
	checkNoErr(err)

	return &KnowPostRepository{
		db:                   db,
		createStmt:           createStmt,
		getByIDStmt:          getByIDStmt,
		updateContentStmt:    updateContentStmt,
		updateMetadataStmt:   updateMetadataStmt,
		publishStmt:          publishStmt,
		updateTopStmt:        updateTopStmt,
		updateVisibilityStmt: updateVisibilityStmt,
		softDeleteStmt:       softDeleteStmt,
		listPublicStmt:       listPublicStmt,
		listByAuthorStmt:     listByAuthorStmt,
		countPublishedStmt:   countPublishedStmt,
		publishedIDsStmt:     publishedIDsStmt,
	}
}

// Create inserts a new draft post
func (r *KnowPostRepository) Create(ctx context.Context, post persist.KnowPost) error {
	_, err := r.createStmt.ExecContext(ctx, post.ID, post.AuthorID, post.Title, post.Content, post.CoverURL, post.Visibility, post.Status)
	return err
}

// GetByID returns a post that has not been deleted
func (r *KnowPostRepository) GetByID(ctx context.Context, id int64) (persist.KnowPost, error) {
	var post persist.KnowPost
	err := scanPost(r.getByIDStmt.QueryRowContext(ctx, id), &post)
	if err == sql.ErrNoRows {
		return persist.KnowPost{}, persist.ErrPostNotFound{ID: id}
	}
	return post, err
}

func (r *KnowPostRepository) UpdateContent(ctx context.Context, id int64, title, content string) error {
	return execExpectingRow(ctx, r.updateContentStmt, id, title, content)
}

func (r *KnowPostRepository) UpdateMetadata(ctx context.Context, id int64, title string, coverURL sql.NullString) error {
	return execExpectingRow(ctx, r.updateMetadataStmt, id, title, coverURL)
}

// Publish transitions a draft to published. Returns ErrPostNotFound when the
// post is missing or not a draft.
func (r *KnowPostRepository) Publish(ctx context.Context, id int64) error {
	return execExpectingRow(ctx, r.publishStmt, id)
}

func (r *KnowPostRepository) UpdateTop(ctx context.Context, id int64, top bool) error {
	return execExpectingRow(ctx, r.updateTopStmt, id, top)
}

func (r *KnowPostRepository) UpdateVisibility(ctx context.Context, id int64, visibility persist.PostVisibility) error {
	return execExpectingRow(ctx, r.updateVisibilityStmt, id, visibility)
}

func (r *KnowPostRepository) SoftDelete(ctx context.Context, id int64) error {
	return execExpectingRow(ctx, r.softDeleteStmt, id)
}

// ListPublic returns published public posts, pinned posts first then newest
// first.
func (r *KnowPostRepository) ListPublic(ctx context.Context, limit, offset int) ([]persist.KnowPost, error) {
	return r.queryPosts(ctx, r.listPublicStmt, limit, offset)
}

// ListByAuthor returns an author's posts of any status except deleted
func (r *KnowPostRepository) ListByAuthor(ctx context.Context, authorID int64, limit, offset int) ([]persist.KnowPost, error) {
	return r.queryPosts(ctx, r.listByAuthorStmt, authorID, limit, offset)
}

func (r *KnowPostRepository) CountPublishedByAuthor(ctx context.Context, authorID int64) (int64, error) {
	var n int64
	err := r.countPublishedStmt.QueryRowContext(ctx, authorID).Scan(&n)
	return n, err
}

// PublishedIDsByAuthor returns the ids of all published posts by an author
func (r *KnowPostRepository) PublishedIDsByAuthor(ctx context.Context, authorID int64) ([]int64, error) {
	rows, err := r.publishedIDsStmt.QueryContext(ctx, authorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]int64, 0, 16)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *KnowPostRepository) queryPosts(ctx context.Context, stmt *sql.Stmt, args ...any) ([]persist.KnowPost, error) {
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	posts := make([]persist.KnowPost, 0, 16)
	for rows.Next() {
		var post persist.KnowPost
		if err := rows.Scan(&post.ID, &post.AuthorID, &post.Title, &post.Content, &post.CoverURL, &post.Visibility, &post.Status, &post.Top, &post.CreatedAt, &post.UpdatedAt, &post.PublishedAt); err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner, post *persist.KnowPost) error {
	return row.Scan(&post.ID, &post.AuthorID, &post.Title, &post.Content, &post.CoverURL, &post.Visibility, &post.Status, &post.Top, &post.CreatedAt, &post.UpdatedAt, &post.PublishedAt)
}

func execExpectingRow(ctx context.Context, stmt *sql.Stmt, id int64, args ...any) error {
	res, err := stmt.ExecContext(ctx, append([]any{id}, args...)...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return persist.ErrPostNotFound{ID: id}
	}
	return nil
}
