package knowpost

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/knowshare/go-knowshare/service/persist"
	"github.com/knowshare/go-knowshare/util"
)

func published(visibility persist.PostVisibility) persist.KnowPost {
	return persist.KnowPost{ID: 1, AuthorID: 7, Status: persist.PostPublished, Visibility: visibility}
}

func TestCanView(t *testing.T) {
	author := util.ToPointer(int64(7))
	stranger := util.ToPointer(int64(8))

	assert.True(t, canView(published(persist.VisibilityPublic), nil))
	assert.True(t, canView(published(persist.VisibilityPublic), stranger))
	assert.True(t, canView(published(persist.VisibilityUnlisted), stranger))

	assert.False(t, canView(published(persist.VisibilityPrivate), stranger))
	assert.False(t, canView(published(persist.VisibilityFollowers), nil))
	assert.True(t, canView(published(persist.VisibilityPrivate), author))

	draft := persist.KnowPost{ID: 1, AuthorID: 7, Status: persist.PostDraft, Visibility: persist.VisibilityPublic}
	assert.False(t, canView(draft, stranger))
	assert.False(t, canView(draft, nil))
	assert.True(t, canView(draft, author))

	deleted := persist.KnowPost{ID: 1, AuthorID: 7, Status: persist.PostDeleted, Visibility: persist.VisibilityPublic}
	assert.False(t, canView(deleted, author))
}

func TestCacheable(t *testing.T) {
	assert.True(t, cacheable(published(persist.VisibilityPublic)))
	assert.True(t, cacheable(published(persist.VisibilityUnlisted)))
	assert.False(t, cacheable(published(persist.VisibilityPrivate)))
	assert.False(t, cacheable(persist.KnowPost{Status: persist.PostDraft, Visibility: persist.VisibilityPublic}))
}

func TestDetailFromPost(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	publishedAt := created.Add(time.Hour)

	post := persist.KnowPost{
		ID:          42,
		AuthorID:    7,
		Title:       "b-tree page splits",
		Content:     "...",
		CoverURL:    sql.NullString{String: "https://cdn.example.com/c.png", Valid: true},
		Visibility:  persist.VisibilityPublic,
		Status:      persist.PostPublished,
		Top:         true,
		CreatedAt:   created,
		UpdatedAt:   created,
		PublishedAt: sql.NullTime{Time: publishedAt, Valid: true},
	}

	detail := detailFromPost(post)
	assert.Equal(t, int64(42), detail.ID)
	assert.Equal(t, "https://cdn.example.com/c.png", detail.CoverURL)
	assert.Equal(t, created.UnixMilli(), detail.CreatedAt)
	assert.Equal(t, publishedAt.UnixMilli(), detail.PublishedAt)
	assert.Zero(t, detail.LikeCount)
	assert.Nil(t, detail.Liked)

	bare := detailFromPost(persist.KnowPost{ID: 1, CreatedAt: created, UpdatedAt: created})
	assert.Empty(t, bare.CoverURL)
	assert.Zero(t, bare.PublishedAt)
}

func TestErrNotOwner(t *testing.T) {
	err := ErrNotOwner{UserID: 8, PostID: 42}
	assert.Contains(t, err.Error(), "8")
	assert.Contains(t, err.Error(), "42")
}

func TestInvalidVisibilityIsInvalidInput(t *testing.T) {
	var s Service

	_, err := s.CreateDraft(context.Background(), 1, "title", "content", "", persist.PostVisibility("everyone"))
	_, ok := util.ErrorAs[util.ErrInvalidInput](err)
	assert.True(t, ok)

	err = s.SetVisibility(context.Background(), 1, 2, persist.PostVisibility("friends"))
	_, ok = util.ErrorAs[util.ErrInvalidInput](err)
	assert.True(t, ok)
}
