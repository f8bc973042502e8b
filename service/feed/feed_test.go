package feed

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowshare/go-knowshare/service/persist"
	"github.com/knowshare/go-knowshare/util"
)

func TestClampPage(t *testing.T) {
	tests := []struct {
		page, size         int
		wantPage, wantSize int
	}{
		{0, 0, 1, 1},
		{-1, -1, 1, 1},
		{2, 20, 2, 20},
		{1, maxPageSize, 1, maxPageSize},
		{1, maxPageSize + 1, 1, maxPageSize},
	}
	for _, tt := range tests {
		page, size := clampPage(tt.page, tt.size)
		assert.Equal(t, tt.wantPage, page)
		assert.Equal(t, tt.wantSize, size)
	}
}

func TestApplyCountDelta(t *testing.T) {
	item := FeedItem{ID: 1, LikeCount: util.ToPointer(int64(5))}

	applyCountDelta(&item, persist.MetricLike, 2)
	require.NotNil(t, item.LikeCount)
	assert.Equal(t, int64(7), *item.LikeCount)

	applyCountDelta(&item, persist.MetricLike, -10)
	assert.Equal(t, int64(0), *item.LikeCount, "counts clamp at zero")

	// A missing count is treated as zero.
	applyCountDelta(&item, persist.MetricFav, 1)
	require.NotNil(t, item.FavCount)
	assert.Equal(t, int64(1), *item.FavCount)

	before := *item.LikeCount
	applyCountDelta(&item, persist.Metric("view"), 3)
	assert.Equal(t, before, *item.LikeCount, "unknown metric is ignored")
}

func TestItemFromPost(t *testing.T) {
	published := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	post := persist.KnowPost{
		ID:          42,
		AuthorID:    7,
		Title:       "how raft elections work",
		Top:         true,
		CoverURL:    sql.NullString{String: "https://cdn.example.com/c.png", Valid: true},
		PublishedAt: sql.NullTime{Time: published, Valid: true},
	}

	item := itemFromPost(post)
	assert.Equal(t, int64(42), item.ID)
	assert.Equal(t, int64(7), item.AuthorID)
	assert.Equal(t, "how raft elections work", item.Title)
	assert.True(t, item.Top)
	assert.Equal(t, "https://cdn.example.com/c.png", item.CoverURL)
	assert.Equal(t, published.UnixMilli(), item.PublishedAt)
	assert.Nil(t, item.LikeCount)
	assert.Nil(t, item.Liked)
}

func TestItemFromPostWithoutOptionalFields(t *testing.T) {
	item := itemFromPost(persist.KnowPost{ID: 1, AuthorID: 2, Title: "draft"})
	assert.Empty(t, item.CoverURL)
	assert.Zero(t, item.PublishedAt)
}

func TestPatchLocalPageLeavesReadersCopyAlone(t *testing.T) {
	e := NewEngine(nil, nil, nil, nil, DefaultConfig())
	key := PublicPageKey(20, 1)
	page := FeedPage{
		Items: []FeedItem{{ID: 5, LikeCount: util.ToPointer(int64(1))}},
		Page:  1,
		Size:  20,
	}
	e.localSet(e.localPublic, key, page, time.Minute)

	reader, ok := e.localGet(e.localPublic, key)
	require.True(t, ok)

	e.patchLocalPage(key, 5, persist.MetricLike, 1)

	assert.Equal(t, int64(1), *reader.Items[0].LikeCount, "an in-flight reader keeps its copy")

	patched, ok := e.localGet(e.localPublic, key)
	require.True(t, ok)
	assert.Equal(t, int64(2), *patched.Items[0].LikeCount)
}

func TestPatchLocalPageMissingKey(t *testing.T) {
	e := NewEngine(nil, nil, nil, nil, DefaultConfig())
	e.patchLocalPage(PublicPageKey(20, 9), 5, persist.MetricLike, 1)
}
