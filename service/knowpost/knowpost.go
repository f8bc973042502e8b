package knowpost

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/knowshare/go-knowshare/service/counter"
	"github.com/knowshare/go-knowshare/service/feed"
	"github.com/knowshare/go-knowshare/service/feed/hotkey"
	"github.com/knowshare/go-knowshare/service/logger"
	"github.com/knowshare/go-knowshare/service/persist"
	"github.com/knowshare/go-knowshare/service/persist/postgres"
	"github.com/knowshare/go-knowshare/service/redis"
	"github.com/knowshare/go-knowshare/util"
)

const (
	// Gap between a mutation and the second cache delete. Long enough for
	// in-flight readers that loaded the old row to finish writing it back.
	secondDeleteDelay = 200 * time.Millisecond

	detailTTL         = 60 * time.Second
	detailTTLJitter   = 30 * time.Second
	sentinelTTL       = 30 * time.Second
	sentinelTTLJitter = 30 * time.Second
)

type ErrNotOwner struct {
	UserID int64
	PostID int64
}

func (e ErrNotOwner) Error() string {
	return fmt.Sprintf("user %d does not own post %d", e.UserID, e.PostID)
}

// Detail is the full rendering of one post. Counts come from the counter
// snapshot; viewer flags are overlaid per request and never cached.
type Detail struct {
	ID          int64                  `json:"id"`
	AuthorID    int64                  `json:"authorId"`
	Author      *persist.UserProfile   `json:"author,omitempty"`
	Title       string                 `json:"title"`
	Content     string                 `json:"content"`
	CoverURL    string                 `json:"coverUrl,omitempty"`
	Visibility  persist.PostVisibility `json:"visibility"`
	Status      persist.PostStatus     `json:"status"`
	Top         bool                   `json:"top"`
	CreatedAt   int64                  `json:"createdAt"`
	UpdatedAt   int64                  `json:"updatedAt"`
	PublishedAt int64                  `json:"publishedAt,omitempty"`
	LikeCount   int64                  `json:"likeCount"`
	FavCount    int64                  `json:"favCount"`
	Liked       *bool                  `json:"liked,omitempty"`
	Faved       *bool                  `json:"faved,omitempty"`
}

// Service owns the post lifecycle. Every mutation that can be visible in a
// feed deletes the affected caches before the write and again shortly after.
type Service struct {
	cache    *redis.Cache
	posts    *postgres.KnowPostRepository
	users    *postgres.UserRepository
	counters *counter.Service
	ucnt     *counter.UserCounterService
	feed     *feed.Engine
	hotKeys  *hotkey.Detector
	ids      *util.IDGenerator
	group    singleflight.Group
}

func NewService(cache *redis.Cache, posts *postgres.KnowPostRepository, users *postgres.UserRepository, counters *counter.Service, ucnt *counter.UserCounterService, feedEngine *feed.Engine, hotKeys *hotkey.Detector, ids *util.IDGenerator) *Service {
	return &Service{
		cache:    cache,
		posts:    posts,
		users:    users,
		counters: counters,
		ucnt:     ucnt,
		feed:     feedEngine,
		hotKeys:  hotKeys,
		ids:      ids,
	}
}

// CreateDraft creates a new post in draft state. Drafts are invisible to
// feeds, so no cache work is needed.
func (s *Service) CreateDraft(ctx context.Context, authorID int64, title, content, coverURL string, visibility persist.PostVisibility) (persist.KnowPost, error) {
	if !visibility.Valid() {
		return persist.KnowPost{}, util.ErrInvalidInput{Reason: fmt.Sprintf("invalid visibility %q", visibility)}
	}

	post := persist.KnowPost{
		ID:         s.ids.Next(),
		AuthorID:   authorID,
		Title:      title,
		Content:    content,
		Visibility: visibility,
		Status:     persist.PostDraft,
	}
	if coverURL != "" {
		post.CoverURL = sql.NullString{String: coverURL, Valid: true}
	}

	if err := s.posts.Create(ctx, post); err != nil {
		return persist.KnowPost{}, err
	}
	return post, nil
}

func (s *Service) UpdateContent(ctx context.Context, authorID, postID int64, title, content string) error {
	return s.mutate(ctx, authorID, postID, func(ctx context.Context) error {
		return s.posts.UpdateContent(ctx, postID, title, content)
	})
}

func (s *Service) UpdateMetadata(ctx context.Context, authorID, postID int64, title, coverURL string) error {
	return s.mutate(ctx, authorID, postID, func(ctx context.Context) error {
		cover := sql.NullString{String: coverURL, Valid: coverURL != ""}
		return s.posts.UpdateMetadata(ctx, postID, title, cover)
	})
}

// Publish moves a draft to published and counts it toward the author's
// published-post counter.
func (s *Service) Publish(ctx context.Context, authorID, postID int64) error {
	err := s.mutate(ctx, authorID, postID, func(ctx context.Context) error {
		return s.posts.Publish(ctx, postID)
	})
	if err != nil {
		return err
	}
	return s.ucnt.IncrementPosts(ctx, authorID, 1)
}

func (s *Service) SetTop(ctx context.Context, authorID, postID int64, top bool) error {
	return s.mutate(ctx, authorID, postID, func(ctx context.Context) error {
		return s.posts.UpdateTop(ctx, postID, top)
	})
}

func (s *Service) SetVisibility(ctx context.Context, authorID, postID int64, visibility persist.PostVisibility) error {
	if !visibility.Valid() {
		return util.ErrInvalidInput{Reason: fmt.Sprintf("invalid visibility %q", visibility)}
	}
	return s.mutate(ctx, authorID, postID, func(ctx context.Context) error {
		return s.posts.UpdateVisibility(ctx, postID, visibility)
	})
}

// Delete soft-deletes a post. A published post also comes off the author's
// published-post counter.
func (s *Service) Delete(ctx context.Context, authorID, postID int64) error {
	post, err := s.ownedPost(ctx, authorID, postID)
	if err != nil {
		return err
	}

	err = s.mutate(ctx, authorID, postID, func(ctx context.Context) error {
		return s.posts.SoftDelete(ctx, postID)
	})
	if err != nil {
		return err
	}

	if post.Status == persist.PostPublished {
		return s.ucnt.IncrementPosts(ctx, authorID, -1)
	}
	return nil
}

// mutate wraps a write with the double delete: caches are cleared before the
// write so readers cannot serve the old copy past it, and again after a short
// delay to catch read-repair writes that raced the mutation.
func (s *Service) mutate(ctx context.Context, authorID, postID int64, fn func(context.Context) error) error {
	if _, err := s.ownedPost(ctx, authorID, postID); err != nil {
		return err
	}

	if err := s.feed.DeleteCaches(ctx, authorID, postID); err != nil {
		logger.For(ctx).Errorf("deleting caches before mutating post %d: %s", postID, err)
	}

	if err := fn(ctx); err != nil {
		return err
	}

	go func() {
		time.Sleep(secondDeleteDelay)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.feed.DeleteCaches(ctx, authorID, postID); err != nil {
			logger.For(ctx).Errorf("deleting caches after mutating post %d: %s", postID, err)
		}
	}()

	return nil
}

func (s *Service) ownedPost(ctx context.Context, authorID, postID int64) (persist.KnowPost, error) {
	post, err := s.posts.GetByID(ctx, postID)
	if err != nil {
		return persist.KnowPost{}, err
	}
	if post.AuthorID != authorID {
		return persist.KnowPost{}, ErrNotOwner{UserID: authorID, PostID: postID}
	}
	return post, nil
}

// Detail serves the post detail through the detail cache. Only posts every
// viewer may see are cached; restricted posts load straight from the DB.
func (s *Service) Detail(ctx context.Context, viewerID *int64, postID int64) (Detail, error) {
	key := feed.DetailKey(postID)
	s.hotKeys.Record(key)

	blob, err := s.cache.Get(ctx, key)
	if err == nil {
		if string(blob) == feed.NullSentinel {
			return Detail{}, persist.ErrPostNotFound{ID: postID}
		}
		var detail Detail
		if err := json.Unmarshal(blob, &detail); err == nil {
			return s.overlay(ctx, viewerID, detail), nil
		}
	} else if _, ok := util.ErrorAs[redis.ErrKeyNotFound](err); !ok {
		return Detail{}, err
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.loadDetail(ctx, viewerID, postID)
	})
	if err != nil {
		return Detail{}, err
	}
	return s.overlay(ctx, viewerID, v.(Detail)), nil
}

func (s *Service) loadDetail(ctx context.Context, viewerID *int64, postID int64) (Detail, error) {
	key := feed.DetailKey(postID)

	post, err := s.posts.GetByID(ctx, postID)
	if err != nil {
		if _, ok := util.ErrorAs[persist.ErrPostNotFound](err); ok {
			ttl := util.Jitter(sentinelTTL, sentinelTTLJitter)
			if cerr := s.cache.Set(ctx, key, []byte(feed.NullSentinel), ttl); cerr != nil {
				logger.For(ctx).Errorf("installing detail sentinel for %d: %s", postID, cerr)
			}
		}
		return Detail{}, err
	}

	if !canView(post, viewerID) {
		return Detail{}, persist.ErrPostNotFound{ID: postID}
	}

	detail := detailFromPost(post)

	if author, err := s.users.GetByID(ctx, post.AuthorID); err == nil {
		detail.Author = &author
	} else if _, ok := util.ErrorAs[persist.ErrUserNotFound](err); !ok {
		return Detail{}, err
	}

	counts, err := s.counters.GetCounts(ctx, persist.EntityKnowPost, strconv.FormatInt(postID, 10), []persist.Metric{persist.MetricLike, persist.MetricFav})
	if err != nil {
		return Detail{}, err
	}
	detail.LikeCount = counts[persist.MetricLike]
	detail.FavCount = counts[persist.MetricFav]

	if cacheable(post) {
		encoded, err := json.Marshal(detail)
		if err == nil {
			ttl := s.hotKeys.TTLFor(util.Jitter(detailTTL, detailTTLJitter), key)
			if err := s.cache.Set(ctx, key, encoded, ttl); err != nil {
				logger.For(ctx).Errorf("writing detail for %d: %s", postID, err)
			}
		}
	}

	return detail, nil
}

// overlay refreshes counts from the live count fragment and stamps the
// viewer's flags onto a cached detail.
func (s *Service) overlay(ctx context.Context, viewerID *int64, detail Detail) Detail {
	if blob, err := s.cache.Get(ctx, feed.CountKey(detail.ID)); err == nil {
		var c feed.Counts
		if err := json.Unmarshal(blob, &c); err == nil {
			detail.LikeCount = c.Like
			detail.FavCount = c.Fav
		}
	}

	if viewerID == nil {
		return detail
	}

	eid := strconv.FormatInt(detail.ID, 10)
	if liked, err := s.counters.IsLiked(ctx, persist.EntityKnowPost, eid, *viewerID); err == nil {
		detail.Liked = util.ToPointer(liked)
	}
	if faved, err := s.counters.IsFaved(ctx, persist.EntityKnowPost, eid, *viewerID); err == nil {
		detail.Faved = util.ToPointer(faved)
	}
	return detail
}

func canView(post persist.KnowPost, viewerID *int64) bool {
	if viewerID != nil && *viewerID == post.AuthorID {
		return post.Status != persist.PostDeleted
	}
	if post.Status != persist.PostPublished {
		return false
	}
	switch post.Visibility {
	case persist.VisibilityPublic, persist.VisibilityUnlisted:
		return true
	}
	return false
}

// cacheable reports whether the detail may be served from a shared cache
// entry, i.e. every viewer would get the same answer.
func cacheable(post persist.KnowPost) bool {
	if post.Status != persist.PostPublished {
		return false
	}
	return post.Visibility == persist.VisibilityPublic || post.Visibility == persist.VisibilityUnlisted
}

func detailFromPost(post persist.KnowPost) Detail {
	detail := Detail{
		ID:         post.ID,
		AuthorID:   post.AuthorID,
		Title:      post.Title,
		Content:    post.Content,
		Visibility: post.Visibility,
		Status:     post.Status,
		Top:        post.Top,
		CreatedAt:  post.CreatedAt.UnixMilli(),
		UpdatedAt:  post.UpdatedAt.UnixMilli(),
	}
	if post.CoverURL.Valid {
		detail.CoverURL = post.CoverURL.String
	}
	if post.PublishedAt.Valid {
		detail.PublishedAt = post.PublishedAt.Time.UnixMilli()
	}
	return detail
}
