package persist

import (
	"database/sql"
	"fmt"
	"time"
)

// EntityType identifies what kind of entity a counter belongs to.
type EntityType string

const (
	EntityKnowPost EntityType = "knowpost"
	EntityComment  EntityType = "comment"
)

// Metric is an engagement dimension tracked per entity.
type Metric string

const (
	MetricLike Metric = "like"
	MetricFav  Metric = "fav"
)

// PostVisibility controls who can see a know post.
type PostVisibility string

const (
	VisibilityPublic    PostVisibility = "public"
	VisibilityFollowers PostVisibility = "followers"
	VisibilitySchool    PostVisibility = "school"
	VisibilityPrivate   PostVisibility = "private"
	VisibilityUnlisted  PostVisibility = "unlisted"
)

func (v PostVisibility) Valid() bool {
	switch v {
	case VisibilityPublic, VisibilityFollowers, VisibilitySchool, VisibilityPrivate, VisibilityUnlisted:
		return true
	}
	return false
}

// PostStatus is the lifecycle state of a know post.
type PostStatus string

const (
	PostDraft     PostStatus = "draft"
	PostPublished PostStatus = "published"
	PostDeleted   PostStatus = "deleted"
)

// Relation is a row in the following table, owned by the follower side.
type Relation struct {
	ID         int64
	FromUserID int64
	ToUserID   int64
	CreatedAt  time.Time
}

// FollowerEdge is the inverse row in the follower table, owned by the followed side.
// It is written only by the relation event processor.
type FollowerEdge struct {
	ID         int64
	UserID     int64
	FromUserID int64
	CreatedAt  time.Time
}

// OutboxMessage is a transactional outbox row written in the same transaction
// as the state change it describes.
type OutboxMessage struct {
	ID            int64
	AggregateType string
	AggregateID   int64
	Type          string
	Payload       string
	CreatedAt     time.Time
}

// KnowPost is a knowledge-sharing post.
type KnowPost struct {
	ID          int64
	AuthorID    int64
	Title       string
	Content     string
	CoverURL    sql.NullString
	Visibility  PostVisibility
	Status      PostStatus
	Top         bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	PublishedAt sql.NullTime
}

// UserProfile is the minimal projection of the users table needed by
// relation lists.
type UserProfile struct {
	ID        int64
	Nickname  string
	AvatarURL sql.NullString
}

type ErrPostNotFound struct {
	ID int64
}

func (e ErrPostNotFound) Error() string {
	return fmt.Sprintf("know post %d not found", e.ID)
}

type ErrUserNotFound struct {
	ID int64
}

func (e ErrUserNotFound) Error() string {
	return fmt.Sprintf("user %d not found", e.ID)
}

type ErrRelationNotFound struct {
	FromUserID int64
	ToUserID   int64
}

func (e ErrRelationNotFound) Error() string {
	return fmt.Sprintf("relation %d -> %d not found", e.FromUserID, e.ToUserID)
}
