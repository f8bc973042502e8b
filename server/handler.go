package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/knowshare/go-knowshare/service/knowpost"
	"github.com/knowshare/go-knowshare/service/persist"
	"github.com/knowshare/go-knowshare/service/relation"
	"github.com/knowshare/go-knowshare/util"
)

const viewerIDKey = "viewerID"

// authed extracts the viewer id set by the authenticating proxy. Token
// verification happens upstream; this service only consumes the result.
func authed() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("X-User-ID")
		if raw == "" {
			return
		}
		uid, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || uid <= 0 {
			return
		}
		c.Set(viewerIDKey, uid)
	}
}

func authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := c.Get(viewerIDKey); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, util.ErrorResponse{Error: "authentication required"})
		}
	}
}

func viewer(c *gin.Context) *int64 {
	if v, ok := c.Get(viewerIDKey); ok {
		uid := v.(int64)
		return &uid
	}
	return nil
}

func mustViewer(c *gin.Context) int64 {
	return c.GetInt64(viewerIDKey)
}

func handlersInit(router *gin.Engine, r *resources) *gin.Engine {
	router.GET("/health", util.HealthCheckHandler())

	api := router.Group("/api/v1", authed())

	rel := api.Group("/relations")
	rel.POST("/:id/follow", authRequired(), followUser(r))
	rel.DELETE("/:id/follow", authRequired(), unfollowUser(r))
	rel.GET("/:id/status", authRequired(), relationStatus(r))
	rel.GET("/:id/following", listFollowing(r, false))
	rel.GET("/:id/following/profiles", listFollowing(r, true))
	rel.GET("/:id/followers", listFollowers(r, false))
	rel.GET("/:id/followers/profiles", listFollowers(r, true))
	rel.GET("/:id/following/cursor", cursorFollowing(r))
	rel.GET("/:id/followers/cursor", cursorFollowers(r))

	api.GET("/users/:id/counters", userCounters(r))

	posts := api.Group("/posts")
	posts.POST("", authRequired(), createDraft(r))
	posts.GET("/counts", entityCountsBatch(r))
	posts.GET("/:id", postDetail(r))
	posts.PUT("/:id/content", authRequired(), updateContent(r))
	posts.PUT("/:id/metadata", authRequired(), updateMetadata(r))
	posts.POST("/:id/publish", authRequired(), publishPost(r))
	posts.PUT("/:id/top", authRequired(), updateTop(r))
	posts.PUT("/:id/visibility", authRequired(), updateVisibility(r))
	posts.DELETE("/:id", authRequired(), deletePost(r))
	posts.GET("/:id/counts", entityCounts(r))
	posts.POST("/:id/like", authRequired(), toggleEngagement(r, persist.MetricLike, true))
	posts.DELETE("/:id/like", authRequired(), toggleEngagement(r, persist.MetricLike, false))
	posts.POST("/:id/fav", authRequired(), toggleEngagement(r, persist.MetricFav, true))
	posts.DELETE("/:id/fav", authRequired(), toggleEngagement(r, persist.MetricFav, false))

	api.GET("/feed/public", publicFeed(r))
	api.GET("/feed/mine", authRequired(), mineFeed(r))

	return router
}

func followUser(r *resources) gin.HandlerFunc {
	return func(c *gin.Context) {
		target, ok := pathID(c)
		if !ok {
			return
		}
		created, err := r.relations.Follow(c.Request.Context(), mustViewer(c), target)
		if err != nil {
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"created": created})
	}
}

func unfollowUser(r *resources) gin.HandlerFunc {
	return func(c *gin.Context) {
		target, ok := pathID(c)
		if !ok {
			return
		}
		canceled, err := r.relations.Unfollow(c.Request.Context(), mustViewer(c), target)
		if err != nil {
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"canceled": canceled})
	}
}

func relationStatus(r *resources) gin.HandlerFunc {
	return func(c *gin.Context) {
		target, ok := pathID(c)
		if !ok {
			return
		}
		status, err := r.relations.Status(c.Request.Context(), mustViewer(c), target)
		if err != nil {
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

func listFollowing(r *resources, withProfiles bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := pathID(c)
		if !ok {
			return
		}
		limit, offset := pageParams(c)

		ctx := c.Request.Context()
		if withProfiles {
			profiles, err := r.relations.FollowingProfiles(ctx, uid, limit, offset)
			if err != nil {
				errResponse(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"users": profiles})
			return
		}

		ids, err := r.relations.Following(ctx, uid, limit, offset)
		if err != nil {
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ids": ids})
	}
}

func listFollowers(r *resources, withProfiles bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := pathID(c)
		if !ok {
			return
		}
		limit, offset := pageParams(c)

		ctx := c.Request.Context()
		if withProfiles {
			profiles, err := r.relations.FollowersProfiles(ctx, uid, limit, offset)
			if err != nil {
				errResponse(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"users": profiles})
			return
		}

		ids, err := r.relations.Followers(ctx, uid, limit, offset)
		if err != nil {
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ids": ids})
	}
}

func cursorFollowing(r *resources) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := pathID(c)
		if !ok {
			return
		}
		limit, cursor := cursorParams(c)
		entries, err := r.relations.FollowingCursor(c.Request.Context(), uid, limit, cursor)
		if err != nil {
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, cursorPage(entries))
	}
}

func cursorFollowers(r *resources) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := pathID(c)
		if !ok {
			return
		}
		limit, cursor := cursorParams(c)
		entries, err := r.relations.FollowersCursor(c.Request.Context(), uid, limit, cursor)
		if err != nil {
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, cursorPage(entries))
	}
}

func cursorPage(entries []relation.RelationEntry) gin.H {
	next := int64(0)
	if len(entries) > 0 {
		next = int64(entries[len(entries)-1].Score)
	}
	return gin.H{"entries": entries, "nextCursor": next}
}

func userCounters(r *resources) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := pathID(c)
		if !ok {
			return
		}
		counts, err := r.relations.Counters(c.Request.Context(), uid)
		if err != nil {
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"followings":    counts.Followings,
			"followers":     counts.Followers,
			"posts":         counts.Posts,
			"likesReceived": counts.LikesReceived,
			"favsReceived":  counts.FavsReceived,
		})
	}
}

func toggleEngagement(r *resources, metric persist.Metric, on bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		postID, ok := pathID(c)
		if !ok {
			return
		}
		eid := strconv.FormatInt(postID, 10)
		uid := mustViewer(c)
		ctx := c.Request.Context()

		var changed bool
		var err error
		switch {
		case metric == persist.MetricLike && on:
			changed, err = r.counters.Like(ctx, persist.EntityKnowPost, eid, uid)
		case metric == persist.MetricLike:
			changed, err = r.counters.Unlike(ctx, persist.EntityKnowPost, eid, uid)
		case on:
			changed, err = r.counters.Fav(ctx, persist.EntityKnowPost, eid, uid)
		default:
			changed, err = r.counters.Unfav(ctx, persist.EntityKnowPost, eid, uid)
		}
		if err != nil {
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"changed": changed})
	}
}

func entityCounts(r *resources) gin.HandlerFunc {
	return func(c *gin.Context) {
		postID, ok := pathID(c)
		if !ok {
			return
		}
		counts, err := r.counters.GetCounts(c.Request.Context(), persist.EntityKnowPost, strconv.FormatInt(postID, 10), allMetrics)
		if err != nil {
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, counts)
	}
}

func entityCountsBatch(r *resources) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.Query("ids")
		if raw == "" {
			util.ErrResponse(c, http.StatusBadRequest, util.ErrInvalidInput{Reason: "ids is required"})
			return
		}
		ids := util.Dedupe(strings.Split(raw, ","))
		if len(ids) > 100 {
			util.ErrResponse(c, http.StatusBadRequest, util.ErrInvalidInput{Reason: "too many ids"})
			return
		}
		for _, id := range ids {
			if _, err := strconv.ParseInt(id, 10, 64); err != nil {
				util.ErrResponse(c, http.StatusBadRequest, util.ErrInvalidInput{Reason: "invalid id " + id})
				return
			}
		}

		counts, err := r.counters.GetCountsBatch(c.Request.Context(), persist.EntityKnowPost, ids, allMetrics)
		if err != nil {
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, counts)
	}
}

var allMetrics = []persist.Metric{persist.MetricLike, persist.MetricFav}

func publicFeed(r *resources) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, size := feedParams(c)
		result, err := r.feed.Public(c.Request.Context(), viewer(c), page, size)
		if err != nil {
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func mineFeed(r *resources) gin.HandlerFunc {
	return func(c *gin.Context) {
		page, size := feedParams(c)
		result, err := r.feed.Mine(c.Request.Context(), mustViewer(c), page, size)
		if err != nil {
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func postDetail(r *resources) gin.HandlerFunc {
	return func(c *gin.Context) {
		postID, ok := pathID(c)
		if !ok {
			return
		}
		detail, err := r.posts.Detail(c.Request.Context(), viewer(c), postID)
		if err != nil {
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, detail)
	}
}

type createDraftInput struct {
	Title      string `json:"title" binding:"required"`
	Content    string `json:"content" binding:"required"`
	CoverURL   string `json:"coverUrl"`
	Visibility string `json:"visibility" binding:"required"`
}

func createDraft(r *resources) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in createDraftInput
		if err := c.ShouldBindJSON(&in); err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}
		post, err := r.posts.CreateDraft(c.Request.Context(), mustViewer(c), in.Title, in.Content, in.CoverURL, persist.PostVisibility(in.Visibility))
		if err != nil {
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": post.ID})
	}
}

type updateContentInput struct {
	Title   string `json:"title" binding:"required"`
	Content string `json:"content" binding:"required"`
}

func updateContent(r *resources) gin.HandlerFunc {
	return func(c *gin.Context) {
		postID, ok := pathID(c)
		if !ok {
			return
		}
		var in updateContentInput
		if err := c.ShouldBindJSON(&in); err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}
		if err := r.posts.UpdateContent(c.Request.Context(), mustViewer(c), postID, in.Title, in.Content); err != nil {
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, util.SuccessResponse{Success: true})
	}
}

type updateMetadataInput struct {
	Title    string `json:"title" binding:"required"`
	CoverURL string `json:"coverUrl"`
}

func updateMetadata(r *resources) gin.HandlerFunc {
	return func(c *gin.Context) {
		postID, ok := pathID(c)
		if !ok {
			return
		}
		var in updateMetadataInput
		if err := c.ShouldBindJSON(&in); err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}
		if err := r.posts.UpdateMetadata(c.Request.Context(), mustViewer(c), postID, in.Title, in.CoverURL); err != nil {
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, util.SuccessResponse{Success: true})
	}
}

func publishPost(r *resources) gin.HandlerFunc {
	return func(c *gin.Context) {
		postID, ok := pathID(c)
		if !ok {
			return
		}
		if err := r.posts.Publish(c.Request.Context(), mustViewer(c), postID); err != nil {
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, util.SuccessResponse{Success: true})
	}
}

type updateTopInput struct {
	Top *bool `json:"top" binding:"required"`
}

func updateTop(r *resources) gin.HandlerFunc {
	return func(c *gin.Context) {
		postID, ok := pathID(c)
		if !ok {
			return
		}
		var in updateTopInput
		if err := c.ShouldBindJSON(&in); err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}
		if err := r.posts.SetTop(c.Request.Context(), mustViewer(c), postID, *in.Top); err != nil {
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, util.SuccessResponse{Success: true})
	}
}

type updateVisibilityInput struct {
	Visibility string `json:"visibility" binding:"required"`
}

func updateVisibility(r *resources) gin.HandlerFunc {
	return func(c *gin.Context) {
		postID, ok := pathID(c)
		if !ok {
			return
		}
		var in updateVisibilityInput
		if err := c.ShouldBindJSON(&in); err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}
		if err := r.posts.SetVisibility(c.Request.Context(), mustViewer(c), postID, persist.PostVisibility(in.Visibility)); err != nil {
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, util.SuccessResponse{Success: true})
	}
}

func deletePost(r *resources) gin.HandlerFunc {
	return func(c *gin.Context) {
		postID, ok := pathID(c)
		if !ok {
			return
		}
		if err := r.posts.Delete(c.Request.Context(), mustViewer(c), postID); err != nil {
			errResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, util.SuccessResponse{Success: true})
	}
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		util.ErrResponse(c, http.StatusBadRequest, util.ErrInvalidInput{Reason: "invalid id"})
		return 0, false
	}
	return id, true
}

func pageParams(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	return limit, offset
}

// cursorParams reads score-cursor pagination params. An absent cursor means
// "from the newest", so it defaults to the maximum score.
func cursorParams(c *gin.Context) (limit int, cursor int64) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	cursor = math.MaxInt64
	if raw := c.Query("cursor"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cursor = v
		}
	}
	return limit, cursor
}

func feedParams(c *gin.Context) (page, size int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ = strconv.Atoi(c.DefaultQuery("size", "20"))
	return page, size
}

// errResponse maps service errors to HTTP statuses.
func errResponse(c *gin.Context, err error) {
	switch {
	case errorIsAny[relation.ErrRateLimited](err):
		util.ErrResponse(c, http.StatusTooManyRequests, err)
	case errorIsAny[persist.ErrPostNotFound](err), errorIsAny[persist.ErrUserNotFound](err), errorIsAny[persist.ErrRelationNotFound](err):
		util.ErrResponse(c, http.StatusNotFound, err)
	case errorIsAny[knowpost.ErrNotOwner](err):
		util.ErrResponse(c, http.StatusForbidden, err)
	case errorIsAny[util.ErrInvalidInput](err):
		util.ErrResponse(c, http.StatusBadRequest, err)
	default:
		util.ErrResponse(c, http.StatusInternalServerError, err)
	}
}

func errorIsAny[T error](err error) bool {
	var t T
	return errors.As(err, &t)
}
