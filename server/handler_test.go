package server

import (
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowshare/go-knowshare/service/knowpost"
	"github.com/knowshare/go-knowshare/service/persist"
	"github.com/knowshare/go-knowshare/service/relation"
	"github.com/knowshare/go-knowshare/util"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testContext(t *testing.T, target string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, target, nil)
	return c, w
}

func TestPathID(t *testing.T) {
	c, _ := testContext(t, "/")
	c.Params = gin.Params{{Key: "id", Value: "42"}}
	id, ok := pathID(c)
	require.True(t, ok)
	assert.Equal(t, int64(42), id)

	for _, bad := range []string{"", "abc", "0", "-3"} {
		c, w := testContext(t, "/")
		c.Params = gin.Params{{Key: "id", Value: bad}}
		_, ok := pathID(c)
		assert.False(t, ok, "id %q", bad)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	}
}

func TestPageParams(t *testing.T) {
	c, _ := testContext(t, "/?limit=5&offset=10")
	limit, offset := pageParams(c)
	assert.Equal(t, 5, limit)
	assert.Equal(t, 10, offset)

	c, _ = testContext(t, "/")
	limit, offset = pageParams(c)
	assert.Equal(t, 20, limit)
	assert.Equal(t, 0, offset)
}

func TestFeedParams(t *testing.T) {
	c, _ := testContext(t, "/?page=3&size=15")
	page, size := feedParams(c)
	assert.Equal(t, 3, page)
	assert.Equal(t, 15, size)
}

func TestCursorParams(t *testing.T) {
	c, _ := testContext(t, "/?cursor=1714000000000&limit=10")
	limit, cursor := cursorParams(c)
	assert.Equal(t, 10, limit)
	assert.Equal(t, int64(1714000000000), cursor)

	// No cursor means "from the newest".
	c, _ = testContext(t, "/")
	limit, cursor = cursorParams(c)
	assert.Equal(t, 20, limit)
	assert.Equal(t, int64(math.MaxInt64), cursor)

	c, _ = testContext(t, "/?cursor=junk")
	_, cursor = cursorParams(c)
	assert.Equal(t, int64(math.MaxInt64), cursor)
}

func TestViewerExtraction(t *testing.T) {
	c, _ := testContext(t, "/")
	c.Request.Header.Set("X-User-ID", "9")
	authed()(c)
	require.NotNil(t, viewer(c))
	assert.Equal(t, int64(9), *viewer(c))
	assert.Equal(t, int64(9), mustViewer(c))

	for _, bad := range []string{"", "abc", "0", "-1"} {
		c, _ := testContext(t, "/")
		if bad != "" {
			c.Request.Header.Set("X-User-ID", bad)
		}
		authed()(c)
		assert.Nil(t, viewer(c), "header %q", bad)
	}
}

func TestAuthRequired(t *testing.T) {
	c, w := testContext(t, "/")
	authRequired()(c)
	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	c, _ = testContext(t, "/")
	c.Set(viewerIDKey, int64(9))
	authRequired()(c)
	assert.False(t, c.IsAborted())
}

func TestErrResponseMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{relation.ErrRateLimited{UserID: 1}, http.StatusTooManyRequests},
		{persist.ErrPostNotFound{ID: 1}, http.StatusNotFound},
		{persist.ErrUserNotFound{ID: 1}, http.StatusNotFound},
		{knowpost.ErrNotOwner{UserID: 1, PostID: 2}, http.StatusForbidden},
		{util.ErrInvalidInput{Reason: "bad visibility"}, http.StatusBadRequest},
		{assert.AnError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		c, w := testContext(t, "/")
		errResponse(c, tt.err)
		assert.Equal(t, tt.code, w.Code, "%T", tt.err)
	}
}
