package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHourSlot(t *testing.T) {
	base := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)

	slot := HourSlot(base)
	assert.Equal(t, slot, HourSlot(base.Add(59*time.Minute+59*time.Second)))
	assert.Equal(t, slot+1, HourSlot(base.Add(time.Hour)))
	assert.Equal(t, slot-1, HourSlot(base.Add(-time.Second)))
}

func TestFeedKeys(t *testing.T) {
	assert.Equal(t, "feed:public:20:1:v1", PublicPageKey(20, 1))
	assert.Equal(t, "feed:public:ids:20:477000:1", PublicIDsKey(20, 477000, 1))
	assert.Equal(t, "feed:public:ids:20:477000:1:hasMore", HasMoreKey(PublicIDsKey(20, 477000, 1)))
	assert.Equal(t, "feed:item:42", ItemKey(42))
	assert.Equal(t, "feed:count:42", CountKey(42))
	assert.Equal(t, "feed:public:index:42:477000", ReverseIndexKey(42, 477000))
	assert.Equal(t, "feed:mine:7:20:2", MinePageKey(7, 20, 2))
	assert.Equal(t, "feed:mine:pages:7", MineKeySet(7))
	assert.Equal(t, "knowpost:detail:42:v1", DetailKey(42))
}
