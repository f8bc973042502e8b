package feed

import (
	"fmt"
	"time"
)

// Cache layout version. Bump when the serialized page or item shape changes.
const layoutVersion = 1

// HourSlot buckets fragment keys by wall-clock hour so every slot ages out on
// its own instead of one global invalidation.
func HourSlot(t time.Time) int64 {
	return t.Unix() / 3600
}

// PublicPageKey is the distributed page snapshot without viewer flags
func PublicPageKey(size, page int) string {
	return fmt.Sprintf("feed:public:%d:%d:v%d", size, page, layoutVersion)
}

// PublicIDsKey is the ordered content-id fragment for one page and hour slot
func PublicIDsKey(size int, slot int64, page int) string {
	return fmt.Sprintf("feed:public:ids:%d:%d:%d", size, slot, page)
}

// HasMoreKey is the soft next-page flag beside the ids fragment
func HasMoreKey(idsKey string) string {
	return idsKey + ":hasMore"
}

// ItemKey holds one serialized feed item
func ItemKey(id int64) string {
	return fmt.Sprintf("feed:item:%d", id)
}

// CountKey holds the like/fav counts for one item
func CountKey(id int64) string {
	return fmt.Sprintf("feed:count:%d", id)
}

// ReverseIndexKey is the set of page keys referencing an item in a slot
func ReverseIndexKey(id int64, slot int64) string {
	return fmt.Sprintf("feed:public:index:%d:%d", id, slot)
}

// PublicKeySet tracks every live feed:public:* key for targeted deletion
const PublicKeySet = "feed:public:pages"

// MinePageKey is the viewer-private page snapshot, flags included
func MinePageKey(uid int64, size, page int) string {
	return fmt.Sprintf("feed:mine:%d:%d:%d", uid, size, page)
}

// MineKeySet tracks one viewer's live mine-page keys
func MineKeySet(uid int64) string {
	return fmt.Sprintf("feed:mine:pages:%d", uid)
}

// DetailKey holds the serialized post detail
func DetailKey(id int64) string {
	return fmt.Sprintf("knowpost:detail:%d:v%d", id, layoutVersion)
}

// NullSentinel marks a negative cache entry. It can never collide with a
// serialized JSON object.
const NullSentinel = "NULL"
