package counter

import (
	"encoding/binary"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/knowshare/go-knowshare/service/persist"
)

// A packed counter is a fixed-length blob of big-endian uint32 segments.
// Segment indices are 0-based everywhere; segment idx lives at byte offset
// idx * FieldSize. Values saturate at [0, 2^32-1].
const FieldSize = 4

// Schema describes the layout of one packed counter family.
type Schema struct {
	Len int
}

func (s Schema) ByteLen() int {
	return s.Len * FieldSize
}

// Entity schema: segment 1 = like, segment 2 = fav, segments 0/3/4 reserved.
var EntitySchema = Schema{Len: 5}

const (
	EntityIdxLike = 1
	EntityIdxFav  = 2
)

// User schema: followings, followers, posts, likesReceived, favsReceived.
var UserSchema = Schema{Len: 5}

const (
	UserIdxFollowings    = 0
	UserIdxFollowers     = 1
	UserIdxPosts         = 2
	UserIdxLikesReceived = 3
	UserIdxFavsReceived  = 4
)

// MetricIdx maps an engagement metric to its entity schema segment
func MetricIdx(metric persist.Metric) (int, bool) {
	switch metric {
	case persist.MetricLike:
		return EntityIdxLike, true
	case persist.MetricFav:
		return EntityIdxFav, true
	}
	return 0, false
}

// SnapshotKey is the entity packed counter key
func SnapshotKey(etype persist.EntityType, eid string) string {
	return fmt.Sprintf("cnt:v1:%s:%s", etype, eid)
}

// UserCounterKey is the user packed counter key
func UserCounterKey(uid int64) string {
	return fmt.Sprintf("ucnt:%d", uid)
}

// AggKey is the aggregation bucket for an entity
func AggKey(etype persist.EntityType, eid string) string {
	return fmt.Sprintf("agg:v1:%s:%s", etype, eid)
}

// AggIndexKey is the set of live aggregation bucket keys
const AggIndexKey = "agg:idx:v1"

// Decode parses a packed counter blob. Length must match the schema exactly.
func Decode(s Schema, blob []byte) ([]uint32, error) {
	if len(blob) != s.ByteLen() {
		return nil, fmt.Errorf("packed counter length %d, want %d", len(blob), s.ByteLen())
	}
	values := make([]uint32, s.Len)
	for i := 0; i < s.Len; i++ {
		values[i] = binary.BigEndian.Uint32(blob[i*FieldSize:])
	}
	return values, nil
}

// Encode writes segment values into a fresh blob. Extra values are ignored,
// missing ones stay zero.
func Encode(s Schema, values []uint32) []byte {
	blob := make([]byte, s.ByteLen())
	for i := 0; i < s.Len && i < len(values); i++ {
		binary.BigEndian.PutUint32(blob[i*FieldSize:], values[i])
	}
	return blob
}

// addSegmentScript atomically adds a delta to one segment of a packed
// counter, allocating a zero blob when the key is absent or malformed.
// Returns the new segment value.
// KEYS[1] = counter key; ARGV = schemaLen, fieldSize, idx, delta.
var addSegmentScript = redis.NewScript(`
local schemaLen = tonumber(ARGV[1])
local fieldSize = tonumber(ARGV[2])
local idx = tonumber(ARGV[3])
local delta = tonumber(ARGV[4])
local total = schemaLen * fieldSize

local buf = redis.call('GET', KEYS[1])
if buf == false or string.len(buf) ~= total then
	buf = string.rep('\0', total)
end

local off = idx * fieldSize
local cur = 0
for i = 1, fieldSize do
	cur = cur * 256 + string.byte(buf, off + i)
end

local v = cur + delta
if v < 0 then
	v = 0
elseif v > 4294967295 then
	v = 4294967295
end

local seg = ''
local rem = v
local bytes = {}
for i = fieldSize, 1, -1 do
	bytes[i] = rem % 256
	rem = math.floor(rem / 256)
end
for i = 1, fieldSize do
	seg = seg .. string.char(bytes[i])
end

buf = string.sub(buf, 1, off) .. seg .. string.sub(buf, off + fieldSize + 1)
redis.call('SET', KEYS[1], buf)
return v
`)

// foldFieldScript folds one aggregation-bucket field into the snapshot and
// deletes the field in the same atomic call, so a restart between fold and
// delete cannot double-count.
// KEYS[1] = snapshot key, KEYS[2] = bucket key; ARGV = schemaLen, fieldSize, idx.
var foldFieldScript = redis.NewScript(`
local schemaLen = tonumber(ARGV[1])
local fieldSize = tonumber(ARGV[2])
local idx = tonumber(ARGV[3])
local total = schemaLen * fieldSize

local delta = redis.call('HGET', KEYS[2], ARGV[3])
if delta == false then
	return -1
end
delta = tonumber(delta)

local buf = redis.call('GET', KEYS[1])
if buf == false or string.len(buf) ~= total then
	buf = string.rep('\0', total)
end

local off = idx * fieldSize
local cur = 0
for i = 1, fieldSize do
	cur = cur * 256 + string.byte(buf, off + i)
end

local v = cur + delta
if v < 0 then
	v = 0
elseif v > 4294967295 then
	v = 4294967295
end

local seg = ''
local rem = v
local bytes = {}
for i = fieldSize, 1, -1 do
	bytes[i] = rem % 256
	rem = math.floor(rem / 256)
end
for i = 1, fieldSize do
	seg = seg .. string.char(bytes[i])
end

buf = string.sub(buf, 1, off) .. seg .. string.sub(buf, off + fieldSize + 1)
redis.call('SET', KEYS[1], buf)
redis.call('HDEL', KEYS[2], ARGV[3])
return v
`)
