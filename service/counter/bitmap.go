package counter

import (
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/knowshare/go-knowshare/service/persist"
)

// ChunkSize is the number of bits per bitmap shard.
const ChunkSize = 32768

// Shard maps a user id onto its shard chunk and the bit offset within it.
func Shard(uid int64) (chunk int64, bit int64) {
	return uid / ChunkSize, uid % ChunkSize
}

// ShardKey is one bit vector of users in the given state
func ShardKey(metric persist.Metric, etype persist.EntityType, eid string, chunk int64) string {
	return fmt.Sprintf("bm:%s:%s:%s:%d", metric, etype, eid, chunk)
}

// ShardIndexKey is the set of chunk numbers with at least one bit ever set,
// consulted by rebuild instead of scanning the keyspace.
func ShardIndexKey(metric persist.Metric, etype persist.EntityType, eid string) string {
	return fmt.Sprintf("bm:idx:%s:%s:%s", metric, etype, eid)
}

const (
	bitOpAdd    = "add"
	bitOpRemove = "remove"
)

// toggleBitScript flips a bit toward the requested state. Returns 1 when the
// bit changed, 0 when it was already in the target state, -1 on unknown op.
// KEYS[1] = shard key; ARGV = bit, op.
var toggleBitScript = redis.NewScript(`
local bit = tonumber(ARGV[1])
local op = ARGV[2]
local cur = redis.call('GETBIT', KEYS[1], bit)

if op == 'add' then
	if cur == 1 then
		return 0
	end
	redis.call('SETBIT', KEYS[1], bit, 1)
	return 1
elseif op == 'remove' then
	if cur == 0 then
		return 0
	end
	redis.call('SETBIT', KEYS[1], bit, 0)
	return 1
end

return -1
`)
