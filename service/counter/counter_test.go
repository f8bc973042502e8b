package counter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/knowshare/go-knowshare/service/persist"
)

func TestBackoffDelay(t *testing.T) {
	base := 500 * time.Millisecond
	max := 30 * time.Second

	tests := []struct {
		level int64
		want  time.Duration
	}{
		{-3, 500 * time.Millisecond},
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
		{100, 30 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, BackoffDelay(base, max, tt.level), "level %d", tt.level)
	}
}

func TestBackoffDelayClampsShiftOverflow(t *testing.T) {
	// A huge base shifted 10 times overflows; the cap must still hold.
	base := time.Duration(1) << 60
	max := 30 * time.Second
	assert.Equal(t, max, BackoffDelay(base, max, 10))
}

func TestRebuildKeys(t *testing.T) {
	assert.Equal(t, "rl:sds-rebuild:knowpost:123", rebuildRateKey(persist.EntityKnowPost, "123"))
	assert.Equal(t, "lock:sds-rebuild:knowpost:123", rebuildLockKey(persist.EntityKnowPost, "123"))
	assert.Equal(t, "backoff:sds-rebuild:exp:knowpost:123", backoffExpKey(persist.EntityKnowPost, "123"))
	assert.Equal(t, "backoff:sds-rebuild:until:knowpost:123", backoffUntilKey(persist.EntityKnowPost, "123"))
}

func TestZeroMetrics(t *testing.T) {
	out := zeroMetrics([]persist.Metric{persist.MetricLike, persist.MetricFav})
	assert.Equal(t, map[persist.Metric]int64{persist.MetricLike: 0, persist.MetricFav: 0}, out)
}
