package hotkey

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Window = 60 * time.Second
	cfg.Segment = 10 * time.Second
	return cfg
}

func record(d *Detector, key string, n int) {
	for i := 0; i < n; i++ {
		d.Record(key)
	}
}

func TestHeatAccumulates(t *testing.T) {
	d := NewDetector(testConfig())

	assert.Zero(t, d.Heat("k"))

	record(d, "k", 5)
	assert.Equal(t, int64(5), d.Heat("k"))

	d.rotate()
	record(d, "k", 3)
	assert.Equal(t, int64(8), d.Heat("k"))
}

func TestRotateEvictsOldestSegment(t *testing.T) {
	d := NewDetector(testConfig())

	record(d, "k", 7)

	// Rotating through the whole ring zeroes the segment the hits landed in.
	for i := 0; i < d.segments; i++ {
		d.rotate()
	}
	assert.Zero(t, d.Heat("k"))
}

func TestLevelThresholds(t *testing.T) {
	d := NewDetector(testConfig())

	assert.Equal(t, LevelNone, d.LevelOf("k"))

	record(d, "k", 50)
	assert.Equal(t, LevelLow, d.LevelOf("k"))

	record(d, "k", 150)
	assert.Equal(t, LevelMedium, d.LevelOf("k"))

	record(d, "k", 300)
	assert.Equal(t, LevelHigh, d.LevelOf("k"))
}

func TestTTLForExtendsByLevel(t *testing.T) {
	cfg := testConfig()
	d := NewDetector(cfg)
	base := 10 * time.Second

	assert.Equal(t, base, d.TTLFor(base, "k"))

	record(d, "k", int(cfg.LevelLow))
	assert.Equal(t, base+cfg.ExtendLow, d.TTLFor(base, "k"))

	record(d, "k", int(cfg.LevelHigh))
	assert.Equal(t, base+cfg.ExtendHigh, d.TTLFor(base, "k"))
}

func TestSegmentCountFloorsAtOne(t *testing.T) {
	cfg := testConfig()
	cfg.Window = time.Second
	cfg.Segment = 10 * time.Second
	d := NewDetector(cfg)
	assert.Equal(t, 1, d.segments)

	record(d, "k", 2)
	d.rotate()
	assert.Zero(t, d.Heat("k"))
}
