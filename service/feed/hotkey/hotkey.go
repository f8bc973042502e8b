package hotkey

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Level classifies how hot a cache key currently is.
type Level int

const (
	LevelNone Level = iota
	LevelLow
	LevelMedium
	LevelHigh
)

// Config holds the sliding-window and classification knobs.
type Config struct {
	Window  time.Duration
	Segment time.Duration

	LevelLow    int64
	LevelMedium int64
	LevelHigh   int64

	ExtendLow    time.Duration
	ExtendMedium time.Duration
	ExtendHigh   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Window:       60 * time.Second,
		Segment:      10 * time.Second,
		LevelLow:     50,
		LevelMedium:  200,
		LevelHigh:    500,
		ExtendLow:    20 * time.Second,
		ExtendMedium: 60 * time.Second,
		ExtendHigh:   120 * time.Second,
	}
}

// Detector keeps an approximate per-key hit count over a sliding window made
// of fixed segments. State is per-process; slot writes are deliberately
// unsynchronized and the heat is approximate.
type Detector struct {
	cfg      Config
	segments int
	current  atomic.Int32

	mu       sync.RWMutex
	counters map[string][]int64

	running atomic.Bool
}

func NewDetector(cfg Config) *Detector {
	segments := int(cfg.Window / cfg.Segment)
	if segments < 1 {
		segments = 1
	}
	d := &Detector{
		cfg:      cfg,
		segments: segments,
		counters: make(map[string][]int64),
	}
	d.running.Store(true)
	return d
}

// Record counts one hit on the key in the current segment.
func (d *Detector) Record(key string) {
	cur := int(d.current.Load())

	d.mu.RLock()
	ring, ok := d.counters[key]
	d.mu.RUnlock()

	if !ok {
		d.mu.Lock()
		ring, ok = d.counters[key]
		if !ok {
			ring = make([]int64, d.segments)
			d.counters[key] = ring
		}
		d.mu.Unlock()
	}

	ring[cur]++
}

// Heat is the hit count over the whole window.
func (d *Detector) Heat(key string) int64 {
	d.mu.RLock()
	ring, ok := d.counters[key]
	d.mu.RUnlock()
	if !ok {
		return 0
	}

	var sum int64
	for _, v := range ring {
		sum += v
	}
	return sum
}

func (d *Detector) LevelOf(key string) Level {
	heat := d.Heat(key)
	switch {
	case heat >= d.cfg.LevelHigh:
		return LevelHigh
	case heat >= d.cfg.LevelMedium:
		return LevelMedium
	case heat >= d.cfg.LevelLow:
		return LevelLow
	}
	return LevelNone
}

// TTLFor extends a base TTL according to the key's heat level.
func (d *Detector) TTLFor(base time.Duration, key string) time.Duration {
	switch d.LevelOf(key) {
	case LevelHigh:
		return base + d.cfg.ExtendHigh
	case LevelMedium:
		return base + d.cfg.ExtendMedium
	case LevelLow:
		return base + d.cfg.ExtendLow
	}
	return base
}

// Run rotates the segment ring until the context is canceled.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Segment)
	defer ticker.Stop()

	for d.running.Load() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.rotate()
		}
	}
}

func (d *Detector) Stop() {
	d.running.Store(false)
}

func (d *Detector) rotate() {
	next := (int(d.current.Load()) + 1) % d.segments

	d.mu.RLock()
	for _, ring := range d.counters {
		ring[next] = 0
	}
	d.mu.RUnlock()

	d.current.Store(int32(next))
}
