package util

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDGeneratorRejectsBadWorkerID(t *testing.T) {
	_, err := NewIDGenerator(-1)
	assert.Error(t, err)

	_, err = NewIDGenerator(maxWorkerID + 1)
	assert.Error(t, err)

	_, err = NewIDGenerator(maxWorkerID)
	assert.NoError(t, err)
}

func TestNextIsUniqueAndOrdered(t *testing.T) {
	g, err := NewIDGenerator(1)
	require.NoError(t, err)

	prev := g.Next()
	for i := 0; i < 10000; i++ {
		id := g.Next()
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestNextEmbedsWorkerID(t *testing.T) {
	g, err := NewIDGenerator(42)
	require.NoError(t, err)

	id := g.Next()
	assert.Equal(t, int64(42), (id>>workerShift)&maxWorkerID)
}

func TestNextConcurrentUniqueness(t *testing.T) {
	g, err := NewIDGenerator(0)
	require.NoError(t, err)

	const goroutines = 8
	const perGoroutine = 1000

	var mu sync.Mutex
	seen := make(map[int64]bool, goroutines*perGoroutine)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, perGoroutine)
			for j := range local {
				local[j] = g.Next()
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				assert.False(t, seen[id], "duplicate id %d", id)
				seen[id] = true
			}
		}()
	}
	wg.Wait()
}
