package util

import (
	"fmt"
	"sync"
	"time"
)

const (
	idEpochMillis  = int64(1672531200000) // 2023-01-01T00:00:00Z
	workerIDBits   = 10
	sequenceBits   = 12
	maxWorkerID    = (1 << workerIDBits) - 1
	sequenceMask   = (1 << sequenceBits) - 1
	workerShift    = sequenceBits
	timestampShift = sequenceBits + workerIDBits
)

// IDGenerator produces roughly time-ordered int64 ids. Safe for concurrent use.
type IDGenerator struct {
	mu       sync.Mutex
	workerID int64
	lastMs   int64
	sequence int64
}

func NewIDGenerator(workerID int64) (*IDGenerator, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, fmt.Errorf("worker id %d out of range [0, %d]", workerID, maxWorkerID)
	}
	return &IDGenerator{workerID: workerID}, nil
}

func (g *IDGenerator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < g.lastMs {
		// Clock went backwards, reuse the last timestamp until it catches up
		now = g.lastMs
	}

	if now == g.lastMs {
		g.sequence = (g.sequence + 1) & sequenceMask
		if g.sequence == 0 {
			for now <= g.lastMs {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		g.sequence = 0
	}

	g.lastMs = now
	return (now-idEpochMillis)<<timestampShift | g.workerID<<workerShift | g.sequence
}
