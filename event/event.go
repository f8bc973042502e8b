package event

import (
	"context"

	"github.com/knowshare/go-knowshare/service/logger"
	"github.com/knowshare/go-knowshare/service/persist"
)

// CounterDelta describes one applied engagement change. The same shape is
// produced to the counter event topic and dispatched in-process to local
// listeners on the goroutine that applied the change.
type CounterDelta struct {
	EntityType persist.EntityType `json:"entityType"`
	EntityID   string             `json:"entityId"`
	Metric     persist.Metric     `json:"metric"`
	Idx        int                `json:"idx"`
	UserID     int64              `json:"userId"`
	Delta      int64              `json:"delta"`
}

type DeltaHandler interface {
	Handle(context.Context, CounterDelta) error
}

// Dispatcher fans counter deltas out to registered handlers, synchronously.
type Dispatcher struct {
	handlers map[persist.Metric][]DeltaHandler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: map[persist.Metric][]DeltaHandler{}}
}

func (d *Dispatcher) AddHandler(metric persist.Metric, handlers ...DeltaHandler) {
	d.handlers[metric] = append(d.handlers[metric], handlers...)
}

func (d *Dispatcher) Dispatch(ctx context.Context, delta CounterDelta) error {
	handlers, ok := d.handlers[delta.Metric]
	if !ok {
		logger.For(ctx).Warnf("no handler registered for metric: %s", delta.Metric)
		return nil
	}
	for _, handler := range handlers {
		if err := handler.Handle(ctx, delta); err != nil {
			return err
		}
	}
	return nil
}
