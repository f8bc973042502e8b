package event

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowshare/go-knowshare/service/persist"
)

type recordingHandler struct {
	deltas []CounterDelta
	err    error
}

func (h *recordingHandler) Handle(ctx context.Context, delta CounterDelta) error {
	h.deltas = append(h.deltas, delta)
	return h.err
}

func TestDispatchFansOutInOrder(t *testing.T) {
	d := NewDispatcher()
	first := &recordingHandler{}
	second := &recordingHandler{}
	d.AddHandler(persist.MetricLike, first, second)

	delta := CounterDelta{EntityType: persist.EntityKnowPost, EntityID: "1", Metric: persist.MetricLike, UserID: 9, Delta: 1}
	require.NoError(t, d.Dispatch(context.Background(), delta))

	require.Len(t, first.deltas, 1)
	require.Len(t, second.deltas, 1)
	assert.Equal(t, delta, first.deltas[0])
}

func TestDispatchWithoutHandlerIsNoop(t *testing.T) {
	d := NewDispatcher()
	assert.NoError(t, d.Dispatch(context.Background(), CounterDelta{Metric: persist.MetricFav}))
}

func TestDispatchStopsOnFirstError(t *testing.T) {
	d := NewDispatcher()
	failing := &recordingHandler{err: errors.New("boom")}
	next := &recordingHandler{}
	d.AddHandler(persist.MetricFav, failing, next)

	err := d.Dispatch(context.Background(), CounterDelta{Metric: persist.MetricFav})
	assert.Error(t, err)
	assert.Empty(t, next.deltas)
}

func TestCounterDeltaWireFormat(t *testing.T) {
	payload, err := json.Marshal(CounterDelta{
		EntityType: persist.EntityKnowPost,
		EntityID:   "42",
		Metric:     persist.MetricLike,
		Idx:        1,
		UserID:     7,
		Delta:      -1,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"entityType":"knowpost","entityId":"42","metric":"like","idx":1,"userId":7,"delta":-1}`, string(payload))
}
