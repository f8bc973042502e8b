package relation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeEnvelopeWireFormat(t *testing.T) {
	envelope, err := json.Marshal(ChangeEnvelope{
		Table: "outbox",
		Type:  "INSERT",
		Data:  []ChangeRow{{Payload: `{"type":"FollowCreated","fromUserId":1,"toUserId":2}`}},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"table": "outbox",
		"type": "INSERT",
		"data": [{"payload": "{\"type\":\"FollowCreated\",\"fromUserId\":1,\"toUserId\":2}"}]
	}`, string(envelope))
}

func TestOutboxPollSourceAck(t *testing.T) {
	s := &OutboxPollSource{}

	require.NoError(t, s.Ack(10))
	assert.Equal(t, int64(10), s.watermark)

	// A stale ack never moves the watermark backwards.
	require.NoError(t, s.Ack(5))
	assert.Equal(t, int64(10), s.watermark)

	require.NoError(t, s.Rollback(10))
	assert.Equal(t, int64(10), s.watermark)
}

func TestDefaultBridgeConfig(t *testing.T) {
	cfg := DefaultBridgeConfig()
	assert.Equal(t, 64, cfg.BatchSize)
	assert.Positive(t, cfg.Interval)
}
