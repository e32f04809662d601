package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// --- encodeEnvelope ---

func TestEncodeEnvelope_WrapsTypeAndData(t *testing.T) {
	payload, err := encodeEnvelope(typeHeartbeat, heartbeatPayload{Timestamp: 1700000000000})
	require.NoError(t, err)

	assert.Equal(t, typeHeartbeat, gjson.GetBytes(payload, "type").Str)
	assert.Equal(t, int64(1700000000000), gjson.GetBytes(payload, "data.timestamp").Int())
}

func TestEncodeEnvelope_MessagePayloadFlattened(t *testing.T) {
	msg := models.Message{
		ID:         "m1",
		Text:       "hello",
		Sender:     models.SenderUser,
		SyncStatus: models.StatusSyncing,
	}

	payload, err := encodeEnvelope(typeMessageSyncRequest, messagePayload{
		Message:        msg,
		ConversationID: "c1",
	})
	require.NoError(t, err)

	// Message fields sit beside conversationId, not nested under a key.
	assert.Equal(t, "m1", gjson.GetBytes(payload, "data.id").Str)
	assert.Equal(t, "hello", gjson.GetBytes(payload, "data.text").Str)
	assert.Equal(t, "c1", gjson.GetBytes(payload, "data.conversationId").Str)
}

func TestEnvelope_RoundTripsRawData(t *testing.T) {
	raw := []byte(`{"type":"MESSAGE_SYNC_RESPONSE","data":{"id":"m1","conversationId":"c1","status":"success"}}`)

	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, typeMessageSyncResponse, env.Type)

	var ack ackPayload
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.Equal(t, "m1", ack.ID)
	assert.Equal(t, "c1", ack.ConversationID)
	assert.Equal(t, "success", ack.Status)
}

// --- ackStatus ---

func TestAckStatus_Mapping(t *testing.T) {
	tests := []struct {
		in   string
		want models.SyncStatus
	}{
		{"", models.StatusSynced},
		{"success", models.StatusSynced},
		{"synced", models.StatusSynced},
		{"error", models.StatusError},
		{"failed", models.StatusError},
		{"anything-else", models.StatusError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ackStatus(tt.in), "status %q", tt.in)
	}
}
