package engine

import (
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// Wire envelope types. Outbound requests are answered by the matching
// response type; anything unrecognized is logged and dropped at the
// boundary so a single bad frame can never tear down the connection.
const (
	typeCreateConversationRequest  = "CREATE_CONVERSATION_REQUEST"
	typeMessageSyncRequest         = "MESSAGE_SYNC_REQUEST"
	typeHeartbeat                  = "HEARTBEAT"
	typeCreateConversationResponse = "CREATE_CONVERSATION_RESPONSE"
	typeMessageSyncResponse        = "MESSAGE_SYNC_RESPONSE"
	typePong                       = "PONG"
)

// envelope is the JSON frame carried over the duplex transport.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// messagePayload is the MESSAGE_SYNC_REQUEST body: the message fields
// plus the owning conversation id.
type messagePayload struct {
	models.Message
	ConversationID string `json:"conversationId"`
}

// heartbeatPayload is the HEARTBEAT body.
type heartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// ackPayload is the body of both response types. ConversationID is only
// present on MESSAGE_SYNC_RESPONSE.
type ackPayload struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Status         string `json:"status"`
}

// ackStatus maps a server-reported ack status onto the local sync
// lifecycle. Servers report "success"/"error"; some echo a sync status
// directly, which is accepted as-is.
func ackStatus(status string) models.SyncStatus {
	switch status {
	case "", "success", string(models.StatusSynced):
		return models.StatusSynced
	default:
		return models.StatusError
	}
}

// encodeEnvelope marshals a typed envelope.
func encodeEnvelope(typ string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s data: %w", typ, err)
	}

	payload, err := json.Marshal(envelope{Type: typ, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("marshalling %s envelope: %w", typ, err)
	}

	return payload, nil
}
