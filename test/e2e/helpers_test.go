package e2e_test

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/chat-sync/internal/engine"
	"github.com/alexjbarnes/chat-sync/internal/store"
)

// harness holds the full e2e stack: a local store on disk and a fake
// sync server speaking both the WebSocket envelope protocol and the
// bulk REST API, acking everything it receives.
type harness struct {
	WSURL  string
	APIURL string
	Store  *store.Store

	// dropFirst makes the server kill the first WebSocket connection
	// right after accepting it, to exercise the reconnect path.
	dropFirst bool

	conns      atomic.Int32
	heartbeats atomic.Int32
	deletes    atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{}

	st, err := store.OpenAt(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	h.Store = st

	mux := http.NewServeMux()
	mux.HandleFunc("/api/conversations", h.handleDelete)
	mux.HandleFunc("/", h.handleWS)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	h.APIURL = ts.URL
	h.WSURL = "ws://" + ts.Listener.Addr().String()

	return h
}

// engineConfig returns delivery tuning tightened for test speed.
func (h *harness) engineConfig() engine.Config {
	return engine.Config{
		WSUrl:              h.WSURL,
		MaxRetries:         5,
		BaseRetryDelay:     20 * time.Millisecond,
		MaxRetryDelay:      200 * time.Millisecond,
		ConnectionTimeout:  2 * time.Second,
		HeartbeatInterval:  100 * time.Millisecond,
		RetryTick:          20 * time.Millisecond,
		MaxConcurrentSyncs: 5,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// handleWS accepts a sync connection and acks every request with
// success. Heartbeats get a pong.
func (h *harness) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close(websocket.StatusNormalClosure, "done")

	if h.conns.Add(1) == 1 && h.dropFirst {
		c.Close(websocket.StatusGoingAway, "restarting")
		return
	}

	ctx := r.Context()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}

		id := gjson.GetBytes(data, "data.id").Str
		convID := gjson.GetBytes(data, "data.conversationId").Str

		var resp string
		switch gjson.GetBytes(data, "type").Str {
		case "CREATE_CONVERSATION_REQUEST":
			resp = fmt.Sprintf(`{"type":"CREATE_CONVERSATION_RESPONSE","data":{"id":%q,"status":"success"}}`, id)
		case "MESSAGE_SYNC_REQUEST":
			resp = fmt.Sprintf(`{"type":"MESSAGE_SYNC_RESPONSE","data":{"id":%q,"conversationId":%q,"status":"success"}}`, id, convID)
		case "HEARTBEAT":
			h.heartbeats.Add(1)
			resp = fmt.Sprintf(`{"type":"PONG","data":{"timestamp":%d}}`, time.Now().UnixMilli())
		default:
			continue
		}

		if err := c.Write(ctx, websocket.MessageText, []byte(resp)); err != nil {
			return
		}
	}
}

func (h *harness) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var ids []string
	if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.deletes.Add(1)

	type result struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	results := make([]result, len(ids))
	for i, id := range ids {
		results[i] = result{ID: id, Status: "success"}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true, "results": results})
}
