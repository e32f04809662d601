package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/store"
	"github.com/google/uuid"
)

// Streamer drives streaming AI responses and makes them survive client
// restarts. Session metadata (session id plus the index of the next
// expected chunk) is persisted on the conversation before the first
// chunk arrives and advanced after every chunk, so an interrupted stream
// can be resumed from exactly where it stopped. Metadata is stripped
// once the stream completes or the server reports a terminal error.
type Streamer struct {
	store      *store.Store
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger

	// resumed guards ResumeAll: recovery runs at most once per process.
	resumed atomic.Bool
}

// NewStreamer creates a streamer over the given store. If httpClient is
// nil, a default client without a timeout is used; streams are long
// lived and bounded by ctx instead.
func NewStreamer(st *store.Store, baseURL string, httpClient *http.Client, logger *slog.Logger) *Streamer {
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Streamer{
		store:      st,
		httpClient: httpClient,
		baseURL:    baseURL,
		logger:     logger,
	}
}

type streamStartResponse struct {
	SessionID string `json:"sessionId"`
}

// chunkEvent is one server-sent event on a chat stream.
type chunkEvent struct {
	Type       string `json:"type"`
	Content    string `json:"content"`
	ChunkIndex int    `json:"chunkIndex"`
	Error      string `json:"error"`
}

// Start begins a streaming AI response for the given conversation and
// consumes it to completion. The placeholder message and its session
// metadata are persisted before the first chunk, so a crash at any point
// leaves a resumable conversation. Returns the AI message id.
func (s *Streamer) Start(ctx context.Context, conversationID, prompt string) (string, error) {
	body, err := json.Marshal(struct {
		ConversationID string `json:"conversationId"`
		Prompt         string `json:"prompt"`
	}{ConversationID: conversationID, Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("marshalling stream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/chat/stream", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("starting stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stream endpoint returned status %d", resp.StatusCode)
	}

	// The first event carries the session id; everything after is chunks.
	scanner := newEventScanner(resp.Body)

	start, err := scanner.nextStart()
	if err != nil {
		return "", fmt.Errorf("reading stream session: %w", err)
	}

	messageID := uuid.NewString()

	// Persist the placeholder and checkpoint before consuming anything:
	// from here on the stream is resumable.
	err = s.store.Modify(conversationID, func(c *models.Conversation) error {
		c.Append(models.Message{
			ID:         messageID,
			Sender:     models.SenderAI,
			SyncStatus: models.StatusSyncing,
		})
		c.SessionMetadata = &models.SessionMetadata{
			SessionID:           start.SessionID,
			ChunkIndex:          0,
			HasStreamingContent: true,
			LastMessageID:       messageID,
		}

		return nil
	})
	if err != nil {
		return "", fmt.Errorf("persisting stream placeholder: %w", err)
	}

	if err := s.consume(conversationID, messageID, scanner); err != nil {
		return messageID, err
	}

	return messageID, nil
}

// ResumeAll reconnects every interrupted stream found in the store.
// Only the first call does anything; recovery runs at most once per
// process so a second caller cannot double-append chunks.
func (s *Streamer) ResumeAll(ctx context.Context) error {
	if !s.resumed.CompareAndSwap(false, true) {
		return nil
	}

	convs, err := s.store.All()
	if err != nil {
		return fmt.Errorf("scanning for interrupted streams: %w", err)
	}

	for _, conv := range convs {
		if conv.SessionMetadata == nil {
			continue
		}

		if !conv.ValidSessionMetadata() {
			s.logger.Warn("clearing invalid session metadata", slog.String("conversation_id", conv.ID))
			s.clearMetadata(conv.ID, models.StatusError)

			continue
		}

		meta := *conv.SessionMetadata
		s.logger.Info("resuming interrupted stream",
			slog.String("conversation_id", conv.ID),
			slog.String("session_id", meta.SessionID),
			slog.Int("chunk_index", meta.ChunkIndex),
		)

		if err := s.resume(ctx, conv.ID, meta); err != nil {
			// Metadata stays in place; the stream is still resumable on
			// the next process start.
			s.logger.Warn("resume failed",
				slog.String("conversation_id", conv.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// resume reconnects one stream from its checkpoint.
func (s *Streamer) resume(ctx context.Context, conversationID string, meta models.SessionMetadata) error {
	q := url.Values{}
	q.Set("sessionId", meta.SessionID)
	q.Set("lastChunkIndex", strconv.Itoa(meta.ChunkIndex))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/chat/stream/resume?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("creating resume request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("reconnecting stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		// The server no longer holds the session; nothing left to fetch.
		s.clearMetadata(conversationID, models.StatusError)
		return fmt.Errorf("stream session %s expired", meta.SessionID)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("resume endpoint returned status %d", resp.StatusCode)
	}

	return s.consume(conversationID, meta.LastMessageID, newEventScanner(resp.Body))
}

// consume reads chunk events until done or error. Every content chunk is
// persisted together with the advanced checkpoint in one store write, so
// the checkpoint never runs ahead of or behind the appended text.
func (s *Streamer) consume(conversationID, messageID string, scanner *eventScanner) error {
	for {
		ev, err := scanner.next()
		if err == io.EOF {
			// Transport dropped mid-stream. Metadata stays: resumable.
			return fmt.Errorf("stream interrupted for conversation %s", conversationID)
		}
		if err != nil {
			return fmt.Errorf("reading stream chunk: %w", err)
		}

		switch ev.Type {
		case "chunk":
			err := s.store.Modify(conversationID, func(c *models.Conversation) error {
				msg := c.Message(messageID)
				if msg == nil {
					return fmt.Errorf("streaming message %s not found", messageID)
				}

				msg.Text += ev.Content
				if c.SessionMetadata != nil {
					c.SessionMetadata.ChunkIndex = ev.ChunkIndex + 1
				}

				return nil
			})
			if err != nil {
				return fmt.Errorf("persisting stream chunk: %w", err)
			}

		case "done":
			// The server produced the content; nothing to sync back.
			s.clearMetadata(conversationID, models.StatusSynced)
			return nil

		case "error":
			s.logger.Warn("stream reported error",
				slog.String("conversation_id", conversationID),
				slog.String("error", ev.Error),
			)
			s.clearMetadata(conversationID, models.StatusError)

			return fmt.Errorf("stream failed: %s", ev.Error)

		default:
			s.logger.Debug("ignoring unknown stream event", slog.String("type", ev.Type))
		}
	}
}

// clearMetadata strips the checkpoint and settles the streaming message
// into its final sync status.
func (s *Streamer) clearMetadata(conversationID string, status models.SyncStatus) {
	err := s.store.Modify(conversationID, func(c *models.Conversation) error {
		if c.SessionMetadata != nil {
			if msg := c.Message(c.SessionMetadata.LastMessageID); msg != nil {
				msg.SyncStatus = status
			}
			c.SessionMetadata = nil
		}

		c.Recompute()

		return nil
	})
	if err != nil {
		s.logger.Warn("clearing session metadata",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)
	}
}

// eventScanner parses text/event-stream data lines as JSON chunk events.
type eventScanner struct {
	scanner *bufio.Scanner
}

func newEventScanner(r io.Reader) *eventScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	return &eventScanner{scanner: sc}
}

// next returns the next decoded event, or io.EOF when the stream ends.
func (e *eventScanner) next() (chunkEvent, error) {
	for e.scanner.Scan() {
		line := e.scanner.Text()
		data, ok := cutDataPrefix(line)
		if !ok {
			continue
		}

		var ev chunkEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return chunkEvent{}, fmt.Errorf("decoding event %q: %w", data, err)
		}

		return ev, nil
	}

	if err := e.scanner.Err(); err != nil {
		return chunkEvent{}, err
	}

	return chunkEvent{}, io.EOF
}

// nextStart reads the session handshake event that opens a new stream.
func (e *eventScanner) nextStart() (streamStartResponse, error) {
	for e.scanner.Scan() {
		line := e.scanner.Text()
		data, ok := cutDataPrefix(line)
		if !ok {
			continue
		}

		var start streamStartResponse
		if err := json.Unmarshal([]byte(data), &start); err != nil {
			return streamStartResponse{}, fmt.Errorf("decoding session event %q: %w", data, err)
		}
		if start.SessionID == "" {
			return streamStartResponse{}, fmt.Errorf("session event missing sessionId: %q", data)
		}

		return start, nil
	}

	if err := e.scanner.Err(); err != nil {
		return streamStartResponse{}, err
	}

	return streamStartResponse{}, io.EOF
}

func cutDataPrefix(line string) (string, bool) {
	const prefix = "data: "
	if len(line) <= len(prefix) || line[:len(prefix)] != prefix {
		return "", false
	}

	return line[len(prefix):], true
}
