package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

const (
	// httpClientTimeout is the timeout for the default HTTP client used
	// by the API client when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024
)

// Client talks to the chat backend's bulk REST API. The WebSocket path
// handles per-entity sync; this client covers the batch operations
// (deletion sweeps, bulk message flushes) that are cheaper over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates an API client for the given base URL. If httpClient
// is nil, a client with a 30-second timeout is created.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
	}
}

// SyncResult is the per-entity outcome of a bulk operation, in request
// order. Status other than "success" marks the entity failed.
type SyncResult struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId,omitempty"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
}

// OK reports whether the entity was accepted by the server.
func (r SyncResult) OK() bool {
	return r.Status == "" || r.Status == "success" || r.Status == "synced"
}

type apiError struct {
	Error string `json:"error"`
}

// bulkResponse is the common envelope of every bulk endpoint: an overall
// success flag plus per-entity results in request order.
type bulkResponse struct {
	Success bool         `json:"success"`
	Results []SyncResult `json:"results"`
}

// do sends a JSON request and decodes the response into result.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API %s (%d): %s", endpoint, resp.StatusCode, apiErr.Error)
		}

		return fmt.Errorf("API %s returned status %d", endpoint, resp.StatusCode)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

// bulk sends a request to a bulk endpoint and rejects responses the
// server itself flags as failed.
func (c *Client) bulk(ctx context.Context, method, endpoint string, body any) ([]SyncResult, error) {
	var resp bulkResponse
	if err := c.do(ctx, method, endpoint, body, &resp); err != nil {
		return nil, err
	}

	if !resp.Success {
		return nil, fmt.Errorf("API %s reported failure", endpoint)
	}

	return resp.Results, nil
}

// DeleteConversations asks the server to delete the given conversation
// ids. The body is the bare id array. Results come back in request
// order; a missing result for an index means the server did not report
// on it and the caller should treat it as failed.
func (c *Client) DeleteConversations(ctx context.Context, ids []string) ([]SyncResult, error) {
	results, err := c.bulk(ctx, http.MethodDelete, "/api/conversations", ids)
	if err != nil {
		return nil, fmt.Errorf("deleting conversations: %w", err)
	}

	return results, nil
}

// SyncMessages flushes a batch of unsynced messages for one conversation.
func (c *Client) SyncMessages(ctx context.Context, conversationID string, msgs []models.Message) ([]SyncResult, error) {
	body := struct {
		UnsyncedMessages []models.Message `json:"unsyncedMessages"`
		ConversationID   string           `json:"conversationId"`
	}{UnsyncedMessages: msgs, ConversationID: conversationID}

	results, err := c.bulk(ctx, http.MethodPost, "/api/messages", body)
	if err != nil {
		return nil, fmt.Errorf("syncing messages: %w", err)
	}

	return results, nil
}

// CreateConversations registers locally created conversations in bulk.
// The body is the bare conversation array.
func (c *Client) CreateConversations(ctx context.Context, convs []models.Conversation) ([]SyncResult, error) {
	results, err := c.bulk(ctx, http.MethodPost, "/api/conversations", convs)
	if err != nil {
		return nil, fmt.Errorf("creating conversations: %w", err)
	}

	return results, nil
}
