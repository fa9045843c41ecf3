package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jobmesh/relay/internal/store"
)

const (
	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads. Notification lists
	// are small JSON payloads.
	maxAPIResponseBytes = 1024 * 1024
)

// APIClient talks to the notification REST fallback. The listener polls
// it while the push channel is down and after invalidation events.
type APIClient struct {
	httpClient *http.Client
	baseURL    string
	userID     string
}

// NewAPIClient creates a client for the given base URL and user. If
// httpClient is nil, a client with a 30-second timeout is created.
func NewAPIClient(httpClient *http.Client, baseURL, userID string) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	return &APIClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		userID:     userID,
	}
}

type listResponse struct {
	Notifications []store.Notification `json:"notifications"`
	UnreadCount   int                  `json:"unreadCount"`
}

// List fetches the user's notifications and the server's unread count.
func (c *APIClient) List(ctx context.Context) ([]store.Notification, int, error) {
	var resp listResponse
	if err := c.do(ctx, http.MethodGet, "/api/notifications", nil, &resp); err != nil {
		return nil, 0, fmt.Errorf("listing notifications: %w", err)
	}

	return resp.Notifications, resp.UnreadCount, nil
}

// MarkRead marks one notification as read on the server.
func (c *APIClient) MarkRead(ctx context.Context, id string) error {
	endpoint := "/api/notifications/" + url.PathEscape(id) + "/read"
	if err := c.do(ctx, http.MethodPut, endpoint, nil, nil); err != nil {
		return fmt.Errorf("marking notification read: %w", err)
	}

	return nil
}

// MarkAllRead marks every notification as read on the server.
func (c *APIClient) MarkAllRead(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPut, "/api/notifications/read-all", nil, nil); err != nil {
		return fmt.Errorf("marking notifications read: %w", err)
	}

	return nil
}

// Delete removes one notification on the server.
func (c *APIClient) Delete(ctx context.Context, id string) error {
	endpoint := "/api/notifications/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodDelete, endpoint, nil, nil); err != nil {
		return fmt.Errorf("deleting notification: %w", err)
	}

	return nil
}

// CreateRequest describes a notification to publish.
type CreateRequest struct {
	UserID   string `json:"userId"`
	Kind     string `json:"kind"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	Priority string `json:"priority"`
}

// Create publishes a notification through the REST endpoint.
func (c *APIClient) Create(ctx context.Context, req CreateRequest) (store.Notification, error) {
	var created store.Notification
	if err := c.do(ctx, http.MethodPost, "/api/notifications", req, &created); err != nil {
		return store.Notification{}, fmt.Errorf("creating notification: %w", err)
	}

	return created, nil
}

// do sends one request with the userId attached and decodes the JSON
// response into result when provided.
func (c *APIClient) do(ctx context.Context, method, endpoint string, body, result any) error {
	var reqBody io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	q := req.URL.Query()
	q.Set("userId", c.userID)
	req.URL.RawQuery = q.Encode()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("API %s returned status %d", endpoint, resp.StatusCode)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}
