package fleetwatchsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fleetwatch/internal/domain"
)

// Client is a minimal fleetwatch HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL is the server root, e.g.
// http://127.0.0.1:8080.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/api",
		Timeout:  10 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Error codes a client reacts to.
const (
	CodeEventsExpired       = "events_expired"
	CodeEventsAhead         = "events_ahead"
	CodeSnapshotUnavailable = "snapshot_unavailable"
)

// IsGap reports whether err tells the client its cursor can no longer be
// served and it must re-bootstrap.
func IsGap(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == CodeEventsExpired || apiErr.Code == CodeEventsAhead
}

func isCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// IngestResponse is the reply to SendEvent.
type IngestResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Seq     int64  `json:"seq"`
}

// BatchResponse is the reply to SendBatch.
type BatchResponse struct {
	Success   bool   `json:"success"`
	Received  int    `json:"received"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Message   string `json:"message"`
	LastSeq   int64  `json:"lastSeq"`
	Errors    []struct {
		Index   int    `json:"index"`
		Message string `json:"message"`
	} `json:"errors"`
}

// EventsPage is one delta read.
type EventsPage struct {
	Since  int64          `json:"since"`
	Events []domain.Event `json:"events"`
	MaxSeq int64          `json:"maxSeq"`
}

// Head is the log position summary.
type Head struct {
	MaxSeq int64 `json:"maxSeq"`
	Floor  int64 `json:"floor"`
}

// SendEvent posts one envelope.
func (c *Client) SendEvent(ctx context.Context, env domain.Envelope) (IngestResponse, error) {
	var resp IngestResponse
	err := c.do(ctx, http.MethodPost, "events", env, &resp)
	return resp, err
}

// SendBatch posts envelopes to be ingested in order.
func (c *Client) SendBatch(ctx context.Context, envs []domain.Envelope) (BatchResponse, error) {
	var resp BatchResponse
	err := c.do(ctx, http.MethodPost, "events/batch", envs, &resp)
	return resp, err
}

// EventsSince returns events with seq > since. limit <= 0 uses the server default.
func (c *Client) EventsSince(ctx context.Context, since int64, limit int) (EventsPage, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp EventsPage
	err := c.do(ctx, http.MethodGet, "events?"+q.Encode(), nil, &resp)
	return resp, err
}

// MaxSeq returns the committed head and retention floor.
func (c *Client) MaxSeq(ctx context.Context) (Head, error) {
	var resp Head
	err := c.do(ctx, http.MethodGet, "events/max-seq", nil, &resp)
	return resp, err
}

// LatestSnapshot fetches the newest retained snapshot.
func (c *Client) LatestSnapshot(ctx context.Context) (domain.Snapshot, error) {
	var resp domain.Snapshot
	err := c.do(ctx, http.MethodGet, "snapshot/latest", nil, &resp)
	return resp, err
}

// GetSnapshot fetches a snapshot by id.
func (c *Client) GetSnapshot(ctx context.Context, id string) (domain.Snapshot, error) {
	var resp domain.Snapshot
	err := c.do(ctx, http.MethodGet, "snapshot/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// GenerateSnapshot asks the server to build a snapshot now.
func (c *Client) GenerateSnapshot(ctx context.Context) (domain.SnapshotInfo, error) {
	var resp struct {
		Snapshot domain.SnapshotInfo `json:"snapshot"`
	}
	err := c.do(ctx, http.MethodPost, "snapshot/generate", nil, &resp)
	return resp.Snapshot, err
}

// Agents lists current agent states, optionally filtered by status.
func (c *Client) Agents(ctx context.Context, status string) ([]domain.AgentState, error) {
	endpoint := "agents"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Agents []domain.AgentState `json:"agents"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Agents, err
}

// Agent fetches one agent's state.
func (c *Client) Agent(ctx context.Context, id string) (domain.AgentState, error) {
	var resp domain.AgentState
	err := c.do(ctx, http.MethodGet, "agents/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	root := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		return root + "/" + p
	}
	return root
}
