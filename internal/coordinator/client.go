package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tandemsync/tandem/internal/rpc"
)

// HTTPError carries the status code of a non-2xx peer response so the
// coordinator can tell permanent rejections from transient failures.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("peer returned %d: %s", e.Status, e.Message)
}

// Permanent reports whether the failure will not heal by retrying. Timeouts
// and throttling are transient even though they are 4xx.
func (e *HTTPError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500 &&
		e.Status != http.StatusRequestTimeout && e.Status != http.StatusTooManyRequests
}

// Client talks to one peer's sync endpoints.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
}

// NewClient builds a client for a peer base endpoint such as
// "http://peer:8844".
func NewClient(endpoint, token string) *Client {
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// State fetches the peer's origin id and client count.
func (c *Client) State(ctx context.Context) (rpc.StateResponse, error) {
	var out rpc.StateResponse
	err := c.get(ctx, "/sync/state", &out)
	return out, err
}

// FetchChanges pulls one page of the peer's log.
func (c *Client) FetchChanges(ctx context.Context, fromVersion int64, limit int, excludeOrigin string) (rpc.ChangesResponse, error) {
	q := url.Values{}
	q.Set("fromVersion", strconv.FormatInt(fromVersion, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if excludeOrigin != "" {
		q.Set("excludeOrigin", excludeOrigin)
	}
	var out rpc.ChangesResponse
	err := c.get(ctx, "/sync/changes?"+q.Encode(), &out)
	return out, err
}

// PushChanges posts a batch of mapped entries to the peer.
func (c *Client) PushChanges(ctx context.Context, req rpc.PushRequest) (rpc.PushResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return rpc.PushResponse{}, fmt.Errorf("encode push request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/sync/changes", bytes.NewReader(body))
	if err != nil {
		return rpc.PushResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	var out rpc.PushResponse
	err = c.do(httpReq, &out)
	return out, err
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := readErrorBody(resp.Body)
		return &HTTPError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var e rpc.ErrorResponse
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(data))
}
