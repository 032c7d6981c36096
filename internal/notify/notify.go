// notify.go -- Outbound operator notification over an HTTP messaging gateway.
//
// The gateway accepts {"to":..., "message":...} and answers with a JSON
// body. Used by the alert package as its paging sink.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxResponseBody bounds how much of the gateway reply is read.
const maxResponseBody = 64 << 10

// Result is the gateway's answer to one Send.
type Result struct {
	OK     bool
	Status int
	Body   json.RawMessage
}

// Client posts messages to a notification gateway.
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient returns a Client for the gateway at url.
// Uses a 5s timeout on the outbound HTTP client.
func NewClient(url string) *Client {
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Send delivers message to recipient. A non-2xx reply is returned as a Result
// with OK=false and a non-nil error; network failures return a zero Result.
func (c *Client) Send(ctx context.Context, recipient, message string) (Result, error) {
	payload, err := json.Marshal(struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}{recipient, message})
	if err != nil {
		return Result{}, fmt.Errorf("notify: encoding message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("notify: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("notify: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Result{Status: resp.StatusCode}, fmt.Errorf("notify: reading response: %w", err)
	}

	res := Result{Status: resp.StatusCode, OK: resp.StatusCode >= 200 && resp.StatusCode < 300}
	if json.Valid(body) {
		res.Body = body
	}
	if !res.OK {
		return res, fmt.Errorf("notify: gateway returned %d", resp.StatusCode)
	}
	return res, nil
}
