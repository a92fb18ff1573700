// Package backend wraps the two advert-backend endpoints the relay consumes:
// device status updates and device log forwarding. Both are best-effort from
// the relay's point of view; callers log failures and move on.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const apiVersion = "v1"

// Client talks to the advert backend over plain HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient builds a backend client rooted at baseURL. timeout bounds every
// individual call.
func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     logger,
	}
}

type statusBody struct {
	Status bool `json:"status"`
}

type statusResponse struct {
	Data json.RawMessage `json:"data"`
}

// UpdateDeviceStatus reports a device's online/offline transition and returns
// the authoritative roster from the backend response.
func (c *Client) UpdateDeviceStatus(ctx context.Context, deviceID string, online bool) (json.RawMessage, error) {
	if c == nil {
		return nil, fmt.Errorf("backend client not configured")
	}
	body, err := json.Marshal(statusBody{Status: online})
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/%s/public-advert/device-status/%s", c.baseURL, apiVersion, url.PathEscape(deviceID))
	data, err := c.put(ctx, endpoint, body)
	if err != nil {
		return nil, err
	}
	var decoded statusResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return decoded.Data, nil
}

// ForwardDeviceLog pushes a device's raw log payload upstream. The response
// body is ignored beyond the status code.
func (c *Client) ForwardDeviceLog(ctx context.Context, deviceID string, logs json.RawMessage) error {
	if c == nil {
		return fmt.Errorf("backend client not configured")
	}
	if len(logs) == 0 {
		logs = json.RawMessage("null")
	}
	endpoint := fmt.Sprintf("%s/%s/public-advert/device-log/%s", c.baseURL, apiVersion, url.PathEscape(deviceID))
	_, err := c.put(ctx, endpoint, logs)
	return err
}

func (c *Client) put(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.log.Debug().Str("endpoint", endpoint).Msg("backend call")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("backend returned %s", resp.Status)
	}
	return data, nil
}
