package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client sends request messages to the coordinator.
type Client interface {
	Send(ctx context.Context, tabID int, action string, msg, reply interface{}) error
}

// Listener receives pushes addressed to a tab.
type Listener interface {
	Listen(ctx context.Context, tabID int) (<-chan Notification, error)
}

var _ Client = (*Bus)(nil)

// LocalListener adapts a Hub to Listener for in-process agents.
type LocalListener struct {
	Hub *Hub
}

func (l LocalListener) Listen(ctx context.Context, tabID int) (<-chan Notification, error) {
	sub := l.Hub.Subscribe(tabID, 0)
	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	return sub.C, nil
}

// HTTPClient talks to a running webpconv server.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
		dialer: websocket.DefaultDialer,
	}
}

func (c *HTTPClient) BaseURL() string { return c.baseURL }

// Send posts the message to /api/messages and decodes the reply.
func (c *HTTPClient) Send(ctx context.Context, tabID int, action string, msg, reply interface{}) error {
	body, err := Encode(action, tabID, msg)
	if err != nil {
		return err
	}
	return c.Do(ctx, http.MethodPost, "/api/messages", body, reply)
}

// Do performs a JSON request against the server API.
func (c *HTTPClient) Do(ctx context.Context, method, path string, body []byte, reply interface{}) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if reply == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(reply); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Listen opens the push channel for tabID. The returned channel closes when
// ctx ends or the connection drops.
func (c *HTTPClient) Listen(ctx context.Context, tabID int) (<-chan Notification, error) {
	u, err := url.Parse(c.baseURL + "/api/ws")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("tabId", strconv.Itoa(tabID))
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial push channel: %w", err)
	}

	out := make(chan Notification, defaultSubscriberBuffer)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		for {
			var n Notification
			if err := conn.ReadJSON(&n); err != nil {
				if ctx.Err() == nil {
					log.Printf("[messaging] push channel closed: %v", err)
				}
				return
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
