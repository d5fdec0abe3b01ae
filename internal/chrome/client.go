// Package chrome is a small Chrome DevTools Protocol client: one websocket,
// flattened target sessions, request/reply correlation and event fan-out.
package chrome

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
)

// eventBuffer is the per-subscription channel capacity. Events are dropped
// when a subscriber falls this far behind.
const eventBuffer = 100

// Client is a Chrome DevTools Protocol client.
type Client struct {
	conn            *websocket.Conn
	mu              sync.Mutex
	messageID       atomic.Int64
	pending         map[int64]chan callResult
	pendingMu       sync.Mutex
	eventHandlers   map[string][]chan json.RawMessage // key: "sessionID:method"
	eventHandlersMu sync.Mutex
	sessions        map[string]string // targetID -> sessionID
	sessionsMu      sync.Mutex
	closed          atomic.Bool
	closeOnce       sync.Once
	closeCh         chan struct{}
}

type callResult struct {
	Result json.RawMessage
	Error  *ProtocolError
}

// Connect establishes a connection to Chrome at the given host and port.
func Connect(ctx context.Context, host string, port int) (*Client, error) {
	jsonURL := fmt.Sprintf("http://%s:%d/json/version", host, port)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jsonURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to Chrome: %w", err)
	}
	defer resp.Body.Close()

	var versionResp struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&versionResp); err != nil {
		return nil, fmt.Errorf("decoding version response: %w", err)
	}

	if versionResp.WebSocketDebuggerURL == "" {
		return nil, fmt.Errorf("no WebSocket URL in response")
	}

	return Dial(ctx, versionResp.WebSocketDebuggerURL)
}

// Dial connects directly to a browser websocket debugger URL.
func Dial(ctx context.Context, wsURL string) (*Client, error) {
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to WebSocket: %w", err)
	}

	client := &Client{
		conn:          conn,
		pending:       make(map[int64]chan callResult),
		eventHandlers: make(map[string][]chan json.RawMessage),
		sessions:      make(map[string]string),
		closeCh:       make(chan struct{}),
	}

	go client.readMessages()

	return client, nil
}

// Done is closed once the connection is gone, whether through Close or
// because the browser went away.
func (c *Client) Done() <-chan struct{} {
	return c.closeCh
}

// Close closes the connection to Chrome. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		// Detach cached sessions while the socket is still usable.
		c.sessionsMu.Lock()
		sessions := c.sessions
		c.sessions = make(map[string]string)
		c.sessionsMu.Unlock()

		if !c.closed.Load() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			for _, sessionID := range sessions {
				c.Call(ctx, target.CommandDetachFromTarget,
					target.DetachFromTarget().WithSessionID(target.SessionID(sessionID)))
			}
			cancel()
		}

		c.closed.Store(true)
		close(c.closeCh)
		err = c.conn.Close()

		// Wake up all pending callers
		c.pendingMu.Lock()
		for _, ch := range c.pending {
			close(ch)
		}
		c.pending = make(map[int64]chan callResult)
		c.pendingMu.Unlock()

		// Subscribers see a closed channel rather than silence.
		c.eventHandlersMu.Lock()
		for _, handlers := range c.eventHandlers {
			for _, h := range handlers {
				close(h)
			}
		}
		c.eventHandlers = make(map[string][]chan json.RawMessage)
		c.eventHandlersMu.Unlock()
	})
	return err
}

func (c *Client) attachToTarget(ctx context.Context, targetID string) (string, error) {
	c.sessionsMu.Lock()
	if sessionID, ok := c.sessions[targetID]; ok {
		c.sessionsMu.Unlock()
		return sessionID, nil
	}
	c.sessionsMu.Unlock()

	raw, err := c.Call(ctx, target.CommandAttachToTarget,
		target.AttachToTarget(target.ID(targetID)).WithFlatten(true))
	if err != nil {
		return "", fmt.Errorf("attaching to target: %w", err)
	}
	var reply target.AttachToTargetReturns
	if err := json.Unmarshal(raw, &reply); err != nil {
		return "", fmt.Errorf("parsing attach reply: %w", err)
	}
	sessionID := string(reply.SessionID)

	c.sessionsMu.Lock()
	c.sessions[targetID] = sessionID
	c.sessionsMu.Unlock()

	return sessionID, nil
}

type cdpRequest struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

type cdpResponse struct {
	ID        int64           `json:"id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ProtocolError  `json:"error,omitempty"`
	Method    string          `json:"method,omitempty"`    // For events
	Params    json.RawMessage `json:"params,omitempty"`    // For events
	SessionID string          `json:"sessionId,omitempty"` // For session events
}

// Call sends a browser-level protocol command and waits for the response.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	return c.send(ctx, "", method, params)
}

// CallSession sends a protocol command to a specific session and waits for the response.
func (c *Client) CallSession(ctx context.Context, sessionID string, method string, params interface{}) (json.RawMessage, error) {
	return c.send(ctx, sessionID, method, params)
}

// CallTarget sends a protocol command to the session attached to targetID.
func (c *Client) CallTarget(ctx context.Context, targetID string, method string, params interface{}) (json.RawMessage, error) {
	sessionID, err := c.attachToTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}
	return c.send(ctx, sessionID, method, params)
}

func (c *Client) send(ctx context.Context, sessionID string, method string, params interface{}) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}

	id := c.messageID.Add(1)

	req := cdpRequest{
		ID:        id,
		SessionID: sessionID,
		Method:    method,
	}

	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling params: %w", err)
		}
		req.Params = data
	}

	respChan := make(chan callResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.mu.Lock()
	err := c.conn.WriteJSON(req)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("sending message: %w: %w", ErrConnectionClosed, err)
	}

	select {
	case result, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionClosed
		}
		if result.Error != nil {
			return nil, result.Error
		}
		return result.Result, nil
	case <-c.closeCh:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readMessages is the only reader of the socket. Replies and events are
// routed independently, so a caller blocked on a reply never holds up event
// delivery.
func (c *Client) readMessages() {
	defer func() {
		// The socket is already unusable; skip the detach round-trips.
		c.closed.Store(true)
		c.Close()
	}()

	for {
		var resp cdpResponse
		if err := c.conn.ReadJSON(&resp); err != nil {
			return
		}

		if resp.ID > 0 {
			c.pendingMu.Lock()
			if ch, ok := c.pending[resp.ID]; ok {
				ch <- callResult{
					Result: resp.Result,
					Error:  resp.Error,
				}
			}
			c.pendingMu.Unlock()
		}

		if resp.Method != "" {
			key := resp.SessionID + ":" + resp.Method
			c.eventHandlersMu.Lock()
			for _, h := range c.eventHandlers[key] {
				select {
				case h <- resp.Params:
				default:
					// Drop if channel is full
				}
			}
			c.eventHandlersMu.Unlock()
		}
	}
}

func (c *Client) subscribeEvent(sessionID, method string) chan json.RawMessage {
	ch := make(chan json.RawMessage, eventBuffer)
	key := sessionID + ":" + method

	c.eventHandlersMu.Lock()
	c.eventHandlers[key] = append(c.eventHandlers[key], ch)
	c.eventHandlersMu.Unlock()

	return ch
}

func (c *Client) unsubscribeEvent(sessionID, method string, ch chan json.RawMessage) {
	key := sessionID + ":" + method

	c.eventHandlersMu.Lock()
	defer c.eventHandlersMu.Unlock()

	handlers := c.eventHandlers[key]
	for i, h := range handlers {
		if h == ch {
			c.eventHandlers[key] = append(handlers[:i], handlers[i+1:]...)
			close(ch)
			return
		}
	}
}

// Subscribe registers for an event on the session attached to targetID.
// The returned channel is closed when cancel is called or the connection
// ends. An empty targetID subscribes to browser-level events.
func (c *Client) Subscribe(ctx context.Context, targetID string, method string) (<-chan json.RawMessage, func(), error) {
	sessionID := ""
	if targetID != "" {
		var err error
		sessionID, err = c.attachToTarget(ctx, targetID)
		if err != nil {
			return nil, nil, err
		}
	}

	ch := c.subscribeEvent(sessionID, method)
	var once sync.Once
	cancel := func() {
		once.Do(func() { c.unsubscribeEvent(sessionID, method, ch) })
	}
	return ch, cancel, nil
}
