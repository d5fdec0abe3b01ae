// Package testutil provides a scripted DevTools endpoint for CDP client tests.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// Call is one protocol command received by the fake browser.
type Call struct {
	SessionID string
	Method    string
	Params    json.RawMessage
}

// RPCError is returned by a Handler to produce a protocol error reply.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Handler answers a command. Handlers run on their own goroutine and may
// block; ctx is cancelled when the browser closes or disconnects.
type Handler func(ctx context.Context, call Call) (any, error)

// FakeBrowser speaks just enough of the DevTools wire protocol for client
// tests: /json/version discovery, a websocket endpoint, scripted replies and
// server-pushed events.
type FakeBrowser struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Call
	conns    []*websocket.Conn
	notify   chan struct{}

	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewFakeBrowser starts a fake browser that is shut down when the test ends.
func NewFakeBrowser(t testing.TB) *FakeBrowser {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	fb := &FakeBrowser{
		handlers: make(map[string]Handler),
		notify:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", fb.serveVersion)
	mux.HandleFunc("/devtools/browser/fake", fb.serveWS)
	fb.srv = httptest.NewServer(mux)

	fb.Handle("Target.attachToTarget", Reply(map[string]string{"sessionId": "S1"}))
	fb.Handle("Target.createTarget", Reply(map[string]string{"targetId": "T1"}))

	t.Cleanup(fb.Close)
	return fb
}

// Reply returns a handler that always answers with result.
func Reply(result any) Handler {
	return func(context.Context, Call) (any, error) {
		return result, nil
	}
}

// Fail returns a handler that always answers with a protocol error.
func Fail(code int, message string) Handler {
	return func(context.Context, Call) (any, error) {
		return nil, &RPCError{Code: code, Message: message}
	}
}

// Handle installs h for method, replacing any previous handler. Methods
// without a handler are answered with an empty object.
func (fb *FakeBrowser) Handle(method string, h Handler) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.handlers[method] = h
}

// WebSocketURL returns the browser endpoint clients dial.
func (fb *FakeBrowser) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(fb.srv.URL, "http") + "/devtools/browser/fake"
}

// HostPort returns the discovery host and port.
func (fb *FakeBrowser) HostPort() (string, int) {
	addr := strings.TrimPrefix(fb.srv.URL, "http://")
	i := strings.LastIndex(addr, ":")
	port, _ := strconv.Atoi(addr[i+1:])
	return addr[:i], port
}

// Calls returns a copy of every command received so far.
func (fb *FakeBrowser) Calls() []Call {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]Call(nil), fb.calls...)
}

// Methods returns the method names received so far, in order.
func (fb *FakeBrowser) Methods() []string {
	calls := fb.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Method
	}
	return out
}

// WaitForCall blocks until a command with method has been received.
func (fb *FakeBrowser) WaitForCall(ctx context.Context, method string) (Call, error) {
	for {
		fb.mu.Lock()
		for _, c := range fb.calls {
			if c.Method == method {
				fb.mu.Unlock()
				return c, nil
			}
		}
		notify := fb.notify
		fb.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return Call{}, fmt.Errorf("waiting for %s: %w", method, ctx.Err())
		}
	}
}

// Emit pushes an event to every connected client.
func (fb *FakeBrowser) Emit(sessionID, method string, params any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	msg := struct {
		Method    string          `json:"method"`
		Params    json.RawMessage `json:"params"`
		SessionID string          `json:"sessionId,omitempty"`
	}{method, data, sessionID}

	fb.mu.Lock()
	conns := append([]*websocket.Conn(nil), fb.conns...)
	fb.mu.Unlock()

	for _, c := range conns {
		if err := fb.write(c, msg); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect drops every client connection, as a crashed browser would.
func (fb *FakeBrowser) Disconnect() {
	fb.mu.Lock()
	conns := fb.conns
	fb.conns = nil
	fb.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// Close disconnects clients, stops pending handlers and shuts the server down.
func (fb *FakeBrowser) Close() {
	fb.cancel()
	fb.Disconnect()
	fb.wg.Wait()
	fb.srv.Close()
}

func (fb *FakeBrowser) serveVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"Browser":              "FakeChrome/1.0",
		"Protocol-Version":     "1.3",
		"webSocketDebuggerUrl": fb.WebSocketURL(),
	})
}

func (fb *FakeBrowser) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := fb.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	fb.mu.Lock()
	if fb.ctx.Err() != nil {
		fb.mu.Unlock()
		conn.Close()
		return
	}
	fb.conns = append(fb.conns, conn)
	fb.wg.Add(1)
	fb.mu.Unlock()

	go fb.readLoop(conn)
}

type request struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

type response struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId,omitempty"`
	Result    any       `json:"result,omitempty"`
	Error     *RPCError `json:"error,omitempty"`
}

func (fb *FakeBrowser) readLoop(conn *websocket.Conn) {
	defer fb.wg.Done()
	defer conn.Close()

	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		call := Call{SessionID: req.SessionID, Method: req.Method, Params: req.Params}

		fb.mu.Lock()
		fb.calls = append(fb.calls, call)
		close(fb.notify)
		fb.notify = make(chan struct{})
		h, ok := fb.handlers[req.Method]
		fb.wg.Add(1)
		fb.mu.Unlock()

		if !ok {
			h = Reply(struct{}{})
		}

		go func() {
			defer fb.wg.Done()
			result, err := h(fb.ctx, call)
			resp := response{ID: req.ID, SessionID: req.SessionID}
			if err != nil {
				if rpcErr, ok := err.(*RPCError); ok {
					resp.Error = rpcErr
				} else {
					resp.Error = &RPCError{Code: -32000, Message: err.Error()}
				}
			} else if result == nil {
				resp.Result = struct{}{}
			} else {
				resp.Result = result
			}
			if fb.ctx.Err() != nil {
				return
			}
			fb.write(conn, resp)
		}()
	}
}

func (fb *FakeBrowser) write(conn *websocket.Conn, v any) error {
	fb.writeMu.Lock()
	defer fb.writeMu.Unlock()
	return conn.WriteJSON(v)
}
