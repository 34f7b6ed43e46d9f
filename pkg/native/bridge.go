package native

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Bridge asynchronous message channel to the out-of-process engine
type Bridge interface {
	Call(ctx context.Context, method string, params, result any) error
	Events() <-chan *Event
	Close() error
}

// Client JSON-RPC 2.0 client for the engine host over WebSocket
type Client struct {
	url              string
	handshakeTimeout time.Duration
	logger           *slog.Logger

	conn      *websocket.Conn
	writeMu   sync.Mutex
	requestID atomic.Int64
	responses map[string]chan *JSONRPCResponse
	respMu    sync.Mutex
	readDone  bool
	done      chan struct{}
	closeOnce sync.Once
	events    chan *Event
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      string `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      string          `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// Event engine event. Event is a string name or an integer call state.
type Event struct {
	Event   json.RawMessage `json:"event"`
	CallID  string          `json:"callId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// envelope is any inbound message: response, notification or bare event
type envelope struct {
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Tag     json.RawMessage `json:"event,omitempty"`
	CallID  string          `json:"callId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrBridgeClosed returned for calls on a closed bridge
var ErrBridgeClosed = errors.New("bridge closed")

// NewClient creates a client, Connect must be called before use
func NewClient(url string, handshakeTimeout time.Duration, logger *slog.Logger) *Client {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:              url,
		handshakeTimeout: handshakeTimeout,
		logger:           logger.With(slog.String("component", "native_bridge")),
		responses:        make(map[string]chan *JSONRPCResponse),
		done:             make(chan struct{}),
		events:           make(chan *Event, 64),
	}
}

// Connect establishes WebSocket connection
func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.handshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.url, err)
	}

	c.conn = conn
	go c.readLoop()

	return nil
}

// Close closes the connection. Pending calls fail with ErrBridgeClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.writeMu.Lock()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			err = c.conn.Close()
		}
	})
	return err
}

// Events returns channel for receiving events. Closed when the connection ends.
func (c *Client) Events() <-chan *Event {
	return c.events
}

// Call sends a request and decodes the result into result (may be nil)
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	resp, err := c.sendRequest(ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("failed to parse %s result: %w", method, err)
	}
	return nil
}

// sendRequest sends a JSON-RPC request and waits for response
func (c *Client) sendRequest(ctx context.Context, method string, params any) (*JSONRPCResponse, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("not connected")
	}
	select {
	case <-c.done:
		return nil, ErrBridgeClosed
	default:
	}

	id := strconv.FormatInt(c.requestID.Add(1), 10)
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}

	respChan := make(chan *JSONRPCResponse, 1)
	c.respMu.Lock()
	if c.readDone {
		c.respMu.Unlock()
		return nil, ErrBridgeClosed
	}
	c.responses[id] = respChan
	c.respMu.Unlock()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrBridgeClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-c.done:
		c.forget(id)
		return nil, ErrBridgeClosed
	}
}

func (c *Client) forget(id string) {
	c.respMu.Lock()
	delete(c.responses, id)
	c.respMu.Unlock()
}

// readLoop reads messages from WebSocket until the connection ends
func (c *Client) readLoop() {
	defer func() {
		close(c.events)
		c.respMu.Lock()
		c.readDone = true
		for id, ch := range c.responses {
			close(ch)
			delete(c.responses, id)
		}
		c.respMu.Unlock()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Error("bridge connection lost", slog.Any("error", err))
				}
			}
			return
		}

		var msg envelope
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("malformed bridge message", slog.Any("error", err))
			continue
		}

		if id := responseID(msg.ID); id != "" {
			c.respMu.Lock()
			if ch, ok := c.responses[id]; ok {
				ch <- &JSONRPCResponse{JSONRPC: "2.0", Result: msg.Result, Error: msg.Error, ID: id}
				close(ch)
				delete(c.responses, id)
			}
			c.respMu.Unlock()
			continue
		}

		ev := Event{Event: msg.Tag, CallID: msg.CallID, Payload: msg.Payload}
		if msg.Method == "event" && len(msg.Params) > 0 {
			ev = Event{}
			if err := json.Unmarshal(msg.Params, &ev); err != nil {
				c.logger.Warn("malformed event params", slog.Any("error", err))
				continue
			}
		}
		if len(ev.Event) == 0 {
			c.logger.Debug("ignoring message without event", slog.String("method", msg.Method))
			continue
		}

		// Events are never dropped: the adapter drains them
		select {
		case c.events <- &ev:
		case <-c.done:
			return
		}
	}
}

// responseID accepts both string and numeric ids
func responseID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
