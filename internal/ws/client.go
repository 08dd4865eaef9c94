package ws

import (
	"encoding/json"
	"fmt"
	"sync"
)

// OutboxSize bounds the broadcasts queued for one client.
const OutboxSize = 64

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}

// Client is one connected editor. Replies go out synchronously through Send;
// broadcasts are queued with Deliver and written by the client's own loop.
type Client struct {
	ID     string
	UserID string
	conn   Conn

	writeMu sync.Mutex // serializes writes on conn

	mu    sync.Mutex
	docID string

	outbox    chan Message
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient wraps conn and starts the client's write loop. The loop ends
// when the client is closed.
func NewClient(id, userID string, conn Conn) *Client {
	c := &Client{
		ID:     id,
		UserID: userID,
		conn:   conn,
		outbox: make(chan Message, OutboxSize),
		done:   make(chan struct{}),
	}

	go c.writeLoop()

	return c
}

func (c *Client) writeLoop() {
	for {
		select {
		case msg := <-c.outbox:
			if err := c.Send(msg); err != nil {
				_ = c.Close()

				return
			}
		case <-c.done:
			return
		}
	}
}

// Send writes msg to the connection.
func (c *Client) Send(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.conn.WriteJSON(msg)
}

// Deliver queues msg for the write loop without blocking. It reports false
// when the client is closed or its outbox is full.
func (c *Client) Deliver(msg Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.outbox <- msg:
		return true
	default:
		return false
	}
}

// SendError sends an error message to the client.
func (c *Client) SendError(code, message string) error {
	return c.Send(Message{
		Type:    MessageTypeError,
		Payload: ErrorPayload{Code: code, Message: message},
	})
}

// Receive reads the next message. Payloads of client messages are decoded
// into their typed form; anything else keeps its raw JSON.
func (c *Client) Receive() (Message, error) {
	var raw struct {
		Type    MessageType     `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}

	if err := c.conn.ReadJSON(&raw); err != nil {
		return Message{}, err
	}

	var (
		payload any
		err     error
	)

	switch raw.Type {
	case MessageTypeOperation:
		payload, err = decodePayload[OperationPayload](raw.Payload)
	case MessageTypeReplace:
		payload, err = decodePayload[ReplacePayload](raw.Payload)
	case MessageTypeSync:
		payload, err = decodePayload[SyncPayload](raw.Payload)
	default:
		payload = raw.Payload
	}

	if err != nil {
		return Message{}, fmt.Errorf("%s payload: %w", raw.Type, err)
	}

	return Message{Type: raw.Type, Payload: payload}, nil
}

// decodePayload treats a missing payload as the zero value.
func decodePayload[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}

	err := json.Unmarshal(data, &v)

	return v, err
}

// Close stops the write loop and closes the connection. Later calls are
// no-ops.
func (c *Client) Close() error {
	var err error

	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})

	return err
}

// DocID returns the document the client is subscribed to.
func (c *Client) DocID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.docID
}

// SetDocID sets the document the client is subscribed to.
func (c *Client) SetDocID(docID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.docID = docID
}
