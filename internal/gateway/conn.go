package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeBuffer  = 100
	writeTimeout = 5 * time.Second
)

// Conn wraps a websocket connection behind a single-writer pump. All frames
// funnel through writeCh so concurrent senders never interleave writes on
// the underlying socket.
type Conn struct {
	ws        *websocket.Conn
	writeCh   chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConn wraps an upgraded websocket connection and starts its write pump.
func NewConn(ws *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:      ws,
		writeCh: make(chan []byte, writeBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
	go c.writeLoop()
	return c
}

func (c *Conn) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON enqueues a frame for the write pump. Fails fast on a closed
// connection and gives up after the write timeout rather than blocking a
// caller behind a stalled client.
func (c *Conn) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(writeTimeout):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Done is closed when the connection shuts down.
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close stops the write pump and closes the socket. Safe to call repeatedly.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.ws.Close()
	})
	return err
}
