// Package wsconn wraps a gorilla/websocket connection with the read-pump /
// buffered-send-queue shape shared by both halves of the Agent<->Backend
// channel (§4.4, §6.1): the Agent dials out, the Backend accepts, and from
// there both sides read and write the same JSON-RPC 2.0 frames.
package wsconn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// sendBufferSize bounds the outgoing queue per connection. A slow or stuck
// peer degrades to dropped notifications rather than an unbounded goroutine
// backlog (§5: "telemetry notifications are best-effort; dropping one on
// send failure is acceptable").
const sendBufferSize = 64

// Conn is one logical Agent<->Backend channel. Reads are delivered on a
// channel drained by the owner's message loop; writes are queued and
// flushed by an internal writer goroutine so concurrent callers never
// interleave partial frames on the underlying socket.
type Conn struct {
	log *slog.Logger
	ws  *websocket.Conn

	send     chan []byte
	incoming chan []byte
	closed   chan struct{}

	closeOnce sync.Once
	writerWG  sync.WaitGroup
}

// New wraps an already-established *websocket.Conn and starts its read and
// write pumps. Callers receive inbound frames from Incoming() and enqueue
// outbound frames with Send().
func New(log *slog.Logger, ws *websocket.Conn) *Conn {
	c := &Conn{
		log:      log,
		ws:       ws,
		send:     make(chan []byte, sendBufferSize),
		incoming: make(chan []byte, sendBufferSize),
		closed:   make(chan struct{}),
	}
	c.writerWG.Add(1)
	go c.writePump()
	go c.readPump()
	return c
}

// Incoming returns the channel of inbound message payloads. It is closed
// when the read pump exits (peer closed the socket, or an error occurred).
func (c *Conn) Incoming() <-chan []byte {
	return c.incoming
}

// Send enqueues a frame for delivery. It never blocks indefinitely: if the
// send queue is full the frame is dropped and an error is returned, the
// caller's decision whether that is fatal (an RPC request) or ignorable
// (a telemetry notification).
func (c *Conn) Send(payload []byte) error {
	select {
	case <-c.closed:
		return fmt.Errorf("wsconn: connection closed")
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.closed:
		return fmt.Errorf("wsconn: connection closed")
	default:
		return fmt.Errorf("wsconn: send queue full")
	}
}

// Close sends a close frame and waits up to timeout for the writer pump to
// drain, then closes the socket without waiting for the peer's close
// reply, matching §4.4's "close the channel with a 5s timeout" shutdown
// step.
func (c *Conn) Close(timeout time.Duration) error {
	var closeErr error
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(timeout)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		close(c.closed)

		done := make(chan struct{})
		go func() {
			c.writerWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
		}
		closeErr = c.ws.Close()
	})
	return closeErr
}

// CloseWithContext is a context-aware convenience wrapper over Close,
// deriving the timeout from ctx's deadline if one is set.
func (c *Conn) CloseWithContext(ctx context.Context, fallback time.Duration) error {
	if dl, ok := ctx.Deadline(); ok {
		return c.Close(time.Until(dl))
	}
	return c.Close(fallback)
}

func (c *Conn) readPump() {
	defer close(c.incoming)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.log.Debug("wsconn read pump exiting", "error", err)
			return
		}
		select {
		case c.incoming <- data:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) writePump() {
	defer c.writerWG.Done()
	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Debug("wsconn write pump exiting", "error", err)
				return
			}
		case <-c.closed:
			// Drain any already-queued frames best-effort before exiting.
			for {
				select {
				case payload := <-c.send:
					_ = c.ws.WriteMessage(websocket.TextMessage, payload)
				default:
					return
				}
			}
		}
	}
}
