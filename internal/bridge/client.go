package bridge

import (
	"context"
	"encoding/json"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

// sendQueueSize bounds the per-client outbound queue. A client that cannot
// drain its queue loses broadcasts (tail-drop) rather than stalling the bus.
const sendQueueSize = 64

// client is one connected socket. The reader goroutine lives in
// Service.handleSocket; the writer goroutine drains send.
type client struct {
	id      string
	conn    *websocket.Conn
	limiter *rate.Limiter
	send    chan outFrame
	done    chan struct{}
}

func newClient(id string, conn *websocket.Conn, perMinute int) *client {
	if perMinute <= 0 {
		perMinute = DefaultClientRatePerMinute
	}
	return &client{
		id:      id,
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60), perMinute),
		send:    make(chan outFrame, sendQueueSize),
		done:    make(chan struct{}),
	}
}

// enqueue offers a frame to the client, dropping it when the queue is full.
// It reports whether the frame was accepted.
func (c *client) enqueue(f outFrame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// writeLoop serializes queued frames onto the socket. Exits when the client
// is closed or a write fails.
func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case f := <-c.send:
			data, err := json.Marshal(f)
			if err != nil {
				continue
			}
			if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

// close releases the client. Idempotent via the done channel guard in the
// service's removeClient.
func (c *client) close(code websocket.StatusCode, reason string) {
	close(c.done)
	_ = c.conn.Close(code, reason)
}
