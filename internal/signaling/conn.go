package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/dcbench/internal/util"
)

const closeWait = time.Second

// conn multiplexes request/response pairs over one WebSocket. Writes are
// serialized by wmu; a single reader goroutine routes inbound frames.
type conn struct {
	ws     *websocket.Conn
	remote Identity
	routes map[string]Handler

	wmu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Payload

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	onClose   func()
}

func newConn(ws *websocket.Conn, remote Identity, routes map[string]Handler, onClose func()) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:      ws,
		remote:  remote,
		routes:  routes,
		pending: make(map[uint64]chan Payload),
		ctx:     ctx,
		cancel:  cancel,
		onClose: onClose,
	}
	go c.watch()
	return c
}

// send writes a frame to the WebSocket, guarded by a mutex.
func (c *conn) send(env envelope) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteJSON(env)
}

// watch reads frames until the WebSocket fails, then closes the conn.
func (c *conn) watch() {
	defer c.close()

	for {
		var env envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			select {
			case <-c.ctx.Done():
			default:
				util.LogDebug("signaling connection to %s ended: %v", c.remote, err)
			}
			return
		}

		switch env.Kind {
		case kindRequest:
			go c.serve(env)

		case kindResponse:
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			delete(c.pending, env.ID)
			c.mu.Unlock()
			if ok {
				ch <- env.Payload
			}

		default:
			util.LogWarning("ignoring signaling frame of kind %q from %s", env.Kind, c.remote)
		}
	}
}

// serve answers one inbound request.
func (c *conn) serve(req envelope) {
	resp := invoke(c.ctx, c.routes, req.Action, req.Payload, c.remote)
	if err := c.send(envelope{Kind: kindResponse, ID: req.ID, Payload: resp}); err != nil {
		util.LogWarning("failed to answer %s from %s: %v", req.Action, c.remote, err)
	}
}

// dispatch sends a request and blocks for its response.
func (c *conn) dispatch(ctx context.Context, action string, p Payload) (Payload, error) {
	ch := make(chan Payload, 1)

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(envelope{Kind: kindRequest, ID: id, Action: action, Payload: p}); err != nil {
		return Payload{}, fmt.Errorf("failed to send %s: %w", action, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-c.ctx.Done():
		return Payload{}, ErrClosed
	case <-ctx.Done():
		return Payload{}, ctx.Err()
	}
}

// close tears the connection down once; pending dispatches fail with ErrClosed.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWait))
		c.ws.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
}
