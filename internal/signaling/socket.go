package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/dcbench/internal/util"
)

const (
	headerUUID = "X-Dcbench-Uuid"
	headerName = "X-Dcbench-Name"
	busPath    = "/bus"
	probeWait  = time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SocketBus backs each channel name with a unix socket in Dir. The provider
// serves WebSocket upgrades on it; the socket file is the ownership token,
// so "create" succeeds for exactly one live process.
type SocketBus struct {
	Dir string
}

// SocketPath returns the socket file used for the channel name.
func (b *SocketBus) SocketPath(name string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		}
		return '-'
	}, name)
	return filepath.Join(b.Dir, safe+".sock")
}

// Create listens on the channel's socket. A socket file nobody answers on is
// treated as stale, removed, and creation retried once.
func (b *SocketBus) Create(ctx context.Context, name string, router Router) (Provider, error) {
	path := b.SocketPath(name)

	listener, err := listenUnix(ctx, path)
	if err != nil {
		return nil, err
	}

	p := &socketProvider{
		name:     name,
		listener: listener,
		router:   router,
		routes:   router.Routes(RoleProvider),
		conns:    make(map[string]*conn),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(busPath, p.handleWS)
	p.server = &http.Server{Handler: mux}

	go func() {
		_ = p.server.Serve(listener)
	}()

	return p, nil
}

func listenUnix(ctx context.Context, path string) (net.Listener, error) {
	listener, err := net.Listen("unix", path)
	if err == nil {
		return listener, nil
	}
	if !errors.Is(err, syscall.EADDRINUSE) {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	if !isStale(ctx, path) {
		return nil, ErrChannelExists
	}

	util.LogWarning("removing stale signaling socket %s", path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale socket %s: %w", path, err)
	}

	listener, err = net.Listen("unix", path)
	if errors.Is(err, syscall.EADDRINUSE) {
		// Another peer won the race for the freed name.
		return nil, ErrChannelExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	return listener, nil
}

// isStale reports whether the socket file at path has no listener behind it.
func isStale(ctx context.Context, path string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeWait)
	defer cancel()

	var d net.Dialer
	probe, err := d.DialContext(ctx, "unix", path)
	if err == nil {
		probe.Close()
		return false
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

// Connect dials the provider of name and announces id.
func (b *SocketBus) Connect(ctx context.Context, name string, id Identity, router Router) (Client, error) {
	path := b.SocketPath(name)

	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
		HandshakeTimeout: 10 * time.Second,
	}

	header := http.Header{}
	header.Set(headerUUID, id.UUID)
	header.Set(headerName, id.Name)

	ws, resp, err := dialer.DialContext(ctx, "ws://unix"+busPath, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return nil, fmt.Errorf("%w: %s", ErrConnectionRejected, name)
		}
		if errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%w: %s", ErrNoProvider, name)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", path, err)
	}

	c := &socketClient{name: name, id: id}
	c.conn = newConn(ws, Identity{Name: name}, router.Routes(RoleClient), nil)
	return c, nil
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

type socketProvider struct {
	name     string
	listener net.Listener
	server   *http.Server
	router   Router
	routes   map[string]Handler

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
}

func (p *socketProvider) Name() string { return p.name }

func (p *socketProvider) handleWS(w http.ResponseWriter, r *http.Request) {
	id := Identity{UUID: r.Header.Get(headerUUID), Name: r.Header.Get(headerName)}
	if id.UUID == "" {
		http.Error(w, "missing identity", http.StatusBadRequest)
		return
	}

	if err := p.router.Connected(id); err != nil {
		util.LogWarning("rejected signaling client %s: %v", id, err)
		http.Error(w, "connection rejected: "+err.Error(), http.StatusConflict)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.router.Disconnected(id)
		return
	}

	c := newConn(ws, id, p.routes, func() {
		p.mu.Lock()
		delete(p.conns, id.UUID)
		p.mu.Unlock()
		p.router.Disconnected(id)
	})

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		c.close()
		return
	}
	p.conns[id.UUID] = c
	p.mu.Unlock()
}

func (p *socketProvider) Dispatch(ctx context.Context, to Identity, action string, payload Payload) (Payload, error) {
	p.mu.Lock()
	c, ok := p.conns[to.UUID]
	p.mu.Unlock()
	if !ok {
		return Payload{}, fmt.Errorf("%w: %s", ErrUnknownClient, to)
	}
	return c.dispatch(ctx, action, payload)
}

// Close stops accepting clients and drops the connected ones.
func (p *socketProvider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	return p.server.Close()
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

type socketClient struct {
	name string
	id   Identity
	conn *conn
}

func (c *socketClient) Name() string       { return c.name }
func (c *socketClient) Identity() Identity { return c.id }

func (c *socketClient) Dispatch(ctx context.Context, action string, p Payload) (Payload, error) {
	return c.conn.dispatch(ctx, action, p)
}

func (c *socketClient) Close() error {
	c.conn.close()
	return nil
}
