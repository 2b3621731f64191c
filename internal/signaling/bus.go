package signaling

import (
	"context"
	"errors"
	"fmt"

	"github.com/1ureka/dcbench/internal/util"
)

var (
	// ErrChannelExists is returned by Bus.Create when another peer already
	// provides the named channel.
	ErrChannelExists = errors.New("signaling channel already exists")

	// ErrNoProvider is returned by Bus.Connect when nobody provides the channel.
	ErrNoProvider = errors.New("signaling channel has no provider")

	// ErrConnectionRejected is returned by Bus.Connect when the provider
	// refuses the client, e.g. because another client is already bound.
	ErrConnectionRejected = errors.New("signaling connection rejected")

	// ErrUnknownClient is returned by Provider.Dispatch for an identity that
	// is not connected.
	ErrUnknownClient = errors.New("signaling client not connected")

	// ErrClosed is returned by operations on a closed endpoint.
	ErrClosed = errors.New("signaling endpoint closed")
)

// Handler serves one action. The returned Payload is the wire response; an
// error is sent as a StatusInternal response.
type Handler func(ctx context.Context, p Payload, from Identity) (Payload, error)

// Router supplies an endpoint with its handlers and connection hooks. Routes
// are installed before the endpoint becomes reachable.
type Router interface {
	Routes(role Role) map[string]Handler

	// Connected is called on the provider side for every connecting client;
	// a non-nil error rejects the client.
	Connected(id Identity) error

	// Disconnected is called on the provider side when a client goes away.
	Disconnected(id Identity)
}

// Provider is the creating side of a channel.
type Provider interface {
	Name() string
	Dispatch(ctx context.Context, to Identity, action string, p Payload) (Payload, error)
	Close() error
}

// Client is the connecting side of a channel.
type Client interface {
	Name() string
	Identity() Identity
	Dispatch(ctx context.Context, action string, p Payload) (Payload, error)
	Close() error
}

// Bus creates and connects to named channels.
type Bus interface {
	Create(ctx context.Context, name string, router Router) (Provider, error)
	Connect(ctx context.Context, name string, id Identity, router Router) (Client, error)
}

// Endpoint is this peer's side of a channel. Exactly one of Provider and
// Client is set, matching Role.
type Endpoint struct {
	Role     Role
	Provider Provider
	Client   Client
}

// Close releases the underlying provider or client.
func (e *Endpoint) Close() error {
	switch e.Role {
	case RoleProvider:
		return e.Provider.Close()
	case RoleClient:
		return e.Client.Close()
	}
	return nil
}

// CreateOrConnect tries to become the provider of name and falls back to
// connecting as a client when the channel already exists. The first create
// that succeeds wins the provider role; there is no further tie-break.
// Any other failure is fatal to session initialization.
func CreateOrConnect(ctx context.Context, bus Bus, name string, id Identity, router Router) (*Endpoint, error) {
	p, err := bus.Create(ctx, name, router)
	if err == nil {
		util.LogInfo("started channel provider %s", name)
		return &Endpoint{Role: RoleProvider, Provider: p}, nil
	}
	if !errors.Is(err, ErrChannelExists) {
		return nil, fmt.Errorf("failed to create signaling channel %s: %w", name, err)
	}

	c, err := bus.Connect(ctx, name, id, router)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling channel %s: %w", name, err)
	}
	util.LogInfo("connected to channel provider %s", name)
	return &Endpoint{Role: RoleClient, Client: c}, nil
}

// invoke runs the handler registered for action. Unknown actions are logged
// and answered with StatusNotFound.
func invoke(ctx context.Context, routes map[string]Handler, action string, p Payload, from Identity) Payload {
	h, ok := routes[action]
	if !ok {
		util.LogWarning("ignoring unknown signaling action %q from %s", action, from)
		return Failure(StatusNotFound, fmt.Errorf("unknown action %q", action))
	}

	resp, err := h(ctx, p, from)
	if err != nil {
		if resp.Status == 0 || resp.Status == StatusOK {
			resp.Status = StatusInternal
		}
		resp.Error = err.Error()
	}
	return resp
}
