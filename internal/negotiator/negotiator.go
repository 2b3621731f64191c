// Package negotiator owns the session's PeerConnection and drives the
// offer/answer exchange over a signaling endpoint. ICE is not trickled:
// each side waits for gathering to finish and sends one complete
// description.
package negotiator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/dcbench/internal/signaling"
	"github.com/1ureka/dcbench/internal/util"
)

var (
	// ErrNegotiation wraps any failed or rejected offer/answer dispatch.
	ErrNegotiation = errors.New("negotiation failed")

	// ErrNoLocalDescription means ICE gathering ended without a local
	// description; nothing is sent and the session stays stalled.
	ErrNoLocalDescription = errors.New("local description not finalized")

	// ErrClientBound rejects a second client while one is connected.
	ErrClientBound = errors.New("a client identity is already bound")

	// ErrUnexpectedState is returned for descriptions that arrive out of turn.
	ErrUnexpectedState = errors.New("unexpected negotiation state")
)

// State is the negotiation progress of the PeerConnection.
type State int

const (
	StateNew State = iota
	StateGathering
	StateComplete
	StateOfferSent
	StateAnswerSent
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateGathering:
		return "gathering"
	case StateComplete:
		return "complete"
	case StateOfferSent:
		return "offer-sent"
	case StateAnswerSent:
		return "answer-sent"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Compile-time interface check.
var _ signaling.Router = (*Negotiator)(nil)

// Negotiator wraps exactly one PeerConnection for the life of a session.
type Negotiator struct {
	pc  *webrtc.PeerConnection
	log *util.Logger

	mu            sync.Mutex
	state         State
	client        *signaling.Identity
	onStateChange func(webrtc.PeerConnectionState)
}

// New creates the PeerConnection.
func New(cfg Config) (*Negotiator, error) {
	pc, err := newPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create PeerConnection: %w", err)
	}

	n := &Negotiator{
		pc:  pc,
		log: util.Scope("negotiator"),
	}

	pc.OnConnectionStateChange(n.handleConnectionState)
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			n.log.Debugf("end of candidates")
			return
		}
		n.log.Debugf("new candidate: %s", c.String())
	})

	return n, nil
}

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// State returns the current negotiation state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Negotiator) setState(s State) {
	n.mu.Lock()
	prev := n.state
	if prev == StateClosed {
		n.mu.Unlock()
		return
	}
	n.state = s
	n.mu.Unlock()

	if prev != s {
		n.log.Debugf("negotiation state %s -> %s", prev, s)
	}
}

// ConnectionState returns the PeerConnection's connection state.
func (n *Negotiator) ConnectionState() webrtc.PeerConnectionState {
	return n.pc.ConnectionState()
}

// OnConnectionStateChange registers the single observer of connection
// state changes. It runs on a pion goroutine.
func (n *Negotiator) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	n.mu.Lock()
	n.onStateChange = fn
	n.mu.Unlock()
}

func (n *Negotiator) handleConnectionState(state webrtc.PeerConnectionState) {
	n.log.Infof("PeerConnection state: %s", state.String())

	switch state {
	case webrtc.PeerConnectionStateConnected:
		// The answerer learns the offerer applied its answer only here.
		if n.State() == StateAnswerSent {
			n.setState(StateConnected)
		}
	case webrtc.PeerConnectionStateClosed:
		n.setState(StateClosed)
	}

	n.mu.Lock()
	fn := n.onStateChange
	n.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// ---------------------------------------------------------------------------
// Channels
// ---------------------------------------------------------------------------

// DefaultChannel creates the reserved control channel. It must be called
// before the offer is created.
func (n *Negotiator) DefaultChannel(label string) (*webrtc.DataChannel, error) {
	n.log.Infof("creating default data channel %s", label)
	return newDefaultChannel(n.pc, label)
}

// OpenChannel creates an application channel; the remote peer receives it
// through OnDataChannel.
func (n *Negotiator) OpenChannel(label string) (*webrtc.DataChannel, error) {
	n.log.Infof("creating data channel %s", label)
	return newLaneChannel(n.pc, label)
}

// OnDataChannel registers fn for channels opened by the remote peer.
func (n *Negotiator) OnDataChannel(fn func(*webrtc.DataChannel)) {
	n.pc.OnDataChannel(fn)
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// CloseIfConnected closes the PeerConnection only when it is connected and
// reports whether it did.
func (n *Negotiator) CloseIfConnected() (bool, error) {
	if n.pc.ConnectionState() != webrtc.PeerConnectionStateConnected {
		return false, nil
	}
	n.log.Infof("closing peer connection")
	n.setState(StateClosed)
	return true, n.pc.Close()
}

// Close shuts the PeerConnection down unconditionally. Idempotent.
func (n *Negotiator) Close() error {
	n.setState(StateClosed)
	return n.pc.Close()
}
