package channels

import (
	"errors"
	"fmt"
	"sort"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/dcbench/internal/util"
)

var (
	// ErrReservedLabel rejects opening an application channel under the
	// default channel's label.
	ErrReservedLabel = errors.New("label is reserved for the default channel")

	// ErrDisconnected is returned once the default channel has been lost.
	ErrDisconnected = errors.New("transport lost")

	// ErrUnknownChannel is returned for labels that are not tracked.
	ErrUnknownChannel = errors.New("no channel with this label")
)

type entry struct {
	ch   Channel
	open bool
}

// Manager owns the label -> channel map. Apart from Track, its methods must
// be called on the executor; channel callbacks are re-posted there.
type Manager struct {
	post         Executor
	defaultLabel string
	peer         Peer
	listener     Listener
	log          *util.Logger

	channels map[string]*entry
	ready    bool
	lost     bool
}

// NewManager creates a Manager. defaultLabel names the control channel whose
// loss ends the session.
func NewManager(peer Peer, defaultLabel string, listener Listener, post Executor) *Manager {
	return &Manager{
		post:         post,
		defaultLabel: defaultLabel,
		peer:         peer,
		listener:     listener,
		log:          util.Scope("channels"),
		channels:     make(map[string]*entry),
	}
}

// DefaultLabel returns the control channel's label.
func (m *Manager) DefaultLabel() string { return m.defaultLabel }

// Track starts managing ch. It may be called from any goroutine, including
// pion's OnDataChannel callback: handlers are registered before it returns
// so no early event is missed.
func (m *Manager) Track(ch Channel) {
	m.post(func() { m.insert(ch) })
	m.watch(ch)
}

// Open creates an application channel on the peer connection.
func (m *Manager) Open(label string) (Channel, error) {
	if label == m.defaultLabel {
		return nil, fmt.Errorf("%w: %s", ErrReservedLabel, label)
	}
	if m.lost {
		return nil, ErrDisconnected
	}
	if e, ok := m.channels[label]; ok {
		return e.ch, nil
	}

	ch, err := m.peer.OpenChannel(label)
	if err != nil {
		return nil, fmt.Errorf("failed to open channel %s: %w", label, err)
	}
	m.insert(ch)
	m.watch(ch)
	return ch, nil
}

// Get returns the tracked channel for label.
func (m *Manager) Get(label string) (Channel, bool) {
	e, ok := m.channels[label]
	if !ok {
		return nil, false
	}
	return e.ch, true
}

// IsOpen reports whether label is tracked and has opened.
func (m *Manager) IsOpen(label string) bool {
	e, ok := m.channels[label]
	return ok && e.open
}

// Labels returns the tracked labels in sorted order.
func (m *Manager) Labels() []string {
	labels := make([]string, 0, len(m.channels))
	for label := range m.channels {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// Ready reports whether the default channel has opened.
func (m *Manager) Ready() bool { return m.ready }

// Lost reports whether the default channel has been lost.
func (m *Manager) Lost() bool { return m.lost }

// Close closes an application channel and reports ChannelClose for it.
// Closing the default channel tears the session down.
func (m *Manager) Close(label string) error {
	if label == m.defaultLabel {
		m.Teardown(nil)
		return nil
	}

	e, ok := m.channels[label]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, label)
	}
	delete(m.channels, label)
	err := e.ch.Close()
	m.listener.ChannelClose(label)
	return err
}

// Teardown closes every channel, clears the map, closes the peer connection
// if it is connected and emits Disconnect. Only the first call has effect.
func (m *Manager) Teardown(cause error) {
	if m.lost {
		return
	}
	m.lost = true

	if cause != nil {
		m.log.Errorf("transport lost: %v", cause)
	} else {
		m.log.Warnf("transport lost")
	}

	for _, label := range m.Labels() {
		e := m.channels[label]
		// removed first so the close callback finds a stale channel
		delete(m.channels, label)
		if err := e.ch.Close(); err != nil {
			m.log.Debugf("closing channel %s: %v", label, err)
		}
		if label != m.defaultLabel {
			m.listener.ChannelClose(label)
		}
	}

	closed, err := m.peer.CloseIfConnected()
	switch {
	case err != nil:
		m.log.Warnf("failed to close peer connection: %v", err)
	case closed:
		m.log.Infof("peer connection closed")
	}

	m.listener.Disconnect(cause)
}

// ---------------------------------------------------------------------------
// Event handling (executor only)
// ---------------------------------------------------------------------------

func (m *Manager) insert(ch Channel) {
	label := ch.Label()
	if m.lost {
		m.log.Warnf("ignoring channel %s after transport loss", label)
		_ = ch.Close()
		return
	}

	if old, ok := m.channels[label]; ok {
		if old.ch == ch {
			return
		}
		m.log.Warnf("replacing channel %s", label)
		delete(m.channels, label)
		_ = old.ch.Close()
	}
	m.channels[label] = &entry{ch: ch}
	m.log.Debugf("tracking channel %s", label)
}

// current returns the entry for ch, or nil if ch was replaced or removed.
func (m *Manager) current(ch Channel) *entry {
	e, ok := m.channels[ch.Label()]
	if !ok || e.ch != ch {
		return nil
	}
	return e
}

func (m *Manager) watch(ch Channel) {
	ch.OnOpen(func() {
		m.post(func() { m.handleOpen(ch) })
	})
	ch.OnClose(func() {
		m.post(func() { m.handleClose(ch, nil) })
	})
	ch.OnError(func(err error) {
		m.post(func() { m.handleClose(ch, err) })
	})
	ch.OnMessage(func(msg webrtc.DataChannelMessage) {
		m.post(func() { m.handleMessage(ch, msg.Data) })
	})

	if ch.ReadyState() == webrtc.DataChannelStateOpen {
		m.post(func() { m.handleOpen(ch) })
	}
}

func (m *Manager) handleOpen(ch Channel) {
	e := m.current(ch)
	if e == nil || e.open {
		return
	}
	e.open = true

	label := ch.Label()
	m.log.Infof("data channel %s opened", label)

	if label == m.defaultLabel {
		if !m.ready {
			m.ready = true
			m.listener.Ready()
		}
		return
	}
	m.listener.ChannelOpen(ch)
}

func (m *Manager) handleClose(ch Channel, err error) {
	e := m.current(ch)
	if e == nil {
		return
	}

	label := ch.Label()
	if label == m.defaultLabel {
		if err == nil {
			err = fmt.Errorf("default channel %s closed", label)
		}
		m.Teardown(err)
		return
	}

	if err != nil {
		m.log.Errorf("data channel %s error: %v", label, err)
	} else {
		m.log.Infof("data channel %s closed", label)
	}
	delete(m.channels, label)
	if err != nil {
		_ = e.ch.Close()
	}
	m.listener.ChannelClose(label)
}

func (m *Manager) handleMessage(ch Channel, data []byte) {
	if m.current(ch) == nil {
		return
	}

	label := ch.Label()
	if label == m.defaultLabel {
		m.log.Debugf("control message on %s: %s", label, data)
		return
	}
	m.listener.Message(label, data)
}
