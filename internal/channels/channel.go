// Package channels tracks the session's data channels by label and turns
// their lifecycle events into ready/disconnect and per-lane notifications.
package channels

import (
	"github.com/pion/webrtc/v4"
)

// Channel is the part of *webrtc.DataChannel the manager and the senders
// use.
type Channel interface {
	Label() string
	Send(data []byte) error
	BufferedAmount() uint64
	ReadyState() webrtc.DataChannelState
	Close() error

	OnOpen(fn func())
	OnClose(fn func())
	OnError(fn func(err error))
	OnMessage(fn func(msg webrtc.DataChannelMessage))
}

var _ Channel = (*webrtc.DataChannel)(nil)

// Listener receives the manager's notifications, always on the executor.
type Listener interface {
	// Ready fires once, when the default channel opens.
	Ready()
	// Disconnect fires once, when the default channel closes or errors.
	Disconnect(err error)

	ChannelOpen(ch Channel)
	ChannelClose(label string)
	Message(label string, data []byte)
}

// Peer is the connection application channels are created on.
type Peer interface {
	OpenChannel(label string) (Channel, error)
	CloseIfConnected() (bool, error)
}

// Executor runs fn on the single goroutine that owns the manager.
type Executor func(fn func())
