// Package sender pumps sequenced messages onto a data channel at a fixed
// per-tick rate, cutting a tick's burst short when the channel's outbound
// buffer reaches its high-water mark.
package sender

import (
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/dcbench/internal/protocol"
)

// DefaultCapacity is the assumed size of the transport's send buffer.
const DefaultCapacity = 1 << 20

// Channel is the outbound side of a data channel.
type Channel interface {
	Label() string
	Send(data []byte) error
	BufferedAmount() uint64
	Close() error
}

// Scheduler runs fn periodically until cancel is called.
type Scheduler interface {
	Every(d time.Duration, fn func()) (cancel func())
}

// Options configures a Sender.
type Options struct {
	// Rate is the number of messages attempted per tick.
	Rate int
	// PayloadSize is the filler length of every message.
	PayloadSize int
	// Capacity is the transport buffer size the high-water mark derives from.
	Capacity uint64
}

// ErrCapacity means the buffer cannot hold the two-message headroom.
var ErrCapacity = errors.New("buffer capacity too small for message size")

// TickResult describes one burst.
type TickResult struct {
	Sent      int
	Bytes     int
	FirstID   uint64
	LastID    uint64
	Throttled bool
	Err       error
}

// Sender is not safe for concurrent use; all calls, including ticks, must
// come from one goroutine such as an event loop.
type Sender struct {
	ch        Channel
	rate      int
	payload   string
	msgSize   int
	highWater uint64

	lastID  uint64
	cancel  func()
	stopped bool
}

// New prepares a sender for ch. Sequence ids start at 1.
func New(ch Channel, opts Options) (*Sender, error) {
	if opts.Rate <= 0 {
		return nil, fmt.Errorf("rate must be positive, got %d", opts.Rate)
	}
	if opts.PayloadSize <= 0 {
		opts.PayloadSize = protocol.DefaultPayloadSize
	}
	if opts.Capacity == 0 {
		opts.Capacity = DefaultCapacity
	}

	payload := protocol.Filler(opts.PayloadSize)
	sample, err := protocol.Encode(&protocol.Message{ID: 1, Payload: payload})
	if err != nil {
		return nil, err
	}
	msgSize := len(sample)

	headroom := uint64(2 * msgSize)
	if opts.Capacity <= headroom {
		return nil, fmt.Errorf("%w: capacity %d, message %d bytes", ErrCapacity, opts.Capacity, msgSize)
	}

	return &Sender{
		ch:        ch,
		rate:      opts.Rate,
		payload:   payload,
		msgSize:   msgSize,
		highWater: opts.Capacity - headroom,
	}, nil
}

// HighWater is the buffered byte count at which a burst stops.
func (s *Sender) HighWater() uint64 { return s.highWater }

// MessageSize is the encoded size of one message.
func (s *Sender) MessageSize() int { return s.msgSize }

// LastID is the id of the last message handed to the channel.
func (s *Sender) LastID() uint64 { return s.lastID }

// Rate is the per-tick message target.
func (s *Sender) Rate() int { return s.rate }

// Running reports whether ticks are scheduled.
func (s *Sender) Running() bool { return s.cancel != nil && !s.stopped }

// SetRate changes the per-tick target from the next tick on.
func (s *Sender) SetRate(rate int) error {
	if rate <= 0 {
		return fmt.Errorf("rate must be positive, got %d", rate)
	}
	s.rate = rate
	return nil
}

// Tick sends up to Rate messages back to back. Before each send the
// channel's buffered amount is checked; at or above the high-water mark the
// rest of the burst is skipped. A failed send also ends the burst, and its
// id is reused by the next one.
func (s *Sender) Tick() TickResult {
	var res TickResult
	if s.stopped {
		return res
	}

	for i := 0; i < s.rate; i++ {
		if s.ch.BufferedAmount() >= s.highWater {
			res.Throttled = true
			break
		}

		id := s.lastID + 1
		data, err := protocol.Encode(&protocol.Message{ID: id, Payload: s.payload})
		if err != nil {
			res.Err = err
			break
		}
		if err := s.ch.Send(data); err != nil {
			res.Err = fmt.Errorf("failed to send message %d on %s: %w", id, s.ch.Label(), err)
			break
		}

		s.lastID = id
		if res.Sent == 0 {
			res.FirstID = id
		}
		res.LastID = id
		res.Sent++
		res.Bytes += len(data)
	}
	return res
}

// Start schedules Tick every interval. onTick, if set, receives every
// result. Calling Start on a running or stopped sender does nothing.
func (s *Sender) Start(sched Scheduler, interval time.Duration, onTick func(TickResult)) {
	if s.cancel != nil || s.stopped {
		return
	}
	s.cancel = sched.Every(interval, func() {
		res := s.Tick()
		if onTick != nil {
			onTick(res)
		}
	})
}

// Stop cancels the tick and closes the channel. Idempotent.
func (s *Sender) Stop() error {
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
	return s.ch.Close()
}
