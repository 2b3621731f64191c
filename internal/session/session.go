// Package session composes signaling, negotiation, the channel manager,
// senders and receive metrics into one harness session driven by a single
// event loop. Commands enter through Start, Stop and SetRate; notifications
// leave through an Observer.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/dcbench/internal/channels"
	"github.com/1ureka/dcbench/internal/config"
	"github.com/1ureka/dcbench/internal/loop"
	"github.com/1ureka/dcbench/internal/metrics"
	"github.com/1ureka/dcbench/internal/negotiator"
	"github.com/1ureka/dcbench/internal/sender"
	"github.com/1ureka/dcbench/internal/signaling"
	"github.com/1ureka/dcbench/internal/util"
)

var (
	// ErrInit wraps every failure that prevents the session from starting.
	ErrInit = errors.New("session initialization failed")

	// ErrNotReady is returned by commands issued before the default channel
	// opened.
	ErrNotReady = errors.New("session not ready")

	// ErrTransportLost is returned by Run after the default channel was lost.
	ErrTransportLost = errors.New("transport lost")

	// ErrClosed is returned by commands issued after Run returned.
	ErrClosed = errors.New("session closed")

	// ErrUnknownLane is returned by Stop for labels without a lane.
	ErrUnknownLane = errors.New("unknown lane")
)

// Options configures a Session.
type Options struct {
	Config   *config.Config
	Bus      signaling.Bus
	Observer Observer

	// Collector is optional.
	Collector *metrics.Collector

	// Name is the human-readable part of this peer's signaling identity.
	Name string

	// Now is the clock for receive metrics; nil means time.Now.
	Now func() time.Time
}

// lane is the per-label state of an application channel.
type lane struct {
	label     string
	initiator bool
	sender    *sender.Sender
	agg       *metrics.Aggregator
}

// Session is one negotiation and its data channels. It is single-use: after
// Run returns, create a new Session to reconnect.
type Session struct {
	cfg       *config.Config
	bus       signaling.Bus
	obs       Observer
	collector *metrics.Collector
	id        signaling.Identity
	now       func() time.Time
	log       *util.Logger

	loop  *loop.Loop
	sched sender.Scheduler

	neg      *negotiator.Negotiator
	endpoint *signaling.Endpoint
	manager  *channels.Manager

	// loop-owned
	lanes   map[string]*lane
	rate    int
	ready   bool
	lostErr error

	lost     chan struct{}
	lostOnce sync.Once
	ran      bool
}

// New validates opts and creates an idle Session.
func New(opts Options) (*Session, error) {
	if opts.Config == nil {
		return nil, errors.New("session: nil config")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.Bus == nil {
		return nil, errors.New("session: nil signaling bus")
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.Name == "" {
		opts.Name = "dcbench"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	l := loop.New(loop.DefaultQueueSize)
	return &Session{
		cfg:       opts.Config,
		bus:       opts.Bus,
		obs:       opts.Observer,
		collector: opts.Collector,
		id:        signaling.NewIdentity(opts.Name),
		now:       opts.Now,
		log:       util.Scope("session"),
		loop:      l,
		sched:     l,
		lanes:     make(map[string]*lane),
		rate:      opts.Config.Sender.Rate,
		lost:      make(chan struct{}),
	}, nil
}

// Identity is this peer's signaling identity.
func (s *Session) Identity() signaling.Identity { return s.id }

// Run negotiates the session and serves it until ctx is cancelled or the
// transport is lost. Negotiation failures are returned wrapped in ErrInit,
// transport loss in ErrTransportLost; a cancelled ctx yields nil.
func (s *Session) Run(ctx context.Context) error {
	if s.ran {
		return errors.New("session: Run called twice")
	}
	s.ran = true

	if err := s.setup(); err != nil {
		return fmt.Errorf("%w: %w", ErrInit, err)
	}
	defer s.shutdown()

	refresh := s.loop.Every(s.cfg.UI.RefreshInterval, s.refresh)
	defer refresh()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.loop.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return s.negotiate(gctx)
	})
	return g.Wait()
}

// setup creates the peer connection and tracks the default channel before
// any offer can be made.
func (s *Session) setup() error {
	neg, err := negotiator.New(negotiator.Config{
		ICEServers:      s.cfg.WebRTC.ICEServers,
		IncludeLoopback: s.cfg.WebRTC.IncludeLoopback,
	})
	if err != nil {
		return err
	}
	s.neg = neg
	s.manager = channels.NewManager(peer{neg}, s.cfg.DefaultChannelLabel(), listener{s}, s.post)

	def, err := neg.DefaultChannel(s.cfg.DefaultChannelLabel())
	if err != nil {
		_ = neg.Close()
		return fmt.Errorf("failed to create default channel: %w", err)
	}
	s.manager.Track(def)

	neg.OnDataChannel(func(dc *webrtc.DataChannel) {
		s.manager.Track(dc)
	})
	neg.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed {
			s.post(func() {
				s.manager.Teardown(fmt.Errorf("peer connection %s", state.String()))
			})
		}
	})
	return nil
}

// negotiate joins the signaling channel, makes the offer when this peer is
// the client and then waits for the end of the session.
func (s *Session) negotiate(ctx context.Context) error {
	name := s.cfg.SignalingChannel()
	ep, err := signaling.CreateOrConnect(ctx, s.bus, name, s.id, s.neg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInit, err)
	}
	s.endpoint = ep
	s.log.Infof("joined %s as %s", name, ep.Role)

	if ep.Role == signaling.RoleClient {
		err := s.neg.Offer(ctx, ep.Client)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, negotiator.ErrNoLocalDescription):
			s.log.Warnf("negotiation stalled: %v", err)
		default:
			return fmt.Errorf("%w: %w", ErrInit, err)
		}
	}

	select {
	case <-ctx.Done():
		return nil
	case <-s.lost:
		return fmt.Errorf("%w: %w", ErrTransportLost, s.lostErr)
	}
}

// shutdown runs after the loop has stopped, so loop-owned state is safe to
// touch here.
func (s *Session) shutdown() {
	for _, l := range s.lanes {
		if l.sender != nil {
			_ = l.sender.Stop()
		}
	}
	if s.endpoint != nil {
		if err := s.endpoint.Close(); err != nil {
			s.log.Debugf("closing signaling endpoint: %v", err)
		}
	}
	if err := s.neg.Close(); err != nil {
		s.log.Debugf("closing peer connection: %v", err)
	}
	s.log.Infof("session closed")
}

func (s *Session) post(fn func()) {
	if !s.loop.Post(fn) {
		s.log.Debugf("event dropped after shutdown")
	}
}

// call runs fn on the loop and waits for its result.
func (s *Session) call(fn func() error) error {
	errc := make(chan error, 1)
	if !s.loop.Post(func() { errc <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-s.loop.Done():
		return ErrClosed
	}
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// Start begins sending on label. If the lane has no channel yet, this peer
// becomes its initiator: the channel is opened and sending starts when it
// does. On a lane the remote peer opened, sending starts right away.
func (s *Session) Start(label string) error {
	return s.call(func() error { return s.start(label) })
}

// Stop closes the lane's channel, which ends sending on both sides.
func (s *Session) Stop(label string) error {
	return s.call(func() error { return s.stop(label) })
}

// SetRate changes the per-tick message count of every sender from its next
// tick on, and of senders started later.
func (s *Session) SetRate(rate int) error {
	return s.call(func() error { return s.setRate(rate) })
}

func (s *Session) start(label string) error {
	if !s.ready {
		return ErrNotReady
	}
	if label == "" || label == s.manager.DefaultLabel() {
		return fmt.Errorf("%w: %q", channels.ErrReservedLabel, label)
	}

	l := s.lane(label)
	if l.sender != nil && l.sender.Running() {
		return nil
	}
	l.initiator = true

	if s.manager.IsOpen(label) {
		ch, _ := s.manager.Get(label)
		return s.startSending(l, ch)
	}
	if _, err := s.manager.Open(label); err != nil {
		delete(s.lanes, label)
		return err
	}
	s.log.Infof("opening lane %s", label)
	return nil
}

func (s *Session) stop(label string) error {
	if _, ok := s.lanes[label]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLane, label)
	}

	err := s.manager.Close(label)
	if errors.Is(err, channels.ErrUnknownChannel) {
		s.dropLane(label)
		return nil
	}
	return err
}

func (s *Session) setRate(rate int) error {
	if rate <= 0 {
		return fmt.Errorf("rate must be positive, got %d", rate)
	}
	s.rate = rate
	for _, l := range s.lanes {
		if l.sender != nil {
			if err := l.sender.SetRate(rate); err != nil {
				return err
			}
		}
	}
	s.log.Infof("rate set to %d msg/tick", rate)
	return nil
}

// ---------------------------------------------------------------------------
// Lanes
// ---------------------------------------------------------------------------

func (s *Session) lane(label string) *lane {
	l, ok := s.lanes[label]
	if !ok {
		l = &lane{label: label}
		s.lanes[label] = l
	}
	return l
}

func (s *Session) dropLane(label string) {
	l, ok := s.lanes[label]
	if !ok {
		return
	}
	if l.sender != nil {
		_ = l.sender.Stop()
	}
	delete(s.lanes, label)
}

func (s *Session) startSending(l *lane, ch sender.Channel) error {
	snd, err := sender.New(ch, sender.Options{
		Rate:        s.rate,
		PayloadSize: s.cfg.Sender.PayloadSize,
		Capacity:    s.cfg.Sender.BufferCapacity,
	})
	if err != nil {
		return err
	}
	l.sender = snd
	snd.Start(s.sched, s.cfg.Sender.TickInterval, func(res sender.TickResult) {
		s.onTick(l.label, res)
	})
	s.log.Infof("sending on %s: %d msg per %s, %s", l.label, s.rate, s.cfg.Sender.TickInterval,
		util.FormatBytes(float64(snd.MessageSize())))
	return nil
}

func (s *Session) onTick(label string, res sender.TickResult) {
	s.collector.RecordSent(label, res.Sent, res.Bytes)

	if res.Throttled {
		s.collector.RecordThrottled(label)
		s.log.Infof("backpressure on %s: burst cut after %d messages", label, res.Sent)
		s.obs.OnBackpressure(label, res.Sent)
	}
	if res.Err != nil {
		s.log.Errorf("%v", res.Err)
	}
}

// refresh reports every active lane. Lanes that have not moved a message
// yet are skipped.
func (s *Session) refresh() {
	labels := make([]string, 0, len(s.lanes))
	for label := range s.lanes {
		labels = append(labels, label)
	}
	slices.Sort(labels)
	for _, label := range labels {
		l := s.lanes[label]

		var u Update
		switch {
		case l.sender != nil && l.sender.Running():
			u = Update{Label: label, Total: l.sender.LastID(), MPS: l.sender.Rate(), Sending: true}
		case l.agg != nil:
			snap := l.agg.Snapshot()
			s.collector.SetReceiveRate(label, snap.MPS)
			u = Update{Label: label, Total: snap.LastID, MPS: snap.MPS}
		default:
			continue
		}

		if u.Total == 0 {
			continue
		}
		s.obs.OnMetrics(u)
	}
}
