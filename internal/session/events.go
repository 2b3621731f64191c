package session

import (
	"github.com/1ureka/dcbench/internal/channels"
	"github.com/1ureka/dcbench/internal/metrics"
	"github.com/1ureka/dcbench/internal/negotiator"
	"github.com/1ureka/dcbench/internal/protocol"
	"github.com/1ureka/dcbench/internal/util"
)

// peer exposes the negotiator to the channel manager.
type peer struct {
	neg *negotiator.Negotiator
}

func (p peer) OpenChannel(label string) (channels.Channel, error) {
	dc, err := p.neg.OpenChannel(label)
	if err != nil {
		return nil, err
	}
	return dc, nil
}

func (p peer) CloseIfConnected() (bool, error) {
	return p.neg.CloseIfConnected()
}

// listener handles the manager's notifications on the loop.
type listener struct {
	s *Session
}

var _ channels.Listener = listener{}

func (e listener) Ready() {
	s := e.s
	s.ready = true
	util.LogSuccess("transport ready")
	s.obs.OnReady()
}

func (e listener) Disconnect(err error) {
	s := e.s
	s.ready = false
	for label := range s.lanes {
		s.dropLane(label)
	}
	s.collector.RecordDisconnect()
	s.obs.OnDisconnect(err)

	s.lostOnce.Do(func() {
		s.lostErr = err
		close(s.lost)
	})
}

func (e listener) ChannelOpen(ch channels.Channel) {
	s := e.s
	label := ch.Label()
	l := s.lane(label)
	s.obs.OnChannelOpen(label)

	if !l.initiator {
		if l.agg == nil {
			l.agg = metrics.NewAggregator(s.now)
		}
		s.log.Infof("receiving on %s", label)
		return
	}
	if err := s.startSending(l, ch); err != nil {
		s.log.Errorf("failed to start sending on %s: %v", label, err)
	}
}

func (e listener) ChannelClose(label string) {
	s := e.s
	if _, ok := s.lanes[label]; !ok {
		return
	}
	s.dropLane(label)
	s.obs.OnChannelClose(label)
}

func (e listener) Message(label string, data []byte) {
	s := e.s
	m, err := protocol.Decode(data)
	if err != nil {
		s.log.Warnf("dropping message on %s: %v", label, err)
		return
	}

	l := s.lane(label)
	if l.agg == nil {
		l.agg = metrics.NewAggregator(s.now)
	}
	l.agg.Observe(m.ID)
	s.collector.RecordReceived(label, len(data))

	if util.DebugEnabled() {
		s.log.Debugf("%s <- %s", label, data)
	}
}
