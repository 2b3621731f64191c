package channels

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannel drives the callbacks pion would fire.
type fakeChannel struct {
	label    string
	state    webrtc.DataChannelState
	buffered uint64
	sent     [][]byte
	closes   int

	onOpen    func()
	onClose   func()
	onError   func(error)
	onMessage func(webrtc.DataChannelMessage)
}

func newFakeChannel(label string) *fakeChannel {
	return &fakeChannel{label: label, state: webrtc.DataChannelStateConnecting}
}

func (c *fakeChannel) Label() string                       { return c.label }
func (c *fakeChannel) BufferedAmount() uint64              { return c.buffered }
func (c *fakeChannel) ReadyState() webrtc.DataChannelState { return c.state }

func (c *fakeChannel) Send(data []byte) error {
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeChannel) Close() error {
	c.closes++
	if c.state == webrtc.DataChannelStateClosed {
		return nil
	}
	c.state = webrtc.DataChannelStateClosed
	if c.onClose != nil {
		c.onClose()
	}
	return nil
}

func (c *fakeChannel) OnOpen(fn func())                                 { c.onOpen = fn }
func (c *fakeChannel) OnClose(fn func())                                { c.onClose = fn }
func (c *fakeChannel) OnError(fn func(error))                           { c.onError = fn }
func (c *fakeChannel) OnMessage(fn func(msg webrtc.DataChannelMessage)) { c.onMessage = fn }

func (c *fakeChannel) open() {
	c.state = webrtc.DataChannelStateOpen
	c.onOpen()
}

func (c *fakeChannel) remoteClose() {
	c.state = webrtc.DataChannelStateClosed
	c.onClose()
}

func (c *fakeChannel) receive(data string) {
	c.onMessage(webrtc.DataChannelMessage{Data: []byte(data)})
}

type fakePeer struct {
	connected bool
	pcCloses  int
	opened    []*fakeChannel
}

func (p *fakePeer) OpenChannel(label string) (Channel, error) {
	ch := newFakeChannel(label)
	p.opened = append(p.opened, ch)
	return ch, nil
}

func (p *fakePeer) CloseIfConnected() (bool, error) {
	if !p.connected {
		return false, nil
	}
	p.connected = false
	p.pcCloses++
	return true, nil
}

type recorder struct {
	ready       int
	disconnects []error
	opened      []string
	closed      []string
	messages    map[string][]string
}

func (r *recorder) Ready()                 { r.ready++ }
func (r *recorder) Disconnect(err error)   { r.disconnects = append(r.disconnects, err) }
func (r *recorder) ChannelOpen(ch Channel) { r.opened = append(r.opened, ch.Label()) }
func (r *recorder) ChannelClose(l string)  { r.closed = append(r.closed, l) }

func (r *recorder) Message(label string, data []byte) {
	if r.messages == nil {
		r.messages = make(map[string][]string)
	}
	r.messages[label] = append(r.messages[label], string(data))
}

const defaultLabel = "p:default"

func inline(fn func()) { fn() }

func newTestManager() (*Manager, *fakePeer, *recorder, *fakeChannel) {
	peer := &fakePeer{connected: true}
	rec := &recorder{}
	m := NewManager(peer, defaultLabel, rec, inline)
	def := newFakeChannel(defaultLabel)
	m.Track(def)
	return m, peer, rec, def
}

func TestDefaultChannelReadyOnce(t *testing.T) {
	m, _, rec, def := newTestManager()
	assert.False(t, m.Ready())

	def.open()
	def.onOpen()

	assert.Equal(t, 1, rec.ready)
	assert.True(t, m.Ready())
	assert.Empty(t, rec.opened)
}

func TestTrackAlreadyOpenChannel(t *testing.T) {
	peer := &fakePeer{}
	rec := &recorder{}
	m := NewManager(peer, defaultLabel, rec, inline)

	lane := newFakeChannel("lane")
	lane.state = webrtc.DataChannelStateOpen
	m.Track(lane)

	assert.Equal(t, []string{"lane"}, rec.opened)
	assert.True(t, m.IsOpen("lane"))
}

func TestDefaultErrorDisconnectsOnce(t *testing.T) {
	m, peer, rec, def := newTestManager()
	def.open()

	lane, err := m.Open("lane")
	require.NoError(t, err)
	lane.(*fakeChannel).open()
	require.Equal(t, []string{defaultLabel, "lane"}, m.Labels())

	boom := errors.New("sctp reset")
	def.onError(boom)
	def.remoteClose()
	def.onError(boom)

	require.Len(t, rec.disconnects, 1)
	assert.ErrorIs(t, rec.disconnects[0], boom)
	assert.Empty(t, m.Labels())
	assert.True(t, m.Lost())
	assert.Equal(t, []string{"lane"}, rec.closed)
	assert.Equal(t, 1, peer.pcCloses)
	assert.Equal(t, 1, lane.(*fakeChannel).closes)
}

func TestDefaultCloseSkipsIdlePeerConnection(t *testing.T) {
	m, peer, rec, def := newTestManager()
	peer.connected = false
	def.open()

	def.remoteClose()

	require.Len(t, rec.disconnects, 1)
	assert.Error(t, rec.disconnects[0])
	assert.Zero(t, peer.pcCloses)
	assert.Empty(t, m.Labels())
}

func TestApplicationChannelEvents(t *testing.T) {
	m, peer, rec, def := newTestManager()
	def.open()

	remote := newFakeChannel("lane")
	m.Track(remote)
	remote.open()
	remote.receive(`{"id":1}`)
	remote.receive(`{"id":2}`)
	def.receive("hello")

	assert.Equal(t, []string{"lane"}, rec.opened)
	assert.Equal(t, []string{`{"id":1}`, `{"id":2}`}, rec.messages["lane"])
	assert.NotContains(t, rec.messages, defaultLabel)

	remote.remoteClose()
	assert.Equal(t, []string{"lane"}, rec.closed)
	assert.Equal(t, []string{defaultLabel}, m.Labels())

	// losing a lane does not end the session
	assert.Empty(t, rec.disconnects)
	assert.Zero(t, peer.pcCloses)
}

func TestApplicationChannelErrorClosesLane(t *testing.T) {
	m, _, rec, def := newTestManager()
	def.open()

	lane, err := m.Open("lane")
	require.NoError(t, err)
	fake := lane.(*fakeChannel)
	fake.open()

	fake.onError(errors.New("boom"))

	assert.Equal(t, []string{"lane"}, rec.closed)
	assert.Equal(t, 1, fake.closes)
	assert.Empty(t, rec.disconnects)
	_, ok := m.Get("lane")
	assert.False(t, ok)
}

func TestReplacedChannelIsIgnored(t *testing.T) {
	m, _, rec, _ := newTestManager()

	first := newFakeChannel("lane")
	second := newFakeChannel("lane")
	m.Track(first)
	m.Track(second)
	assert.Equal(t, 1, first.closes)

	first.onOpen()
	first.receive("stale")
	assert.Empty(t, rec.opened)
	assert.Empty(t, rec.messages)

	second.open()
	assert.Equal(t, []string{"lane"}, rec.opened)

	got, ok := m.Get("lane")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestOpen(t *testing.T) {
	m, peer, _, def := newTestManager()
	def.open()

	_, err := m.Open(defaultLabel)
	assert.ErrorIs(t, err, ErrReservedLabel)

	a, err := m.Open("lane")
	require.NoError(t, err)
	b, err := m.Open("lane")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Len(t, peer.opened, 1)

	m.Teardown(nil)
	_, err = m.Open("other")
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestCloseLane(t *testing.T) {
	m, _, rec, def := newTestManager()
	def.open()

	lane, err := m.Open("lane")
	require.NoError(t, err)
	lane.(*fakeChannel).open()

	require.NoError(t, m.Close("lane"))
	assert.Equal(t, []string{"lane"}, rec.closed)
	assert.ErrorIs(t, m.Close("lane"), ErrUnknownChannel)

	// the remote echo of the close is stale
	assert.Len(t, rec.closed, 1)
}

func TestChannelAfterLossIsRejected(t *testing.T) {
	m, _, rec, def := newTestManager()
	def.open()
	m.Teardown(nil)

	late := newFakeChannel("late")
	m.Track(late)
	late.onOpen()

	assert.Equal(t, 1, late.closes)
	assert.Empty(t, rec.opened)
	assert.Len(t, rec.disconnects, 1)
}
