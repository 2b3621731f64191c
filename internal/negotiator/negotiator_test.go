package negotiator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/dcbench/internal/signaling"
)

func newTestNegotiator(t *testing.T) *Negotiator {
	t.Helper()
	n, err := New(Config{IncludeLoopback: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

// stubClient answers every dispatch with a fixed response.
type stubClient struct {
	resp signaling.Payload
	err  error
}

func (c *stubClient) Name() string { return "stub" }

func (c *stubClient) Identity() signaling.Identity { return signaling.NewIdentity("stub") }

func (c *stubClient) Close() error { return nil }

func (c *stubClient) Dispatch(context.Context, string, signaling.Payload) (signaling.Payload, error) {
	return c.resp, c.err
}

func waitOpen(t *testing.T, dc *webrtc.DataChannel) <-chan struct{} {
	t.Helper()
	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })
	return opened
}

func TestLoopbackNegotiation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	bus := signaling.NewMemoryBus()
	const name = "webrtc:test:offer:answer"

	answerer := newTestNegotiator(t)
	offerer := newTestNegotiator(t)

	answerDC, err := answerer.DefaultChannel("test:default")
	require.NoError(t, err)
	offerDC, err := offerer.DefaultChannel("test:default")
	require.NoError(t, err)
	answerOpen := waitOpen(t, answerDC)
	offerOpen := waitOpen(t, offerDC)

	providerEP, err := signaling.CreateOrConnect(ctx, bus, name, signaling.NewIdentity("a"), answerer)
	require.NoError(t, err)
	defer providerEP.Close()
	require.Equal(t, signaling.RoleProvider, providerEP.Role)

	clientEP, err := signaling.CreateOrConnect(ctx, bus, name, signaling.NewIdentity("b"), offerer)
	require.NoError(t, err)
	defer clientEP.Close()
	require.Equal(t, signaling.RoleClient, clientEP.Role)

	require.NoError(t, offerer.Offer(ctx, clientEP.Client))
	assert.Equal(t, StateConnected, offerer.State())

	for _, opened := range []<-chan struct{}{offerOpen, answerOpen} {
		select {
		case <-opened:
		case <-ctx.Done():
			t.Fatal("default channel never opened")
		}
	}

	require.Eventually(t, func() bool {
		return answerer.State() == StateConnected
	}, 10*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return offerer.ConnectionState() == webrtc.PeerConnectionStateConnected
	}, 10*time.Second, 20*time.Millisecond)

	closed, err := offerer.CloseIfConnected()
	require.NoError(t, err)
	assert.True(t, closed)
	assert.Equal(t, StateClosed, offerer.State())
}

func TestOfferRejectedIsNegotiationError(t *testing.T) {
	n := newTestNegotiator(t)
	_, err := n.DefaultChannel("test:default")
	require.NoError(t, err)

	client := &stubClient{resp: signaling.Failure(signaling.StatusInternal, errors.New("boom"))}
	err = n.Offer(context.Background(), client)
	require.ErrorIs(t, err, ErrNegotiation)

	var se *signaling.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, signaling.StatusInternal, se.Status)
}

func TestOfferDispatchFailure(t *testing.T) {
	n := newTestNegotiator(t)
	_, err := n.DefaultChannel("test:default")
	require.NoError(t, err)

	client := &stubClient{err: signaling.ErrClosed}
	err = n.Offer(context.Background(), client)
	require.ErrorIs(t, err, ErrNegotiation)
	require.ErrorIs(t, err, signaling.ErrClosed)
}

func TestOfferAcknowledgedWithoutAnswer(t *testing.T) {
	n := newTestNegotiator(t)
	_, err := n.DefaultChannel("test:default")
	require.NoError(t, err)

	require.NoError(t, n.Offer(context.Background(), &stubClient{resp: signaling.OK(nil)}))
	assert.Equal(t, StateOfferSent, n.State())
}

func TestOfferCanceledWhileGathering(t *testing.T) {
	n := newTestNegotiator(t)
	_, err := n.DefaultChannel("test:default")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// gathering may finish before the select observes ctx
	err = n.Offer(ctx, &stubClient{resp: signaling.OK(nil)})
	if err != nil {
		require.ErrorIs(t, err, context.Canceled)
	}
}

func TestHandleOfferWithoutDescription(t *testing.T) {
	n := newTestNegotiator(t)

	resp, err := n.HandleOffer(context.Background(), signaling.Payload{}, signaling.NewIdentity("b"))
	require.NoError(t, err)
	assert.Equal(t, signaling.StatusBadRequest, resp.Status)
	assert.Equal(t, StateNew, n.State())
}

func TestHandleAnswerOutOfTurn(t *testing.T) {
	n := newTestNegotiator(t)
	desc := &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}

	resp, err := n.HandleAnswer(context.Background(), signaling.Payload{Description: desc}, signaling.NewIdentity("a"))
	require.NoError(t, err)
	assert.Equal(t, signaling.StatusConflict, resp.Status)

	resp, err = n.HandleAnswer(context.Background(), signaling.Payload{}, signaling.NewIdentity("a"))
	require.NoError(t, err)
	assert.Equal(t, signaling.StatusBadRequest, resp.Status)
}

func TestSingleClientBinding(t *testing.T) {
	n := newTestNegotiator(t)
	first := signaling.NewIdentity("b")
	second := signaling.NewIdentity("c")

	require.NoError(t, n.Connected(first))
	require.ErrorIs(t, n.Connected(second), ErrClientBound)

	// a stranger going away must not free the slot
	n.Disconnected(second)
	require.ErrorIs(t, n.Connected(second), ErrClientBound)

	n.Disconnected(first)
	require.NoError(t, n.Connected(second))
}

func TestRoutesPerRole(t *testing.T) {
	n := newTestNegotiator(t)

	provider := n.Routes(signaling.RoleProvider)
	assert.Contains(t, provider, signaling.ActionOffer)
	assert.NotContains(t, provider, signaling.ActionAnswer)

	client := n.Routes(signaling.RoleClient)
	assert.Contains(t, client, signaling.ActionAnswer)
	assert.NotContains(t, client, signaling.ActionOffer)
}

func TestCloseIfConnectedSkipsIdlePeer(t *testing.T) {
	n := newTestNegotiator(t)

	closed, err := n.CloseIfConnected()
	require.NoError(t, err)
	assert.False(t, closed)
	assert.Equal(t, StateNew, n.State())

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
	assert.Equal(t, StateClosed, n.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "offer-sent", StateOfferSent.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "state(42)", State(42).String())
}
