package negotiator

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/dcbench/internal/signaling"
)

// Routes installs the offer handler on the provider and the answer handler
// on the client.
func (n *Negotiator) Routes(role signaling.Role) map[string]signaling.Handler {
	switch role {
	case signaling.RoleProvider:
		return map[string]signaling.Handler{signaling.ActionOffer: n.HandleOffer}
	case signaling.RoleClient:
		return map[string]signaling.Handler{signaling.ActionAnswer: n.HandleAnswer}
	}
	return nil
}

// Connected binds the first client identity and rejects any other while it
// stays connected.
func (n *Negotiator) Connected(id signaling.Identity) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.client != nil {
		n.log.Errorf("channel client already connected %s, rejecting %s", n.client, id)
		return fmt.Errorf("%w: %s", ErrClientBound, n.client)
	}
	n.client = &id
	n.log.Infof("channel client connected %s", id)
	return nil
}

// Disconnected releases the bound identity if id is the bound client.
func (n *Negotiator) Disconnected(id signaling.Identity) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.client != nil && n.client.UUID == id.UUID && n.client.Name == id.Name {
		n.log.Infof("channel client disconnected %s", id)
		n.client = nil
	}
}

// finalize sets desc as the local description and waits for ICE gathering
// to complete. There is no timeout: only ctx ends the wait.
func (n *Negotiator) finalize(ctx context.Context, desc webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	gatherComplete := webrtc.GatheringCompletePromise(n.pc)
	if err := n.pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	n.setState(StateGathering)

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	n.setState(StateComplete)

	local := n.pc.LocalDescription()
	if local == nil {
		n.log.Warnf("null local description after ICE gathering, not sending")
		return nil, ErrNoLocalDescription
	}
	n.log.Debugf("iceGatheringState: %s", n.pc.ICEGatheringState().String())
	return local, nil
}

// Offer runs the offerer path: create and finalize an offer, dispatch it and
// apply the answer carried by the response. A response without a
// description is an acknowledgement only; the answer then arrives through
// answer-description. Channel usability is signalled separately by the
// channels' open events.
func (n *Negotiator) Offer(ctx context.Context, client signaling.Client) error {
	n.log.Infof("creating an offer")
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}

	local, err := n.finalize(ctx, offer)
	if err != nil {
		return err
	}

	// Set before dispatching: the answer may arrive ahead of the response.
	n.setState(StateOfferSent)
	n.log.Infof("sending offer")

	resp, err := client.Dispatch(ctx, signaling.ActionOffer, signaling.Payload{Description: local})
	if err != nil {
		return fmt.Errorf("%w: dispatch %s: %w", ErrNegotiation, signaling.ActionOffer, err)
	}
	if err := resp.Err(); err != nil {
		n.log.Errorf("error sending channel request: %v", err)
		return fmt.Errorf("%w: %w", ErrNegotiation, err)
	}

	if resp.Description == nil {
		n.log.Infof("offer acknowledged, waiting for %s", signaling.ActionAnswer)
		return nil
	}
	if err := n.applyAnswer(*resp.Description); err != nil && !errors.Is(err, ErrUnexpectedState) {
		return fmt.Errorf("%w: %w", ErrNegotiation, err)
	}
	return nil
}

// applyAnswer sets the remote answer exactly once.
func (n *Negotiator) applyAnswer(desc webrtc.SessionDescription) error {
	if desc.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("expected an answer, got %s", desc.Type)
	}

	n.mu.Lock()
	state := n.state
	if state == StateOfferSent {
		// claim the transition so a concurrent answer is rejected
		n.state = StateConnected
	}
	n.mu.Unlock()

	if state != StateOfferSent {
		return fmt.Errorf("%w: answer received in state %s", ErrUnexpectedState, state)
	}

	if err := n.pc.SetRemoteDescription(desc); err != nil {
		n.setState(StateOfferSent)
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	n.log.Infof("remote answer applied")
	return nil
}

// HandleOffer runs the answerer path. Its return value is the wire response:
// the finalized local answer with status 200.
func (n *Negotiator) HandleOffer(ctx context.Context, p signaling.Payload, from signaling.Identity) (signaling.Payload, error) {
	if p.Description == nil {
		return signaling.Failure(signaling.StatusBadRequest, errors.New("offer without description")), nil
	}
	if state := n.State(); state != StateNew {
		return signaling.Failure(signaling.StatusConflict,
			fmt.Errorf("%w: offer received in state %s", ErrUnexpectedState, state)), nil
	}
	n.log.Infof("got offer from %s", from)

	if err := n.pc.SetRemoteDescription(*p.Description); err != nil {
		return signaling.Failure(signaling.StatusBadRequest, fmt.Errorf("failed to set remote description: %w", err)), nil
	}

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.Failure(signaling.StatusInternal, fmt.Errorf("failed to create answer: %w", err)), nil
	}

	local, err := n.finalize(ctx, answer)
	if err != nil {
		return signaling.Failure(signaling.StatusInternal, err), nil
	}

	n.setState(StateAnswerSent)
	n.log.Infof("sending answer")
	return signaling.OK(local), nil
}

// HandleAnswer accepts an answer pushed by the provider after the offer
// was acknowledged.
func (n *Negotiator) HandleAnswer(_ context.Context, p signaling.Payload, from signaling.Identity) (signaling.Payload, error) {
	if p.Description == nil {
		return signaling.Failure(signaling.StatusBadRequest, errors.New("answer without description")), nil
	}
	n.log.Infof("got answer from %s", from)

	if err := n.applyAnswer(*p.Description); err != nil {
		if errors.Is(err, ErrUnexpectedState) {
			return signaling.Failure(signaling.StatusConflict, err), nil
		}
		return signaling.Failure(signaling.StatusBadRequest, err), nil
	}
	return signaling.OK(nil), nil
}
