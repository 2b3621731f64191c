package negotiator

import (
	"github.com/pion/webrtc/v4"
)

// Config selects the ICE setup of the peer connection.
type Config struct {
	// ICEServers are STUN URLs. Empty means host candidates only.
	ICEServers []string

	// IncludeLoopback adds loopback candidates, which two peers on the same
	// machine need when no other interface is usable.
	IncludeLoopback bool
}

// newPeerConnection creates a PeerConnection for cfg. No TURN: the harness
// measures direct peer-to-peer throughput.
func newPeerConnection(cfg Config) (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	config := webrtc.Configuration{}
	if len(cfg.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

// defaultChannelID is the stream id of the pre-negotiated control channel.
const defaultChannelID = uint16(0)

// newDefaultChannel creates the reserved control channel in negotiated mode,
// so both peers create it independently before the offer is made and the
// SDP carries a data section from the start.
func newDefaultChannel(pc *webrtc.PeerConnection, label string) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := defaultChannelID

	return pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}

// newLaneChannel creates an ordered application channel announced to the
// remote peer in-band.
func newLaneChannel(pc *webrtc.PeerConnection, label string) (*webrtc.DataChannel, error) {
	ordered := true
	return pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
}
