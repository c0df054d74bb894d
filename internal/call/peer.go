package call

import (
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are used when Options.ICEServers is nil. No TURN: a
// chat that cannot go peer to peer simply fails.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// newPeerConnection creates a PeerConnection with the given STUN/TURN URLs.
func newPeerConnection(iceServers []string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return webrtc.NewPeerConnection(config)
}

// newChatChannel creates the pre-negotiated, ordered "chat" DataChannel.
// Negotiated mode (ID 0) lets both sides create it without OnDataChannel.
func newChatChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("chat", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}
