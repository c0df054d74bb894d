package signaling

import "github.com/pion/webrtc/v4"

// Loopback mode talks to ourselves: what we send as initiator comes back as
// if the partner had sent it.

func (c *Client) loopbackOffer(offer webrtc.SessionDescription) {
	log.Debugf("loopback: offer mirrored as answer")
	c.emit(RemoteDescription{SDP: webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  offer.SDP,
	}})
}

func (c *Client) loopbackCandidate(candidate webrtc.ICECandidateInit) {
	c.emit(RemoteICECandidate{Candidate: candidate})
}

func (c *Client) loopbackRemovals(candidates []webrtc.ICECandidateInit) {
	c.emit(RemoteICECandidatesRemoved{Candidates: candidates})
}
