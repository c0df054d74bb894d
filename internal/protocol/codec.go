package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/pion/webrtc/v4"
)

// ErrMissingField is wrapped by decoding errors for absent required fields.
var ErrMissingField = errors.New("missing required field")

// ---------------------------------------------------------------------------
// Inbound frames
// ---------------------------------------------------------------------------

// Inbound is the closed set of decoded server frames. Exactly one of
// RegisterAck, RoomChat, LeaveRoom or RelayFrame.
type Inbound interface {
	inbound()
}

// RegisterAck acknowledges the registration of this client.
type RegisterAck struct {
	Response BaseResponse
}

// RoomChat is the outcome of a random chat request.
type RoomChat struct {
	Room RoomResponse
}

// LeaveRoom tells the client that a room was closed.
type LeaveRoom struct {
	Room RoomResponse
}

// RelayFrame carries a partner payload. It is produced for SIGNAL_MSG,
// CREATE_USER and any tag this package does not know about.
type RelayFrame struct {
	Tag     MessageType
	Signal  Signal // nil when the frame carried an empty msg
	Error   string
	ToSID   string
	FromSID string
	RoomID  string
}

func (RegisterAck) inbound() {}
func (RoomChat) inbound()    {}
func (LeaveRoom) inbound()   {}
func (RelayFrame) inbound()  {}

// ParseType extracts the integer type tag of a raw server frame.
func ParseType(raw []byte) (MessageType, error) {
	var head struct {
		Type *MessageType `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return 0, fmt.Errorf("invalid frame: %w", err)
	}
	if head.Type == nil {
		return 0, fmt.Errorf("type: %w", ErrMissingField)
	}
	return *head.Type, nil
}

// Decode turns a raw server frame with the given tag into its Inbound variant.
func Decode(tag MessageType, raw []byte) (Inbound, error) {
	switch tag {
	case TypeRegisterUser:
		var r BaseResponse
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("invalid register response: %w", err)
		}
		return RegisterAck{Response: r}, nil

	case TypeRoomChat, TypeLeaveRoom:
		var r RoomResponse
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("invalid room response: %w", err)
		}
		if tag == TypeLeaveRoom {
			return LeaveRoom{Room: r}, nil
		}
		return RoomChat{Room: r}, nil

	default:
		return decodeRelay(tag, raw)
	}
}

// DecodeRoomResponse parses a frame as a RoomResponse regardless of its tag.
// The broker uses it to recognise the registration echo.
func DecodeRoomResponse(raw []byte) (RoomResponse, error) {
	var r RoomResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return RoomResponse{}, fmt.Errorf("invalid response: %w", err)
	}
	return r, nil
}

func decodeRelay(tag MessageType, raw []byte) (Inbound, error) {
	var w struct {
		Msg     *string `json:"msg"`
		Error   string  `json:"error"`
		ToSID   string  `json:"toSID"`
		FromSID string  `json:"fromSID"`
		RoomID  string  `json:"roomID"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("invalid relay frame: %w", err)
	}
	if w.Msg == nil {
		return nil, fmt.Errorf("msg: %w", ErrMissingField)
	}

	f := RelayFrame{
		Tag:     tag,
		Error:   w.Error,
		ToSID:   w.ToSID,
		FromSID: w.FromSID,
		RoomID:  w.RoomID,
	}
	if *w.Msg == "" {
		return f, nil
	}

	sig, err := DecodeSignal([]byte(*w.Msg))
	if err != nil {
		return nil, err
	}
	f.Signal = sig
	return f, nil
}

// ---------------------------------------------------------------------------
// Relay payloads
// ---------------------------------------------------------------------------

// Signal is the closed set of partner payloads nested inside a relay frame.
type Signal interface {
	signal()
}

// Offer carries the partner's session offer.
type Offer struct {
	Description webrtc.SessionDescription
}

// Answer carries the partner's session answer.
type Answer struct {
	Description webrtc.SessionDescription
}

// Candidate carries one remote ICE candidate.
type Candidate struct {
	Candidate webrtc.ICECandidateInit
}

// RemoveCandidates lists remote ICE candidates to drop, in wire order.
type RemoveCandidates struct {
	Candidates []webrtc.ICECandidateInit
}

// Bye means the partner hung up.
type Bye struct{}

// UnknownSignal is any payload whose type is not recognised.
type UnknownSignal struct {
	Type string
}

func (Offer) signal()            {}
func (Answer) signal()           {}
func (Candidate) signal()        {}
func (RemoveCandidates) signal() {}
func (Bye) signal()              {}
func (UnknownSignal) signal()    {}

// wireCandidate is the JSON form of an ICE candidate inside relay payloads.
type wireCandidate struct {
	Label     *int    `json:"label"`
	ID        *string `json:"id"`
	Candidate *string `json:"candidate"`
}

// DecodeSignal parses the nested relay payload.
func DecodeSignal(raw []byte) (Signal, error) {
	var w struct {
		Type       string          `json:"type"`
		SDP        *string         `json:"sdp"`
		Candidates []wireCandidate `json:"candidates"`
		wireCandidate
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("invalid relay payload: %w", err)
	}

	switch w.Type {
	case SignalOffer, SignalAnswer:
		if w.SDP == nil {
			return nil, fmt.Errorf("sdp: %w", ErrMissingField)
		}
		desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(w.Type), SDP: *w.SDP}
		if w.Type == SignalOffer {
			return Offer{Description: desc}, nil
		}
		return Answer{Description: desc}, nil

	case SignalCandidate:
		c, err := w.wireCandidate.toInit()
		if err != nil {
			return nil, err
		}
		return Candidate{Candidate: c}, nil

	case SignalRemoveCandidates:
		if w.Candidates == nil {
			return nil, fmt.Errorf("candidates: %w", ErrMissingField)
		}
		out := make([]webrtc.ICECandidateInit, 0, len(w.Candidates))
		for i, wc := range w.Candidates {
			c, err := wc.toInit()
			if err != nil {
				return nil, fmt.Errorf("candidates[%d]: %w", i, err)
			}
			out = append(out, c)
		}
		return RemoveCandidates{Candidates: out}, nil

	case SignalBye:
		return Bye{}, nil

	default:
		return UnknownSignal{Type: w.Type}, nil
	}
}

func (w wireCandidate) toInit() (webrtc.ICECandidateInit, error) {
	switch {
	case w.Label == nil:
		return webrtc.ICECandidateInit{}, fmt.Errorf("label: %w", ErrMissingField)
	case w.ID == nil:
		return webrtc.ICECandidateInit{}, fmt.Errorf("id: %w", ErrMissingField)
	case w.Candidate == nil:
		return webrtc.ICECandidateInit{}, fmt.Errorf("candidate: %w", ErrMissingField)
	case *w.Label < 0 || *w.Label > math.MaxUint16:
		return webrtc.ICECandidateInit{}, fmt.Errorf("label %d out of range", *w.Label)
	}

	label := uint16(*w.Label)
	mid := *w.ID
	return webrtc.ICECandidateInit{
		Candidate:     *w.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &label,
	}, nil
}

func toWireCandidate(c webrtc.ICECandidateInit) wireCandidate {
	label := 0
	if c.SDPMLineIndex != nil {
		label = int(*c.SDPMLineIndex)
	}
	id := ""
	if c.SDPMid != nil {
		id = *c.SDPMid
	}
	cand := c.Candidate
	return wireCandidate{Label: &label, ID: &id, Candidate: &cand}
}

// ---------------------------------------------------------------------------
// Encoders
// ---------------------------------------------------------------------------

// EncodeSession renders {"sdp":...,"type":...}.
func EncodeSession(desc webrtc.SessionDescription) string {
	return marshal(struct {
		SDP  string `json:"sdp"`
		Type string `json:"type"`
	}{desc.SDP, desc.Type.String()})
}

// EncodeCandidate renders {"type":"candidate","label":...,"id":...,"candidate":...}.
func EncodeCandidate(c webrtc.ICECandidateInit) string {
	return marshal(struct {
		Type string `json:"type"`
		wireCandidate
	}{SignalCandidate, toWireCandidate(c)})
}

// EncodeCandidateRemovals renders {"type":"remove-candidates","candidates":[...]}
// keeping the order of cs.
func EncodeCandidateRemovals(cs []webrtc.ICECandidateInit) string {
	list := make([]wireCandidate, 0, len(cs))
	for _, c := range cs {
		list = append(list, toWireCandidate(c))
	}
	return marshal(struct {
		Type       string          `json:"type"`
		Candidates []wireCandidate `json:"candidates"`
	}{SignalRemoveCandidates, list})
}

// EncodeBye renders {"type":"bye"}.
func EncodeBye() string {
	return marshal(struct {
		Type string `json:"type"`
	}{SignalBye})
}

// EncodeRelay wraps a nested payload for delivery to a partner session.
func EncodeRelay(msg, toSID, roomID string) string {
	return marshal(Relay{Cmd: RelayCommand, Msg: msg, ToSID: toSID, RoomID: roomID})
}

// Encode renders any outbound envelope (RegisterUser, RandomChatRequest, ...).
func Encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// marshal is for the fixed-shape payloads above, which cannot fail to encode.
func marshal(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
