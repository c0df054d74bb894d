package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

func strPtr(s string) *string { return &s }
func u16Ptr(v uint16) *uint16 { return &v }

// TestParseType verifies tag extraction and its failure modes.
func TestParseType(t *testing.T) {
	testCases := []struct {
		name    string
		raw     string
		want    MessageType
		wantErr bool
	}{
		{"register", `{"status":0,"code":"REGISTERED","type":1}`, TypeRegisterUser, false},
		{"leave", `{"type":5,"roomId":"42"}`, TypeLeaveRoom, false},
		{"unknown tag", `{"type":99}`, MessageType(99), false},
		{"missing tag", `{"status":0}`, 0, true},
		{"not json", `hello`, 0, true},
		{"tag is a string", `{"type":"1"}`, 0, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseType([]byte(tc.raw))
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseType err=%v, wantErr=%v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("ParseType: got %d, want %d", got, tc.want)
			}
		})
	}
}

// TestDecodeRoomChat checks the room response fields the client relies on.
func TestDecodeRoomChat(t *testing.T) {
	raw := `{"status":0,"code":"FINDING","type":2,"roomId":"R1","isInitiator":true,` +
		`"partnerSID":"P1","partnerInfo":{"name":"bob"},"signature":"abc"}`

	in, err := Decode(TypeRoomChat, []byte(raw))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	rc, ok := in.(RoomChat)
	if !ok {
		t.Fatalf("Decode: got %T, want RoomChat", in)
	}

	r := rc.Room
	if !r.IsSuccess() || r.RoomID != "R1" || !r.IsInitiator || r.PartnerSID != "P1" || r.Signature != "abc" {
		t.Errorf("unexpected room response: %+v", r)
	}
	if string(r.PartnerInfo) != `{"name":"bob"}` {
		t.Errorf("PartnerInfo: got %s", r.PartnerInfo)
	}
}

// TestDecodeVariants ensures each tag maps to the expected Inbound variant.
func TestDecodeVariants(t *testing.T) {
	testCases := []struct {
		name string
		tag  MessageType
		raw  string
		want Inbound
	}{
		{"register", TypeRegisterUser, `{"status":0,"code":"REGISTERED","type":1}`, RegisterAck{}},
		{"room chat", TypeRoomChat, `{"status":1,"code":"TO_NOT_FOUND","type":2}`, RoomChat{}},
		{"leave", TypeLeaveRoom, `{"status":0,"code":"LEAVE_ROOM","type":5,"roomId":"42"}`, LeaveRoom{}},
		{"signal", TypeSignalMsg, `{"type":3,"msg":""}`, RelayFrame{}},
		{"create user", TypeCreateUser, `{"type":4,"msg":""}`, RelayFrame{}},
		{"unknown", MessageType(42), `{"type":42,"msg":""}`, RelayFrame{}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode(tc.tag, []byte(tc.raw))
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			switch tc.want.(type) {
			case RegisterAck:
				_, ok := got.(RegisterAck)
				if !ok {
					t.Errorf("got %T, want RegisterAck", got)
				}
			case RoomChat:
				_, ok := got.(RoomChat)
				if !ok {
					t.Errorf("got %T, want RoomChat", got)
				}
			case LeaveRoom:
				_, ok := got.(LeaveRoom)
				if !ok {
					t.Errorf("got %T, want LeaveRoom", got)
				}
			case RelayFrame:
				f, ok := got.(RelayFrame)
				if !ok {
					t.Fatalf("got %T, want RelayFrame", got)
				}
				if f.Tag != tc.tag {
					t.Errorf("Tag: got %d, want %d", f.Tag, tc.tag)
				}
			}
		})
	}
}

// TestDecodeRelayFrame covers the nested payload kinds and empty bodies.
func TestDecodeRelayFrame(t *testing.T) {
	relay := func(msg string) []byte {
		b, _ := json.Marshal(map[string]any{
			"type": 3, "msg": msg, "toSID": "ME", "fromSID": "P1", "roomID": "R1",
		})
		return b
	}

	t.Run("offer", func(t *testing.T) {
		in, err := Decode(TypeSignalMsg, relay(`{"type":"offer","sdp":"v=0"}`))
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		f := in.(RelayFrame)
		if f.FromSID != "P1" || f.ToSID != "ME" || f.RoomID != "R1" {
			t.Errorf("addressing mismatch: %+v", f)
		}
		offer, ok := f.Signal.(Offer)
		if !ok {
			t.Fatalf("Signal: got %T, want Offer", f.Signal)
		}
		if offer.Description.Type != webrtc.SDPTypeOffer || offer.Description.SDP != "v=0" {
			t.Errorf("unexpected description: %+v", offer.Description)
		}
	})

	t.Run("answer", func(t *testing.T) {
		in, err := Decode(TypeSignalMsg, relay(`{"type":"answer","sdp":"v=1"}`))
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		answer, ok := in.(RelayFrame).Signal.(Answer)
		if !ok || answer.Description.Type != webrtc.SDPTypeAnswer {
			t.Errorf("Signal: got %#v, want Answer", in.(RelayFrame).Signal)
		}
	})

	t.Run("candidate", func(t *testing.T) {
		in, err := Decode(TypeSignalMsg, relay(`{"type":"candidate","label":1,"id":"video","candidate":"candidate:1"}`))
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		c, ok := in.(RelayFrame).Signal.(Candidate)
		if !ok {
			t.Fatalf("Signal: got %T, want Candidate", in.(RelayFrame).Signal)
		}
		if c.Candidate.Candidate != "candidate:1" || *c.Candidate.SDPMid != "video" || *c.Candidate.SDPMLineIndex != 1 {
			t.Errorf("unexpected candidate: %+v", c.Candidate)
		}
	})

	t.Run("bye", func(t *testing.T) {
		in, err := Decode(TypeSignalMsg, relay(`{"type":"bye"}`))
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if _, ok := in.(RelayFrame).Signal.(Bye); !ok {
			t.Errorf("Signal: got %T, want Bye", in.(RelayFrame).Signal)
		}
	})

	t.Run("unknown payload type", func(t *testing.T) {
		in, err := Decode(TypeSignalMsg, relay(`{"type":"dance"}`))
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		u, ok := in.(RelayFrame).Signal.(UnknownSignal)
		if !ok || u.Type != "dance" {
			t.Errorf("Signal: got %#v, want UnknownSignal{dance}", in.(RelayFrame).Signal)
		}
	})

	t.Run("empty msg with error text", func(t *testing.T) {
		in, err := Decode(TypeSignalMsg, []byte(`{"type":3,"msg":"","error":"TO_NOT_FOUND"}`))
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		f := in.(RelayFrame)
		if f.Signal != nil || f.Error != "TO_NOT_FOUND" {
			t.Errorf("unexpected frame: %+v", f)
		}
	})

	t.Run("missing msg", func(t *testing.T) {
		_, err := Decode(TypeSignalMsg, []byte(`{"type":3}`))
		if !errors.Is(err, ErrMissingField) {
			t.Errorf("got err=%v, want ErrMissingField", err)
		}
	})

	t.Run("malformed nested payload", func(t *testing.T) {
		if _, err := Decode(TypeSignalMsg, relay(`{"type":`)); err == nil {
			t.Error("expected error for malformed nested payload")
		}
	})

	t.Run("candidate without id", func(t *testing.T) {
		_, err := Decode(TypeSignalMsg, relay(`{"type":"candidate","label":0,"candidate":"c"}`))
		if !errors.Is(err, ErrMissingField) {
			t.Errorf("got err=%v, want ErrMissingField", err)
		}
	})
}

// TestDecodeRemoveCandidatesOrder verifies that N wire candidates become N
// removals in the original array order.
func TestDecodeRemoveCandidatesOrder(t *testing.T) {
	raw := `{"type":"remove-candidates","candidates":[` +
		`{"label":0,"id":"a","candidate":"c0"},` +
		`{"label":1,"id":"b","candidate":"c1"},` +
		`{"label":2,"id":"c","candidate":"c2"}]}`

	sig, err := DecodeSignal([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeSignal failed: %v", err)
	}
	rm, ok := sig.(RemoveCandidates)
	if !ok {
		t.Fatalf("got %T, want RemoveCandidates", sig)
	}
	if len(rm.Candidates) != 3 {
		t.Fatalf("got %d candidates, want 3", len(rm.Candidates))
	}
	for i, c := range rm.Candidates {
		want := []string{"c0", "c1", "c2"}[i]
		if c.Candidate != want || int(*c.SDPMLineIndex) != i {
			t.Errorf("candidate[%d]: got %+v, want %s", i, c, want)
		}
	}
}

// TestEncodeOfferRelay checks the exact relay wire format for an offer.
func TestEncodeOfferRelay(t *testing.T) {
	msg := EncodeSession(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0..."})
	if msg != `{"sdp":"v=0...","type":"offer"}` {
		t.Fatalf("EncodeSession: got %s", msg)
	}

	got := EncodeRelay(msg, "P1", "R1")
	want := `{"cmd":"send","msg":"{\"sdp\":\"v=0...\",\"type\":\"offer\"}","toSID":"P1","roomID":"R1"}`
	if got != want {
		t.Errorf("EncodeRelay:\n got %s\nwant %s", got, want)
	}
}

// TestEncodeCandidates verifies that encoded candidates decode back to the
// same values and that removal order is preserved.
func TestEncodeCandidates(t *testing.T) {
	c := webrtc.ICECandidateInit{Candidate: "candidate:9", SDPMid: strPtr("0"), SDPMLineIndex: u16Ptr(3)}

	enc := EncodeCandidate(c)
	if enc != `{"type":"candidate","label":3,"id":"0","candidate":"candidate:9"}` {
		t.Fatalf("EncodeCandidate: got %s", enc)
	}

	cs := []webrtc.ICECandidateInit{
		{Candidate: "x", SDPMid: strPtr("a"), SDPMLineIndex: u16Ptr(0)},
		{Candidate: "y"},
	}
	sig, err := DecodeSignal([]byte(EncodeCandidateRemovals(cs)))
	if err != nil {
		t.Fatalf("DecodeSignal failed: %v", err)
	}
	rm := sig.(RemoveCandidates)
	if len(rm.Candidates) != 2 || rm.Candidates[0].Candidate != "x" || rm.Candidates[1].Candidate != "y" {
		t.Errorf("unexpected removals: %+v", rm.Candidates)
	}
	if *rm.Candidates[1].SDPMid != "" || *rm.Candidates[1].SDPMLineIndex != 0 {
		t.Errorf("nil mid/index should encode as zero values: %+v", rm.Candidates[1])
	}
}

// TestEncodeRegisterUser checks the registration body shape.
func TestEncodeRegisterUser(t *testing.T) {
	got, err := Encode(RegisterUser{Signature: "sig", User: Credentials{UUID: "u1", Pass: "pw"}})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	want := `{"signature":"sig","user":{"uuid":"u1","pass":"pw"}}`
	if got != want {
		t.Errorf("Encode: got %s, want %s", got, want)
	}
}
