// Package protocol defines the JSON envelopes exchanged with the matchmaking
// server and the relay payloads exchanged with the partner.
package protocol

import "encoding/json"

// Status is the outcome carried by every server response.
type Status int

const (
	StatusSuccess Status = 0
	StatusFailed  Status = 1
)

// Symbolic status codes.
const (
	CodeConnected    = "CONNECTED"
	CodeRegistered   = "REGISTERED"
	CodeUserNotFound = "USR_NOT_FOUND"
	CodeWrongPass    = "WRONG_PASS"
	CodeToNotFound   = "TO_NOT_FOUND"
	CodeFinding      = "FINDING"
	CodeLeaveRoom    = "LEAVE_ROOM"
	CodeUserExists   = "USER_EXISTS"
)

// MessageType is the integer tag every inbound frame carries in its "type"
// field. It selects the dispatch arm in the signaling client.
type MessageType int

const (
	TypeRegisterUser MessageType = 1
	TypeRoomChat     MessageType = 2
	TypeSignalMsg    MessageType = 3
	TypeCreateUser   MessageType = 4
	TypeLeaveRoom    MessageType = 5
)

func (t MessageType) String() string {
	switch t {
	case TypeRegisterUser:
		return "REGISTER_USER"
	case TypeRoomChat:
		return "ROOM_CHAT"
	case TypeSignalMsg:
		return "SIGNAL_MSG"
	case TypeCreateUser:
		return "CREATE_USER"
	case TypeLeaveRoom:
		return "LEAVE_ROOM"
	default:
		return "UNKNOWN"
	}
}

// Credentials identify the local user towards the server.
type Credentials struct {
	UUID string `json:"uuid"`
	Pass string `json:"pass"`
}

// RegisterUser is the body of the registration command. One value is built
// per client and never changes afterwards.
type RegisterUser struct {
	Signature string      `json:"signature"`
	User      Credentials `json:"user"`
}

// RandomChatRequest asks the server to pair us with a partner.
type RandomChatRequest struct {
	Signature     string `json:"signature"`
	From          string `json:"from"`
	Room          string `json:"room,omitempty"`
	TalkAbout     string `json:"talkAbout,omitempty"`
	BirthFrom     int    `json:"birthFrom,omitempty"`
	BirthTo       int    `json:"birthTo,omitempty"`
	ReqTimeMillis int64  `json:"reqTimeMillis"`
}

// BaseResponse holds the fields shared by every server response.
type BaseResponse struct {
	Status *Status     `json:"status"`
	Code   string      `json:"code"`
	Type   MessageType `json:"type"`
}

// IsSuccess reports whether the status field is present and successful.
func (r BaseResponse) IsSuccess() bool {
	return r.Status != nil && *r.Status == StatusSuccess
}

// RoomResponse is the server's answer to a room-chat request and its leave
// notification.
type RoomResponse struct {
	BaseResponse
	RoomID      string          `json:"roomId"`
	IsInitiator bool            `json:"isInitiator"`
	Signature   string          `json:"signature,omitempty"`
	PartnerInfo json.RawMessage `json:"partnerInfo,omitempty"`
	PartnerSID  string          `json:"partnerSID"`
}

// RelayCommand is the only command the relay endpoint understands.
const RelayCommand = "send"

// Relay is the outbound wrapper around a partner-addressed signaling payload.
// Msg is itself a JSON document (see EncodeSession and friends).
type Relay struct {
	Cmd    string `json:"cmd"`
	Msg    string `json:"msg"`
	ToSID  string `json:"toSID"`
	RoomID string `json:"roomID"`
}

// Nested relay payload types.
const (
	SignalOffer            = "offer"
	SignalAnswer           = "answer"
	SignalCandidate        = "candidate"
	SignalRemoveCandidates = "remove-candidates"
	SignalBye              = "bye"
)
