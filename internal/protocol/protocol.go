// Package protocol defines the JSON envelopes exchanged between editors and the
// room server. Every frame is a single object whose "type" field selects the
// handler; the remaining fields depend on the type.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Client to server
const (
	TypeJoinRoom     = "join_room"
	TypeLeaveRoom    = "leave_room"
	TypeCodeChange   = "code_change"
	TypeCursorChange = "cursor_change"
	TypePing         = "ping"
)

// Server to client
const (
	TypeRoomJoined    = "room_joined"
	TypeJoinRoomError = "join_room_error"
	TypeUserJoined    = "user_joined"
	TypeUserLeft      = "user_left"
	TypeCursorChanged = "cursor_changed"
	TypePong          = "pong"
	TypeForcedEdit    = "forced_edit"
	TypeError         = "error"
)

// Types owned by collaborators outside the room engine. The hub routes them
// without looking at their payloads.
const (
	TypeChatMessage         = "chat_message"
	TypeAIRequest           = "ai_request"
	TypeAIResponse          = "ai_response"
	TypeSaveCode            = "save_code"
	TypeCodeSaved           = "code_saved"
	TypeLoadCode            = "load_code"
	TypeCodeLoaded          = "code_loaded"
	TypeLoadCodeError       = "load_code_error"
	TypeGetHistory          = "get_history"
	TypeHistoryData         = "history_data"
	TypeTeacherBroadcast    = "teacher_broadcast"
	TypeRunCode             = "run_code"
	TypeCodeExecutionResult = "code_execution_result"
)

// Error codes carried in join_room_error and error frames.
const (
	ErrCodeNameDuplicate = "name_duplicate"
	ErrCodeMissingFields = "missing_fields"
	ErrCodeNotInRoom     = "not_in_room"
)

var (
	ErrEmptyFrame  = errors.New("empty frame")
	ErrMissingType = errors.New("frame has no type")
)

// Inbound is a decoded client frame. Raw keeps the original bytes so frames for
// external handlers can be forwarded untouched.
type Inbound struct {
	Type     string          `json:"type"`
	Room     string          `json:"room,omitempty"`
	UserName string          `json:"userName,omitempty"`
	Code     *string         `json:"code,omitempty"`
	Version  *int64          `json:"version,omitempty"`
	Forced   bool            `json:"forced,omitempty"`
	Position json.RawMessage `json:"position,omitempty"`
	Raw      json.RawMessage `json:"-"`
}

// Decode parses a raw frame. Malformed JSON and frames without a type are errors.
func Decode(raw []byte) (Inbound, error) {
	var in Inbound
	if len(bytes.TrimSpace(raw)) == 0 {
		return in, ErrEmptyFrame
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return in, fmt.Errorf("decode frame: %w", err)
	}
	if in.Type == "" {
		return in, ErrMissingType
	}
	in.Raw = append(json.RawMessage(nil), raw...)
	return in, nil
}

// CursorLine extracts a line number from a cursor position. Editors send either a
// bare number or an object with lineNumber or line.
func (in Inbound) CursorLine() (int, bool) {
	return ParseCursorLine(in.Position)
}

func ParseCursorLine(position json.RawMessage) (int, bool) {
	trimmed := bytes.TrimSpace(position)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return 0, false
	}
	var line int
	if err := json.Unmarshal(position, &line); err == nil {
		return line, true
	}
	var pos struct {
		LineNumber *int `json:"lineNumber"`
		Line       *int `json:"line"`
	}
	if err := json.Unmarshal(position, &pos); err != nil {
		return 0, false
	}
	switch {
	case pos.LineNumber != nil:
		return *pos.LineNumber, true
	case pos.Line != nil:
		return *pos.Line, true
	}
	return 0, false
}

// Participant is the presence projection sent in join and leave frames.
type Participant struct {
	UserName   string `json:"userName"`
	IsEditing  bool   `json:"isEditing"`
	CursorLine *int   `json:"cursorLine,omitempty"`
	Active     bool   `json:"active"`
}

type RoomJoined struct {
	Type         string        `json:"type"`
	RoomID       string        `json:"roomId"`
	Code         string        `json:"code"`
	Version      int64         `json:"version"`
	Users        []string      `json:"users"`
	Participants []Participant `json:"participants"`
}

type JoinRoomError struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Message string `json:"message"`
	RoomID  string `json:"roomId,omitempty"`
}

type UserJoined struct {
	Type         string        `json:"type"`
	UserName     string        `json:"userName"`
	Users        []string      `json:"users"`
	Participants []Participant `json:"participants"`
}

type UserLeft struct {
	Type     string   `json:"type"`
	UserName string   `json:"userName"`
	Users    []string `json:"users"`
}

type CodeChange struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	UserName  string `json:"userName"`
	Version   int64  `json:"version"`
	Timestamp int64  `json:"timestamp"`
	Forced    bool   `json:"forced,omitempty"`
}

type CursorChanged struct {
	Type     string          `json:"type"`
	UserName string          `json:"userName"`
	Position json.RawMessage `json:"position"`
}

type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type ForcedEdit struct {
	Type     string `json:"type"`
	UserName string `json:"userName"`
	Version  int64  `json:"version"`
	Message  string `json:"message"`
}

type Error struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Event is the union of every server frame, used by clients to decode whatever
// arrives before switching on Type.
type Event struct {
	Type         string          `json:"type"`
	RoomID       string          `json:"roomId,omitempty"`
	Code         string          `json:"code,omitempty"`
	Version      int64           `json:"version,omitempty"`
	Users        []string        `json:"users,omitempty"`
	Participants []Participant   `json:"participants,omitempty"`
	UserName     string          `json:"userName,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"`
	Forced       bool            `json:"forced,omitempty"`
	Position     json.RawMessage `json:"position,omitempty"`
	Error        string          `json:"error,omitempty"`
	Message      string          `json:"message,omitempty"`
	Raw          json.RawMessage `json:"-"`
}

func DecodeEvent(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, fmt.Errorf("decode event: %w", err)
	}
	if ev.Type == "" {
		return ev, ErrMissingType
	}
	ev.Raw = append(json.RawMessage(nil), raw...)
	return ev, nil
}

// Encode marshals an outbound frame.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}
