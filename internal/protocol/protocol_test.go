package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	in, err := Decode([]byte(`{"type":"code_change","code":"x=1","version":4,"forced":true}`))
	require.NoError(t, err)
	assert.Equal(t, TypeCodeChange, in.Type)
	require.NotNil(t, in.Code)
	assert.Equal(t, "x=1", *in.Code)
	require.NotNil(t, in.Version)
	assert.Equal(t, int64(4), *in.Version)
	assert.True(t, in.Forced)
	assert.JSONEq(t, `{"type":"code_change","code":"x=1","version":4,"forced":true}`, string(in.Raw))

	in, err = Decode([]byte(`{"type":"code_change","code":""}`))
	require.NoError(t, err)
	assert.Nil(t, in.Version, "version is optional")
	require.NotNil(t, in.Code, "empty code is present")
	assert.Equal(t, "", *in.Code)

	in, err = Decode([]byte(`{"type":"code_change"}`))
	require.NoError(t, err)
	assert.Nil(t, in.Code, "absent code stays nil")
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"empty", "", ErrEmptyFrame},
		{"whitespace", "  \n", ErrEmptyFrame},
		{"no type", `{"room":"r1"}`, ErrMissingType},
		{"empty type", `{"type":""}`, ErrMissingType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)
	_, err = Decode([]byte(`{"type":7}`))
	assert.Error(t, err)
}

func TestParseCursorLine(t *testing.T) {
	tests := []struct {
		position string
		line     int
		ok       bool
	}{
		{`12`, 12, true},
		{`{"lineNumber":3,"column":9}`, 3, true},
		{`{"line":5}`, 5, true},
		{`{"lineNumber":2,"line":8}`, 2, true},
		{`{"column":1}`, 0, false},
		{`"7"`, 0, false},
		{`null`, 0, false},
		{``, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.position, func(t *testing.T) {
			line, ok := ParseCursorLine(json.RawMessage(tt.position))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.line, line)
		})
	}

	in, err := Decode([]byte(`{"type":"cursor_change","position":{"lineNumber":4}}`))
	require.NoError(t, err)
	line, ok := in.CursorLine()
	assert.True(t, ok)
	assert.Equal(t, 4, line)
}

func TestDecodeEvent(t *testing.T) {
	raw := []byte(`{"type":"room_joined","roomId":"r1","code":"","version":0,"users":["alice"],` +
		`"participants":[{"userName":"alice","isEditing":false,"active":true}]}`)
	ev, err := DecodeEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeRoomJoined, ev.Type)
	assert.Equal(t, "r1", ev.RoomID)
	assert.Equal(t, []string{"alice"}, ev.Users)
	require.Len(t, ev.Participants, 1)
	assert.Nil(t, ev.Participants[0].CursorLine)

	_, err = DecodeEvent([]byte(`{"roomId":"r1"}`))
	assert.ErrorIs(t, err, ErrMissingType)
}

func TestEncodeRoomJoinedKeepsEmptyFields(t *testing.T) {
	data, err := Encode(RoomJoined{Type: TypeRoomJoined, RoomID: "r1", Users: []string{"alice"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"room_joined","roomId":"r1","code":"","version":0,"users":["alice"],"participants":null}`, string(data))
}
