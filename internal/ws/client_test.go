package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/codeshare/internal/protocol"
)

func startServer(t *testing.T, opts Options) (*Hub, string) {
	t.Helper()
	hub := NewHub(opts)
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(func() {
		srv.Close()
		hub.Stop()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

// expect reads until a frame of type typ arrives.
func expect(t *testing.T, conn *websocket.Conn, typ string) protocol.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", typ)
		ev, err := protocol.DecodeEvent(data)
		require.NoError(t, err)
		if ev.Type == typ {
			return ev
		}
	}
}

func TestWebsocketEndToEnd(t *testing.T) {
	_, url := startServer(t, DefaultOptions())
	alice := dial(t, url)
	bob := dial(t, url)

	send(t, alice, `{"type":"join_room","room":"r1","userName":"alice"}`)
	joined := expect(t, alice, protocol.TypeRoomJoined)
	assert.Equal(t, []string{"alice"}, joined.Users)

	send(t, bob, `{"type":"join_room","room":"r1","userName":"alice"}`)
	dup := expect(t, bob, protocol.TypeJoinRoomError)
	assert.Equal(t, protocol.ErrCodeNameDuplicate, dup.Error)

	send(t, bob, `{"type":"join_room","room":"r1","userName":"bob"}`)
	expect(t, bob, protocol.TypeRoomJoined)
	assert.Equal(t, "bob", expect(t, alice, protocol.TypeUserJoined).UserName)

	send(t, alice, `this is not json`)
	send(t, alice, `{"type":"code_change","code":"x=1"}`)
	change := expect(t, bob, protocol.TypeCodeChange)
	assert.Equal(t, "x=1", change.Code)
	assert.Equal(t, int64(1), change.Version)
	assert.Equal(t, "alice", change.UserName)

	send(t, alice, `{"type":"ping"}`)
	expect(t, alice, protocol.TypePong)

	require.NoError(t, alice.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Equal(t, "alice", expect(t, bob, protocol.TypeUserLeft).UserName)
}

func TestHeartbeatTimeoutEvictsSilentClient(t *testing.T) {
	opts := DefaultOptions()
	opts.PingInterval = 50 * time.Millisecond
	opts.PongTimeout = 50 * time.Millisecond
	hub, url := startServer(t, opts)

	alice := dial(t, url)
	bob := dial(t, url)

	send(t, alice, `{"type":"join_room","room":"r1","userName":"alice"}`)
	expect(t, alice, protocol.TypeRoomJoined)
	send(t, bob, `{"type":"join_room","room":"r1","userName":"bob"}`)
	expect(t, bob, protocol.TypeRoomJoined)

	// alice stops reading, so pings go unanswered; bob keeps answering
	// because expect keeps reading.
	left := expect(t, bob, protocol.TypeUserLeft)
	assert.Equal(t, "alice", left.UserName)
	assert.Equal(t, []string{"bob"}, hub.Registry().Names("r1"))
}
