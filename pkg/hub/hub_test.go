package hub

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfleet/taskfleet/pkg/config"
)

func testChannelConfig() config.ChannelConfig {
	return config.ChannelConfig{
		PingInterval: 50 * time.Millisecond,
		WriteTimeout: time.Second,
	}
}

func dialAndJoin(t *testing.T, url, agent string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	join, err := NewEnvelope(KindJoinRoom, JoinRoomPayload{Name: agent})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(join))
	return conn
}

func waitConnected(t *testing.T, h *Hub, agent string) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Connected(agent) },
		2*time.Second, 5*time.Millisecond, "agent %s never joined", agent)
}

func TestSendToJoinedRoom(t *testing.T) {
	h := New(testChannelConfig())
	defer h.Close()
	srv := httptest.NewServer(httptestHandler(h))
	defer srv.Close()

	conn := dialAndJoin(t, srv.URL, "A1")
	waitConnected(t, h, "A1")

	env, err := NewEnvelope(KindSubtaskDispatch, SubtaskDispatchPayload{
		ExecutionID: "row-1", TaskID: 7, SubtaskName: "get_hostname", TimeoutSeconds: 30,
	})
	require.NoError(t, err)
	require.NoError(t, h.Send("A1", env))

	var got Envelope
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, KindSubtaskDispatch, got.Kind)

	var payload SubtaskDispatchPayload
	require.NoError(t, UnmarshalPayload(got, &payload))
	assert.Equal(t, "row-1", payload.ExecutionID)
	assert.Equal(t, int64(7), payload.TaskID)
}

func TestSendToUnknownAgentFailsSynchronously(t *testing.T) {
	h := New(testChannelConfig())
	defer h.Close()

	env, err := NewEnvelope(KindPing, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, h.Send("ghost", env), ErrNotConnected)
}

func TestInboundEnvelopesReachHandler(t *testing.T) {
	h := New(testChannelConfig())
	defer h.Close()

	received := make(chan Envelope, 1)
	h.OnMessage(func(agent string, env Envelope) {
		if agent == "A1" {
			received <- env
		}
	})

	srv := httptest.NewServer(httptestHandler(h))
	defer srv.Close()

	conn := dialAndJoin(t, srv.URL, "A1")
	waitConnected(t, h, "A1")

	ack, err := NewEnvelope(KindDispatchAck, DispatchAckPayload{ExecutionID: "row-1", TaskID: 7})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(ack))

	select {
	case env := <-received:
		assert.Equal(t, KindDispatchAck, env.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never saw the ack")
	}
}

func TestLeaveRoomDisconnects(t *testing.T) {
	h := New(testChannelConfig())
	defer h.Close()
	srv := httptest.NewServer(httptestHandler(h))
	defer srv.Close()

	conn := dialAndJoin(t, srv.URL, "A1")
	waitConnected(t, h, "A1")

	leave, err := NewEnvelope(KindLeaveRoom, JoinRoomPayload{Name: "A1"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(leave))

	require.Eventually(t, func() bool { return !h.Connected("A1") },
		2*time.Second, 5*time.Millisecond)
}

func TestReconnectDisplacesStaleRoom(t *testing.T) {
	h := New(testChannelConfig())
	defer h.Close()
	srv := httptest.NewServer(httptestHandler(h))
	defer srv.Close()

	dialAndJoin(t, srv.URL, "A1")
	waitConnected(t, h, "A1")

	// Same agent joins again (reconnect); the fresh socket wins.
	fresh := dialAndJoin(t, srv.URL, "A1")
	waitConnected(t, h, "A1")

	env, err := NewEnvelope(KindPing, nil)
	require.NoError(t, err)
	require.NoError(t, h.Send("A1", env))

	var got Envelope
	require.NoError(t, fresh.ReadJSON(&got))
	assert.Equal(t, KindPing, got.Kind)
}

func TestRejectsNonJoinFirstMessage(t *testing.T) {
	h := New(testChannelConfig())
	defer h.Close()
	srv := httptest.NewServer(httptestHandler(h))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	pong, err := NewEnvelope(KindPong, PongPayload{Name: "A1"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(pong))

	// Server drops the connection instead of registering a room.
	assert.Never(t, func() bool { return h.Connected("A1") },
		300*time.Millisecond, 20*time.Millisecond)
}
