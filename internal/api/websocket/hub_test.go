package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KevinKickass/OpenCellCycler/internal/types"
)

type staticProvider []types.TestStatus

func (p staticProvider) List() []types.TestStatus { return p }

type received struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

func startHub(t *testing.T, provider StatusProvider) (*Hub, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(zap.NewNop(), provider)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *gorilla.Conn {
	t.Helper()
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *gorilla.Conn) received {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg received
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func readStatus(t *testing.T, conn *gorilla.Conn) types.TestStatus {
	t.Helper()
	msg := readMessage(t, conn)
	require.Equal(t, MessageTypeTestStatus, msg.Type)
	var st types.TestStatus
	require.NoError(t, json.Unmarshal(msg.Data, &st))
	return st
}

func TestHubSendsSnapshotOnConnect(t *testing.T) {
	_, url := startHub(t, staticProvider{{Test: "a", Cycle: 3}, {Test: "b"}})
	conn := dial(t, url)

	assert.Equal(t, "a", readStatus(t, conn).Test)
	assert.Equal(t, "b", readStatus(t, conn).Test)
}

func TestHubBroadcastAndSubscribe(t *testing.T) {
	hub, url := startHub(t, staticProvider{{Test: "a"}})
	conn := dial(t, url)
	readStatus(t, conn) // registered

	hub.BroadcastTest(types.TestStatus{Test: "b", Cycle: 1})
	st := readStatus(t, conn)
	assert.Equal(t, "b", st.Test)
	assert.Equal(t, 1, st.Cycle)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, Tests: []string{"a"}}))
	ack := readMessage(t, conn)
	require.Equal(t, MessageTypeSubscribed, ack.Type)
	assert.JSONEq(t, `{"tests":["a"]}`, string(ack.Data))

	hub.BroadcastTest(types.TestStatus{Test: "b", Cycle: 2})
	hub.BroadcastTest(types.TestStatus{Test: "a", Cycle: 7})
	st = readStatus(t, conn)
	assert.Equal(t, "a", st.Test)
	assert.Equal(t, 7, st.Cycle)

	assert.Equal(t, 1, hub.GetClientCount())
}

func TestHubRejectsUnknownClientMessage(t *testing.T) {
	_, url := startHub(t, staticProvider{{Test: "a"}})
	conn := dial(t, url)
	readStatus(t, conn)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "reboot"}))
	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeError, msg.Type)
}

func TestHubUnregistersOnClose(t *testing.T) {
	hub, url := startHub(t, staticProvider{{Test: "a"}})
	conn := dial(t, url)
	readStatus(t, conn)
	require.Equal(t, 1, hub.GetClientCount())

	conn.Close()
	assert.Eventually(t, func() bool { return hub.GetClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
