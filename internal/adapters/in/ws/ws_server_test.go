package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/EthanQC/statussync/internal/adapters/out/memory"
	"github.com/EthanQC/statussync/internal/application"
	"github.com/EthanQC/statussync/internal/domain/entity"
)

func setup(t *testing.T) (*application.Engine, *memory.Hub, *Server, *websocket.Conn) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := memory.NewHub(nil)
	hub.PutRecord(&entity.UserStatusRecord{UserID: "peer", PassiveStatus: entity.PassiveOnline})
	e := application.NewEngine(
		application.Deps{Store: hub, Feed: hub},
		application.DefaultEngineConfig(),
		application.WithLogger(zap.NewNop()),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	select {
	case <-e.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("engine never became ready")
	}

	srv := NewServer(e, zap.NewNop())
	r := gin.New()
	srv.Register(r)
	ts := httptest.NewServer(r)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		srv.CloseAll()
		ts.Close()
		cancel()
		<-done
	})
	return e, hub, srv, conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readUntil 跳过不关心的消息类型
func readUntil(t *testing.T, conn *websocket.Conn, typ WSMessageType) WSMessage {
	t.Helper()
	for {
		msg := readMessage(t, conn)
		if msg.Type == typ {
			return msg
		}
	}
}

func TestServer_SnapshotThenChanges(t *testing.T) {
	_, hub, srv, conn := setup(t)

	msg := readMessage(t, conn)
	require.Equal(t, MsgTypeSnapshot, msg.Type)
	var entries []entity.CacheEntry
	require.NoError(t, json.Unmarshal(msg.Data, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "peer", entries[0].UserID)
	assert.Equal(t, entity.StatusOnline, entries[0].Status)
	assert.Equal(t, 1, srv.Count())

	hub.PutRecord(&entity.UserStatusRecord{
		UserID:                 "peer",
		PassiveStatus:          entity.PassiveOnline,
		ManualStatus:           entity.StatusBusy,
		IsManualOverrideActive: true,
	})

	msg = readUntil(t, conn, MsgTypeChange)
	var ch entity.StatusChange
	require.NoError(t, json.Unmarshal(msg.Data, &ch))
	assert.Equal(t, "peer", ch.UserID)
	assert.Equal(t, entity.StatusOnline, ch.Old.Status)
	assert.Equal(t, entity.StatusBusy, ch.New.Status)
}

func TestServer_ClientMessages(t *testing.T) {
	e, _, _, conn := setup(t)
	readMessage(t, conn)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: MsgTypePing, ID: "1"}))
	msg := readUntil(t, conn, MsgTypePong)
	assert.Equal(t, "1", msg.ID)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: "dance", ID: "2"}))
	msg = readUntil(t, conn, MsgTypeError)
	assert.Equal(t, "2", msg.ID)

	// 未登录时修改状态返回错误
	require.NoError(t, conn.WriteJSON(WSMessage{Type: MsgTypeSetStatus, ID: "3", Data: json.RawMessage(`{"status":"busy"}`)}))
	msg = readUntil(t, conn, MsgTypeError)
	assert.Equal(t, "3", msg.ID)

	require.NoError(t, e.SignIn(context.Background(), "me"))
	require.NoError(t, conn.WriteJSON(WSMessage{Type: MsgTypeSetStatus, ID: "4", Data: json.RawMessage(`{"status":"doNotDisturb"}`)}))
	msg = readUntil(t, conn, MsgTypeAck)
	assert.Equal(t, "4", msg.ID)
	assert.Equal(t, entity.StatusDoNotDisturb, e.GetEffectiveStatus("me"))

	require.NoError(t, conn.WriteJSON(WSMessage{Type: MsgTypeActivity, ID: "5", Data: json.RawMessage(`{"kind":"nope"}`)}))
	msg = readUntil(t, conn, MsgTypeError)
	assert.Equal(t, "5", msg.ID)
}

func TestServer_CloseAllUnregisters(t *testing.T) {
	_, _, srv, conn := setup(t)
	readMessage(t, conn)
	require.Equal(t, 1, srv.Count())

	srv.CloseAll()
	assert.Equal(t, 0, srv.Count())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func TestConnection_SlowClientIsDisconnected(t *testing.T) {
	srv := NewServer(nil, zap.NewNop())

	accepted := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := srv.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- conn
	}))
	defer ts.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()

	var serverConn *websocket.Conn
	select {
	case serverConn = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("no server connection")
	}

	// 不启动 WritePump，模拟一直不读的客户端
	c := newConnection(serverConn, srv)
	cancelled := false
	c.cancel = func() { cancelled = true }
	srv.mu.Lock()
	srv.conns[c.id] = c
	srv.mu.Unlock()

	for i := 0; i < sendBuffer; i++ {
		require.True(t, c.Send([]byte(`{"type":"change"}`)))
	}
	assert.False(t, c.Send([]byte(`{"type":"change"}`)))

	select {
	case <-c.done:
	default:
		t.Fatal("connection still open after overflow")
	}
	assert.True(t, cancelled)
	assert.Equal(t, 0, srv.Count())
	assert.False(t, c.Send([]byte(`{"type":"change"}`)))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = client.ReadMessage()
	require.Error(t, err)
}
