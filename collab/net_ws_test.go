package collab

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/go-playground/assert/v2"
)

type wsTest struct {
	*handlerTest

	auth       *ChannelAuth
	wsServer   *WsServer
	httpServer *httptest.Server
}

func newWsTest() *wsTest {
	ht := newHandlerTest(50 * time.Millisecond)
	auth := NewChannelAuth("test secret")
	wsServer := NewWsServerWithDefaults(context.Background(), ht.handler, auth)
	httpServer := httptest.NewServer(wsServer.Router())
	return &wsTest{
		handlerTest: ht,
		auth:        auth,
		wsServer:    wsServer,
		httpServer:  httpServer,
	}
}

func (self *wsTest) close() {
	self.httpServer.Close()
	self.wsServer.Close()
	self.handlerTest.close()
}

func (self *wsTest) wsUrl(token string) string {
	url := "ws" + strings.TrimPrefix(self.httpServer.URL, "http") + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	return url
}

func (self *wsTest) readMessage(t *testing.T, ws *websocket.Conn) []byte {
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	messageType, messageJson, err := ws.ReadMessage()
	assert.Equal(t, err, nil)
	assert.Equal(t, messageType, websocket.TextMessage)
	return messageJson
}

func TestWsServerRejectsUnauthenticated(t *testing.T) {
	wt := newWsTest()
	defer wt.close()

	// no token
	response, err := http.Get(wt.httpServer.URL + "/ws")
	assert.Equal(t, err, nil)
	response.Body.Close()
	assert.Equal(t, response.StatusCode, http.StatusUnauthorized)

	// bad token rejected before the upgrade
	_, response, err = websocket.DefaultDialer.Dial(wt.wsUrl("garbage"), nil)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, response.StatusCode, http.StatusUnauthorized)

	// health stays open
	response, err = http.Get(wt.httpServer.URL + "/health")
	assert.Equal(t, err, nil)
	response.Body.Close()
	assert.Equal(t, response.StatusCode, http.StatusOK)
}

func TestWsServerSync(t *testing.T) {
	wt := newWsTest()
	defer wt.close()

	sheetId := wt.store.seedSheet(t, "shared")
	userId := NewId()
	wt.resolver.setGrant(sheetId, userId, PermissionEdit)

	token, err := wt.auth.Mint(
		&ChannelIdentity{
			UserId:      userId,
			DisplayName: "alice",
		},
		1*time.Hour,
	)
	assert.Equal(t, err, nil)

	ws, _, err := websocket.DefaultDialer.Dial(wt.wsUrl(token), nil)
	assert.Equal(t, err, nil)
	defer ws.Close()

	// join handshake over the wire: ack then snapshot
	err = ws.WriteMessage(websocket.TextMessage, MarshalMessage(&JoinMessage{
		Type:      MessageTypeJoin,
		RequestId: 1,
		SheetId:   sheetId,
	}))
	assert.Equal(t, err, nil)

	ack := decodeMessage[AckMessage](t, wt.readMessage(t, ws), MessageTypeAck)
	assert.Equal(t, ack.RequestId, uint64(1))
	assert.Equal(t, ack.Ok, true)
	assert.Equal(t, ack.Permission, PermissionEdit)

	snapshot := decodeMessage[SnapshotMessage](t, wt.readMessage(t, ws), MessageTypeSnapshot)
	state, err := DecodePayload(snapshot.State)
	assert.Equal(t, err, nil)
	replica, err := DecodeFullState(state)
	assert.Equal(t, err, nil)

	// one edit round trip
	err = ws.WriteMessage(websocket.TextMessage, editMessage(t, replica, 2, NewCellKey(0, 0), rawValue("wire")))
	assert.Equal(t, err, nil)
	ack = decodeMessage[AckMessage](t, wt.readMessage(t, ws), MessageTypeAck)
	assert.Equal(t, ack.RequestId, uint64(2))
	assert.Equal(t, ack.Ok, true)

	// the edit landed in the shared store
	entry, ok := wt.registry.Get(sheetId)
	assert.Equal(t, ok, true)
	value, ok := entry.Store().Get(NewCellKey(0, 0))
	assert.Equal(t, ok, true)
	assert.Equal(t, string(value), string(rawValue("wire")))
}
