package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

var wsLog = LogFn(LogLevelInfo, "[ws]")

type WsServerSettings struct {
	WsHandshakeTimeout time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
}

func DefaultWsServerSettings() *WsServerSettings {
	return &WsServerSettings{
		WsHandshakeTimeout: 2 * time.Second,
		PingTimeout:        15 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		SendBufferSize:     32,
	}
}

// websocket front of the synchronization channel. the channel is
// authenticated before the upgrade; an unauthenticated connection is
// rejected outright, before any message is accepted
type WsServer struct {
	ctx    context.Context
	cancel context.CancelFunc

	handler *SyncHandler
	auth    *ChannelAuth

	settings *WsServerSettings

	upgrader websocket.Upgrader
}

func NewWsServerWithDefaults(ctx context.Context, handler *SyncHandler, auth *ChannelAuth) *WsServer {
	return NewWsServer(ctx, handler, auth, DefaultWsServerSettings())
}

func NewWsServer(ctx context.Context, handler *SyncHandler, auth *ChannelAuth, settings *WsServerSettings) *WsServer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WsServer{
		ctx:      cancelCtx,
		cancel:   cancel,
		handler:  handler,
		auth:     auth,
		settings: settings,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (self *WsServer) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/ws", self.HandleWs)
	router.HandleFunc("/health", self.handleHealth).Methods("GET")
	return router
}

func (self *WsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
	})
}

func (self *WsServer) HandleWs(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
	}
	identity, err := self.auth.Verify(token)
	if err != nil {
		glog.Infof("[ws]auth error = %s\n", err)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[ws]upgrade error = %s\n", err)
		return
	}

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan []byte, self.settings.SendBufferSize)
	// declared before Connect so the drop path can name the connection
	var session *SyncSession
	session = self.handler.Connect(identity, func(messageJson []byte) {
		select {
		case send <- messageJson:
		case <-handleCtx.Done():
		default:
			// backpressure: a peer that cannot drain its queue re-syncs
			// from the next snapshot rather than stalling the group
			wsLog("drop %s->", session.ConnectionId())
		}
	})
	traceLog := SubLogFn(LogLevelDebug, wsLog, session.ConnectionId().String())

	go func() {
		defer func() {
			handleCancel()
			ws.Close()
		}()

		for {
			select {
			case <-handleCtx.Done():
				return
			case messageJson, ok := <-send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, messageJson); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					traceLog("-> error = %s", err)
					return
				}
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	func() {
		defer func() {
			handleCancel()
			self.handler.Disconnect(session)
			ws.Close()
		}()

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			return nil
		})

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			messageType, messageJson, err := ws.ReadMessage()
			if err != nil {
				traceLog("<- error = %s", err)
				return
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))

			switch messageType {
			case websocket.TextMessage:
				// messages from one connection are processed one at a time,
				// in arrival order
				self.handler.HandleMessage(r.Context(), session, messageJson)
			default:
				traceLog("other=%d <-", messageType)
			}
		}
	}()
}

func (self *WsServer) Close() {
	self.cancel()
}
