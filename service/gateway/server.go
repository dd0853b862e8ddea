package gateway

import (
	"context"
	"net/http"
	"time"

	"IMProject/global"
	"IMProject/logger"
	"IMProject/middleware/security"
	"IMProject/module/call"
	"IMProject/module/message"
	"IMProject/service/chat"
	"IMProject/service/storage"
	"IMProject/tools/errs"
	"IMProject/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxFrameBytes  = 64 << 10
	pingEvery      = 30 * time.Second
	readIdleWindow = global.PresenceTTL
)

// Fabric is the cross-process delivery plane: publish to a user, and
// subscribe this process for users it hosts.
type Fabric interface {
	Deliver(ctx context.Context, userID string, payload []byte) error
	EnsureSubscribe(userID string, sink func(payload []byte)) error
	Unsubscribe(userID string)
}

// Mirror persists coarse online state to the user record; strictly
// best-effort.
type Mirror interface {
	SetUserOnline(ctx context.Context, userID string, online bool, at time.Time) error
}

type ServerConf struct {
	Registry *chat.Registry
	Limiter  *chat.RateLimiter
	Presence *storage.PresenceStore
	Fabric   Fabric
	Pipeline *message.Pipeline
	Relay    *call.Relay
	Mirror   Mirror // optional
	Fanout   *chat.Fanout
	Clock    func() time.Time
}

// Server owns the websocket side of the gateway: handshake, per-conn
// read/write pumps, presence bookkeeping and frame dispatch.
type Server struct {
	registry   *chat.Registry
	limiter    *chat.RateLimiter
	presence   *storage.PresenceStore
	fabric     Fabric
	pipeline   *message.Pipeline
	relay      *call.Relay
	mirror     Mirror
	fanout     *chat.Fanout
	dispatcher *chat.Dispatcher
	clock      func() time.Time
	upgrader   websocket.Upgrader
}

func NewServer(c ServerConf) *Server {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	s := &Server{
		registry:   c.Registry,
		limiter:    c.Limiter,
		presence:   c.Presence,
		fabric:     c.Fabric,
		pipeline:   c.Pipeline,
		relay:      c.Relay,
		mirror:     c.Mirror,
		fanout:     c.Fanout,
		dispatcher: chat.NewDispatcher(),
		clock:      c.Clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.registerHandlers()
	return s
}

// HandleWS upgrades an authenticated request and runs the connection to
// completion.
func (s *Server) HandleWS(c *gin.Context) {
	userID := c.GetString(security.CtxUserID)
	if userID == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("[gateway] upgrade failed for %s: %v", userID, err)
		return
	}

	conn := s.registry.Add(userID, ws)
	s.onConnect(conn)
	safe.Go("ws-write-"+conn.ID, func() { s.writePump(conn) })
	s.readLoop(conn)
}

func (s *Server) onConnect(conn *chat.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.presence.SetOnline(ctx, conn.UserID)
	if err := s.fabric.EnsureSubscribe(conn.UserID, func(payload []byte) {
		s.registry.DeliverLocal(conn.UserID, payload)
	}); err != nil {
		logger.Warnf("[gateway] fabric subscribe %s: %v", conn.UserID, err)
	}
	s.broadcastPresence(chat.EvPresenceOnline, conn.UserID)

	if s.mirror != nil {
		uid, now := conn.UserID, s.clock()
		safe.Go("mirror-online-"+uid, func() {
			mctx, mcancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer mcancel()
			if err := s.mirror.SetUserOnline(mctx, uid, true, now); err != nil {
				logger.Debugf("[gateway] online mirror %s: %v", uid, err)
			}
		})
	}
	logger.Infof("[gateway] connected user=%s conn=%s", conn.UserID, conn.ID)
}

func (s *Server) onDisconnect(conn *chat.Conn) {
	userID, lastConn := s.registry.Remove(conn.ID)
	s.limiter.Forget(conn.ID)
	if !lastConn {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.fabric.Unsubscribe(userID)
	s.presence.SetOffline(ctx, userID)
	s.broadcastPresence(chat.EvPresenceOffline, userID)

	if s.mirror != nil {
		now := s.clock()
		safe.Go("mirror-offline-"+userID, func() {
			mctx, mcancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer mcancel()
			if err := s.mirror.SetUserOnline(mctx, userID, false, now); err != nil {
				logger.Debugf("[gateway] offline mirror %s: %v", userID, err)
			}
		})
	}
	logger.Infof("[gateway] disconnected user=%s conn=%s", userID, conn.ID)
}

// broadcastPresence tells every local connection about a presence change.
func (s *Server) broadcastPresence(ev chat.EventType, userID string) {
	payload := chat.BuildEvent(ev, map[string]interface{}{"userId": userID})
	s.fanout.Broadcast(s.registry.AllConns(), payload)
}

func (s *Server) readLoop(conn *chat.Conn) {
	defer s.onDisconnect(conn)

	ws := conn.WS
	ws.SetReadLimit(maxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(readIdleWindow))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readIdleWindow))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debugf("[gateway] read conn=%s: %v", conn.ID, err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readIdleWindow))

		frame, err := chat.ParseFrame(raw)
		if err != nil {
			conn.Enqueue(chat.BuildError("", err))
			continue
		}
		// Heartbeats are free; message:send draws from the same window
		// inside the pipeline so it is not double-charged here.
		if frame.Type != chat.EvHeartbeat && frame.Type != chat.EvMessageSend {
			if !s.limiter.Allow(conn.ID) {
				conn.Enqueue(chat.BuildError(frame.ID, errs.ErrRateLimited))
				continue
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.dispatcher.Dispatch(ctx, conn, frame); err != nil {
			conn.Enqueue(chat.BuildError(frame.ID, err))
		}
		cancel()
	}
}

// writePump is the single writer for the underlying socket; everything
// outbound goes through conn.Send.
func (s *Server) writePump(conn *chat.Conn) {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		_ = conn.WS.Close()
	}()
	for {
		select {
		case payload, ok := <-conn.Send:
			_ = conn.WS.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WS.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WS.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.WS.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WS.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
