package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"livemarket/internal/identity"
	"livemarket/internal/liveerrors"
	"livemarket/internal/models"
	"livemarket/internal/presence"
	"livemarket/internal/rooms"
	"livemarket/internal/services/auction"
	"livemarket/internal/services/conversation"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 12 * time.Second
	pingPeriod     = 3 * time.Second // must be < pongWait
	requestTimeout = 5 * time.Second
)

// Identity verifies the handshake credential.
type Identity interface {
	Resolve(ctx context.Context, token string) (models.User, error)
}

// ConnContext is what handlers know about the calling connection. User is
// the verified identity; user data sent in payloads is never trusted.
type ConnContext struct {
	ConnID string
	User   models.User
	Server *WsServer
}

type Options struct {
	AllowedOrigins []string
	SendBuffer     int
	ReadLimit      int64
}

type Deps struct {
	Identity     Identity
	Rooms        *rooms.Manager
	Presence     *presence.Registry
	Auctions     *auction.Coordinator
	Conversation *conversation.Coordinator
}

type WsServer struct {
	deps     Deps
	opts     Options
	router   *Router
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*clientConn
	wg    sync.WaitGroup
}

func NewWsServer(deps Deps, opts Options) *WsServer {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 64 << 10
	}
	srv := &WsServer{
		deps:   deps,
		opts:   opts,
		router: NewRouter(),
		conns:  make(map[string]*clientConn),
	}
	srv.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     srv.checkOrigin,
	}
	srv.registerHandlers() // ← all WS endpoints configured here
	return srv
}

func (s *WsServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.opts.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
//  Public: Gin entry‑point
// ---------------------------------------------------------------------------

func (s *WsServer) Handle(ginCtx *gin.Context) {
	req := ginCtx.Request
	user, err := s.deps.Identity.Resolve(req.Context(), identity.Credential(req))
	if err != nil {
		ginCtx.JSON(http.StatusUnauthorized, gin.H{"error": liveerrors.Message(err)})
		return
	}

	rawConn, err := s.upgrader.Upgrade(ginCtx.Writer, req, nil)
	if err != nil {
		zap.L().Warn("ws.upgrade", zap.Error(err))
		return
	}
	rawConn.SetReadLimit(s.opts.ReadLimit)

	conn := newClientConn(uuid.Must(uuid.NewV7()).String(), user, rawConn, s.opts.SendBuffer)
	if err := s.deps.Rooms.Attach(conn); err != nil {
		zap.L().Warn("ws.attach", zap.Error(err))
		_ = rawConn.Close()
		return
	}
	s.track(conn)
	zap.L().Debug("ws.connected", zap.String("conn", conn.id), zap.String("user", user.ID))

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		conn.writePump()
	}()
	go func() {
		defer s.wg.Done()
		s.reader(conn)
	}()
}

// Shutdown closes every live connection and waits for their goroutines.
func (s *WsServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.conns {
		c.close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connections reports the number of live connections.
func (s *WsServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *WsServer) track(c *clientConn) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
}

func (s *WsServer) untrack(c *clientConn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
//  Private helpers
// ---------------------------------------------------------------------------

func (s *WsServer) reader(conn *clientConn) {
	defer func() {
		conn.close()
		s.deps.Rooms.Detach(conn.id)
		s.deps.Presence.Withdraw(conn.id)
		s.untrack(conn)
		zap.L().Debug("ws.disconnected", zap.String("conn", conn.id), zap.String("user", conn.user.ID))
	}()

	_ = conn.rawConn.SetReadDeadline(time.Now().Add(pongWait))
	conn.rawConn.SetPongHandler(func(string) error {
		return conn.rawConn.SetReadDeadline(time.Now().Add(pongWait))
	})

	cc := &ConnContext{ConnID: conn.id, User: conn.user, Server: s}

	for {
		_, data, err := conn.rawConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				zap.L().Debug("ws.read", zap.String("conn", conn.id), zap.Error(err))
			}
			return // client closed or errored
		}
		_ = conn.rawConn.SetReadDeadline(time.Now().Add(pongWait))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			s.reply(conn, "error", ErrorBody{Event: env.Event, Code: "validation", Error: "malformed frame"})
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		res, err := s.router.dispatch(ctx, cc, env)
		cancel()

		// ---- error -> {"event":"error", "body":{...}} ---------------
		if err != nil {
			if !liveerrors.Public(err) {
				zap.L().Error("ws.handler_failed", zap.String("event", env.Event),
					zap.String("user", conn.user.ID), zap.Error(err))
			}
			s.reply(conn, "error", ErrorBody{
				Event: env.Event,
				Code:  liveerrors.Code(err),
				Error: liveerrors.Message(err),
			})
			continue
		}

		// ---- success -> {"event":"<evt>-ack", "body":{...}} --------
		s.reply(conn, env.Event+"-ack", res)
	}
}

func (s *WsServer) reply(conn *clientConn, event string, body any) {
	frame, err := rooms.Encode(event, body)
	if err != nil {
		zap.L().Error("ws.encode_reply", zap.String("event", event), zap.Error(err))
		return
	}
	if !conn.Enqueue(frame) {
		zap.L().Debug("ws.reply_dropped", zap.String("conn", conn.id), zap.String("event", event))
	}
}

func (s *WsServer) joinPersonal(cc *ConnContext, userID string) error {
	if userID != cc.User.ID {
		return fmt.Errorf("cannot join the room of user %s: %w", userID, liveerrors.ErrForbidden)
	}
	return s.deps.Rooms.Join(cc.ConnID, rooms.UserRoom(userID))
}
