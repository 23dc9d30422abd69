package http_server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/abrar71/swaggerfilesv2" // swagger embed files
	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"livemarket/internal/http/auctionhandler"
	"livemarket/internal/http/authmw"
	"livemarket/internal/http/chathandler"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WsEndpoint is the websocket upgrade handler and its connection owner.
type WsEndpoint interface {
	Handle(c *gin.Context)
	Shutdown(ctx context.Context) error
}

type Deps struct {
	Ws       WsEndpoint
	Auctions auctionhandler.Reader
	Chat     chathandler.Reader
	Auth     authmw.Resolver
	Health   Pinger
}

type httpServer struct {
	listenPort     uint16
	allowedOrigins []string
	srv            http.Server
	ln             net.Listener
	deps           Deps
	ctx            context.Context
}

func NewHttpServer(ctx context.Context, listenPort uint16, allowedOrigins []string, deps Deps) *httpServer {
	return &httpServer{
		listenPort:     listenPort,
		allowedOrigins: allowedOrigins,
		deps:           deps,
		ctx:            ctx,
	}
}

// Engine builds the gin router with every route mounted.
func (h *httpServer) Engine() *gin.Engine {
	routerEngine := gin.New()

	routerEngine.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))
	routerEngine.Use(ginzap.RecoveryWithZap(zap.L(), true))
	routerEngine.Use(cors.New(h.corsConfig()))

	// Swagger UI and API specs
	routerEngine.StaticFS("/swagger-apis", http.FS(swaggerfilesv2.FS))

	routerEngine.GET("/healthz", h.health)

	// websocket endpoint
	routerEngine.GET("/ws", h.deps.Ws.Handle)

	// REST API
	auctionhandler.New(h.deps.Auctions).Register(routerEngine)
	authed := routerEngine.Group("/", authmw.Require(h.deps.Auth))
	chathandler.New(h.deps.Chat).Register(authed)

	return routerEngine
}

func (h *httpServer) corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization")
	if len(h.allowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	for _, o := range h.allowedOrigins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = h.allowedOrigins
	return cfg
}

// @Summary	Liveness and store reachability
// @Tags		Ops
// @Success	200
// @Failure	503
// @Router		/healthz [get]
func (h *httpServer) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.deps.Health.Ping(ctx); err != nil {
		zap.L().Warn("http.health", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start listens and serves until Dispose is called. It returns nil on a
// graceful shutdown.
func (h *httpServer) Start() error {
	var err error
	listenAddr := fmt.Sprintf(":%d", h.listenPort)
	h.ln, err = net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}

	h.srv = http.Server{
		Handler:           h.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	zap.L().Info("http.listening", zap.String("addr", listenAddr))

	if err := h.srv.Serve(h.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Dispose gracefully shuts the HTTP server down.
// It waits up to 10 s for in‑flight requests and websocket connections.
func (h *httpServer) Dispose() error {
	// Create a context that times‑out after 10 s.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(h.ctx), 10*time.Second)
	defer cancel()

	// Ask the server to shut down. Hijacked websocket connections are not
	// tracked by net/http, so close them separately.
	err := errors.Join(h.srv.Shutdown(ctx), h.deps.Ws.Shutdown(ctx))
	if err != nil {
		zap.L().Error("http.dispose", zap.Error(err))
		return err // e.g. active conns didn’t finish in time
	}
	return nil
}
