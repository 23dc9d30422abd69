package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"livemarket/internal/config"
	"livemarket/internal/database/db_client"
	"livemarket/internal/database/schema"
	"livemarket/internal/http/http_server"
	"livemarket/internal/identity"
	"livemarket/internal/presence"
	"livemarket/internal/redis/entitycache"
	"livemarket/internal/redis/redis_client"
	"livemarket/internal/redis/redis_functions"
	"livemarket/internal/rooms"
	"livemarket/internal/serial"
	"livemarket/internal/services/auction"
	"livemarket/internal/services/conversation"
	"livemarket/internal/store"
	"livemarket/internal/syncdb"
	"livemarket/internal/ws"
)

var (
	Log, _ = zap.NewDevelopment()
)

func main() {
	defer Log.Sync()
	zap.ReplaceGlobals(Log)

	// 1. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		Log.Fatal("Failed to load configuration", zap.Error(err))
	}
	Log.Debug("Configuration loaded successfully",
		zap.String("store", cfg.StoreDriver), zap.Uint16("port", cfg.HttpServerPort))

	// 2. Context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	// 3. Persistence gateway (+ Redis snapshot mirror for the postgres driver)
	var (
		st     store.Store
		mirror *entitycache.Mirror
	)
	switch cfg.StoreDriver {
	case config.DriverMemory:
		mem := store.NewMemoryStore()
		seedDemo(mem)
		st = mem
	default:
		pgDb, err := db_client.Open(cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresUser,
			cfg.PostgresPassword, cfg.PostgresDb, cfg.PostgresMaxConns)
		if err != nil {
			Log.Fatal("pg-open", zap.Error(err))
		}
		defer pgDb.Close()
		if err := schema.Apply(ctx, pgDb); err != nil {
			Log.Fatal("pg-schema", zap.Error(err))
		}
		st = store.NewPostgresStore(pgDb)

		redisClient, err := redis_client.NewRedisClient(ctx, cfg.RedisHost, int(cfg.RedisPort))
		if err != nil {
			Log.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisClient.Close()

		// Load the Redis Functions lua
		if err := redis_functions.LoadAll(ctx, redisClient); err != nil {
			Log.Fatal("load-redis-funcs", zap.Error(err))
		}
		mirror = entitycache.NewMirror(redisClient)
	}

	// 4. In-process coordination state
	roomMgr := rooms.NewManager()
	defer roomMgr.Close()
	registry := presence.NewRegistry(roomMgr)
	defer registry.Close()
	lanes := serial.New()

	// 5. Coordinators
	var snapshots auction.Snapshots
	if mirror != nil {
		snapshots = mirror
	}
	auctions := auction.NewCoordinator(st, snapshots, roomMgr, lanes,
		auction.Options{EnforceWindow: cfg.EnforceBidWindow})
	chats := conversation.NewCoordinator(st, roomMgr, lanes)
	resolver := identity.NewResolver(cfg.JwtSecret, st)

	if cfg.StoreDriver == config.DriverMemory {
		logDemoTokens(resolver)
	}

	// 6. WS server
	wsSrv := ws.NewWsServer(ws.Deps{
		Identity:     resolver,
		Rooms:        roomMgr,
		Presence:     registry,
		Auctions:     auctions,
		Conversation: chats,
	}, ws.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		SendBuffer:     cfg.WsSendBuffer,
		ReadLimit:      cfg.WsReadLimit,
	})

	// 7. HTTP + WS server
	httpServer := http_server.NewHttpServer(ctx, cfg.HttpServerPort, cfg.AllowedOrigins, http_server.Deps{
		Ws:       wsSrv,
		Auctions: auctions,
		Chat:     chats,
		Auth:     resolver,
		Health:   st,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		return httpServer.Dispose()
	})

	// 8. Background: ledger -> cache reconciler
	if mirror != nil {
		reconciler := syncdb.NewReconciler(st, mirror, lanes, cfg.ReconcileInterval)
		g.Go(func() error { return reconciler.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		Log.Error("server stopped with error", zap.Error(err))
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lanes.Close(drainCtx); err != nil {
		Log.Warn("serial-drain", zap.Error(err))
	}
	Log.Info("shutdown complete")
}
