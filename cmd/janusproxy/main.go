// Command janusproxy runs the Janus signalling proxy: it terminates
// "janus-protocol" WebSocket connections from browser-like clients,
// dispatches plugin-bound messages to in-process plugins, and multiplexes a
// second "janus-protocol" connection to an upstream Janus gateway drawn
// from a backend pool.
//
// Entrypoint shape (config -> logger -> otel -> construct -> serve ->
// graceful shutdown) is grounded in wsgateway/cmd/main.go.
package main

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/imtaco/janus-proxy/internal/etcd"
	"github.com/imtaco/janus-proxy/internal/log"
	iotel "github.com/imtaco/janus-proxy/internal/otel"
	iredis "github.com/imtaco/janus-proxy/internal/redis"
	"github.com/imtaco/janus-proxy/internal/workflow"
	"github.com/imtaco/janus-proxy/janusproxy"
	"github.com/imtaco/janus-proxy/janusproxy/backend"
	"github.com/imtaco/janus-proxy/janusproxy/dispatcher"
	"github.com/imtaco/janus-proxy/janusproxy/idalloc"
	"github.com/imtaco/janus-proxy/janusproxy/metrics"
	"github.com/imtaco/janus-proxy/janusproxy/plugin"
	"github.com/imtaco/janus-proxy/janusproxy/state"
	"github.com/imtaco/janus-proxy/janusproxy/videoroom"
	"github.com/imtaco/janus-proxy/transport/wsconn"
)

func main() {
	cfg, err := janusproxy.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := log.NewLogger(cfg.App.LogConfigFile)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	shutdownOtel, err := iotel.Init(ctx, &cfg.Otel, logger.Module("Otel"))
	if err != nil {
		logger.Fatal("failed to init otel", log.Error(err))
	}

	store := buildStateStore(cfg, logger)
	pool := buildBackendPool(ctx, cfg, logger)

	registry := plugin.NewRegistry()
	roomStore := videoroom.NewRoomStore()
	registry.Register(videoroom.PluginName, videoroom.NewFactory(roomStore))

	_ = metrics.New("janusproxy")

	deps := dispatcher.Deps{
		Allocator: idalloc.New(state.SessionChecker{Store: store}),
		Store:     store,
		Pool:      pool,
		Registry:  registry,
		Clock:     clockwork.NewRealClock(),
		Logger:    logger.Module("Dispatcher"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, wsconn.AcceptOptions())
		if err != nil {
			logger.Warn("websocket accept failed", log.Error(err))
			return
		}
		conn := wsconn.New(ws)
		connCtx := r.Context()
		go conn.Run(connCtx)
		dispatcher.New(deps, conn).Run(connCtx)
	})
	server := &http.Server{Addr: cfg.Listen, Handler: mux}

	go func() {
		logger.Info("listening for client connections", log.String("addr", cfg.Listen))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("client listener exited", log.Error(err))
		}
	}()

	healthRouter := gin.New()
	healthRouter.Use(cors.Default())
	healthRouter.Use(otelgin.Middleware("janus-proxy"))
	healthRouter.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	healthServer := &http.Server{Addr: cfg.HealthAddr, Handler: healthRouter}

	go func() {
		logger.Info("listening for health checks", log.String("addr", cfg.HealthAddr))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health listener exited", log.Error(err))
		}
	}()

	workflow.WaitGracefulShutdown(ctx, logger.Module("CleanUp"), func(shutdownCtx context.Context) {
		_ = server.Shutdown(shutdownCtx)
		_ = healthServer.Shutdown(shutdownCtx)
		if err := shutdownOtel(shutdownCtx); err != nil {
			logger.Warn("otel shutdown error", log.Error(err))
		}
	}, cfg.App.ShutdownTimeout)
}

func buildStateStore(cfg *janusproxy.Config, logger *log.Logger) state.Store {
	if cfg.StateProvider != "remote" {
		return state.NewMemoryStore()
	}
	redisClient := iredis.NewClient(&cfg.Redis)
	forever := iredis.NewForever(redisClient, 0, 0, logger.Module("Redis"))
	return state.NewRedisStore(redisClient, forever)
}

func buildBackendPool(ctx context.Context, cfg *janusproxy.Config, logger *log.Logger) backend.Pool {
	if cfg.BackendProvider != "etcd" {
		return backend.NewStaticPool(cfg.StaticBackends, cfg.BackendFailBackoff)
	}

	etcdClient, err := etcd.NewClient(&cfg.Etcd)
	if err != nil {
		logger.Fatal("failed to create etcd client", log.Error(err))
	}
	etcdPool := backend.NewEtcdPool(etcdClient, cfg.BackendPrefix, cfg.BackendFailBackoff, logger.Module("BackendPool"))
	go func() {
		if err := etcdPool.Run(ctx); err != nil {
			logger.Error("etcd backend pool watch loop exited", log.Error(err))
		}
	}()
	return etcdPool
}
