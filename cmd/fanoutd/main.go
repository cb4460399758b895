// Command fanoutd runs the real-time transaction-log fan-out engine:
// it accepts client WebSocket connections, consumes commit
// notifications off Kafka, listens for admin control-plane operations
// over NATS, and serves Prometheus metrics.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"

	"github.com/sandiprb/userbase/internal/config"
	"github.com/sandiprb/userbase/internal/control"
	"github.com/sandiprb/userbase/internal/engine"
	"github.com/sandiprb/userbase/internal/ingest"
	"github.com/sandiprb/userbase/internal/logging"
	"github.com/sandiprb/userbase/internal/metrics"
	"github.com/sandiprb/userbase/internal/store/postgres"
	"github.com/sandiprb/userbase/internal/store/redisblob"
	"github.com/sandiprb/userbase/internal/sysmonitor"
	"github.com/sandiprb/userbase/internal/transport"
	"github.com/sandiprb/userbase/internal/wire"
)

func splitCSV(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func main() {
	var debug = flag.Bool("debug", false, "enable debug logging (overrides FANOUT_LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fanoutd: load config: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Options{Level: cfg.ZerologLevel(), Pretty: cfg.LogFormat != "json"})
	logger.Info().Str("addr", cfg.Addr).Msg("starting fanoutd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	txStore, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer txStore.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	// The engine treats snapshot bundles as opaque blobs fetched by ID;
	// this binary has no upstream blob store of its own beyond Redis, so
	// redisblob wraps a store that always misses, making Redis the
	// system of record for bundles written by the application layer that
	// owns bundle creation.
	snapStore := redisblob.New(rdb, emptyUpstream{}, cfg.SnapshotFetchRatePerS, cfg.SnapshotFetchBurst)

	reg := prometheus.NewRegistry()
	recorder := metrics.New(reg)

	registry := engine.NewRegistry(engine.RegistryConfig{
		TxStore:               txStore,
		SnapStore:             snapStore,
		RequestCapacity:       cfg.RequestBucketCapacity,
		RequestRefillRate:     cfg.RequestBucketRefill,
		FileStorageCapacity:   cfg.FileStorageBucketCapacity,
		FileStorageRefillRate: cfg.FileStorageBucketRefill,
		Options: engine.Options{
			GapRollbackThreshold: cfg.GapRollbackThreshold,
			SnapshotTriggerBytes: cfg.SnapshotTriggerBytes,
			LogQueryPageSize:     cfg.LogQueryPageSize,
			FileIDCacheTTL:       cfg.FileIDCacheTTL,
			Metrics:              recorder,
		},
		Logger: logger,
	})
	registry.Start(ctx)
	defer registry.Shutdown()

	sysmon := sysmonitor.New(logger)
	sysmon.Start(ctx, cfg.SysmonInterval)

	var consumer *ingest.Consumer
	if brokers := splitCSV(cfg.KafkaBrokers); len(brokers) > 0 {
		consumer, err = ingest.New(ingest.Config{
			Brokers:       brokers,
			ConsumerGroup: cfg.KafkaGroup,
			Topic:         cfg.KafkaTopic,
			Broadcaster:   registry,
			Store:         txStore,
			Logger:        logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("connect kafka")
		}
		consumer.Start()
		defer consumer.Stop()
	}

	natsSub, err := control.Connect(cfg.NATSURL, "fanoutd", registry, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("connect nats control plane: running without admin control")
	} else {
		defer natsSub.Close()
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", transport.NewHandler(logger, func(r *http.Request, socket *transport.Socket) {
		// The socket-level identity handshake (session cookie / API key
		// validation) is out of this engine's scope; a production
		// deployment wires a real authentication layer in front of this
		// handler.
		userID := r.URL.Query().Get("userId")
		adminID := r.URL.Query().Get("adminId")
		appID := r.URL.Query().Get("appId")
		clientID := r.URL.Query().Get("clientId")

		conn, err := registry.Register(userID, adminID, appID, clientID, socket)
		if err != nil {
			logger.Warn().Err(err).Msg("register connection failed")
			socket.Close(engine.StatusPolicyViolation)
			return
		}
		socket.OnClose(func(status int) {
			registry.Close(conn.ID)
		})
		socket.OnMessage(func(data []byte) {
			var req wire.Request
			if err := json.Unmarshal(data, &req); err != nil {
				logger.Warn().Err(err).Str("connectionId", conn.ID).Msg("malformed client request, dropping")
				return
			}
			switch req.Route {
			case wire.RouteOpenDatabase:
				if err := registry.OpenDatabase(ctx, userID, conn.ID, req.DatabaseID, req.BundleSeqNo, req.DBNameHash, req.DBKey, req.ReopenAtSeqNo, req.IsOwner); err != nil {
					logger.Warn().Err(err).Str("connectionId", conn.ID).Str("databaseId", req.DatabaseID).Msg("open database failed")
				}
			default:
				logger.Warn().Str("route", req.Route).Str("connectionId", conn.ID).Msg("unrecognized client request route, dropping")
			}
		})
	}))
	var metricsServer *http.Server
	if cfg.MetricsAddr == cfg.Addr {
		mux.Handle("/metrics", metrics.Handler(reg))
	} else {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler(reg))
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	httpServer := &http.Server{Addr: cfg.Addr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	if metricsServer != nil {
		metricsServer.Shutdown(shutdownCtx)
	}
	cancel()
	sysmon.Wait()
}

// emptyUpstream is a store.SnapshotStore that never has a bundle,
// letting redisblob.Cache serve purely as a Redis-backed lookup for
// bundles written by whatever component owns snapshot creation.
type emptyUpstream struct{}

func (emptyUpstream) GetBundle(context.Context, string, int64) ([]byte, error) {
	return nil, nil
}
