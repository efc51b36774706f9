package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hazelcast/hazelcast-go-client"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tubestatus/tubestatus/internal/breaker"
	"github.com/tubestatus/tubestatus/internal/codec"
	"github.com/tubestatus/tubestatus/internal/config"
	"github.com/tubestatus/tubestatus/internal/httpapi"
	"github.com/tubestatus/tubestatus/internal/logging"
	"github.com/tubestatus/tubestatus/internal/metrics"
	metricsprom "github.com/tubestatus/tubestatus/internal/metrics/prometheus"
	"github.com/tubestatus/tubestatus/internal/register"
	"github.com/tubestatus/tubestatus/internal/register/hazelreg"
	"github.com/tubestatus/tubestatus/internal/register/memory"
	"github.com/tubestatus/tubestatus/internal/register/natsreg"
	"github.com/tubestatus/tubestatus/internal/register/redisreg"
	"github.com/tubestatus/tubestatus/internal/replicator"
	"github.com/tubestatus/tubestatus/internal/retry"
	"github.com/tubestatus/tubestatus/internal/upstream"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file (defaults to config.yaml or $TUBESTATUS_CONFIG_PATH)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	logging.SetLogger(logger)

	var collector metrics.Collector = metrics.DefaultCollector
	if cfg.Metrics.ListenAddr != "" {
		promCollector := metricsprom.NewCollectorWithConfig(metricsprom.CollectorConfig{
			ConstLabels: map[string]string{"node_id": cfg.NodeID},
		})
		collector = promCollector
		go serveMetrics(cfg.Metrics.ListenAddr)
	}

	reg, gossipHandler, err := buildRegister(context.Background(), cfg)
	if err != nil {
		log.Fatalf("failed to build cluster register: %v", err)
	}
	defer reg.Close()

	client := upstream.New(upstream.Config{
		BaseURL:         cfg.Upstream.BaseURL,
		NodeID:          cfg.NodeID,
		ResponseTimeout: cfg.Upstream.ResponseTimeout,
		Breaker: breaker.Config{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			OpenDuration:     cfg.CircuitBreaker.OpenDuration,
		},
		Retry: retry.Policy{
			MaxRetries:   cfg.Retry.MaxRetries,
			BaseDelay:    cfg.Retry.BaseDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			JitterFactor: cfg.Retry.JitterFactor,
		},
		Metrics: collector,
	})
	gateway := upstream.NewGateway(client)
	defer gateway.Stop()

	repl := replicator.New(replicator.Config{
		RefreshInterval:            cfg.RefreshInterval,
		FreshEnoughThreshold:       cfg.FreshEnoughThreshold,
		BackgroundRefreshThreshold: cfg.BackgroundRefreshThreshold,
		NodeID:                     cfg.NodeID,
		ClusterBackend:             cfg.Cluster.Backend,
		Metrics:                    collector,
	}, gateway, reg)
	defer repl.Stop()

	router := httpapi.NewRouter(repl, gateway)
	if gossipHandler != nil {
		router.Get("/internal/gossip", gossipHandler.ServeHTTP)
		router.Post("/internal/gossip", gossipHandler.ServeHTTP)
	}

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("tubestatusd listening", "addr", srv.Addr, "node_id", cfg.NodeID, "cluster_backend", cfg.Cluster.Backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-done
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("server shutdown failed: %v", err)
	}
	logger.Info("server stopped")
}

// buildRegister constructs the configured register.Register backend. For the
// memory/gossip backend it also returns the HTTP handler peers post gossip
// to; every other backend returns a nil handler since replication happens
// inside the substrate itself.
func buildRegister(ctx context.Context, cfg *config.Config) (register.Register, http.Handler, error) {
	payloadCodec, err := buildPayloadCodec(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("building payload codec: %w", err)
	}

	switch cfg.Cluster.Backend {
	case "redis":
		reg, err := redisreg.New(redisreg.Config{Address: cfg.Cluster.RedisAddress, Codec: payloadCodec})
		return reg, nil, err
	case "nats":
		reg, err := natsreg.New(ctx, natsreg.Config{NATSUrl: cfg.Cluster.NATSUrl, Bucket: cfg.Cluster.NATSBucket, Codec: payloadCodec})
		return reg, nil, err
	case "hazelcast":
		hzCfg := hazelcast.Config{}
		client, err := hazelcast.StartNewClientWithConfig(ctx, hzCfg)
		if err != nil {
			return nil, nil, err
		}
		m, err := client.GetMap(ctx, "tubestatus-register")
		if err != nil {
			return nil, nil, err
		}
		return hazelreg.NewWithMapAndCodec(m, payloadCodec), nil, nil
	default:
		peers := make([]memory.Peer, 0, len(cfg.Cluster.Peers))
		for _, p := range cfg.Cluster.Peers {
			peers = append(peers, memory.Peer{Address: p.Address})
		}
		reg := memory.New(memory.Config{Peers: peers})
		return reg, reg.GossipHandler(), nil
	}
}

// buildPayloadCodec constructs the codec every external register backend
// uses to transform stored payloads, per cfg.Payload. Off by
// default: with both fields zero-valued this returns a plain-JSON
// passthrough codec.
func buildPayloadCodec(cfg *config.Config) (*codec.Codec, error) {
	var opts []codec.Option
	if cfg.Payload.Compress {
		opts = append(opts, codec.WithCompression(codec.Snappy))
	}
	if cfg.Payload.EncryptPassphrase != "" {
		opts = append(opts, codec.WithEncryption(cfg.Payload.EncryptPassphrase))
	}
	return codec.New(opts...)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logging.Get().Warn("metrics server stopped", "err", err)
	}
}
