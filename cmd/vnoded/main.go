package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vnoded/internal/broker/rabbitmq"
	"vnoded/internal/config"
	"vnoded/internal/domain"
	"vnoded/internal/journal"
	"vnoded/internal/journal/sqlite"
	"vnoded/internal/orchestrator"
	"vnoded/internal/sink"
	"vnoded/internal/sink/kafka"
	"vnoded/internal/telemetry"
	promadapter "vnoded/internal/telemetry/prometheus"
	"vnoded/internal/vnode"
)

func main() {
	cfgPath := flag.String("config", "vnoded.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}

	log := newLogger(cfg.Log)
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("vnoded failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	nodeID := cfg.Node.ID
	if nodeID == "" {
		nodeID = fmt.Sprintf("node-%s", gonanoid.Must(6))
	}
	log = log.With(slog.String("node_id", nodeID))

	metrics := telemetry.Nop()
	if cfg.Metrics.Enabled {
		metrics = promadapter.NewSupervisorMetrics(prometheus.DefaultRegisterer)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info("metrics server starting", slog.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", slog.Any("error", err))
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	jrn := journal.Nop()
	var store *sqlite.Store
	if cfg.Journal.Enabled {
		var err error
		store, err = sqlite.Open(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		jrn = store
	}

	snk := sink.Nop()
	if cfg.Sink.Kafka.Enabled {
		fwd, err := kafka.NewForwarder(cfg.Kafka(), log)
		if err != nil {
			return err
		}
		defer fwd.Close()
		snk = fwd
	}

	broker, err := rabbitmq.Dial(cfg.Broker(), log)
	if err != nil {
		return err
	}
	defer broker.Close()

	// Losing the connection silently ends every subscription; treat it as fatal
	// and let the outer supervisor restart the process.
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		if amqpErr, ok := <-broker.NotifyClose(); ok && amqpErr != nil {
			cancel(fmt.Errorf("rabbitmq connection closed: %w", amqpErr))
		}
	}()

	space := cfg.Space()
	shards := orchestrator.ResolveShards(space, nodeID, cfg.Node.Shards, cfg.Node.Peers, cfg.Node.Seed)
	o, err := orchestrator.New(orchestrator.Options{
		Log:    log,
		Space:  space,
		Shards: shards,
		Broker: broker,
		Supervisor: vnode.Options{
			NodeID:        nodeID,
			AuditInterval: cfg.Supervisor.AuditInterval,
			Metrics:       metrics,
			Sink:          snk,
			Journal:       jrn,
		},
	})
	if err != nil {
		return err
	}

	if store != nil {
		reportRelinquished(ctx, store, shards, log)
	}

	log.Info("vnoded starting",
		slog.String("exchange", space.Exchange),
		slog.Int("shard_count", space.ShardCount),
		slog.Int("owned_shards", len(shards)),
		slog.Duration("audit_interval", cfg.Supervisor.AuditInterval),
	)
	if err := o.Run(ctx); err != nil {
		return err
	}
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	log.Info("vnoded stopped")
	return nil
}

// reportRelinquished logs the owned shards whose last journaled transition was
// an eviction, so an operator can see that a duplicate consumer existed before
// this run.
func reportRelinquished(ctx context.Context, store *sqlite.Store, shards []domain.ShardNumber, log *slog.Logger) {
	var evicted []uint64
	for _, shard := range shards {
		last, err := store.Recent(ctx, shard, 1)
		if err != nil {
			log.Warn("journal read failed", slog.Uint64("shard", uint64(shard)), slog.Any("error", err))
			return
		}
		if len(last) == 1 && last[0].Reason == domain.StopOverSubscribed {
			evicted = append(evicted, uint64(shard))
		}
	}
	if len(evicted) > 0 {
		log.Warn("shards relinquished in a previous run", slog.Any("shards", evicted))
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
