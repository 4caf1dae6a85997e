package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"vnoded/internal/domain"
)

var ErrClosed = errors.New("kafka forwarder closed")

type Config struct {
	Enabled  bool
	Brokers  []string
	Topic    string
	ClientID string
	TLS      TLSConfig
	// FlushTimeout bounds Close.
	FlushTimeout time.Duration
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

func (c *Config) withDefaults() {
	if c.ClientID == "" {
		c.ClientID = "vnoded"
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 5 * time.Second
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("sink.kafka.brokers is required")
	}
	if c.Topic == "" {
		return errors.New("sink.kafka.topic is required")
	}
	return nil
}

// Forwarder republishes acknowledged payloads to a Kafka topic keyed by shard.
// Produce is asynchronous; failures are logged and counted, never retried by
// the supervisor.
type Forwarder struct {
	cfg    Config
	log    *slog.Logger
	closed atomic.Bool
	failed atomic.Int64

	produce func(context.Context, *kgo.Record, func(*kgo.Record, error))
	flush   func(context.Context) error
	close   func()
}

func NewForwarder(cfg Config, log *slog.Logger, opts ...kgo.Opt) (*Forwarder, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ClientID(cfg.ClientID),
	}
	if cfg.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.TLS.InsecureSkipVerify}))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	f := newForwarder(cfg, log)
	f.produce = cl.Produce
	f.flush = cl.Flush
	f.close = cl.Close
	return f, nil
}

func newForwarder(cfg Config, log *slog.Logger) *Forwarder {
	return &Forwarder{cfg: cfg, log: log.With(slog.String("sink", "kafka"), slog.String("topic", cfg.Topic))}
}

func (f *Forwarder) Handle(ctx context.Context, r domain.Received) error {
	if f.closed.Load() {
		return ErrClosed
	}
	rec := toRecord(f.cfg.Topic, r)
	// The payload is already acked upstream. Buffered records live until
	// Close flushes them, not until the caller's context ends.
	f.produce(context.WithoutCancel(ctx), rec, func(rec *kgo.Record, err error) {
		if err != nil {
			f.failed.Add(1)
			f.log.Warn("forward failed",
				slog.String("key", string(rec.Key)),
				slog.Any("error", err),
			)
		}
	})
	return nil
}

// Failed reports how many produce callbacks returned an error.
func (f *Forwarder) Failed() int64 { return f.failed.Load() }

func (f *Forwarder) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.FlushTimeout)
	defer cancel()
	err := f.flush(ctx)
	f.close()
	if err != nil {
		return fmt.Errorf("flush kafka forwarder: %w", err)
	}
	return nil
}

func toRecord(topic string, r domain.Received) *kgo.Record {
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(strconv.FormatUint(uint64(r.Shard), 10)),
		Value: r.Payload,
		Headers: []kgo.RecordHeader{
			{Key: "vnode_queue", Value: []byte(r.Queue)},
			{Key: "routing_key", Value: []byte(r.RoutingKey)},
			{Key: "received_at", Value: []byte(r.ReceivedAt.UTC().Format(time.RFC3339Nano))},
		},
		Timestamp: r.ReceivedAt,
	}
}
