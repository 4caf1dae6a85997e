package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rabbitmq/amqp091-go"

	"vnoded/internal/vnode"
)

var (
	ErrClosed     = errors.New("rabbitmq broker closed")
	ErrNotBound   = errors.New("queue not declared by this broker")
	ErrNotRunning = errors.New("queue has no active subscription")
)

type Config struct {
	URL               string
	Endpoints         []string
	PrefetchCount     int
	ConsumerTagPrefix string
	// DurableQueues keeps shard queues across broker restarts. Off by default.
	DurableQueues bool
	TLS           TLSConfig
	Auth          AuthConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

type AuthConfig struct {
	Username string
	Password string
}

func (c Config) Validate() error {
	if c.PrefetchCount < 1 {
		return fmt.Errorf("rabbitmq prefetch_count must be >= 1")
	}
	if c.endpoint() == "" {
		return fmt.Errorf("rabbitmq url or endpoints is required")
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

// channel is the subset of *amqp091.Channel the broker uses.
type channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

// Broker implements vnode.Broker over one AMQP connection. Each shard queue
// gets its own channel so a failed operation on one shard cannot close
// another shard's subscription.
type Broker struct {
	cfg         Config
	log         *slog.Logger
	conn        *amqp091.Connection
	openChannel func() (channel, error)

	mu     sync.Mutex
	queues map[string]*queue
	closed bool
}

type queue struct {
	name     string
	durable  bool
	mu       sync.Mutex
	ch       channel
	tag      string
	consumed bool
}

func (q *queue) Name() string { return q.name }

func Dial(cfg Config, log *slog.Logger) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dialCfg := amqp091.Config{}
	if cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: cfg.Auth.Username, Password: cfg.Auth.Password}}
	}
	if tlsCfg, err := buildTLSConfig(cfg.TLS); err != nil {
		return nil, err
	} else if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}
	conn, err := amqp091.DialConfig(cfg.endpoint(), dialCfg)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	b := newBroker(cfg, log, func() (channel, error) { return conn.Channel() })
	b.conn = conn
	return b, nil
}

func newBroker(cfg Config, log *slog.Logger, open func() (channel, error)) *Broker {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ConsumerTagPrefix == "" {
		cfg.ConsumerTagPrefix = "vnoded"
	}
	return &Broker{
		cfg:         cfg,
		log:         log.With(slog.String("broker", "rabbitmq")),
		openChannel: open,
		queues:      make(map[string]*queue),
	}
}

// NotifyClose reports connection loss. It returns nil for brokers without a
// live connection.
func (b *Broker) NotifyClose() <-chan *amqp091.Error {
	if b.conn == nil {
		return nil
	}
	return b.conn.NotifyClose(make(chan *amqp091.Error, 1))
}

func (b *Broker) DeclareAndBind(_ context.Context, name, bindingKey, exchange string) (vnode.Queue, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if q, ok := b.queues[name]; ok {
		b.mu.Unlock()
		return q, nil
	}
	b.mu.Unlock()

	ch, err := b.openChannel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Qos(b.cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if _, err := ch.QueueDeclare(name, b.cfg.DurableQueues, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", name, err)
	}
	if err := ch.QueueBind(name, bindingKey, exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("bind queue %s key=%s: %w", name, bindingKey, err)
	}

	q := &queue{name: name, durable: b.cfg.DurableQueues, ch: ch}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch.Close()
		return nil, ErrClosed
	}
	if prev, ok := b.queues[name]; ok {
		ch.Close()
		return prev, nil
	}
	b.queues[name] = q
	return q, nil
}

func (b *Broker) Subscribe(_ context.Context, vq vnode.Queue) (<-chan amqp091.Delivery, error) {
	q, err := b.lookup(vq)
	if err != nil {
		return nil, err
	}
	tag, err := b.consumerTag(q.name)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	deliveries, err := q.ch.Consume(q.name, tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume queue %s: %w", q.name, err)
	}
	q.tag, q.consumed = tag, true
	return deliveries, nil
}

// Unsubscribe cancels the consumer and closes the queue's channel. Deliveries
// prefetched to a cancelled consumer stay unacked until their channel closes,
// so closing it hands them back to the broker for the next consumer. The
// queue must be declared again before it can be used.
func (b *Broker) Unsubscribe(_ context.Context, vq vnode.Queue) error {
	q, err := b.lookup(vq)
	if err != nil {
		return err
	}
	q.mu.Lock()
	if !q.consumed {
		q.mu.Unlock()
		return ErrNotRunning
	}
	q.consumed = false
	var errs []error
	if err := q.ch.Cancel(q.tag, false); err != nil {
		errs = append(errs, fmt.Errorf("cancel consumer %s: %w", q.tag, err))
	}
	if err := q.ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		errs = append(errs, fmt.Errorf("close channel for %s: %w", q.name, err))
	}
	q.mu.Unlock()

	b.mu.Lock()
	if b.queues[q.name] == q {
		delete(b.queues, q.name)
	}
	b.mu.Unlock()
	return errors.Join(errs...)
}

func (b *Broker) Status(_ context.Context, vq vnode.Queue) (vnode.QueueStatus, error) {
	q, err := b.lookup(vq)
	if err != nil {
		return vnode.QueueStatus{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	st, err := q.ch.QueueDeclarePassive(q.name, q.durable, false, false, false, nil)
	if err != nil {
		return vnode.QueueStatus{}, fmt.Errorf("inspect queue %s: %w", q.name, err)
	}
	return vnode.QueueStatus{Messages: st.Messages, Consumers: st.Consumers}, nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	queues := b.queues
	b.queues = nil
	b.mu.Unlock()

	var errs []error
	for _, q := range queues {
		q.mu.Lock()
		if err := q.ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
		q.mu.Unlock()
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Broker) lookup(vq vnode.Queue) (*queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if vq == nil {
		return nil, ErrNotBound
	}
	q, ok := b.queues[vq.Name()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotBound, vq.Name())
	}
	return q, nil
}

// consumerTag is unique per subscription so the broker's consumer list shows
// which process holds a shard.
func (b *Broker) consumerTag(queue string) (string, error) {
	id, err := gonanoid.New(10)
	if err != nil {
		return "", fmt.Errorf("consumer tag: %w", err)
	}
	return b.cfg.ConsumerTagPrefix + "." + queue + "." + id, nil
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.InsecureSkipVerify, ServerName: cfg.ServerName}
	if cfg.CAFile != "" {
		pemBytes, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
