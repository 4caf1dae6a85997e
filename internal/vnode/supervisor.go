package vnode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rabbitmq/amqp091-go"

	"vnoded/internal/domain"
	"vnoded/internal/journal"
	"vnoded/internal/shardspace"
	"vnoded/internal/sink"
	"vnoded/internal/telemetry"
)

const DefaultAuditInterval = time.Second

type State int32

const (
	StateUnbound State = iota
	StateActive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type bindState uint8

const (
	bindNotStarted bindState = iota
	bindInProgress
	bindDone
)

type Options struct {
	Log           *slog.Logger
	NodeID        string
	AuditInterval time.Duration
	Clock         clockwork.Clock
	Metrics       telemetry.SupervisorMetrics
	Sink          sink.Sink
	Journal       journal.Journal
}

type Supervisor struct {
	space      shardspace.Space
	shard      domain.ShardNumber
	queueName  string
	bindingKey string
	broker     Broker

	log      *slog.Logger
	nodeID   string
	interval time.Duration
	clock    clockwork.Clock
	metrics  telemetry.SupervisorMetrics
	sink     sink.Sink
	journal  journal.Journal

	mu         sync.Mutex
	state      State
	starting   bool
	subscribed bool
	reason     domain.StopReason
	err        error

	bind      bindState
	bindReady chan struct{}
	queue     Queue
	bindErr   error

	done   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(space shardspace.Space, shard domain.ShardNumber, broker Broker, opts Options) (*Supervisor, error) {
	if err := space.Validate(); err != nil {
		return nil, err
	}
	if err := space.Check(shard); err != nil {
		return nil, err
	}
	if broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	interval := opts.AuditInterval
	if interval == 0 {
		interval = DefaultAuditInterval
	}
	if interval < 0 {
		return nil, fmt.Errorf("audit interval must be positive, got %s", interval)
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.Nop()
	}
	snk := opts.Sink
	if snk == nil {
		snk = sink.Nop()
	}
	jrn := opts.Journal
	if jrn == nil {
		jrn = journal.Nop()
	}

	name := shardspace.QueueName(shard)
	return &Supervisor{
		space:      space,
		shard:      shard,
		queueName:  name,
		bindingKey: shardspace.BindingKey(shard),
		broker:     broker,
		log:        log.With(slog.Uint64("shard", uint64(shard)), slog.String("queue", name)),
		nodeID:     opts.NodeID,
		interval:   interval,
		clock:      clock,
		metrics:    metrics,
		sink:       snk,
		journal:    jrn,
		bindReady:  make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

func (s *Supervisor) Shard() domain.ShardNumber { return s.shard }
func (s *Supervisor) QueueName() string         { return s.queueName }
func (s *Supervisor) BindingKey() string        { return s.bindingKey }

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) IsStopped() bool { return s.State() == StateStopped }

// Done is closed when the supervisor stops for any reason.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Reason reports why the supervisor stopped, or "" while it runs.
func (s *Supervisor) Reason() domain.StopReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Err returns the broker failure that stopped the supervisor, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Wait blocks until the delivery and audit loops have returned. It must not
// be called from a Sink.
func (s *Supervisor) Wait() { s.wg.Wait() }

// Start binds the queue if needed, subscribes and begins auditing. It does not
// block on deliveries. Start on an active supervisor is a no-op. A broker
// failure stops the supervisor and is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.state == StateStopped:
		s.mu.Unlock()
		return ErrStopped
	case s.state == StateActive || s.starting:
		s.mu.Unlock()
		return nil
	}
	s.starting = true
	s.mu.Unlock()

	q, err := s.ensureQueue(ctx)
	if err != nil {
		s.fail(ctx, err)
		return err
	}

	// Stopped while the bind was in flight: never subscribe.
	if s.IsStopped() {
		return ErrStopped
	}

	deliveries, err := s.broker.Subscribe(ctx, q)
	if err != nil {
		s.metrics.BrokerError(telemetry.OpSubscribe)
		err = fmt.Errorf("subscribe %s: %w", s.queueName, err)
		s.fail(ctx, err)
		return err
	}

	s.mu.Lock()
	if s.state == StateStopped {
		// Stopped while the subscription was being set up.
		s.mu.Unlock()
		if err := s.broker.Unsubscribe(ctx, q); err != nil {
			s.metrics.BrokerError(telemetry.OpUnsubscribe)
			s.log.Warn("unsubscribe after early stop failed", slog.Any("error", err))
		}
		return ErrStopped
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s.state = StateActive
	s.subscribed = true
	s.cancel = cancel
	s.metrics.SupervisorStarted(s.shard)
	s.wg.Add(2)
	s.mu.Unlock()

	s.record(ctx, StateActive, "")
	go s.consume(loopCtx, deliveries)
	go s.audit(loopCtx)
	return nil
}

// Stop cancels the subscription and moves to Stopped. Calling it again is a
// no-op. It is safe to call from a Sink.
func (s *Supervisor) Stop(ctx context.Context) error {
	return s.stop(ctx, domain.StopRequested, nil)
}

// ensureQueue declares and binds the queue exactly once. Callers arriving
// while the first round trip is in flight wait for its result.
func (s *Supervisor) ensureQueue(ctx context.Context) (Queue, error) {
	s.mu.Lock()
	switch s.bind {
	case bindDone:
		q, err := s.queue, s.bindErr
		s.mu.Unlock()
		return q, err
	case bindInProgress:
		ready := s.bindReady
		s.mu.Unlock()
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.queue, s.bindErr
	}
	s.bind = bindInProgress
	s.mu.Unlock()

	q, err := s.broker.DeclareAndBind(ctx, s.queueName, s.bindingKey, s.space.Exchange)
	if err != nil {
		s.metrics.BrokerError(telemetry.OpDeclareBind)
		err = fmt.Errorf("declare and bind %s: %w", s.queueName, err)
		q = nil
	}

	s.mu.Lock()
	s.queue, s.bindErr = q, err
	s.bind = bindDone
	close(s.bindReady)
	s.mu.Unlock()

	if err == nil {
		s.log.Info("queue bound",
			slog.String("binding_key", s.bindingKey),
			slog.String("exchange", s.space.Exchange),
		)
	}
	return q, err
}

func (s *Supervisor) consume(ctx context.Context, deliveries <-chan amqp091.Delivery) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case d, ok := <-deliveries:
			if !ok {
				if !s.IsStopped() {
					s.fail(context.WithoutCancel(ctx), ErrDeliveriesClosed)
				}
				return
			}
			// A delivery racing with Stop is left unacked; the broker requeues
			// it once Unsubscribe closes the shard's channel.
			if s.IsStopped() {
				return
			}
			s.handle(ctx, d)
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, d amqp091.Delivery) {
	receivedAt := s.clock.Now().UTC()
	s.log.Info("message received",
		slog.Int("bytes", len(d.Body)),
		slog.Time("received_at", receivedAt),
	)
	if err := d.Ack(false); err != nil {
		s.metrics.BrokerError(telemetry.OpAck)
		s.log.Warn("ack failed", slog.Uint64("delivery_tag", d.DeliveryTag), slog.Any("error", err))
	}
	s.metrics.MessageReceived(s.shard, len(d.Body))

	err := s.sink.Handle(ctx, domain.Received{
		Shard:       s.shard,
		Queue:       s.queueName,
		RoutingKey:  d.RoutingKey,
		DeliveryTag: d.DeliveryTag,
		Payload:     d.Body,
		ReceivedAt:  receivedAt,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("sink failed", slog.Uint64("delivery_tag", d.DeliveryTag), slog.Any("error", err))
	}
}

func (s *Supervisor) audit(ctx context.Context) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.Chan():
			if !s.auditOnce(ctx) {
				return
			}
		}
	}
}

// auditOnce runs one audit tick and reports whether auditing continues.
func (s *Supervisor) auditOnce(ctx context.Context) bool {
	q, err := s.ensureQueue(ctx)
	if err != nil {
		s.fail(context.WithoutCancel(ctx), err)
		return false
	}

	st, err := s.broker.Status(ctx, q)
	if s.State() != StateActive {
		s.metrics.AuditCompleted(telemetry.AuditStale)
		return false
	}
	if err != nil {
		s.metrics.AuditCompleted(telemetry.AuditError)
		s.metrics.BrokerError(telemetry.OpStatus)
		s.fail(context.WithoutCancel(ctx), fmt.Errorf("queue status %s: %w", s.queueName, err))
		return false
	}
	if st.Consumers > 1 {
		s.metrics.AuditCompleted(telemetry.AuditOverSubscribed)
		s.log.Warn("over-subscription detected",
			slog.Int("consumers", st.Consumers),
			slog.Int("messages", st.Messages),
		)
		_ = s.stop(context.WithoutCancel(ctx), domain.StopOverSubscribed, nil)
		return false
	}
	s.metrics.AuditCompleted(telemetry.AuditAlone)
	s.log.Debug("audit", slog.Int("consumers", st.Consumers), slog.Int("messages", st.Messages))
	return true
}

func (s *Supervisor) fail(ctx context.Context, err error) {
	s.log.Error("broker failure", slog.Any("error", err))
	_ = s.stop(ctx, domain.StopBrokerError, err)
}

func (s *Supervisor) stop(ctx context.Context, reason domain.StopReason, cause error) error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	wasActive := s.state == StateActive
	s.state = StateStopped
	s.reason = reason
	s.err = cause
	close(s.done)
	if s.cancel != nil {
		s.cancel()
	}
	subscribed, q := s.subscribed, s.queue
	s.subscribed = false
	if wasActive {
		s.metrics.SupervisorStopped(s.shard, reason)
	}
	s.mu.Unlock()

	var err error
	if subscribed {
		if uerr := s.broker.Unsubscribe(ctx, q); uerr != nil {
			s.metrics.BrokerError(telemetry.OpUnsubscribe)
			err = fmt.Errorf("unsubscribe %s: %w", s.queueName, uerr)
		}
	}

	attrs := []any{slog.String("reason", string(reason))}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	s.log.Info("supervisor stopped", attrs...)
	s.record(ctx, StateStopped, reason)
	return err
}

func (s *Supervisor) record(ctx context.Context, state State, reason domain.StopReason) {
	err := s.journal.Record(ctx, domain.Transition{
		Shard:  s.shard,
		NodeID: s.nodeID,
		State:  state.String(),
		Reason: reason,
		At:     s.clock.Now().UTC(),
	})
	if err != nil {
		s.log.Warn("journal record failed", slog.Any("error", err))
	}
}
