package vnode

import (
	"context"
	"sync"

	"github.com/rabbitmq/amqp091-go"
)

type fakeQueue string

func (q fakeQueue) Name() string { return string(q) }

type bindCall struct {
	name, key, exchange string
}

// fakeBroker scripts broker behavior for one supervisor.
type fakeBroker struct {
	mu sync.Mutex

	binds        []bindCall
	subscribes   int
	unsubscribes int
	statusCalls  int

	bindGate   chan struct{}
	bindErr    error
	subErr     error
	statusGate chan struct{}
	statuses   []QueueStatus
	statusErr  error

	// statusEntered receives once per Status call before the gate is awaited.
	statusEntered chan struct{}

	deliveries chan amqp091.Delivery
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		deliveries:    make(chan amqp091.Delivery, 16),
		statusEntered: make(chan struct{}, 16),
	}
}

func (b *fakeBroker) DeclareAndBind(ctx context.Context, name, key, exchange string) (Queue, error) {
	b.mu.Lock()
	b.binds = append(b.binds, bindCall{name, key, exchange})
	gate := b.bindGate
	err := b.bindErr
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return fakeQueue(name), nil
}

func (b *fakeBroker) Subscribe(context.Context, Queue) (<-chan amqp091.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribes++
	if b.subErr != nil {
		return nil, b.subErr
	}
	return b.deliveries, nil
}

func (b *fakeBroker) Unsubscribe(context.Context, Queue) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribes++
	return nil
}

func (b *fakeBroker) Status(ctx context.Context, _ Queue) (QueueStatus, error) {
	b.mu.Lock()
	b.statusCalls++
	var st QueueStatus
	if len(b.statuses) > 0 {
		st = b.statuses[0]
		b.statuses = b.statuses[1:]
	}
	gate, err := b.statusGate, b.statusErr
	b.mu.Unlock()

	b.statusEntered <- struct{}{}
	if gate != nil {
		<-gate
	}
	return st, err
}

func (b *fakeBroker) counts() (binds, subscribes, unsubscribes, statusCalls int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.binds), b.subscribes, b.unsubscribes, b.statusCalls
}

type ackRecorder struct {
	mu   sync.Mutex
	acks []uint64
}

func (a *ackRecorder) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, tag)
	return nil
}

func (a *ackRecorder) Nack(tag uint64, multiple bool, requeue bool) error { return nil }
func (a *ackRecorder) Reject(tag uint64, requeue bool) error             { return nil }

func (a *ackRecorder) acked() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.acks...)
}
