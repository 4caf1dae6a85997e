package vnode

import (
	"context"

	"github.com/rabbitmq/amqp091-go"
)

// Queue is a bound broker queue handle.
type Queue interface {
	Name() string
}

// QueueStatus is the broker's view of a queue.
type QueueStatus struct {
	Messages  int
	Consumers int
}

// Broker is the shard queue collaborator. Subscriptions always use manual
// acknowledgement.
type Broker interface {
	// DeclareAndBind declares the queue and binds it to exchange. Redeclaring
	// an existing queue with the same parameters is not an error.
	DeclareAndBind(ctx context.Context, name, bindingKey, exchange string) (Queue, error)
	Subscribe(ctx context.Context, q Queue) (<-chan amqp091.Delivery, error)
	Unsubscribe(ctx context.Context, q Queue) error
	Status(ctx context.Context, q Queue) (QueueStatus, error)
}
