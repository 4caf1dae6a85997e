package domain

import "time"

// ShardNumber identifies one vnode in the shard space.
type ShardNumber uint32

type Received struct {
	Shard       ShardNumber
	Queue       string
	RoutingKey  string
	DeliveryTag uint64
	Payload     []byte
	ReceivedAt  time.Time
}

// StopReason records why a supervisor left the active state.
type StopReason string

const (
	StopRequested      StopReason = "requested"
	StopOverSubscribed StopReason = "over_subscribed"
	StopBrokerError    StopReason = "broker_error"
)

type Transition struct {
	Shard  ShardNumber
	NodeID string
	State  string
	Reason StopReason
	At     time.Time
}
