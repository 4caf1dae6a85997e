// Package shardspace names the shard queues and routing keys of a topic
// exchange. Supervisors use QueueName and BindingKey; ShardForKey and
// RoutingKey are for publishers routing into the same exchange.
package shardspace

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"

	"vnoded/internal/domain"
)

const (
	DefaultExchange   = "opscode-platform"
	DefaultShardCount = 1024

	queuePrefix = "vnode_"
)

var ErrInvalidShard = errors.New("shard outside shard space")

// Space is the process-wide shard configuration shared by every supervisor
// and by the publishers routing into the exchange.
type Space struct {
	Exchange   string
	ShardCount int
}

func Default() Space {
	return Space{Exchange: DefaultExchange, ShardCount: DefaultShardCount}
}

func (s Space) Validate() error {
	if s.Exchange == "" {
		return fmt.Errorf("shard space exchange is required")
	}
	if s.ShardCount < 1 {
		return fmt.Errorf("shard space shard_count must be >= 1")
	}
	return nil
}

func (s Space) Contains(n domain.ShardNumber) bool {
	return int64(n) < int64(s.ShardCount)
}

func (s Space) Check(n domain.ShardNumber) error {
	if !s.Contains(n) {
		return fmt.Errorf("%w: %d >= %d", ErrInvalidShard, n, s.ShardCount)
	}
	return nil
}

// QueueName is the broker queue consuming shard n. Other publishers and
// consumers depend on this exact format.
func QueueName(n domain.ShardNumber) string {
	return queuePrefix + strconv.FormatUint(uint64(n), 10)
}

// BindingKey matches any single-token first segment followed by the shard's
// queue name.
func BindingKey(n domain.ShardNumber) string {
	return "*." + QueueName(n)
}

// RoutingKey builds a publisher routing key that BindingKey(n) matches.
func RoutingKey(prefix string, n domain.ShardNumber) string {
	return prefix + "." + QueueName(n)
}

// ShardForKey hashes an identifier into the shard space.
func (s Space) ShardForKey(key string) domain.ShardNumber {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return domain.ShardNumber(h.Sum64() % uint64(s.ShardCount))
}

func (s Space) All() []domain.ShardNumber {
	out := make([]domain.ShardNumber, s.ShardCount)
	for i := range out {
		out[i] = domain.ShardNumber(i)
	}
	return out
}
