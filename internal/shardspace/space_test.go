package shardspace

import (
	"math/rand"
	"strconv"
	"testing"
	"testing/quick"
	"time"

	"github.com/stretchr/testify/require"

	"vnoded/internal/domain"
)

func TestIdentifiersForKnownShards(t *testing.T) {
	cases := map[domain.ShardNumber][2]string{
		0:    {"vnode_0", "*.vnode_0"},
		42:   {"vnode_42", "*.vnode_42"},
		1023: {"vnode_1023", "*.vnode_1023"},
	}
	for n, want := range cases {
		require.Equal(t, want[0], QueueName(n))
		require.Equal(t, want[1], BindingKey(n))
	}
}

func TestIdentifiersProperty(t *testing.T) {
	cfg := &quick.Config{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
	err := quick.Check(func(n uint32) bool {
		s := domain.ShardNumber(n)
		return QueueName(s) == "vnode_"+strconv.FormatUint(uint64(n), 10) &&
			BindingKey(s) == "*."+QueueName(s) &&
			QueueName(s) == QueueName(domain.ShardNumber(n))
	}, cfg)
	require.NoError(t, err)
}

func TestRoutingKeyEndsWithQueueName(t *testing.T) {
	require.Equal(t, "chef.vnode_7", RoutingKey("chef", 7))
}

func TestValidate(t *testing.T) {
	require.NoError(t, Default().Validate())
	require.Error(t, Space{ShardCount: 10}.Validate())
	require.Error(t, Space{Exchange: "x"}.Validate())
}

func TestCheckRejectsShardOutsideSpace(t *testing.T) {
	s := Space{Exchange: "x", ShardCount: 4}
	require.NoError(t, s.Check(3))
	require.ErrorIs(t, s.Check(4), ErrInvalidShard)
}

func TestShardForKeyInRange(t *testing.T) {
	s := Space{Exchange: "x", ShardCount: 16}
	cfg := &quick.Config{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
	require.NoError(t, quick.Check(func(k string) bool {
		n := s.ShardForKey(k)
		return s.Contains(n) && n == s.ShardForKey(k)
	}, cfg))
}

func TestAssignPartitionsEveryShardExactlyOnce(t *testing.T) {
	s := Space{Exchange: "x", ShardCount: 64}
	nodes := []string{"node-c", "node-a", "node-b"}

	seen := make(map[domain.ShardNumber]string)
	for _, n := range nodes {
		for _, shard := range s.Assign(n, nodes, "seed") {
			prev, dup := seen[shard]
			require.Falsef(t, dup, "shard %d owned by %s and %s", shard, prev, n)
			seen[shard] = n
		}
	}
	require.Len(t, seen, s.ShardCount)
}

func TestAssignSingleNodeOwnsAll(t *testing.T) {
	s := Space{Exchange: "x", ShardCount: 8}
	require.Equal(t, s.All(), s.Assign("solo", []string{"solo"}, ""))
	require.Empty(t, s.Assign("stranger", []string{"solo"}, ""))
}
