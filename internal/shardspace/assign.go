package shardspace

import (
	"encoding/binary"
	"sort"
	"strconv"

	"golang.org/x/crypto/blake2b"

	"vnoded/internal/domain"
)

// Assign returns the shards nodeID owns under rendezvous hashing over nodes.
// Every node computing Assign with the same inputs agrees on the owner of
// each shard, so a static peer list needs no coordination.
func (s Space) Assign(nodeID string, nodes []string, seed string) []domain.ShardNumber {
	if s.ShardCount < 1 || len(nodes) == 0 {
		return nil
	}

	peers := append([]string(nil), nodes...)
	sort.Strings(peers)

	owned := make([]domain.ShardNumber, 0, s.ShardCount/len(peers)+1)
	for shard := 0; shard < s.ShardCount; shard++ {
		key := []byte("shard:" + strconv.Itoa(shard))

		best := ""
		var bestScore uint64
		for _, n := range peers {
			score := hrwScore64(key, n, seed)
			if best == "" || score > bestScore {
				best = n
				bestScore = score
			}
		}
		if best == nodeID {
			owned = append(owned, domain.ShardNumber(shard))
		}
	}
	return owned
}

func hrwScore64(key []byte, nodeID string, seed string) uint64 {
	h, _ := blake2b.New(8, nil)
	if seed != "" {
		h.Write([]byte(seed))
		h.Write([]byte{0})
	}
	h.Write(key)
	h.Write([]byte{0})
	h.Write([]byte(nodeID))
	return binary.BigEndian.Uint64(h.Sum(nil))
}
