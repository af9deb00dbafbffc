// Copyright 2025 James Ross
// Package keying derives the coordinator-facing routing key from a
// caller-supplied fingerprint, so that a sharded coordinator always
// routes every operation on one logical key to a single shard.
package keying

import (
	"fmt"
	"unicode/utf8"

	xxhash "github.com/cespare/xxhash/v2"
	"github.com/flyingrobots/guardian/internal/guardianerr"
)

// MaxKeyLen is the largest fingerprint the engine accepts, per the
// external decision-operation contract (1-256 bytes, UTF-8).
const MaxKeyLen = 256

// Validate checks that key satisfies the external contract: non-empty,
// at most MaxKeyLen bytes, and valid UTF-8.
func Validate(key string) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: empty key", guardianerr.ErrInvalidKey)
	}
	if len(key) > MaxKeyLen {
		return fmt.Errorf("%w: key exceeds %d bytes", guardianerr.ErrInvalidKey, MaxKeyLen)
	}
	if !utf8.ValidString(key) {
		return fmt.Errorf("%w: key is not valid UTF-8", guardianerr.ErrInvalidKey)
	}
	return nil
}

// RoutingKey wraps a logical key in a Redis hash-tag so that a Redis
// Cluster coordinator always maps it to the same shard, regardless of
// any prefixing this backend or a future one adds around it. The tag is
// a stable hash of the key rather than the key itself, so two logical
// keys that happen to share a hash-tag substring don't collide on shard
// placement by accident.
func RoutingKey(prefix, key string) string {
	tag := xxhash.Sum64String(key)
	return fmt.Sprintf("%s{%016x}:%s", prefix, tag, key)
}

// Shard maps key to one of shardCount coordinator shards by a stable
// hash of key, so the same key always lands on the same shard. It
// returns 0 when shardCount is not positive.
func Shard(key string, shardCount int) int {
	if shardCount <= 0 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(shardCount))
}
