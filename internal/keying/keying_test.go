// Copyright 2025 James Ross
package keying

import (
	"strings"
	"testing"

	"github.com/flyingrobots/guardian/internal/guardianerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	require.NoError(t, Validate("tenant-42"))

	err := Validate("")
	require.Error(t, err)
	assert.ErrorIs(t, err, guardianerr.ErrInvalidKey)

	long := strings.Repeat("a", MaxKeyLen+1)
	err = Validate(long)
	require.Error(t, err)
	assert.ErrorIs(t, err, guardianerr.ErrInvalidKey)
}

func TestValidate_RejectsInvalidUTF8(t *testing.T) {
	err := Validate("tenant-\xff\xfe")
	require.Error(t, err)
	assert.ErrorIs(t, err, guardianerr.ErrInvalidKey)
}

func TestRoutingKeyStable(t *testing.T) {
	a := RoutingKey("rl", "tenant-1")
	b := RoutingKey("rl", "tenant-1")
	assert.Equal(t, a, b)

	c := RoutingKey("rl", "tenant-2")
	assert.NotEqual(t, a, c)
	assert.Contains(t, a, "tenant-1")
	assert.Contains(t, a, "{")
}

func TestShardDistribution(t *testing.T) {
	shards := map[int]int{}
	for i := 0; i < 1000; i++ {
		k := RoutingKey("rl", assertKey(i))
		s := Shard(k, 8)
		assert.True(t, s >= 0 && s < 8)
		shards[s]++
	}
	assert.Equal(t, 8, len(shards), "expected all shards to receive at least one key")
}

func assertKey(i int) string {
	return "key-" + string(rune('a'+i%26)) + string(rune(i))
}
