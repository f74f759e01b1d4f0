package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerIdempotencyStore(t *testing.T) {
	s, err := NewBadgerIdempotencyStore(InMemoryBadgerConfig())
	require.NoError(t, err)
	defer s.Close()

	seen, err := s.Seen("req-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.MarkSeen("req-1"))

	seen, err = s.Seen("req-1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = s.Seen("req-2")
	require.NoError(t, err)
	assert.False(t, seen, "keys must not bleed into each other")
}

func TestBadgerIdempotencyStoreMarkSeenIdempotent(t *testing.T) {
	s, err := NewBadgerIdempotencyStore(InMemoryBadgerConfig())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.MarkSeen("req-1"))
	require.NoError(t, s.MarkSeen("req-1"))

	seen, err := s.Seen("req-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestNewBadgerIdempotencyStoreValidation(t *testing.T) {
	_, err := NewBadgerIdempotencyStore(BadgerConfig{TTL: 0, InMemory: true})
	assert.Error(t, err)

	_, err = NewBadgerIdempotencyStore(BadgerConfig{TTL: 1})
	assert.Error(t, err, "persistent store requires a path")
}

func TestMemoryIdempotencyStore(t *testing.T) {
	s := NewMemoryIdempotencyStore()

	seen, err := s.Seen("k")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.MarkSeen("k"))
	seen, err = s.Seen("k")
	require.NoError(t, err)
	assert.True(t, seen)

	assert.NoError(t, s.Close())
}
