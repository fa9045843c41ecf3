package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	sess := newSession(&fakeServerConn{}, "test")

	displaced := r.Register("u1", sess)
	assert.Nil(t, displaced)

	got, ok := r.Get("u1")
	require.True(t, ok)
	assert.Same(t, sess, got)
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_LastWriterWins(t *testing.T) {
	r := NewRegistry()
	first := newSession(&fakeServerConn{}, "a")
	second := newSession(&fakeServerConn{}, "b")

	require.Nil(t, r.Register("u1", first))

	displaced := r.Register("u1", second)
	assert.Same(t, first, displaced)

	got, ok := r.Get("u1")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_ReregisterSameSession(t *testing.T) {
	r := NewRegistry()
	sess := newSession(&fakeServerConn{}, "test")

	require.Nil(t, r.Register("u1", sess))
	assert.Nil(t, r.Register("u1", sess))
}

func TestRegistry_UnregisterOnlyByOwner(t *testing.T) {
	r := NewRegistry()
	first := newSession(&fakeServerConn{}, "a")
	second := newSession(&fakeServerConn{}, "b")

	r.Register("u1", first)
	r.Register("u1", second)

	// The displaced connection's teardown must not evict its replacement.
	assert.False(t, r.Unregister("u1", first))

	got, ok := r.Get("u1")
	require.True(t, ok)
	assert.Same(t, second, got)

	assert.True(t, r.Unregister("u1", second))
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_GetUnknownUser(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Get("nobody")
	assert.False(t, ok)
}
