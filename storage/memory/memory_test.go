package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/polar/storage"
	"github.com/jmcleod/polar/storage/storagetest"
)

func TestMemoryStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return New()
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := New()
	u := storagetest.User(1)
	require.NoError(t, s.CreateUser(t.Context(), u))
	c := storagetest.Credential(u.ID, "cred", 0)
	require.NoError(t, s.CreateCredential(t.Context(), c))

	got, err := s.GetCredential(t.Context(), c.ID)
	require.NoError(t, err)
	got.PublicKey[0] = 'X'
	got.Transports[0] = "mutated"

	again, err := s.GetCredential(t.Context(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.PublicKey, again.PublicKey)
	assert.Equal(t, c.Transports, again.Transports)
}

func TestMemoryStore_HonoursCancelledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := s.GetUser(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}
