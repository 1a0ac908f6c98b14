package bbolt

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/polar/storage"
	"github.com/jmcleod/polar/storage/storagetest"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("could not open db: %v", err)
	}
	return s
}

func TestBBoltStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return openTestStore(t, filepath.Join(t.TempDir(), "polar.db"))
	})
}

func TestBBoltStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "polar.db")

	s := openTestStore(t, path)
	u := storagetest.User(1)
	require.NoError(t, s.CreateUser(t.Context(), u))
	require.NoError(t, s.CreateCredential(t.Context(), storagetest.Credential(u.ID, "cred", 4)))
	require.NoError(t, s.Close())

	s = openTestStore(t, path)
	defer s.Close()

	got, err := s.FindUserByIdentifier(t.Context(), u.Username)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	c, err := s.GetCredential(t.Context(), []byte("cred"))
	require.NoError(t, err)
	assert.Equal(t, uint32(4), c.Counter)
	assert.True(t, c.Flags.BackupEligible)
}

func TestBBoltStore_OpenInvalidPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "dir", "polar.db"), nil)
	assert.Error(t, err)
}
