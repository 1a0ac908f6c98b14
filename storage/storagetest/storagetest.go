// Package storagetest holds the conformance suite every storage.Store
// backend runs from its own tests.
package storagetest

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/polar/storage"
)

// Factory returns an empty store. Run closes it when the subtest ends.
type Factory func(t *testing.T) storage.Store

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// User returns a user fixture with unique fields derived from n.
func User(n int) storage.User {
	return storage.User{
		ID:             fmt.Sprintf("00000000-0000-4000-8000-%012d", n),
		Email:          fmt.Sprintf("user%d@example.com", n),
		Username:       fmt.Sprintf("user%d", n),
		PassphraseHash: "$argon2id$fixture",
		CreatedAt:      epoch.Add(time.Duration(n) * time.Minute),
		UpdatedAt:      epoch.Add(time.Duration(n) * time.Minute),
	}
}

// Credential returns a credential fixture owned by userID.
func Credential(userID string, id string, counter uint32) storage.Credential {
	return storage.Credential{
		ID:              []byte(id),
		UserID:          userID,
		PublicKey:       []byte("pk-" + id),
		Counter:         counter,
		DeviceName:      "Laptop " + id,
		Transports:      []string{"internal", "hybrid"},
		AttestationType: "none",
		AAGUID:          make([]byte, 16),
		Flags:           storage.CredentialFlags{UserPresent: true, BackupEligible: true},
		CreatedAt:       epoch,
	}
}

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	fresh := func(t *testing.T) storage.Store {
		s := newStore(t)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	t.Run("CreateAndGetUser", func(t *testing.T) {
		s := fresh(t)
		u := User(1)
		require.NoError(t, s.CreateUser(t.Context(), u))

		got, err := s.GetUser(t.Context(), u.ID)
		require.NoError(t, err)
		assertUserEqual(t, u, got)
	})

	t.Run("GetUserMissing", func(t *testing.T) {
		s := fresh(t)
		_, err := s.GetUser(t.Context(), "nobody")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("DuplicateEmail", func(t *testing.T) {
		s := fresh(t)
		require.NoError(t, s.CreateUser(t.Context(), User(1)))

		dup := User(2)
		dup.Email = User(1).Email
		assert.ErrorIs(t, s.CreateUser(t.Context(), dup), storage.ErrEmailTaken)
	})

	t.Run("DuplicateUsername", func(t *testing.T) {
		s := fresh(t)
		require.NoError(t, s.CreateUser(t.Context(), User(1)))

		dup := User(2)
		dup.Username = User(1).Username
		assert.ErrorIs(t, s.CreateUser(t.Context(), dup), storage.ErrUsernameTaken)
	})

	t.Run("FindUserByIdentifier", func(t *testing.T) {
		s := fresh(t)
		u := User(1)
		require.NoError(t, s.CreateUser(t.Context(), u))

		byEmail, err := s.FindUserByIdentifier(t.Context(), u.Email)
		require.NoError(t, err)
		assert.Equal(t, u.ID, byEmail.ID)

		byName, err := s.FindUserByIdentifier(t.Context(), u.Username)
		require.NoError(t, err)
		assert.Equal(t, u.ID, byName.ID)

		_, err = s.FindUserByIdentifier(t.Context(), "ghost")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("FirstUser", func(t *testing.T) {
		s := fresh(t)
		_, err := s.FirstUser(t.Context())
		assert.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, s.CreateUser(t.Context(), User(3)))
		require.NoError(t, s.CreateUser(t.Context(), User(2)))

		first, err := s.FirstUser(t.Context())
		require.NoError(t, err)
		assert.Equal(t, User(2).ID, first.ID)
	})

	t.Run("UpdateUserPassphrase", func(t *testing.T) {
		s := fresh(t)
		u := User(1)
		require.NoError(t, s.CreateUser(t.Context(), u))

		at := epoch.Add(time.Hour)
		require.NoError(t, s.UpdateUserPassphrase(t.Context(), u.ID, "$argon2id$new", at))

		got, err := s.GetUser(t.Context(), u.ID)
		require.NoError(t, err)
		assert.Equal(t, "$argon2id$new", got.PassphraseHash)
		assert.True(t, at.Equal(got.UpdatedAt))

		err = s.UpdateUserPassphrase(t.Context(), "nobody", "x", at)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("CreateAndGetCredential", func(t *testing.T) {
		s := fresh(t)
		u := User(1)
		require.NoError(t, s.CreateUser(t.Context(), u))

		c := Credential(u.ID, "cred-a", 7)
		require.NoError(t, s.CreateCredential(t.Context(), c))

		got, err := s.GetCredential(t.Context(), c.ID)
		require.NoError(t, err)
		assertCredentialEqual(t, c, got)
		assert.Nil(t, got.LastUsedAt)
	})

	t.Run("CreateCredentialDuplicate", func(t *testing.T) {
		s := fresh(t)
		u := User(1)
		require.NoError(t, s.CreateUser(t.Context(), u))
		require.NoError(t, s.CreateCredential(t.Context(), Credential(u.ID, "cred-a", 0)))

		err := s.CreateCredential(t.Context(), Credential(u.ID, "cred-a", 0))
		assert.ErrorIs(t, err, storage.ErrCredentialExists)
	})

	t.Run("CreateCredentialUnknownUser", func(t *testing.T) {
		s := fresh(t)
		err := s.CreateCredential(t.Context(), Credential("nobody", "cred-a", 0))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("GetCredentialMissing", func(t *testing.T) {
		s := fresh(t)
		_, err := s.GetCredential(t.Context(), []byte("missing"))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListCredentials", func(t *testing.T) {
		s := fresh(t)
		alice, bob := User(1), User(2)
		require.NoError(t, s.CreateUser(t.Context(), alice))
		require.NoError(t, s.CreateUser(t.Context(), bob))

		second := Credential(alice.ID, "a-2", 0)
		second.CreatedAt = epoch.Add(time.Minute)
		require.NoError(t, s.CreateCredential(t.Context(), second))
		require.NoError(t, s.CreateCredential(t.Context(), Credential(alice.ID, "a-1", 0)))
		require.NoError(t, s.CreateCredential(t.Context(), Credential(bob.ID, "b-1", 0)))

		creds, err := s.ListCredentials(t.Context(), alice.ID)
		require.NoError(t, err)
		require.Len(t, creds, 2)
		assert.Equal(t, []byte("a-1"), creds[0].ID)
		assert.Equal(t, []byte("a-2"), creds[1].ID)

		none, err := s.ListCredentials(t.Context(), "nobody")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("UpdateCredentialUsage", func(t *testing.T) {
		s := fresh(t)
		u := User(1)
		require.NoError(t, s.CreateUser(t.Context(), u))
		c := Credential(u.ID, "cred-a", 5)
		require.NoError(t, s.CreateCredential(t.Context(), c))

		used := epoch.Add(2 * time.Hour)
		require.NoError(t, s.UpdateCredentialUsage(t.Context(), c.ID, 6, used))

		got, err := s.GetCredential(t.Context(), c.ID)
		require.NoError(t, err)
		assert.Equal(t, uint32(6), got.Counter)
		require.NotNil(t, got.LastUsedAt)
		assert.True(t, used.Equal(*got.LastUsedAt))

		assert.ErrorIs(t, s.UpdateCredentialUsage(t.Context(), c.ID, 6, used), storage.ErrCounterRegression, "equal counter")
		assert.ErrorIs(t, s.UpdateCredentialUsage(t.Context(), c.ID, 3, used), storage.ErrCounterRegression, "lower counter")
		assert.ErrorIs(t, s.UpdateCredentialUsage(t.Context(), []byte("missing"), 9, used), storage.ErrNotFound)

		got, err = s.GetCredential(t.Context(), c.ID)
		require.NoError(t, err)
		assert.Equal(t, uint32(6), got.Counter, "rejected updates leave the counter alone")
	})

	t.Run("UpdateCredentialUsageZeroCounter", func(t *testing.T) {
		s := fresh(t)
		u := User(1)
		require.NoError(t, s.CreateUser(t.Context(), u))
		c := Credential(u.ID, "cred-a", 0)
		require.NoError(t, s.CreateCredential(t.Context(), c))

		require.NoError(t, s.UpdateCredentialUsage(t.Context(), c.ID, 0, epoch))
		require.NoError(t, s.UpdateCredentialUsage(t.Context(), c.ID, 0, epoch.Add(time.Second)))
		require.NoError(t, s.UpdateCredentialUsage(t.Context(), c.ID, 1, epoch.Add(2*time.Second)))
		assert.ErrorIs(t, s.UpdateCredentialUsage(t.Context(), c.ID, 0, epoch), storage.ErrCounterRegression)
	})

	t.Run("ConcurrentCounterUpdates", func(t *testing.T) {
		s := fresh(t)
		u := User(1)
		require.NoError(t, s.CreateUser(t.Context(), u))
		c := Credential(u.ID, "cred-a", 0)
		require.NoError(t, s.CreateCredential(t.Context(), c))

		const n = 20
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 1; i <= n; i++ {
			wg.Add(1)
			go func(counter uint32) {
				defer wg.Done()
				errs <- s.UpdateCredentialUsage(t.Context(), c.ID, counter, epoch)
			}(uint32(i))
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			if err != nil && !errors.Is(err, storage.ErrCounterRegression) {
				t.Errorf("unexpected error: %v", err)
			}
		}

		got, err := s.GetCredential(t.Context(), c.ID)
		require.NoError(t, err)
		assert.Equal(t, uint32(n), got.Counter)
	})

	t.Run("DeleteCredential", func(t *testing.T) {
		s := fresh(t)
		alice, bob := User(1), User(2)
		require.NoError(t, s.CreateUser(t.Context(), alice))
		require.NoError(t, s.CreateUser(t.Context(), bob))
		c := Credential(alice.ID, "cred-a", 0)
		require.NoError(t, s.CreateCredential(t.Context(), c))

		assert.ErrorIs(t, s.DeleteCredential(t.Context(), bob.ID, c.ID), storage.ErrNotFound, "other user's credential")
		require.NoError(t, s.DeleteCredential(t.Context(), alice.ID, c.ID))

		_, err := s.GetCredential(t.Context(), c.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, s.DeleteCredential(t.Context(), alice.ID, c.ID), storage.ErrNotFound)
	})

	t.Run("Reset", func(t *testing.T) {
		s := fresh(t)
		u := User(1)
		require.NoError(t, s.CreateUser(t.Context(), u))
		require.NoError(t, s.CreateCredential(t.Context(), Credential(u.ID, "cred-a", 0)))

		require.NoError(t, s.Reset(t.Context()))

		_, err := s.GetUser(t.Context(), u.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.GetCredential(t.Context(), []byte("cred-a"))
		assert.ErrorIs(t, err, storage.ErrNotFound)

		// The store stays usable after a reset.
		require.NoError(t, s.CreateUser(t.Context(), u))
	})
}

func assertUserEqual(t *testing.T, want, got storage.User) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Email, got.Email)
	assert.Equal(t, want.Username, got.Username)
	assert.Equal(t, want.PassphraseHash, got.PassphraseHash)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at %v != %v", want.CreatedAt, got.CreatedAt)
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt), "updated_at %v != %v", want.UpdatedAt, got.UpdatedAt)
}

func assertCredentialEqual(t *testing.T, want, got storage.Credential) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.UserID, got.UserID)
	assert.Equal(t, want.PublicKey, got.PublicKey)
	assert.Equal(t, want.Counter, got.Counter)
	assert.Equal(t, want.DeviceName, got.DeviceName)
	assert.Equal(t, want.Transports, got.Transports)
	assert.Equal(t, want.AttestationType, got.AttestationType)
	assert.Equal(t, want.AAGUID, got.AAGUID)
	assert.Equal(t, want.Flags, got.Flags)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at %v != %v", want.CreatedAt, got.CreatedAt)
}
