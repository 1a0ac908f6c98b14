// Package memory provides a thread-safe in-memory implementation of storage.Store.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/polar/internal/util"
	"github.com/jmcleod/polar/storage"
)

// Store is a thread-safe in-memory implementation of storage.Store.
// Suitable for testing, demos, and single-process use cases.
type Store struct {
	mu          sync.RWMutex
	users       map[string]storage.User
	byEmail     map[string]string
	byUsername  map[string]string
	credentials map[string]storage.Credential
}

var _ storage.Store = (*Store)(nil)

// New creates a new empty Store.
func New() *Store {
	s := &Store{}
	s.resetLocked()
	return s
}

func (s *Store) resetLocked() {
	s.users = make(map[string]storage.User)
	s.byEmail = make(map[string]string)
	s.byUsername = make(map[string]string)
	s.credentials = make(map[string]storage.Credential)
}

func cloneCredential(c storage.Credential) storage.Credential {
	out := c
	out.ID = util.CopyBytes(c.ID)
	out.PublicKey = util.CopyBytes(c.PublicKey)
	out.AAGUID = util.CopyBytes(c.AAGUID)
	out.Transports = slices.Clone(c.Transports)
	if c.LastUsedAt != nil {
		t := *c.LastUsedAt
		out.LastUsedAt = &t
	}
	return out
}

func (s *Store) CreateUser(ctx context.Context, u storage.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEmail[u.Email]; ok {
		return storage.ErrEmailTaken
	}
	if _, ok := s.byUsername[u.Username]; ok {
		return storage.ErrUsernameTaken
	}
	s.users[u.ID] = u
	s.byEmail[u.Email] = u.ID
	s.byUsername[u.Username] = u.ID
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (storage.User, error) {
	if err := ctx.Err(); err != nil {
		return storage.User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return storage.User{}, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	return u, nil
}

func (s *Store) FindUserByIdentifier(ctx context.Context, identifier string) (storage.User, error) {
	if err := ctx.Err(); err != nil {
		return storage.User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.byEmail[identifier]; ok {
		return s.users[id], nil
	}
	if id, ok := s.byUsername[identifier]; ok {
		return s.users[id], nil
	}
	return storage.User{}, storage.ErrNotFound
}

func (s *Store) FirstUser(ctx context.Context) (storage.User, error) {
	if err := ctx.Err(); err != nil {
		return storage.User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var first storage.User
	found := false
	for _, u := range s.users {
		if !found || u.CreatedAt.Before(first.CreatedAt) {
			first, found = u, true
		}
	}
	if !found {
		return storage.User{}, storage.ErrNotFound
	}
	return first, nil
}

func (s *Store) UpdateUserPassphrase(ctx context.Context, id, hash string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	u.PassphraseHash = hash
	u.UpdatedAt = at
	s.users[id] = u
	return nil
}

func (s *Store) CreateCredential(ctx context.Context, c storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[c.UserID]; !ok {
		return fmt.Errorf("user %s: %w", c.UserID, storage.ErrNotFound)
	}
	key := string(c.ID)
	if _, ok := s.credentials[key]; ok {
		return storage.ErrCredentialExists
	}
	s.credentials[key] = cloneCredential(c)
	return nil
}

func (s *Store) GetCredential(ctx context.Context, id []byte) (storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return storage.Credential{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.credentials[string(id)]
	if !ok {
		return storage.Credential{}, storage.ErrNotFound
	}
	return cloneCredential(c), nil
}

func (s *Store) ListCredentials(ctx context.Context, userID string) ([]storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []storage.Credential
	for _, c := range s.credentials {
		if c.UserID == userID {
			out = append(out, cloneCredential(c))
		}
	}
	slices.SortFunc(out, func(a, b storage.Credential) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return out, nil
}

func (s *Store) UpdateCredentialUsage(ctx context.Context, id []byte, counter uint32, usedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[string(id)]
	if !ok {
		return storage.ErrNotFound
	}
	if !storage.CounterAdvances(c.Counter, counter) {
		return fmt.Errorf("stored %d, presented %d: %w", c.Counter, counter, storage.ErrCounterRegression)
	}
	c.Counter = counter
	c.LastUsedAt = &usedAt
	s.credentials[string(id)] = c
	return nil
}

func (s *Store) DeleteCredential(ctx context.Context, userID string, id []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[string(id)]
	if !ok || c.UserID != userID {
		return storage.ErrNotFound
	}
	delete(s.credentials, string(id))
	return nil
}

func (s *Store) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
