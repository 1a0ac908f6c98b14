// Package bbolt provides a BBolt-backed storage.Store.
package bbolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/polar/storage"
)

var (
	bucketUsers       = []byte("users")
	bucketByEmail     = []byte("users_by_email")
	bucketByUsername  = []byte("users_by_username")
	bucketCredentials = []byte("credentials")

	allBuckets = [][]byte{bucketUsers, bucketByEmail, bucketByUsername, bucketCredentials}
)

// Store implements storage.Store backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Store = (*Store)(nil)

type userRecord struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	Username       string    `json:"username"`
	PassphraseHash string    `json:"passphrase_hash"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type credentialRecord struct {
	ID              []byte     `json:"id"`
	UserID          string     `json:"user_id"`
	PublicKey       []byte     `json:"public_key"`
	Counter         uint32     `json:"counter"`
	DeviceName      string     `json:"device_name"`
	Transports      []string   `json:"transports,omitempty"`
	AttestationType string     `json:"attestation_type,omitempty"`
	AAGUID          []byte     `json:"aaguid,omitempty"`
	Flags           uint8      `json:"flags"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// New returns a Store backed by db, creating the buckets it needs.
func New(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Open opens a BBolt database at path and returns a Store.
func Open(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateUser(ctx context.Context, u storage.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		byEmail := tx.Bucket(bucketByEmail)
		byUsername := tx.Bucket(bucketByUsername)
		if byEmail.Get([]byte(u.Email)) != nil {
			return storage.ErrEmailTaken
		}
		if byUsername.Get([]byte(u.Username)) != nil {
			return storage.ErrUsernameTaken
		}
		if err := putUser(tx, u); err != nil {
			return err
		}
		if err := byEmail.Put([]byte(u.Email), []byte(u.ID)); err != nil {
			return err
		}
		return byUsername.Put([]byte(u.Username), []byte(u.ID))
	})
}

func putUser(tx *bbolt.Tx, u storage.User) error {
	data, err := json.Marshal(userRecord(u))
	if err != nil {
		return err
	}
	return tx.Bucket(bucketUsers).Put([]byte(u.ID), data)
}

func getUser(tx *bbolt.Tx, id []byte) (storage.User, error) {
	data := tx.Bucket(bucketUsers).Get(id)
	if data == nil {
		return storage.User{}, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	var rec userRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return storage.User{}, err
	}
	return storage.User(rec), nil
}

func (s *Store) GetUser(ctx context.Context, id string) (storage.User, error) {
	if err := ctx.Err(); err != nil {
		return storage.User{}, err
	}
	var u storage.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		u, err = getUser(tx, []byte(id))
		return err
	})
	return u, err
}

func (s *Store) FindUserByIdentifier(ctx context.Context, identifier string) (storage.User, error) {
	if err := ctx.Err(); err != nil {
		return storage.User{}, err
	}
	var u storage.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketByEmail).Get([]byte(identifier))
		if id == nil {
			id = tx.Bucket(bucketByUsername).Get([]byte(identifier))
		}
		if id == nil {
			return storage.ErrNotFound
		}
		var err error
		u, err = getUser(tx, id)
		return err
	})
	return u, err
}

func (s *Store) FirstUser(ctx context.Context) (storage.User, error) {
	if err := ctx.Err(); err != nil {
		return storage.User{}, err
	}
	var first storage.User
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(_, v []byte) error {
			var rec userRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !found || rec.CreatedAt.Before(first.CreatedAt) {
				first, found = storage.User(rec), true
			}
			return nil
		})
	})
	if err != nil {
		return storage.User{}, err
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
	return s.db.Update(func(tx *bbolt.Tx) error {
		u, err := getUser(tx, []byte(id))
		if err != nil {
			return err
		}
		u.PassphraseHash = hash
		u.UpdatedAt = at
		return putUser(tx, u)
	})
}

func toRecord(c storage.Credential) credentialRecord {
	return credentialRecord{
		ID:              c.ID,
		UserID:          c.UserID,
		PublicKey:       c.PublicKey,
		Counter:         c.Counter,
		DeviceName:      c.DeviceName,
		Transports:      c.Transports,
		AttestationType: c.AttestationType,
		AAGUID:          c.AAGUID,
		Flags:           c.Flags.Bits(),
		LastUsedAt:      c.LastUsedAt,
		CreatedAt:       c.CreatedAt,
	}
}

func (r credentialRecord) credential() storage.Credential {
	return storage.Credential{
		ID:              r.ID,
		UserID:          r.UserID,
		PublicKey:       r.PublicKey,
		Counter:         r.Counter,
		DeviceName:      r.DeviceName,
		Transports:      r.Transports,
		AttestationType: r.AttestationType,
		AAGUID:          r.AAGUID,
		Flags:           storage.FlagsFromBits(r.Flags),
		LastUsedAt:      r.LastUsedAt,
		CreatedAt:       r.CreatedAt,
	}
}

func putCredential(b *bbolt.Bucket, c storage.Credential) error {
	data, err := json.Marshal(toRecord(c))
	if err != nil {
		return err
	}
	return b.Put(c.ID, data)
}

func getCredential(b *bbolt.Bucket, id []byte) (storage.Credential, error) {
	data := b.Get(id)
	if data == nil {
		return storage.Credential{}, storage.ErrNotFound
	}
	var rec credentialRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return storage.Credential{}, err
	}
	return rec.credential(), nil
}

func (s *Store) CreateCredential(ctx context.Context, c storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(c.ID) == 0 {
		return fmt.Errorf("credential id is required")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketUsers).Get([]byte(c.UserID)) == nil {
			return fmt.Errorf("user %s: %w", c.UserID, storage.ErrNotFound)
		}
		b := tx.Bucket(bucketCredentials)
		if b.Get(c.ID) != nil {
			return storage.ErrCredentialExists
		}
		return putCredential(b, c)
	})
}

func (s *Store) GetCredential(ctx context.Context, id []byte) (storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return storage.Credential{}, err
	}
	var c storage.Credential
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		c, err = getCredential(tx.Bucket(bucketCredentials), id)
		return err
	})
	return c, err
}

func (s *Store) ListCredentials(ctx context.Context, userID string) ([]storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []storage.Credential
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCredentials).ForEach(func(_, v []byte) error {
			var rec credentialRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.UserID == userID {
				out = append(out, rec.credential())
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b storage.Credential) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return bytes.Compare(a.ID, b.ID)
	})
	return out, nil
}

// UpdateCredentialUsage runs inside a single write transaction, so
// concurrent callers serialize on the database lock.
func (s *Store) UpdateCredentialUsage(ctx context.Context, id []byte, counter uint32, usedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		c, err := getCredential(b, id)
		if err != nil {
			return err
		}
		if !storage.CounterAdvances(c.Counter, counter) {
			return fmt.Errorf("stored %d, presented %d: %w", c.Counter, counter, storage.ErrCounterRegression)
		}
		c.Counter = counter
		c.LastUsedAt = &usedAt
		return putCredential(b, c)
	})
}

func (s *Store) DeleteCredential(ctx context.Context, userID string, id []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		c, err := getCredential(b, id)
		if err != nil {
			return err
		}
		if c.UserID != userID {
			return storage.ErrNotFound
		}
		return b.Delete(id)
	})
}

func (s *Store) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if err := tx.DeleteBucket(name); err != nil && err != bbolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}
