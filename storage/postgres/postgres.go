// Package postgres implements storage.Store backed by PostgreSQL.
//
// Credential ids are stored as BYTEA primary keys. Counter updates are a
// single conditional UPDATE, which PostgreSQL serializes per row.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/polar/storage"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// New returns a Store backed by the given pgx connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open creates a connection pool from a DSN string, ensures the schema
// exists, and returns a new Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return New(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func pgErrorCode(err error) (code, constraint string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	return "", ""
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

const userColumns = `id, email, username, passphrase_hash, created_at, updated_at`

func scanUser(row pgx.Row) (storage.User, error) {
	var u storage.User
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PassphraseHash, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.User{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.User{}, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, u storage.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Email, u.Username, u.PassphraseHash, u.CreatedAt, u.UpdatedAt)
	if err == nil {
		return nil
	}
	code, constraint := pgErrorCode(err)
	if code == codeUniqueViolation {
		switch constraint {
		case "users_email_key":
			return storage.ErrEmailTaken
		case "users_username_key":
			return storage.ErrUsernameTaken
		}
	}
	return fmt.Errorf("insert user: %w", err)
}

func (s *Store) GetUser(ctx context.Context, id string) (storage.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *Store) FindUserByIdentifier(ctx context.Context, identifier string) (storage.User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1 OR username = $1
		 ORDER BY (email = $1) DESC LIMIT 1`, identifier))
}

func (s *Store) FirstUser(ctx context.Context) (storage.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, id LIMIT 1`))
}

func (s *Store) UpdateUserPassphrase(ctx context.Context, id, hash string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET passphrase_hash = $1, updated_at = $2 WHERE id = $3`, hash, at, id)
	if err != nil {
		return fmt.Errorf("update passphrase: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Credentials
// ---------------------------------------------------------------------------

const credentialColumns = `id, user_id, public_key, counter, device_name, transports,
	attestation_type, aaguid, flags, last_used_at, created_at`

func scanCredential(row pgx.Row) (storage.Credential, error) {
	var (
		c        storage.Credential
		counter  int64
		flags    int16
		lastUsed *time.Time
	)
	err := row.Scan(&c.ID, &c.UserID, &c.PublicKey, &counter, &c.DeviceName, &c.Transports,
		&c.AttestationType, &c.AAGUID, &flags, &lastUsed, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Credential{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Credential{}, err
	}
	c.Counter = uint32(counter)
	c.Flags = storage.FlagsFromBits(uint8(flags))
	if len(c.Transports) == 0 {
		c.Transports = nil
	}
	if lastUsed != nil {
		t := lastUsed.UTC()
		c.LastUsedAt = &t
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func (s *Store) CreateCredential(ctx context.Context, c storage.Credential) error {
	if len(c.ID) == 0 {
		return fmt.Errorf("credential id is required")
	}
	transports := c.Transports
	if transports == nil {
		transports = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO credentials (`+credentialColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.UserID, c.PublicKey, int64(c.Counter), c.DeviceName, transports,
		c.AttestationType, c.AAGUID, int16(c.Flags.Bits()), c.LastUsedAt, c.CreatedAt)
	if err == nil {
		return nil
	}
	switch code, _ := pgErrorCode(err); code {
	case codeUniqueViolation:
		return storage.ErrCredentialExists
	case codeForeignKeyViolation:
		return fmt.Errorf("user %s: %w", c.UserID, storage.ErrNotFound)
	}
	return fmt.Errorf("insert credential: %w", err)
}

func (s *Store) GetCredential(ctx context.Context, id []byte) (storage.Credential, error) {
	return scanCredential(s.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE id = $1`, id))
}

func (s *Store) ListCredentials(ctx context.Context, userID string) ([]storage.Credential, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []storage.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateCredentialUsage(ctx context.Context, id []byte, counter uint32, usedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE credentials SET counter = $1, last_used_at = $2
		 WHERE id = $3 AND (counter < $1 OR (counter = 0 AND $1 = 0))`,
		int64(counter), usedAt, id)
	if err != nil {
		return fmt.Errorf("update credential usage: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM credentials WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("update credential usage: %w", err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return fmt.Errorf("presented %d: %w", counter, storage.ErrCounterRegression)
}

func (s *Store) DeleteCredential(ctx context.Context, userID string, id []byte) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM credentials WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE credentials, users`)
	return err
}
