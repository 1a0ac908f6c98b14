// Package sqlite implements storage.Store over SQLite using the pure-Go
// modernc.org/sqlite driver. Timestamps are stored as unix milliseconds.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jmcleod/polar/storage"
)

//go:embed schema.sql
var schemaSQL string

// Store implements storage.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// New wraps an open database handle. The schema is not touched; call
// EnsureSchema or use Open.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens (creating if needed) the SQLite file at path and applies the
// schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite allows one writer; a single connection keeps writes ordered.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	s := New(db)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return s, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error, column string) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, column)
}

func isForeignKeyViolation(err error) bool {
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

const userColumns = `id, email, username, passphrase_hash, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (storage.User, error) {
	var u storage.User
	var created, updated int64
	if err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PassphraseHash, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.User{}, storage.ErrNotFound
		}
		return storage.User{}, err
	}
	u.CreatedAt = fromMillis(created)
	u.UpdatedAt = fromMillis(updated)
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, u storage.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Username, u.PassphraseHash, toMillis(u.CreatedAt), toMillis(u.UpdatedAt))
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err, "users.email"):
		return storage.ErrEmailTaken
	case isUniqueViolation(err, "users.username"):
		return storage.ErrUsernameTaken
	default:
		return fmt.Errorf("insert user: %w", err)
	}
}

func (s *Store) GetUser(ctx context.Context, id string) (storage.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, err
}

func (s *Store) FindUserByIdentifier(ctx context.Context, identifier string) (storage.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ?1 OR username = ?1
		 ORDER BY CASE WHEN email = ?1 THEN 0 ELSE 1 END LIMIT 1`, identifier)
	u, err := scanUser(row)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.User{}, fmt.Errorf("find user: %w", err)
	}
	return u, err
}

func (s *Store) FirstUser(ctx context.Context) (storage.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, id LIMIT 1`)
	u, err := scanUser(row)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.User{}, fmt.Errorf("first user: %w", err)
	}
	return u, err
}

func (s *Store) UpdateUserPassphrase(ctx context.Context, id, hash string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET passphrase_hash = ?, updated_at = ? WHERE id = ?`, hash, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("update passphrase: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Credentials
// ---------------------------------------------------------------------------

const credentialColumns = `id, user_id, public_key, counter, device_name, transports,
	attestation_type, aaguid, flags, last_used_at, created_at`

func scanCredential(row rowScanner) (storage.Credential, error) {
	var (
		c          storage.Credential
		transports string
		flags      int64
		counter    int64
		lastUsed   sql.NullInt64
		created    int64
	)
	err := row.Scan(&c.ID, &c.UserID, &c.PublicKey, &counter, &c.DeviceName, &transports,
		&c.AttestationType, &c.AAGUID, &flags, &lastUsed, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Credential{}, storage.ErrNotFound
		}
		return storage.Credential{}, err
	}
	c.Counter = uint32(counter)
	c.Transports = storage.SplitTransports(transports)
	c.Flags = storage.FlagsFromBits(uint8(flags))
	if lastUsed.Valid {
		t := fromMillis(lastUsed.Int64)
		c.LastUsedAt = &t
	}
	c.CreatedAt = fromMillis(created)
	return c, nil
}

func (s *Store) CreateCredential(ctx context.Context, c storage.Credential) error {
	if len(c.ID) == 0 {
		return fmt.Errorf("credential id is required")
	}
	var lastUsed sql.NullInt64
	if c.LastUsedAt != nil {
		lastUsed = sql.NullInt64{Int64: toMillis(*c.LastUsedAt), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (`+credentialColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.PublicKey, int64(c.Counter), c.DeviceName, storage.JoinTransports(c.Transports),
		c.AttestationType, c.AAGUID, int64(c.Flags.Bits()), lastUsed, toMillis(c.CreatedAt))
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err, "credentials.id"):
		return storage.ErrCredentialExists
	case isForeignKeyViolation(err):
		return fmt.Errorf("user %s: %w", c.UserID, storage.ErrNotFound)
	default:
		return fmt.Errorf("insert credential: %w", err)
	}
}

func (s *Store) GetCredential(ctx context.Context, id []byte) (storage.Credential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	c, err := scanCredential(row)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.Credential{}, fmt.Errorf("get credential: %w", err)
	}
	return c, err
}

func (s *Store) ListCredentials(ctx context.Context, userID string) ([]storage.Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE user_id = ? ORDER BY created_at, id`, userID)
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

// UpdateCredentialUsage is a single conditional UPDATE, so the counter check
// and write are atomic.
func (s *Store) UpdateCredentialUsage(ctx context.Context, id []byte, counter uint32, usedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET counter = ?1, last_used_at = ?2
		 WHERE id = ?3 AND (counter < ?1 OR (counter = 0 AND ?1 = 0))`,
		int64(counter), toMillis(usedAt), id)
	if err != nil {
		return fmt.Errorf("update credential usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM credentials WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update credential usage: %w", err)
	}
	return fmt.Errorf("presented %d: %w", counter, storage.ErrCounterRegression)
}

func (s *Store) DeleteCredential(ctx context.Context, userID string, id []byte) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range []string{`DELETE FROM credentials`, `DELETE FROM users`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	return tx.Commit()
}
