package authstore

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrNoToken is returned by Verify when no admin token has been bootstrapped yet.
var ErrNoToken = errors.New("authstore: no admin token configured")

// Store persists the argon2id hash of the control-plane's bootstrap bearer
// token. There is exactly one row: the daemon has a single admin credential,
// not a user table, since the control API has one operator, not many.
type Store struct {
	db *sql.DB
}

// New wraps a database handle for admin-token storage.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Bootstrap ensures a token hash exists, creating a fresh random token and
// storing its hash if none is present yet. It returns the plaintext token
// only when one was just generated; on subsequent calls it returns "" since
// the plaintext is never retrievable once hashed.
func (s *Store) Bootstrap(ctx context.Context) (token string, generated bool, err error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM admin_token WHERE id = 1`).Scan(&count); err != nil {
		return "", false, fmt.Errorf("checking admin token: %w", err)
	}
	if count > 0 {
		return "", false, nil
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", false, fmt.Errorf("generating admin token: %w", err)
	}
	token = hex.EncodeToString(raw)

	hash, err := HashToken(token)
	if err != nil {
		return "", false, fmt.Errorf("hashing admin token: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO admin_token (id, token_hash) VALUES (1, ?)`, hash)
	if err != nil {
		return "", false, fmt.Errorf("storing admin token: %w", err)
	}

	return token, true, nil
}

// Verify reports whether the given plaintext token matches the stored hash.
func (s *Store) Verify(ctx context.Context, token string) (bool, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT token_hash FROM admin_token WHERE id = 1`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNoToken
	}
	if err != nil {
		return false, fmt.Errorf("loading admin token: %w", err)
	}
	return CheckToken(token, hash)
}

// Rotate replaces the stored token with a freshly generated one and returns
// its plaintext.
func (s *Store) Rotate(ctx context.Context) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating admin token: %w", err)
	}
	token := hex.EncodeToString(raw)

	hash, err := HashToken(token)
	if err != nil {
		return "", fmt.Errorf("hashing admin token: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO admin_token (id, token_hash, updated_at) VALUES (1, ?, datetime('now'))
		ON CONFLICT(id) DO UPDATE SET token_hash = excluded.token_hash, updated_at = excluded.updated_at`,
		hash)
	if err != nil {
		return "", fmt.Errorf("storing admin token: %w", err)
	}

	return token, nil
}
