package repositories

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/desertthunder/mirrorbot/internal/shared"
)

// CookieStore persists cookie jars so they survive restarts and redeploys.
// The filesystem stays authoritative while running; Sync pushes a file into
// the store, Restore writes every stored jar back out to the cookie
// directory.
type CookieStore struct {
	db *sql.DB
}

// NewCookieStore creates a new CookieStore with the given database connection
func NewCookieStore(db *sql.DB) *CookieStore {
	return &CookieStore{db: db}
}

// Sync reads the cookie file at path and stores it under owner. Returns
// false when the stored copy already matches the file, without writing.
func (s *CookieStore) Sync(owner, path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read cookie file: %w", err)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	var stored string
	err = s.db.QueryRow("SELECT hash FROM cookies WHERE owner = ?", owner).Scan(&stored)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("failed to check cookie hash: %w", err)
	}
	if err == nil && stored == hash {
		return false, nil
	}

	query := `
		INSERT INTO cookies (owner, hash, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(owner) DO UPDATE SET
			hash = excluded.hash,
			data = excluded.data,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.Exec(query, owner, hash, data, time.Now()); err != nil {
		return false, fmt.Errorf("failed to store cookie: %w", err)
	}

	return true, nil
}

// Get returns the stored cookie jar for owner.
func (s *CookieStore) Get(owner string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM cookies WHERE owner = ?", owner).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: owner %s", shared.ErrNoCredential, owner)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cookie: %w", err)
	}
	return data, nil
}

// List returns the owners with a stored cookie jar.
func (s *CookieStore) List() ([]string, error) {
	rows, err := s.db.Query("SELECT owner FROM cookies ORDER BY owner")
	if err != nil {
		return nil, fmt.Errorf("failed to query cookies: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("failed to scan cookie owner: %w", err)
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}

// Delete removes an owner's stored cookie jar.
func (s *CookieStore) Delete(owner string) error {
	result, err := s.db.Exec("DELETE FROM cookies WHERE owner = ?", owner)
	if err != nil {
		return fmt.Errorf("failed to delete cookie: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: owner %s", shared.ErrNoCredential, owner)
	}
	return nil
}

// Restore writes every stored cookie jar into dir as <owner>.txt, creating
// the directory if needed. Returns the number of files written.
func (s *CookieStore) Restore(dir string) (int, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return 0, fmt.Errorf("failed to create cookie directory: %w", err)
	}

	rows, err := s.db.Query("SELECT owner, data FROM cookies")
	if err != nil {
		return 0, fmt.Errorf("failed to query cookies: %w", err)
	}
	defer rows.Close()

	written := 0
	for rows.Next() {
		var owner string
		var data []byte
		if err := rows.Scan(&owner, &data); err != nil {
			return written, fmt.Errorf("failed to scan cookie: %w", err)
		}
		path := filepath.Join(dir, owner+".txt")
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return written, fmt.Errorf("failed to write cookie file: %w", err)
		}
		written++
	}

	return written, rows.Err()
}
