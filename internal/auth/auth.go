package auth

import (
	"database/sql"
	"errors"

	"github.com/bdelacey/mqttd/pkg/er"
	h "github.com/bdelacey/mqttd/pkg/hash"
)

// Store checks CONNECT credentials against a users table, bcrypt-hashed
// via pkg/hash.
type Store struct {
	db             *sql.DB
	allowAnonymous bool
}

// New creates a Store backed by db. allowAnonymous lets a CONNECT with no
// username through without a lookup, per the server's configured policy.
func New(db *sql.DB, allowAnonymous bool) *Store {
	return &Store{db: db, allowAnonymous: allowAnonymous}
}

// Authenticate verifies username/password against the stored bcrypt hash.
// A nil username is anonymous; it succeeds only if the store was
// configured to allow it.
func (s *Store) Authenticate(username, password *string) error {
	if username == nil {
		if s.allowAnonymous {
			return nil
		}
		return &er.Err{Context: "Auth", Message: er.ErrNotAuthorized}
	}

	pw := ""
	if password != nil {
		pw = *password
	}

	var hash string
	err := s.db.QueryRow("SELECT secret FROM users WHERE username = ?", *username).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &er.Err{Context: "Auth", Message: er.ErrUserNotFound}
		}
		return &er.Err{Context: "Auth", Message: err}
	}

	if !h.VerifyPasswd(hash, pw) {
		return &er.Err{Context: "Auth", Message: er.ErrInvalidPassword}
	}

	return nil
}

// CreateUser stores a new user row, hashing password with bcrypt at cost.
func (s *Store) CreateUser(username, password string, cost int) error {
	hash, err := h.HashPasswd(password, cost)
	if err != nil {
		return err
	}
	_, err = s.db.Exec("INSERT INTO users (username, secret) VALUES (?, ?)", username, hash)
	return err
}
