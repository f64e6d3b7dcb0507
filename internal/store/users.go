package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// User is an account that owns runs and authenticates with a token.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Token     string    `json:"token,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateUser adds a user with a freshly generated token.
func (s *Store) CreateUser(ctx context.Context, name string) (*User, error) {
	now := s.timestamp()
	u := &User{
		ID:    uuid.NewString(),
		Name:  name,
		Token: uuid.NewString(),
	}
	u.CreatedAt, _ = parseTime(now)

	_, err := s.exec(ctx, s.db, "INSERT INTO users (id, name, token, created_at) VALUES (?, ?, ?, ?)",
		u.ID, u.Name, u.Token, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create user %s: %w", name, err)
	}
	return u, nil
}

// EnsureUser returns the named user, creating it when missing.
func (s *Store) EnsureUser(ctx context.Context, name string) (*User, error) {
	u, err := s.UserByName(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return s.CreateUser(ctx, name)
	}
	return u, err
}

// UserByName looks a user up by name.
func (s *Store) UserByName(ctx context.Context, name string) (*User, error) {
	return s.queryUser(ctx, "SELECT id, name, token, created_at FROM users WHERE name = ?", name)
}

// UserByToken looks a user up by API token.
func (s *Store) UserByToken(ctx context.Context, token string) (*User, error) {
	return s.queryUser(ctx, "SELECT id, name, token, created_at FROM users WHERE token = ?", token)
}

// UserByID looks a user up by id.
func (s *Store) UserByID(ctx context.Context, id string) (*User, error) {
	return s.queryUser(ctx, "SELECT id, name, token, created_at FROM users WHERE id = ?", id)
}

func (s *Store) queryUser(ctx context.Context, query string, arg any) (*User, error) {
	var (
		u            User
		createdAtStr string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(query), arg).Scan(&u.ID, &u.Name, &u.Token, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if u.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	return &u, nil
}

// AddMember grants userID membership of a run. Adding an existing member
// is a no-op.
func (s *Store) AddMember(ctx context.Context, runID, userID string) error {
	ok, err := s.IsMember(ctx, runID, userID)
	if err != nil || ok {
		return err
	}
	if _, err := s.exec(ctx, s.db, "INSERT INTO run_members (run_id, user_id) VALUES (?, ?)", runID, userID); err != nil {
		return fmt.Errorf("failed to add run member: %w", err)
	}
	return nil
}

// IsMember reports whether userID is a member of the run.
func (s *Store) IsMember(ctx context.Context, runID, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM run_members WHERE run_id = ? AND user_id = ?"), runID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check run membership: %w", err)
	}
	return n > 0, nil
}
