package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Nemesis1804/Projet3-ROUGE/internal/model"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound reports a lookup for an absent row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate reports a violated uniqueness constraint.
	ErrDuplicate = errors.New("already exists")
)

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing database handle. Used by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	return s.db.PingContext(ctx)
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			first_name TEXT NOT NULL,
			last_name TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'USER',
			password_hash TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
			UNIQUE (first_name, last_name)
		);`,
		`CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			status TEXT NOT NULL,
			timestamp TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// CreateUser persists a new account and returns it with id and creation time set.
func (s *Store) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	if s.db == nil {
		return model.User{}, fmt.Errorf("store not initialized")
	}

	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO users (id, first_name, last_name, role, password_hash, created_at) VALUES (?, ?, ?, ?, ?, ?);`,
		u.ID,
		u.FirstName,
		u.LastName,
		string(u.Role),
		u.PasswordHash,
		u.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.User{}, ErrDuplicate
		}
		return model.User{}, fmt.Errorf("insert user: %w", err)
	}

	return u, nil
}

// UserByID fetches a single account by id.
func (s *Store) UserByID(ctx context.Context, id string) (model.User, error) {
	return s.userBy(ctx, `SELECT id, first_name, last_name, role, password_hash, created_at FROM users WHERE id = ?;`, id)
}

// UserByName fetches a single account by its unique (firstName, lastName) pair.
func (s *Store) UserByName(ctx context.Context, firstName, lastName string) (model.User, error) {
	return s.userBy(ctx, `SELECT id, first_name, last_name, role, password_hash, created_at FROM users WHERE first_name = ? AND last_name = ?;`, firstName, lastName)
}

func (s *Store) userBy(ctx context.Context, query string, args ...any) (model.User, error) {
	if s.db == nil {
		return model.User{}, fmt.Errorf("store not initialized")
	}

	var (
		u            model.User
		role         string
		createdAtStr string
	)

	err := s.db.QueryRowContext(ctx, query, args...).Scan(&u.ID, &u.FirstName, &u.LastName, &role, &u.PasswordHash, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("query user: %w", err)
	}

	u.Role = model.ParseRole(role)
	u.CreatedAt = parseStoredTime(createdAtStr)
	return u, nil
}

// ListUsers returns all accounts ordered by creation time descending.
func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, first_name, last_name, role, password_hash, created_at FROM users ORDER BY created_at DESC;`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var (
			u            model.User
			role         string
			createdAtStr string
		)
		if err := rows.Scan(&u.ID, &u.FirstName, &u.LastName, &role, &u.PasswordHash, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Role = model.ParseRole(role)
		u.CreatedAt = parseStoredTime(createdAtStr)
		users = append(users, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}

	return users, nil
}

// UpdateUser changes the role and/or password hash of an account. Empty
// values leave the corresponding column untouched.
func (s *Store) UpdateUser(ctx context.Context, id string, role model.Role, passwordHash string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	sets := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if role != "" {
		sets = append(sets, "role = ?")
		args = append(args, string(role))
	}
	if passwordHash != "" {
		sets = append(sets, "password_hash = ?")
		args = append(args, passwordHash)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, `UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = ?;`, args...)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUser removes an account by id.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// EnsureAdmin seeds or repairs the reserved admin/admin account so the
// deployment can never lock itself out.
func (s *Store) EnsureAdmin(ctx context.Context, firstName, lastName, passwordHash string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO users (id, first_name, last_name, role, password_hash)
		 VALUES (?, ?, ?, 'ADMIN', ?)
		 ON CONFLICT(first_name, last_name)
		 DO UPDATE SET role = 'ADMIN';`,
		uuid.NewString(),
		firstName,
		lastName,
		passwordHash,
	)
	if err != nil {
		return fmt.Errorf("ensure admin: %w", err)
	}
	return nil
}

// InsertLog appends one entry and returns its store-assigned id.
func (s *Store) InsertLog(ctx context.Context, entry model.LogEntry) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO logs (status, timestamp) VALUES (?, ?);`,
		entry.Status,
		ts.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("insert log: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert log id: %w", err)
	}
	return id, nil
}

// RecentLogs returns the most recent entries ordered by timestamp descending.
func (s *Store) RecentLogs(ctx context.Context, limit int) ([]model.LogEntry, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	if limit <= 0 {
		limit = 300
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, status, timestamp FROM logs ORDER BY timestamp DESC LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent logs: %w", err)
	}
	defer rows.Close()

	entries := make([]model.LogEntry, 0, limit)
	for rows.Next() {
		var (
			entry model.LogEntry
			tsStr string
		)
		if err := rows.Scan(&entry.ID, &entry.Status, &tsStr); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		entry.Timestamp = parseStoredTime(tsStr)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs: %w", err)
	}

	return entries, nil
}

func parseStoredTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse("2006-01-02T15:04:05Z07:00", s)
	}
	return t
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed")
}
