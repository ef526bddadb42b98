package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/crewbase/crew/internal/roster"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps a SQLite member store. The same schema backs both the on-device
// store and the sync store; which one is authoritative is decided by the
// workspace pointer, not by anything in the database itself.
type DB struct {
	conn *sql.DB
	path string
}

var (
	_ Accessor     = (*DB)(nil)
	_ roster.Store = (*DB)(nil)
)

// Open creates a database connection at the specified path.
//
// The database is opened in WAL mode for concurrent reads. Parent directories
// are created as needed. The caller must Close when done.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the members and meta tables. Idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		role TEXT,
		tags TEXT,  -- JSON array
		joined_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Small control state: migration checkpoints, daemon cursors.
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_members_role ON members(role);
	CREATE INDEX IF NOT EXISTS idx_members_name ON members(name);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Upsert implements Accessor.
func (db *DB) Upsert(ctx context.Context, member *roster.Member) error {
	if err := member.Validate(); err != nil {
		return fmt.Errorf("refusing to store invalid member: %w", err)
	}

	tags, err := json.Marshal(member.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	var joined any
	if member.JoinedAt != nil {
		joined = member.JoinedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO members (id, name, email, role, tags, joined_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			role = excluded.role,
			tags = excluded.tags,
			joined_at = excluded.joined_at,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		member.ID, member.Name, member.Email, member.Role, string(tags), joined,
		member.CreatedAt.UTC().Format(time.RFC3339Nano),
		member.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert member %s: %w", member.ID, err)
	}
	return nil
}

// Read implements Accessor.
func (db *DB) Read(ctx context.Context, id string) (*roster.Member, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, name, email, role, tags, joined_at, created_at, updated_at
		FROM members WHERE id = ?`, id)

	member, err := scanMember(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("member %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read member %s: %w", id, err)
	}
	return member, nil
}

// Enumerate implements Accessor. Members are returned in ascending ID order
// so a resumed migration can restart from the last processed ID.
func (db *DB) Enumerate(ctx context.Context, afterID string, limit int) ([]*roster.Member, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, name, email, role, tags, joined_at, created_at, updated_at
		FROM members WHERE id > ? ORDER BY id LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate members: %w", err)
	}
	defer rows.Close()

	var members []*roster.Member
	for rows.Next() {
		member, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

// Delete implements Accessor.
func (db *DB) Delete(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM members WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete member %s: %w", id, err)
	}
	return nil
}

// Count implements Accessor.
func (db *DB) Count(ctx context.Context) (int64, error) {
	var count int64
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM members`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count members: %w", err)
	}
	return count, nil
}

// Checksum implements Accessor: SHA-256 over the ID-ordered member content.
// Two stores holding the same records produce the same digest regardless of
// insertion order.
func (db *DB) Checksum(ctx context.Context) (string, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, name, COALESCE(email,''), COALESCE(role,''), COALESCE(tags,''), updated_at
		FROM members ORDER BY id`)
	if err != nil {
		return "", fmt.Errorf("failed to read members for checksum: %w", err)
	}
	defer rows.Close()

	h := sha256.New()
	for rows.Next() {
		var id, name, email, role, tags, updatedAt string
		if err := rows.Scan(&id, &name, &email, &role, &tags, &updatedAt); err != nil {
			return "", fmt.Errorf("failed to scan member for checksum: %w", err)
		}
		fmt.Fprintf(h, "%s\x1f%s\x1f%s\x1f%s\x1f%s\x1f%s\x1e", id, name, email, role, tags, updatedAt)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Meta returns the database's durable key-value view over the meta table,
// used for migration checkpoints and daemon cursors.
func (db *DB) Meta() KV {
	return metaKV{db: db}
}

// metaKV implements KV on the meta table of a DB.
type metaKV struct {
	db *DB
}

func (kv metaKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := kv.db.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, true, nil
}

func (kv metaKV) Set(ctx context.Context, key string, value []byte) error {
	_, err := kv.db.conn.ExecContext(ctx, `
		INSERT INTO meta (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (kv metaKV) Delete(ctx context.Context, key string) error {
	if _, err := kv.db.conn.ExecContext(ctx, `DELETE FROM meta WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for scanMember.
type scanner interface {
	Scan(dest ...any) error
}

func scanMember(s scanner) (*roster.Member, error) {
	var (
		member           roster.Member
		email, role      sql.NullString
		tags, joined     sql.NullString
		created, updated string
	)
	if err := s.Scan(&member.ID, &member.Name, &email, &role, &tags, &joined, &created, &updated); err != nil {
		return nil, err
	}

	member.Email = email.String
	member.Role = role.String

	if tags.Valid && tags.String != "" && tags.String != "null" {
		if err := json.Unmarshal([]byte(tags.String), &member.Tags); err != nil {
			return nil, fmt.Errorf("failed to parse tags for %s: %w", member.ID, err)
		}
	}

	var err error
	if member.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("bad created_at for %s: %w", member.ID, err)
	}
	if member.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("bad updated_at for %s: %w", member.ID, err)
	}
	if joined.Valid && joined.String != "" {
		t, err := parseTime(joined.String)
		if err != nil {
			return nil, fmt.Errorf("bad joined_at for %s: %w", member.ID, err)
		}
		member.JoinedAt = &t
	}

	return &member, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}
