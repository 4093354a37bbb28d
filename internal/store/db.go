// Package store persists device-local data: the device identity and the
// trust list in an embedded SQLite database, and the schedule state in a
// JSON state file.
//
// Architecture:
//   - Database file: <data dir>/workplans.db
//   - WAL mode: the sync node and one-shot CLI commands share the file
//   - Schema: identity (single row), device_links
//   - State file: <data dir>/state.json, replaced atomically on save
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/ThymoBruce/workplans/internal/device"
	"github.com/ThymoBruce/workplans/internal/pairing"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps the SQLite connection holding identity and trust list.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path. The parent
// directory is created if needed. Call InitSchema before first use.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	db, err := store.Open("~/.workplans/workplans.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection after checkpointing the WAL.
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

// InitSchema creates the tables if they don't exist. Safe to call multiple
// times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS identity (
		slot INTEGER PRIMARY KEY CHECK (slot = 1),
		device_id TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS device_links (
		device_id TEXT PRIMARY KEY,
		device_name TEXT NOT NULL,
		link_code TEXT NOT NULL DEFAULT '',
		linked_at TEXT NOT NULL,
		last_seen TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_device_links_last_seen ON device_links(last_seen);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// LoadIdentity implements device.IdentityStore. It returns
// device.ErrNoIdentity before the first SaveIdentity.
func (db *DB) LoadIdentity() (device.Identity, error) {
	return db.LoadIdentityContext(context.Background())
}

// LoadIdentityContext loads the identity with context support.
func (db *DB) LoadIdentityContext(ctx context.Context) (device.Identity, error) {
	var id device.Identity
	err := db.conn.QueryRowContext(ctx,
		`SELECT device_id, name FROM identity WHERE slot = 1`,
	).Scan(&id.ID, &id.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return device.Identity{}, device.ErrNoIdentity
	}
	if err != nil {
		return device.Identity{}, fmt.Errorf("failed to load identity: %w", err)
	}
	return id, nil
}

// SaveIdentity implements device.IdentityStore.
func (db *DB) SaveIdentity(id device.Identity) error {
	return db.SaveIdentityContext(context.Background(), id)
}

// SaveIdentityContext saves the identity with context support.
func (db *DB) SaveIdentityContext(ctx context.Context, id device.Identity) error {
	if id.ID == "" {
		return fmt.Errorf("identity id is required")
	}

	query := `
	INSERT INTO identity (slot, device_id, name, created_at)
	VALUES (1, ?, ?, ?)
	ON CONFLICT(slot) DO UPDATE SET
		device_id = excluded.device_id,
		name = excluded.name
	`
	if _, err := db.conn.ExecContext(ctx, query, id.ID, id.Name, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}
	return nil
}

// LoadLinks implements pairing.TrustStore.
func (db *DB) LoadLinks() ([]pairing.DeviceLink, error) {
	return db.LoadLinksContext(context.Background())
}

// LoadLinksContext loads the trust list ordered by link time.
func (db *DB) LoadLinksContext(ctx context.Context) ([]pairing.DeviceLink, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT device_id, device_name, link_code, linked_at, last_seen
	FROM device_links
	ORDER BY linked_at, device_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query device links: %w", err)
	}
	defer rows.Close()

	links := []pairing.DeviceLink{}
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate device links: %w", err)
	}
	return links, nil
}

// SaveLinks replaces the stored list with links in one transaction. It
// drops rows other processes may have written; running engines use the
// per-record methods instead.
func (db *DB) SaveLinks(links []pairing.DeviceLink) error {
	return db.SaveLinksContext(context.Background(), links)
}

// SaveLinksContext replaces the trust list with context support.
func (db *DB) SaveLinksContext(ctx context.Context, links []pairing.DeviceLink) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM device_links`); err != nil {
		return fmt.Errorf("failed to clear device links: %w", err)
	}
	for _, l := range links {
		if err := upsertLink(ctx, tx, l); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit device links: %w", err)
	}
	return nil
}

// UpsertLink implements pairing.TrustStore.
func (db *DB) UpsertLink(link pairing.DeviceLink) error {
	return db.UpsertLinkContext(context.Background(), link)
}

// UpsertLinkContext inserts or replaces one link with context support.
func (db *DB) UpsertLinkContext(ctx context.Context, link pairing.DeviceLink) error {
	return upsertLink(ctx, db.conn, link)
}

// DeleteLink implements pairing.TrustStore.
func (db *DB) DeleteLink(deviceID string) error {
	return db.DeleteLinkContext(context.Background(), deviceID)
}

// DeleteLinkContext removes one link with context support.
func (db *DB) DeleteLinkContext(ctx context.Context, deviceID string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM device_links WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("failed to delete device link %s: %w", deviceID, err)
	}
	return nil
}

// TouchLink implements pairing.TrustStore.
func (db *DB) TouchLink(deviceID string, at time.Time) error {
	return db.TouchLinkContext(context.Background(), deviceID, at)
}

// TouchLinkContext updates last_seen of an existing link with context
// support. Unknown ids are left absent.
func (db *DB) TouchLinkContext(ctx context.Context, deviceID string, at time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
	UPDATE device_links SET last_seen = ? WHERE device_id = ?
	`, at.UTC().Format(time.RFC3339Nano), deviceID)
	if err != nil {
		return fmt.Errorf("failed to touch device link %s: %w", deviceID, err)
	}
	return nil
}

// GetLink returns the link for deviceID, or ErrNotFound.
func (db *DB) GetLink(deviceID string) (pairing.DeviceLink, error) {
	return db.GetLinkContext(context.Background(), deviceID)
}

// GetLinkContext returns one link with context support.
func (db *DB) GetLinkContext(ctx context.Context, deviceID string) (pairing.DeviceLink, error) {
	row := db.conn.QueryRowContext(ctx, `
	SELECT device_id, device_name, link_code, linked_at, last_seen
	FROM device_links
	WHERE device_id = ?
	`, deviceID)

	l, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return pairing.DeviceLink{}, fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
	}
	return l, err
}

// ExportLinks writes the trust list to w as JSON text.
func (db *DB) ExportLinks(w io.Writer) error {
	links, err := db.LoadLinks()
	if err != nil {
		return err
	}
	data, err := pairing.MarshalLinks(links)
	if err != nil {
		return err
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write trust list: %w", err)
	}
	return nil
}

// ImportLinks merges JSON text produced by ExportLinks into the trust
// list. Existing entries with the same device id are replaced. It returns
// the number of entries imported.
func (db *DB) ImportLinks(r io.Reader) (int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("failed to read trust list: %w", err)
	}
	links, err := pairing.UnmarshalLinks(data)
	if err != nil {
		return 0, err
	}

	ctx := context.Background()
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, l := range links {
		if err := upsertLink(ctx, tx, l); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit device links: %w", err)
	}
	return len(links), nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertLink(ctx context.Context, tx execer, l pairing.DeviceLink) error {
	query := `
	INSERT INTO device_links (device_id, device_name, link_code, linked_at, last_seen)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(device_id) DO UPDATE SET
		device_name = excluded.device_name,
		link_code = excluded.link_code,
		linked_at = excluded.linked_at,
		last_seen = excluded.last_seen
	`
	_, err := tx.ExecContext(ctx, query,
		l.DeviceID,
		l.DeviceName,
		l.LinkCode,
		l.LinkedAt.UTC().Format(time.RFC3339Nano),
		l.LastSeen.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save device link %s: %w", l.DeviceID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLink(row scanner) (pairing.DeviceLink, error) {
	var l pairing.DeviceLink
	var linkedAt, lastSeen string
	if err := row.Scan(&l.DeviceID, &l.DeviceName, &l.LinkCode, &linkedAt, &lastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return l, err
		}
		return l, fmt.Errorf("failed to scan device link: %w", err)
	}

	if t, err := time.Parse(time.RFC3339Nano, linkedAt); err == nil {
		l.LinkedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, lastSeen); err == nil {
		l.LastSeen = t
	}
	return l, nil
}
