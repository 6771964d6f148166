// ABOUTME: SQLite persistence for device tokens and node display names
// ABOUTME: Uses modernc.org/sqlite with automatic schema creation

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/2389/loom-gateway/internal/pairing"
)

// ErrNotFound indicates no row matched the lookup.
var ErrNotFound = errors.New("not found")

// SQLiteStore persists the gateway's durable oddments: device tokens
// issued through pairing and user-chosen node display names.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a store at the given path. Parent
// directories are created if needed; use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS device_tokens (
			device_id TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			scopes TEXT NOT NULL,
			issued_at_ms INTEGER NOT NULL,
			revoked INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS node_names (
			node_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveDeviceToken upserts the token for a device. The pairing layer
// keeps one live token per device, so device_id is the primary key.
func (s *SQLiteStore) SaveDeviceToken(tok *pairing.DeviceToken) error {
	_, err := s.db.Exec(`
		INSERT INTO device_tokens (device_id, token, scopes, issued_at_ms, revoked)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			token = excluded.token,
			scopes = excluded.scopes,
			issued_at_ms = excluded.issued_at_ms,
			revoked = excluded.revoked
	`, tok.DeviceID, tok.Token, strings.Join(tok.Scopes, ","), tok.IssuedAtMs, boolToInt(tok.Revoked))
	if err != nil {
		return fmt.Errorf("saving device token: %w", err)
	}
	return nil
}

// ListDeviceTokens returns every stored token, including revoked ones so
// the pairing layer can refuse them explicitly.
func (s *SQLiteStore) ListDeviceTokens() ([]*pairing.DeviceToken, error) {
	rows, err := s.db.Query(`
		SELECT device_id, token, scopes, issued_at_ms, revoked FROM device_tokens
	`)
	if err != nil {
		return nil, fmt.Errorf("listing device tokens: %w", err)
	}
	defer rows.Close()

	var out []*pairing.DeviceToken
	for rows.Next() {
		var tok pairing.DeviceToken
		var scopes string
		var revoked int
		if err := rows.Scan(&tok.DeviceID, &tok.Token, &scopes, &tok.IssuedAtMs, &revoked); err != nil {
			return nil, fmt.Errorf("scanning device token: %w", err)
		}
		if scopes != "" {
			tok.Scopes = strings.Split(scopes, ",")
		}
		tok.Revoked = revoked != 0
		out = append(out, &tok)
	}
	return out, rows.Err()
}

// SaveNodeName upserts the display-name override for a node.
func (s *SQLiteStore) SaveNodeName(nodeID, displayName string) error {
	_, err := s.db.Exec(`
		INSERT INTO node_names (node_id, display_name)
		VALUES (?, ?)
		ON CONFLICT(node_id) DO UPDATE SET display_name = excluded.display_name
	`, nodeID, displayName)
	if err != nil {
		return fmt.Errorf("saving node name: %w", err)
	}
	return nil
}

// GetNodeName returns the stored display name for a node, or ErrNotFound.
func (s *SQLiteStore) GetNodeName(nodeID string) (string, error) {
	var name string
	err := s.db.QueryRow(`SELECT display_name FROM node_names WHERE node_id = ?`, nodeID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("getting node name: %w", err)
	}
	return name, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
