// Package persist backs room documents up to sqlite so a relay restart does not lose boards.
package persist

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

type Store struct {
	database *sql.DB
}

// Open opens or creates the sqlite database at path and makes sure the rooms table exists.
func Open(path string) (*Store, error) {
	slog.Info("Opening database", "path", path)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{database: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.database.Exec(
		`CREATE TABLE IF NOT EXISTS rooms (
		id text not null primary key,
		content text
		)`,
	); err != nil {
		return fmt.Errorf("failed to create rooms table: %w", err)
	}
	slog.Info("Ensured initial tables exist")
	return nil
}

func (s *Store) Close() error {
	return s.database.Close()
}

// LoadRoom returns the saved document for room, or nil when it was never saved.
func (s *Store) LoadRoom(ctx context.Context, room string) ([]byte, error) {
	var content string
	err := s.database.QueryRowContext(ctx, `SELECT content FROM rooms WHERE id = ?`, room).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("failed to decode: %w", err)
	}
	return raw, nil
}

// SaveRoom stores the document. Unchanged content is not rewritten.
func (s *Store) SaveRoom(ctx context.Context, room string, state []byte) error {
	content := base64.StdEncoding.EncodeToString(state)
	if _, err := s.database.ExecContext(
		ctx, `INSERT INTO rooms (id, content) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content WHERE content != excluded.content`,
		room,
		content,
	); err != nil {
		return fmt.Errorf("failed to save room %s: %w", room, err)
	}
	return nil
}

// Rooms lists the ids of every saved room.
func (s *Store) Rooms(ctx context.Context) ([]string, error) {
	rows, err := s.database.QueryContext(ctx, `SELECT id FROM rooms ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close", "err", err)
		}
	}(rows)
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
