package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"letter-collab/core"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const schema = `CREATE TABLE IF NOT EXISTS letters (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	external_ref TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS letters_owner ON letters (owner_id, updated_at);`

type letterStore struct {
	db *sql.DB
}

func NewDocumentStore(dataSourceName string) (core.DocumentStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// sqlite allows one writer; serializing here avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create letters table: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"driver": driverName,
		"cgo":    CGOEnabled,
	}).Debug("sqlite store ready")
	return &letterStore{db}, nil
}

func (s *letterStore) Get(ctx context.Context, id string) (*core.Letter, error) {
	log := logrus.WithField("letter_id", id)
	log.Debug("Retrieving letter by ID")

	var (
		letter           core.Letter
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, owner_id, title, content, external_ref, created_at, updated_at FROM letters WHERE id = ?", id).
		Scan(&letter.ID, &letter.OwnerID, &letter.Title, &letter.Content, &letter.ExternalRef, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("Letter not found")
			return nil, core.ErrLetterNotFound
		}
		log.WithField("error", err).Error("Failed to retrieve letter")
		return nil, err
	}
	letter.CreatedAt = time.UnixMilli(created).UTC()
	letter.UpdatedAt = time.UnixMilli(updated).UTC()
	return &letter, nil
}

func (s *letterStore) Create(ctx context.Context, letter *core.Letter) (string, error) {
	id := ulid.Make().String()
	now := time.Now().UnixMilli()
	log := logrus.WithFields(logrus.Fields{
		"letter_id":      id,
		"content_length": len(letter.Content),
	})

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO letters (id, owner_id, title, content, external_ref, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		id, letter.OwnerID, letter.Title, letter.Content, letter.ExternalRef, now, now)
	if err != nil {
		log.WithField("error", err).Error("Failed to create letter")
		return "", err
	}
	log.Info("Letter created successfully")
	return id, nil
}

// Put replaces the content of id, creating the letter if it does not exist.
func (s *letterStore) Put(ctx context.Context, id, content string) error {
	if id == "" {
		return core.ErrInvalidID
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO letters (id, content, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		id, content, now, now)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"letter_id": id,
			"error":     err,
		}).Error("Failed to store letter")
		return err
	}
	return nil
}

func (s *letterStore) SetExternalRef(ctx context.Context, id, ref string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE letters SET external_ref = ?, updated_at = ? WHERE id = ?",
		ref, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrLetterNotFound
	}
	return nil
}

func (s *letterStore) List(ctx context.Context, ownerID string) ([]*core.Letter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, title, content, external_ref, created_at, updated_at FROM letters
		WHERE owner_id = ? ORDER BY updated_at DESC, id`, ownerID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"owner_id": ownerID,
			"error":    err,
		}).Error("Failed to list letters")
		return nil, err
	}
	defer rows.Close()

	letters := make([]*core.Letter, 0)
	for rows.Next() {
		var (
			letter           core.Letter
			created, updated int64
		)
		if err := rows.Scan(&letter.ID, &letter.OwnerID, &letter.Title, &letter.Content, &letter.ExternalRef, &created, &updated); err != nil {
			return nil, err
		}
		letter.CreatedAt = time.UnixMilli(created).UTC()
		letter.UpdatedAt = time.UnixMilli(updated).UTC()
		letters = append(letters, &letter)
	}
	return letters, rows.Err()
}

func (s *letterStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM letters WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrLetterNotFound
	}
	logrus.WithField("letter_id", id).Info("Letter deleted")
	return nil
}
