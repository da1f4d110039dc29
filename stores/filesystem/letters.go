package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"letter-collab/core"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// letterStore keeps one JSON file per letter under basePath.
type letterStore struct {
	basePath string
	mu       sync.Mutex
}

func NewDocumentStore(basePath string) (core.DocumentStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &letterStore{basePath: basePath}, nil
}

// path rejects ids that would escape basePath.
func (s *letterStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", core.ErrInvalidID
	}
	return filepath.Join(s.basePath, id+".json"), nil
}

func (s *letterStore) read(id string) (*core.Letter, error) {
	filePath, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, core.ErrLetterNotFound
		}
		return nil, err
	}
	var letter core.Letter
	if err := json.Unmarshal(data, &letter); err != nil {
		return nil, fmt.Errorf("decode letter %s: %w", id, err)
	}
	return &letter, nil
}

// write replaces the file through a rename so readers never see a torn letter.
func (s *letterStore) write(letter *core.Letter) error {
	filePath, err := s.path(letter.ID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(letter)
	if err != nil {
		return err
	}
	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filePath)
}

func (s *letterStore) Get(ctx context.Context, id string) (*core.Letter, error) {
	log := logrus.WithField("letter_id", id)

	s.mu.Lock()
	letter, err := s.read(id)
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, core.ErrLetterNotFound) {
			log.Debug("Letter not found")
		} else {
			log.WithField("error", err).Error("Failed to read letter")
		}
		return nil, err
	}
	return letter, nil
}

func (s *letterStore) Create(ctx context.Context, letter *core.Letter) (string, error) {
	now := time.Now().UTC()
	stored := *letter
	stored.ID = ulid.Make().String()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	log := logrus.WithField("letter_id", stored.ID)

	s.mu.Lock()
	err := s.write(&stored)
	s.mu.Unlock()
	if err != nil {
		log.WithField("error", err).Error("Failed to create letter")
		return "", err
	}
	log.Info("Letter created successfully")
	return stored.ID, nil
}

// Put replaces the content of id, creating the letter if it does not exist.
func (s *letterStore) Put(ctx context.Context, id, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	letter, err := s.read(id)
	switch {
	case errors.Is(err, core.ErrLetterNotFound):
		letter = &core.Letter{ID: id, CreatedAt: now}
	case err != nil:
		return err
	}
	letter.Content = content
	letter.UpdatedAt = now

	if err := s.write(letter); err != nil {
		logrus.WithFields(logrus.Fields{
			"letter_id": id,
			"error":     err,
		}).Error("Failed to store letter")
		return err
	}
	return nil
}

func (s *letterStore) SetExternalRef(ctx context.Context, id, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	letter, err := s.read(id)
	if err != nil {
		return err
	}
	letter.ExternalRef = ref
	letter.UpdatedAt = time.Now().UTC()
	return s.write(letter)
}

// List scans every letter file; the store keeps no owner index.
func (s *letterStore) List(ctx context.Context, ownerID string) ([]*core.Letter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	letters := make([]*core.Letter, 0)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		letter, err := s.read(strings.TrimSuffix(name, ".json"))
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"file":  name,
				"error": err,
			}).Warn("Skipping unreadable letter file")
			continue
		}
		if letter.OwnerID == ownerID {
			letters = append(letters, letter)
		}
	}

	sort.Slice(letters, func(i, j int) bool {
		if !letters[i].UpdatedAt.Equal(letters[j].UpdatedAt) {
			return letters[i].UpdatedAt.After(letters[j].UpdatedAt)
		}
		return letters[i].ID < letters[j].ID
	})
	return letters, nil
}

func (s *letterStore) Delete(ctx context.Context, id string) error {
	filePath, err := s.path(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(filePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return core.ErrLetterNotFound
		}
		return err
	}
	logrus.WithField("letter_id", id).Info("Letter deleted")
	return nil
}
