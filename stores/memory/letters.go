package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"letter-collab/core"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type letterStore struct {
	mu      sync.RWMutex
	letters map[string]core.Letter
}

func NewDocumentStore() core.DocumentStore {
	return &letterStore{
		letters: make(map[string]core.Letter),
	}
}

func (s *letterStore) Get(ctx context.Context, id string) (*core.Letter, error) {
	log := logrus.WithField("letter_id", id)

	s.mu.RLock()
	letter, ok := s.letters[id]
	s.mu.RUnlock()

	if !ok {
		log.Debug("Letter not found")
		return nil, core.ErrLetterNotFound
	}
	log.Debug("Letter retrieved successfully")
	return &letter, nil
}

func (s *letterStore) Create(ctx context.Context, letter *core.Letter) (string, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	stored := *letter
	stored.ID = id
	stored.CreatedAt = now
	stored.UpdatedAt = now

	s.mu.Lock()
	s.letters[id] = stored
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"letter_id":      id,
		"content_length": len(letter.Content),
	}).Info("Letter created successfully")
	return id, nil
}

// Put replaces the content of id, creating the letter if it does not exist.
func (s *letterStore) Put(ctx context.Context, id, content string) error {
	if id == "" {
		return core.ErrInvalidID
	}
	now := time.Now().UTC()

	s.mu.Lock()
	letter, ok := s.letters[id]
	if !ok {
		letter = core.Letter{ID: id, CreatedAt: now}
	}
	letter.Content = content
	letter.UpdatedAt = now
	s.letters[id] = letter
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"letter_id":      id,
		"content_length": len(content),
	}).Debug("Letter content stored")
	return nil
}

func (s *letterStore) SetExternalRef(ctx context.Context, id, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	letter, ok := s.letters[id]
	if !ok {
		return core.ErrLetterNotFound
	}
	letter.ExternalRef = ref
	letter.UpdatedAt = time.Now().UTC()
	s.letters[id] = letter
	return nil
}

func (s *letterStore) List(ctx context.Context, ownerID string) ([]*core.Letter, error) {
	s.mu.RLock()
	letters := make([]*core.Letter, 0)
	for _, letter := range s.letters {
		if letter.OwnerID != ownerID {
			continue
		}
		copied := letter
		letters = append(letters, &copied)
	}
	s.mu.RUnlock()

	sort.Slice(letters, func(i, j int) bool {
		if !letters[i].UpdatedAt.Equal(letters[j].UpdatedAt) {
			return letters[i].UpdatedAt.After(letters[j].UpdatedAt)
		}
		return letters[i].ID < letters[j].ID
	})
	return letters, nil
}

func (s *letterStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.letters[id]; !ok {
		return core.ErrLetterNotFound
	}
	delete(s.letters, id)
	logrus.WithField("letter_id", id).Info("Letter deleted")
	return nil
}
