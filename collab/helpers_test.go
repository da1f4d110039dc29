package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"letter-collab/core"
)

type emitted struct {
	event string
	args  []any
}

type fakeConn struct {
	id     string
	mu     sync.Mutex
	events []emitted
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Emit(event string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, emitted{event: event, args: args})
	return nil
}

// received returns the first argument of every event with the given name.
func (c *fakeConn) received(event string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for _, e := range c.events {
		if e.event != event {
			continue
		}
		if len(e.args) > 0 {
			out = append(out, e.args[0])
		} else {
			out = append(out, nil)
		}
	}
	return out
}

func (c *fakeConn) contents(event string) []string {
	var out []string
	for _, arg := range c.received(event) {
		s, _ := arg.(string)
		out = append(out, s)
	}
	return out
}

type fakeMirror struct {
	mu        sync.Mutex
	creates   []string
	deletes   []string
	createErr error
	deleteErr error
	next      int

	// When gate is set, Create blocks until it is closed. started receives
	// the payload of each Create as it begins.
	gate    chan struct{}
	started chan string
}

func (m *fakeMirror) Create(ctx context.Context, content string) (string, error) {
	m.mu.Lock()
	m.creates = append(m.creates, content)
	gate, started, createErr := m.gate, m.started, m.createErr
	m.next++
	ref := fmt.Sprintf("ref-%d", m.next)
	m.mu.Unlock()

	if started != nil {
		started <- content
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if createErr != nil {
		return "", createErr
	}
	return ref, nil
}

func (m *fakeMirror) Delete(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, ref)
	return m.deleteErr
}

func (m *fakeMirror) URL(ref string) string { return "https://mirror.test/" + ref }

func (m *fakeMirror) calls() (creates, deletes []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.creates...), append([]string(nil), m.deletes...)
}

type fakeStore struct {
	mu      sync.Mutex
	letters map[string]*core.Letter

	// When getGate is set, Get blocks until it is closed. getStarted
	// receives the id of each Get as it begins.
	getGate    chan struct{}
	getStarted chan string
}

func newFakeStore() *fakeStore { return &fakeStore{letters: make(map[string]*core.Letter)} }

func (s *fakeStore) Get(ctx context.Context, id string) (*core.Letter, error) {
	s.mu.Lock()
	gate, started := s.getGate, s.getStarted
	s.mu.Unlock()
	if started != nil {
		started <- id
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	letter, ok := s.letters[id]
	if !ok {
		return nil, core.ErrLetterNotFound
	}
	copied := *letter
	return &copied, nil
}

func (s *fakeStore) Put(ctx context.Context, id, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	letter, ok := s.letters[id]
	if !ok {
		return core.ErrLetterNotFound
	}
	letter.Content = content
	return nil
}

func (s *fakeStore) Create(ctx context.Context, letter *core.Letter) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if letter.ID == "" {
		letter.ID = fmt.Sprintf("letter-%d", len(s.letters)+1)
	}
	copied := *letter
	s.letters[letter.ID] = &copied
	return letter.ID, nil
}

func (s *fakeStore) SetExternalRef(ctx context.Context, id, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	letter, ok := s.letters[id]
	if !ok {
		return core.ErrLetterNotFound
	}
	letter.ExternalRef = ref
	return nil
}

func (s *fakeStore) List(ctx context.Context, ownerID string) ([]*core.Letter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var letters []*core.Letter
	for _, letter := range s.letters {
		if letter.OwnerID == ownerID {
			copied := *letter
			letters = append(letters, &copied)
		}
	}
	return letters, nil
}

func (s *fakeStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.letters[id]; !ok {
		return core.ErrLetterNotFound
	}
	delete(s.letters, id)
	return nil
}

// failingStore fails every read.
type failingStore struct{ *fakeStore }

func (failingStore) Get(ctx context.Context, id string) (*core.Letter, error) {
	return nil, errors.New("store unavailable")
}

func (s *fakeStore) ref(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if letter, ok := s.letters[id]; ok {
		return letter.ExternalRef
	}
	return ""
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func roomRef(t *testing.T, reg *Registry, docID string) string {
	t.Helper()
	room, ok := reg.Lookup(docID)
	if !ok {
		t.Fatalf("room %s not found", docID)
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.externalRef
}

func setRoom(t *testing.T, reg *Registry, docID, content, ref string) {
	t.Helper()
	room := reg.GetOrCreate(docID)
	room.mu.Lock()
	defer room.mu.Unlock()
	room.content = content
	room.externalRef = ref
	room.touched = true
}
