// Package memory is an in-process MirrorService for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type Mirror struct {
	mu     sync.Mutex
	copies map[string]string
}

func New() *Mirror {
	return &Mirror{copies: make(map[string]string)}
}

func (m *Mirror) Create(ctx context.Context, content string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := ulid.Make().String()

	m.mu.Lock()
	m.copies[ref] = content
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"external_ref":   ref,
		"content_length": len(content),
	}).Debug("Mirror copy created")
	return ref, nil
}

// Delete removes the copy for ref. An unknown ref counts as already deleted,
// which is what a ref recorded before a restart looks like.
func (m *Mirror) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.copies[ref]; !ok {
		logrus.WithField("external_ref", ref).Debug("Mirror copy already gone")
		return nil
	}
	delete(m.copies, ref)
	return nil
}

func (m *Mirror) URL(ref string) string { return "memory://" + ref }

// Content returns the stored copy for ref.
func (m *Mirror) Content(ref string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.copies[ref]
	return content, ok
}

func (m *Mirror) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.copies)
}
