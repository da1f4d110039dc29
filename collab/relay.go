package collab

import (
	"errors"

	"letter-collab/core"

	"github.com/sirupsen/logrus"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrNotJoined    = errors.New("connection has not joined this letter")
)

// Relay is the single serialization point for a room's content: every edit
// is applied and fanned out while holding the room lock, so all observers
// see edits in arrival order.
type Relay struct {
	registry  *Registry
	scheduler *Scheduler
}

func NewRelay(registry *Registry, scheduler *Scheduler) *Relay {
	return &Relay{registry: registry, scheduler: scheduler}
}

// ApplyEdit overwrites the room content, sends it to every participant but
// the sender, and re-arms the room's save timer.
func (r *Relay) ApplyEdit(docID string, sender Conn, content string) error {
	room, ok := r.registry.Lookup(docID)
	if !ok {
		return ErrRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if _, joined := room.participants[sender.ID()]; !joined {
		return ErrNotJoined
	}

	room.content = content
	room.touched = true
	sent := room.emitLocked(sender.ID(), EventUpdate, content)

	if r.scheduler != nil {
		r.scheduler.armLocked(room, r.scheduler.fire, r.scheduler.delay)
	}

	logrus.WithFields(logrus.Fields{
		"letter_id":  docID,
		"conn_id":    sender.ID(),
		"length":     len(content),
		"recipients": sent,
	}).Debug("edit applied")
	return nil
}

// CatchUp sends the room's current content to requester alone.
func (r *Relay) CatchUp(docID string, requester Conn) (string, error) {
	room, ok := r.registry.Lookup(docID)
	if !ok {
		return "", ErrRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if _, joined := room.participants[requester.ID()]; !joined {
		return "", ErrNotJoined
	}

	content := room.content
	if err := requester.Emit(EventCatchUpContent, content); err != nil {
		logrus.WithFields(logrus.Fields{
			"letter_id": docID,
			"conn_id":   requester.ID(),
			"error":     err,
		}).Debug("catch-up emit failed")
	}
	return content, nil
}

// Seed loads stored state into a room. Content is applied only when no
// edit has arrived yet; the stored external ref is adopted only when the
// room has none and no save has started in it. Participants that are
// already in the room receive the seeded content.
func (r *Relay) Seed(docID string, letter *core.Letter) bool {
	room, ok := r.registry.Lookup(docID)
	if !ok || letter == nil {
		return false
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	return r.seedLocked(room, letter)
}

func (r *Relay) seedLocked(room *Room, letter *core.Letter) bool {
	applied := false
	if room.externalRef == "" && !room.mirrored && letter.ExternalRef != "" {
		room.externalRef = letter.ExternalRef
		applied = true
	}
	if !room.touched {
		room.content = letter.Content
		room.touched = true
		if n := room.emitLocked("", EventCatchUpContent, room.content); n > 0 {
			logrus.WithFields(logrus.Fields{
				"letter_id":  room.ID,
				"recipients": n,
			}).Debug("Sent seeded content")
		}
		applied = true
	}
	return applied
}

// finishLoad seeds the room with letter, which may be nil when the read
// failed, and clears the loading mark. deferred reports whether a save was
// asked for while the room was loading.
func (r *Relay) finishLoad(room *Room, letter *core.Letter) (applied, deferred bool) {
	room.mu.Lock()
	defer room.mu.Unlock()

	if letter != nil {
		applied = r.seedLocked(room, letter)
	}
	room.loading = false
	deferred = room.deferred
	room.deferred = false
	return applied, deferred
}

// Snapshot returns the room's content and external ref.
func (r *Relay) Snapshot(docID string) (content, externalRef string, ok bool) {
	room, ok := r.registry.Lookup(docID)
	if !ok {
		return "", "", false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.content, room.externalRef, true
}
