package collab

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const DefaultSaveDelay = 2 * time.Second

// FireFunc is what a room's timer runs once the room has been quiet for the
// configured delay.
type FireFunc func(docID string)

// Scheduler keeps at most one outstanding save timer per room. Arming an
// armed room restarts its countdown, so a burst of edits fires once.
//
// Each timer carries a generation number. A timer that lost a race with
// Cancel or a re-arm finds a different generation (or none) on the room
// and does nothing.
type Scheduler struct {
	registry *Registry
	delay    time.Duration
	fire     FireFunc
	gen      atomic.Uint64
}

func NewScheduler(registry *Registry, delay time.Duration, fire FireFunc) *Scheduler {
	if delay <= 0 {
		delay = DefaultSaveDelay
	}
	return &Scheduler{registry: registry, delay: delay, fire: fire}
}

func (s *Scheduler) Delay() time.Duration { return s.delay }

// Arm starts or restarts the timer for docID. It reports false when the
// room does not exist.
func (s *Scheduler) Arm(docID string, fire FireFunc, delay time.Duration) bool {
	room, ok := s.registry.Lookup(docID)
	if !ok {
		return false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	s.armLocked(room, fire, delay)
	return true
}

func (s *Scheduler) armLocked(room *Room, fire FireFunc, delay time.Duration) {
	if delay <= 0 {
		delay = s.delay
	}
	if fire == nil {
		fire = s.fire
	}
	if room.pendingSave != nil {
		room.pendingSave.timer.Stop()
	}

	gen := s.gen.Add(1)
	pending := &pendingSave{gen: gen, fire: fire}
	pending.timer = time.AfterFunc(delay, func() {
		s.onTimer(room, gen, fire)
	})
	room.pendingSave = pending
}

// Cancel stops the outstanding timer for docID, if any, and lets the room
// be evicted if that was the last thing holding it.
func (s *Scheduler) Cancel(docID string) bool {
	room, ok := s.registry.Lookup(docID)
	if !ok {
		return false
	}

	room.mu.Lock()
	cancelled := room.pendingSave != nil
	if cancelled {
		room.pendingSave.timer.Stop()
		room.pendingSave = nil
	}
	room.mu.Unlock()

	if cancelled {
		s.registry.EvictIfIdle(docID)
	}
	return cancelled
}

func (s *Scheduler) Pending(docID string) bool {
	room, ok := s.registry.Lookup(docID)
	if !ok {
		return false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.pendingSave != nil
}

// onTimer clears the pending marker before running fire, so an edit that
// arrives while the save is running arms a fresh timer. The hold keeps
// the room registered until fire has handed the work to the controller.
func (s *Scheduler) onTimer(room *Room, gen uint64, fire FireFunc) {
	room.mu.Lock()
	if room.pendingSave == nil || room.pendingSave.gen != gen {
		room.mu.Unlock()
		return
	}
	room.pendingSave = nil
	room.holds++
	room.mu.Unlock()

	logrus.WithField("letter_id", room.ID).Debug("save timer fired")
	if fire != nil {
		fire(room.ID)
	}

	room.mu.Lock()
	room.holds--
	room.mu.Unlock()
	s.registry.EvictIfIdle(room.ID)
}

// flush cancels every outstanding timer and runs its fire function now.
// Used on shutdown.
func (s *Scheduler) flush() []string {
	s.registry.mu.RLock()
	rooms := make([]*Room, 0, len(s.registry.rooms))
	for _, room := range s.registry.rooms {
		rooms = append(rooms, room)
	}
	s.registry.mu.RUnlock()

	var flushed []string
	for _, room := range rooms {
		room.mu.Lock()
		pending := room.pendingSave
		if pending != nil {
			pending.timer.Stop()
		}
		room.mu.Unlock()
		if pending == nil {
			continue
		}
		// Reuse the timer path so the hold/evict bookkeeping stays in one place.
		s.onTimer(room, pending.gen, pending.fire)
		flushed = append(flushed, room.ID)
	}
	return flushed
}
