package collab

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Conn is one participant's transport channel. Emit must not block on a slow
// peer; transports queue or drop.
type Conn interface {
	ID() string
	Emit(event string, args ...any) error
}

type saveState int

const (
	stateIdle saveState = iota
	stateSaving
	stateFailed
)

func (s saveState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateSaving:
		return "saving"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

type pendingSave struct {
	timer *time.Timer
	gen   uint64
	fire  FireFunc
}

// Room is the live state of one letter. Every field below mu is guarded by it.
type Room struct {
	ID string

	mu           sync.Mutex
	content      string
	touched      bool
	participants map[string]Conn
	pendingSave  *pendingSave
	externalRef  string
	state        saveState
	superseded   bool
	holds        int
	lastErr      error

	// loading is set while the stored letter is being read into a new room.
	// Saves asked for meanwhile are deferred until the load finishes.
	loading  bool
	deferred bool
	// mirrored is set once a save has started in this room.
	mirrored bool
}

type (
	// RoomView is what a join hands back to the gateway.
	RoomView struct {
		ID           string
		Participants int
		Created      bool
	}

	// RoomInfo is a point-in-time summary of a room.
	RoomInfo struct {
		ID           string `json:"id"`
		Participants int    `json:"users"`
		Pending      bool   `json:"pendingSave"`
		Saving       bool   `json:"saving"`
		ExternalRef  string `json:"externalRef,omitempty"`
		LastError    string `json:"lastError,omitempty"`
	}
)

func newRoom(id string) *Room {
	return &Room{
		ID:           id,
		participants: make(map[string]Conn),
	}
}

// idleLocked reports whether nothing keeps the room alive.
func (r *Room) idleLocked() bool {
	return len(r.participants) == 0 &&
		r.pendingSave == nil &&
		r.state != stateSaving &&
		r.holds == 0 &&
		!r.loading
}

func (r *Room) infoLocked() RoomInfo {
	info := RoomInfo{
		ID:           r.ID,
		Participants: len(r.participants),
		Pending:      r.pendingSave != nil,
		Saving:       r.state == stateSaving,
		ExternalRef:  r.externalRef,
	}
	if r.lastErr != nil {
		info.LastError = r.lastErr.Error()
	}
	return info
}

// emitLocked sends to every participant except the one with skipID.
// Transport errors are logged and never stop the fan-out.
func (r *Room) emitLocked(skipID string, event string, args ...any) int {
	sent := 0
	for id, conn := range r.participants {
		if id == skipID {
			continue
		}
		if err := conn.Emit(event, args...); err != nil {
			logrus.WithFields(logrus.Fields{
				"letter_id": r.ID,
				"conn_id":   id,
				"event":     event,
				"error":     err,
			}).Debug("emit to participant failed")
			continue
		}
		sent++
	}
	return sent
}

func (r *Room) emitAll(event string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitLocked("", event, args...)
}
