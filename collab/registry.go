package collab

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry maps letter ids to live rooms and tracks which rooms each
// connection belongs to. Lock order is Registry.mu before Room.mu.
type Registry struct {
	mu          sync.RWMutex
	rooms       map[string]*Room
	memberships map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:       make(map[string]*Room),
		memberships: make(map[string]map[string]struct{}),
	}
}

func (reg *Registry) GetOrCreate(docID string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	room, _ := reg.getOrCreateLocked(docID)
	return room
}

func (reg *Registry) getOrCreateLocked(docID string) (*Room, bool) {
	if room, ok := reg.rooms[docID]; ok {
		return room, false
	}
	room := newRoom(docID)
	reg.rooms[docID] = room
	logrus.WithField("letter_id", docID).Debug("room created")
	return room, true
}

func (reg *Registry) Lookup(docID string) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	room, ok := reg.rooms[docID]
	return room, ok
}

// Join adds conn to the room for docID, creating the room when absent.
// Joining twice is harmless.
func (reg *Registry) Join(docID string, conn Conn) RoomView {
	_, view := reg.join(docID, conn, false)
	return view
}

// join is Join with the option of marking a newly created room as loading.
// The mark is set before the room becomes visible to other connections.
func (reg *Registry) join(docID string, conn Conn, load bool) (*Room, RoomView) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, created := reg.getOrCreateLocked(docID)

	room.mu.Lock()
	if created && load {
		room.loading = true
	}
	room.participants[conn.ID()] = conn
	count := len(room.participants)
	room.mu.Unlock()

	joined, ok := reg.memberships[conn.ID()]
	if !ok {
		joined = make(map[string]struct{})
		reg.memberships[conn.ID()] = joined
	}
	joined[docID] = struct{}{}

	return room, RoomView{ID: docID, Participants: count, Created: created}
}

// hold pins the room for docID, creating it when absent, until release is
// called. A newly created room is marked loading when load is set.
func (reg *Registry) hold(docID string, load bool) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, created := reg.getOrCreateLocked(docID)
	room.mu.Lock()
	room.holds++
	if created && load {
		room.loading = true
	}
	room.mu.Unlock()
	return room, created
}

func (reg *Registry) release(room *Room) {
	room.mu.Lock()
	room.holds--
	room.mu.Unlock()
	reg.EvictIfIdle(room.ID)
}

// Leave removes conn from the room and evicts the room if that left it idle.
// Unknown rooms and connections are ignored.
func (reg *Registry) Leave(docID string, conn Conn) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.leaveLocked(docID, conn.ID())
}

// LeaveAll removes conn from every room it joined and returns those rooms.
func (reg *Registry) LeaveAll(conn Conn) []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	joined := reg.memberships[conn.ID()]
	left := make([]string, 0, len(joined))
	for docID := range joined {
		left = append(left, docID)
	}
	for _, docID := range left {
		reg.leaveLocked(docID, conn.ID())
	}
	delete(reg.memberships, conn.ID())
	sort.Strings(left)
	return left
}

func (reg *Registry) leaveLocked(docID, connID string) {
	if joined, ok := reg.memberships[connID]; ok {
		delete(joined, docID)
		if len(joined) == 0 {
			delete(reg.memberships, connID)
		}
	}

	room, ok := reg.rooms[docID]
	if !ok {
		return
	}

	room.mu.Lock()
	delete(room.participants, connID)
	idle := room.idleLocked()
	room.mu.Unlock()

	if idle {
		delete(reg.rooms, docID)
		logrus.WithField("letter_id", docID).Debug("room evicted")
	}
}

// EvictIfIdle drops the room when it has no participants and no pending or
// in-flight save. It is called again whenever such activity finishes.
func (reg *Registry) EvictIfIdle(docID string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.rooms[docID]
	if !ok {
		return false
	}

	room.mu.Lock()
	idle := room.idleLocked()
	room.mu.Unlock()

	if !idle {
		return false
	}
	delete(reg.rooms, docID)
	logrus.WithField("letter_id", docID).Debug("room evicted")
	return true
}

func (reg *Registry) IsParticipant(docID, connID string) bool {
	room, ok := reg.Lookup(docID)
	if !ok {
		return false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	_, joined := room.participants[connID]
	return joined
}

// RoomsOf returns the letters conn has joined, sorted.
func (reg *Registry) RoomsOf(connID string) []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	joined := reg.memberships[connID]
	ids := make([]string, 0, len(joined))
	for id := range joined {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Rooms lists every live room, busiest first.
func (reg *Registry) Rooms() []RoomInfo {
	reg.mu.RLock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.mu.RUnlock()

	infos := make([]RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		room.mu.Lock()
		infos = append(infos, room.infoLocked())
		room.mu.Unlock()
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Participants == infos[j].Participants {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].Participants > infos[j].Participants
	})
	return infos
}

func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}
