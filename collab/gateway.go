package collab

import (
	"context"
	"errors"
	"strings"
	"sync"

	"letter-collab/core"

	"github.com/sirupsen/logrus"
)

var ErrUnauthenticated = errors.New("connection has no identity")

type handle struct {
	conn     Conn
	identity core.Identity
}

// Gateway turns connection events into registry and relay calls. It owns the
// connection handles; room membership lives in the Registry.
type Gateway struct {
	registry *Registry
	relay    *Relay
	store    core.DocumentStore
	// trigger starts a save that was deferred while a room loaded.
	trigger func(docID string) bool

	mu    sync.RWMutex
	conns map[string]*handle
}

func NewGateway(registry *Registry, relay *Relay, store core.DocumentStore) *Gateway {
	return &Gateway{
		registry: registry,
		relay:    relay,
		store:    store,
		conns:    make(map[string]*handle),
	}
}

func (g *Gateway) OnConnect(conn Conn, identity core.Identity) error {
	if identity.IsZero() {
		return ErrUnauthenticated
	}
	g.mu.Lock()
	g.conns[conn.ID()] = &handle{conn: conn, identity: identity}
	g.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"conn_id": conn.ID(),
		"user_id": identity.Subject,
	}).Debug("connection registered")
	return nil
}

func (g *Gateway) Identity(conn Conn) (core.Identity, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	h, ok := g.conns[conn.ID()]
	if !ok {
		return core.Identity{}, false
	}
	return h.identity, true
}

// OnJoin adds conn to the letter's room. The first join of a room loads the
// stored letter so late joiners have something to catch up to.
func (g *Gateway) OnJoin(ctx context.Context, conn Conn, docID string) (RoomView, error) {
	docID = strings.TrimSpace(docID)
	if docID == "" {
		return RoomView{}, g.reject(conn, docID, core.ErrInvalidID)
	}
	identity, ok := g.Identity(conn)
	if !ok {
		return RoomView{}, g.reject(conn, docID, ErrUnauthenticated)
	}

	room, view := g.registry.join(docID, conn, g.store != nil)
	log := logrus.WithFields(logrus.Fields{
		"letter_id":    docID,
		"conn_id":      conn.ID(),
		"user_id":      identity.Subject,
		"participants": view.Participants,
	})
	log.Info("Participant joined letter")

	if view.Created && g.store != nil {
		g.load(ctx, room, log)
	}
	return view, nil
}

// load reads the stored letter into a room created with the loading mark
// and clears the mark, even when the read fails. Edits that arrived during
// the read win over the stored content.
func (g *Gateway) load(ctx context.Context, room *Room, log *logrus.Entry) error {
	letter, err := g.store.Get(ctx, room.ID)
	switch {
	case errors.Is(err, core.ErrLetterNotFound):
		log.Debug("No stored letter, room starts empty")
	case err != nil:
		log.WithField("error", err).Warn("Failed to load stored letter")
	}
	if err != nil {
		letter = nil
	}

	applied, deferred := g.relay.finishLoad(room, letter)
	if applied {
		log.WithField("external_ref", letter.ExternalRef).Debug("Room seeded from store")
	}
	if deferred && g.trigger != nil {
		g.trigger(room.ID)
	}
	g.registry.EvictIfIdle(room.ID)
	return err
}

// OnEdit applies an edit from conn. Edits for a letter conn never joined are
// rejected without touching room state.
func (g *Gateway) OnEdit(conn Conn, docID, content string) error {
	if _, ok := g.Identity(conn); !ok {
		return g.reject(conn, docID, ErrUnauthenticated)
	}
	if err := g.relay.ApplyEdit(docID, conn, content); err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			err = ErrNotJoined
		}
		return g.reject(conn, docID, err)
	}
	return nil
}

func (g *Gateway) OnRequestCatchUp(conn Conn, docID string) (string, error) {
	if _, ok := g.Identity(conn); !ok {
		return "", g.reject(conn, docID, ErrUnauthenticated)
	}
	content, err := g.relay.CatchUp(docID, conn)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			err = ErrNotJoined
		}
		return "", g.reject(conn, docID, err)
	}
	return content, nil
}

func (g *Gateway) OnLeave(conn Conn, docID string) {
	g.registry.Leave(docID, conn)
	logrus.WithFields(logrus.Fields{
		"letter_id": docID,
		"conn_id":   conn.ID(),
	}).Info("Participant left letter")
}

// OnDisconnect leaves every room conn was in and forgets the handle.
func (g *Gateway) OnDisconnect(conn Conn) {
	left := g.registry.LeaveAll(conn)

	g.mu.Lock()
	delete(g.conns, conn.ID())
	g.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"conn_id": conn.ID(),
		"letters": left,
	}).Info("Connection closed")
}

// reject reports err to conn alone and hands it back to the caller.
func (g *Gateway) reject(conn Conn, docID string, err error) error {
	_ = conn.Emit(EventError, ErrorPayload{LetterID: docID, Error: err.Error()})
	logrus.WithFields(logrus.Fields{
		"letter_id": docID,
		"conn_id":   conn.ID(),
		"error":     err,
	}).Warn("Rejected event")
	return err
}
