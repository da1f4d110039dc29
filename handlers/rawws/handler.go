// Package rawws serves collaborative editing over a plain WebSocket with
// JSON frames, for clients that do not speak socket.io.
package rawws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"letter-collab/auth"
	"letter-collab/collab"
	"letter-collab/core"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// EventJoined acknowledges a join with the room's participant count.
const EventJoined = "joinedLetter"

type Handler struct {
	gateway  *collab.Gateway
	verifier *auth.Verifier
	upgrader websocket.Upgrader
}

// NewHandler accepts upgrades from any of origins. An empty list allows
// every origin.
func NewHandler(engine *collab.Engine, verifier *auth.Verifier, origins []string) *Handler {
	allowed := make(map[string]bool, len(origins))
	for _, origin := range origins {
		allowed[origin] = true
	}
	return &Handler{
		gateway:  engine.Gateway,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || origin == "" || allowed[origin]
			},
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	connID := ulid.Make().String()
	identity, err := h.identify(r, connID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"conn_id": connID,
			"error":   err,
		}).Warn("Rejecting unauthenticated websocket")
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithField("error", err).Debug("Websocket upgrade failed")
		return
	}
	conn := newWSConn(connID, ws)
	if err := h.gateway.OnConnect(conn, identity); err != nil {
		conn.close()
		return
	}
	go conn.writePump()

	h.readLoop(r.Context(), conn)
	h.gateway.OnDisconnect(conn)
	conn.close()
}

func (h *Handler) identify(r *http.Request, connID string) (core.Identity, error) {
	identity, err := h.verifier.IdentifyRequest(r)
	if errors.Is(err, auth.ErrMissingCredentials) && !h.verifier.Enabled() {
		return core.Identity{Subject: "anonymous:" + connID}, nil
	}
	return identity, err
}

func (h *Handler) readLoop(ctx context.Context, conn *wsConn) {
	conn.conn.SetReadLimit(maxMessage)
	_ = conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame Frame
		if err := conn.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithFields(logrus.Fields{
					"conn_id": conn.ID(),
					"error":   err,
				}).Debug("Websocket read failed")
			}
			return
		}
		h.dispatch(ctx, conn, frame)
	}
}

// dispatch handles one inbound frame. Gateway rejections already reach the
// client as letterError frames.
func (h *Handler) dispatch(ctx context.Context, conn *wsConn, frame Frame) {
	switch frame.Type {
	case collab.EventJoin:
		view, err := h.gateway.OnJoin(ctx, conn, frame.LetterID)
		if err != nil {
			return
		}
		_ = conn.enqueue(Frame{
			Type:     EventJoined,
			LetterID: view.ID,
			Data:     map[string]int{"users": view.Participants},
		})
	case collab.EventRequestCatchUp:
		_, _ = h.gateway.OnRequestCatchUp(conn, frame.LetterID)
	case collab.EventEdit:
		_ = h.gateway.OnEdit(conn, frame.LetterID, frame.Content)
	case collab.EventLeave:
		h.gateway.OnLeave(conn, frame.LetterID)
	default:
		_ = conn.Emit(collab.EventError, collab.ErrorPayload{
			LetterID: frame.LetterID,
			Error:    "unknown frame type " + frame.Type,
		})
	}
}
