package letters

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"letter-collab/auth"
	"letter-collab/collab"
	"letter-collab/core"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type (
	CreateLetterRequest struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}

	CreateLetterResponse struct {
		ID string `json:"id"`
	}

	UpdateLetterRequest struct {
		Content string `json:"content"`
	}

	LetterResponse struct {
		*core.Letter
		Live bool `json:"live"`
	}

	MirrorResponse struct {
		Status string `json:"status"`
	}

	// LiveSessions is the slice of the collaboration engine the REST glue
	// needs.
	LiveSessions interface {
		Snapshot(docID string) (content, externalRef string, ok bool)
		MirrorNow(ctx context.Context, docID string) (bool, error)
		RemoveMirror(ctx context.Context, docID string) error
	}
)

// Routes mounts the letter endpoints.
func Routes(store core.DocumentStore, live LiveSessions) chi.Router {
	r := chi.NewRouter()
	r.Get("/", HandleList(store, live))
	r.Post("/", HandleCreate(store))
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", HandleGet(store, live))
		r.Put("/", HandlePut(store, live))
		r.Delete("/", HandleDelete(store, live))
		r.Post("/mirror", HandleMirror(live))
		r.Delete("/mirror", HandleRemoveMirror(live))
	})
	return r
}

func HandleCreate(store core.DocumentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateLetterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logrus.WithField("error", err).Error("Failed to decode request")
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		letter := &core.Letter{Title: req.Title, Content: req.Content}
		if identity, ok := auth.IdentityFrom(r.Context()); ok {
			letter.OwnerID = identity.Subject
		}
		id, err := store.Create(r.Context(), letter)
		if err != nil {
			logrus.WithField("error", err).Error("Failed to create letter")
			http.Error(w, "Failed to create letter", http.StatusInternalServerError)
			return
		}

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, CreateLetterResponse{ID: id})
	}
}

// HandleList returns the caller's letters, most recently updated first.
func HandleList(store core.DocumentStore, live LiveSessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := auth.IdentityFrom(r.Context())
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		letters, err := store.List(r.Context(), identity.Subject)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"user_id": identity.Subject,
				"error":   err,
			}).Error("Failed to list letters")
			http.Error(w, "Failed to list letters", http.StatusInternalServerError)
			return
		}

		resp := make([]LetterResponse, 0, len(letters))
		for _, letter := range letters {
			content, ref, isLive := live.Snapshot(letter.ID)
			if isLive {
				letter.Content = content
				letter.ExternalRef = ref
			}
			resp = append(resp, LetterResponse{Letter: letter, Live: isLive})
		}
		render.JSON(w, r, resp)
	}
}

// HandleGet returns the stored letter. While a live room exists its content
// and ref win over the stored copy.
func HandleGet(store core.DocumentStore, live LiveSessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		log := logrus.WithField("letter_id", id)

		content, ref, isLive := live.Snapshot(id)
		letter, err := store.Get(r.Context(), id)
		switch {
		case errors.Is(err, core.ErrLetterNotFound) && isLive:
			letter = &core.Letter{ID: id}
		case errors.Is(err, core.ErrLetterNotFound):
			http.Error(w, "Letter not found", http.StatusNotFound)
			return
		case err != nil:
			log.WithField("error", err).Error("Failed to get letter")
			http.Error(w, "Failed to get letter", http.StatusInternalServerError)
			return
		}
		if isLive {
			letter.Content = content
			letter.ExternalRef = ref
		}

		render.JSON(w, r, LetterResponse{Letter: letter, Live: isLive})
	}
}

// HandlePut is the non-live edit path. A letter with an open session only
// changes through that session.
func HandlePut(store core.DocumentStore, live LiveSessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req UpdateLetterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logrus.WithField("error", err).Error("Failed to decode request")
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if _, _, isLive := live.Snapshot(id); isLive {
			http.Error(w, "Letter is being edited live", http.StatusConflict)
			return
		}

		if err := store.Put(r.Context(), id, req.Content); err != nil {
			if errors.Is(err, core.ErrInvalidID) {
				http.Error(w, "Invalid letter id", http.StatusBadRequest)
				return
			}
			logrus.WithFields(logrus.Fields{
				"letter_id": id,
				"error":     err,
			}).Error("Failed to update letter")
			http.Error(w, "Failed to update letter", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleMirror saves the letter to the mirror service now.
func HandleMirror(live LiveSessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		started, err := live.MirrorNow(r.Context(), id)
		switch {
		case errors.Is(err, collab.ErrMirrorDisabled):
			http.Error(w, "Mirroring is disabled", http.StatusServiceUnavailable)
			return
		case errors.Is(err, core.ErrLetterNotFound), errors.Is(err, collab.ErrRoomNotFound):
			http.Error(w, "Letter not found", http.StatusNotFound)
			return
		case err != nil:
			logrus.WithFields(logrus.Fields{
				"letter_id": id,
				"error":     err,
			}).Error("Failed to start mirror")
			http.Error(w, "Failed to start mirror", http.StatusInternalServerError)
			return
		}

		status := "saving"
		if !started {
			status = "queued"
		}
		render.Status(r, http.StatusAccepted)
		render.JSON(w, r, MirrorResponse{Status: status})
	}
}

// HandleDelete removes a letter and its mirror copy. Letters with an open
// session cannot be deleted, and the letter is kept when its copy could not
// be removed so the ref is not lost.
func HandleDelete(store core.DocumentStore, live LiveSessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		log := logrus.WithField("letter_id", id)

		if _, _, isLive := live.Snapshot(id); isLive {
			http.Error(w, "Letter is being edited live", http.StatusConflict)
			return
		}
		letter, err := store.Get(r.Context(), id)
		switch {
		case errors.Is(err, core.ErrLetterNotFound):
			http.Error(w, "Letter not found", http.StatusNotFound)
			return
		case err != nil:
			log.WithField("error", err).Error("Failed to get letter")
			http.Error(w, "Failed to delete letter", http.StatusInternalServerError)
			return
		}
		if identity, ok := auth.IdentityFrom(r.Context()); ok && letter.OwnerID != "" && letter.OwnerID != identity.Subject {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if letter.ExternalRef != "" {
			err := live.RemoveMirror(r.Context(), id)
			switch {
			case err == nil, errors.Is(err, collab.ErrNotMirrored):
			case errors.Is(err, collab.ErrMirrorDisabled):
				log.WithField("external_ref", letter.ExternalRef).Warn("Mirroring disabled, leaving mirror copy behind")
			case errors.Is(err, collab.ErrSaveInProgress):
				http.Error(w, "Letter is being saved", http.StatusConflict)
				return
			default:
				log.WithField("error", err).Error("Failed to remove mirror copy")
				http.Error(w, "Failed to remove mirror copy", http.StatusBadGateway)
				return
			}
		}

		if err := store.Delete(r.Context(), id); err != nil {
			if errors.Is(err, core.ErrLetterNotFound) {
				http.Error(w, "Letter not found", http.StatusNotFound)
				return
			}
			log.WithField("error", err).Error("Failed to delete letter")
			http.Error(w, "Failed to delete letter", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleRemoveMirror deletes the mirror copy and keeps the letter.
func HandleRemoveMirror(live LiveSessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := live.RemoveMirror(r.Context(), id)
		switch {
		case err == nil:
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, collab.ErrMirrorDisabled), errors.Is(err, collab.ErrShuttingDown):
			http.Error(w, "Mirroring is disabled", http.StatusServiceUnavailable)
		case errors.Is(err, core.ErrLetterNotFound), errors.Is(err, collab.ErrRoomNotFound):
			http.Error(w, "Letter not found", http.StatusNotFound)
		case errors.Is(err, collab.ErrNotMirrored):
			http.Error(w, "Letter has no mirror copy", http.StatusNotFound)
		case errors.Is(err, collab.ErrSaveInProgress):
			http.Error(w, "Letter is being saved", http.StatusConflict)
		default:
			logrus.WithFields(logrus.Fields{
				"letter_id": id,
				"error":     err,
			}).Error("Failed to remove mirror copy")
			http.Error(w, "Failed to remove mirror copy", http.StatusBadGateway)
		}
	}
}
