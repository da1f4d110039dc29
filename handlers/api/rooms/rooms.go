package rooms

import (
	"net/http"

	"letter-collab/collab"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

type (
	// RoomLister reports the rooms currently held in memory.
	RoomLister interface {
		Rooms() []collab.RoomInfo
	}

	SaveStater interface {
		State(docID string) (state string, lastErr error, ok bool)
	}

	RoomStateResponse struct {
		ID        string `json:"id"`
		State     string `json:"state"`
		LastError string `json:"lastError,omitempty"`
	}
)

func Routes(rooms RoomLister, saves SaveStater) chi.Router {
	r := chi.NewRouter()
	r.Get("/", HandleListRooms(rooms))
	r.Get("/{id}", HandleRoomState(saves))
	return r
}

// HandleListRooms lists active rooms, busiest first.
func HandleListRooms(rooms RoomLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := rooms.Rooms()
		if list == nil {
			list = []collab.RoomInfo{}
		}
		render.JSON(w, r, list)
	}
}

func HandleRoomState(saves SaveStater) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		state, lastErr, ok := saves.State(id)
		if !ok {
			http.Error(w, "Room not found", http.StatusNotFound)
			return
		}
		resp := RoomStateResponse{ID: id, State: state}
		if lastErr != nil {
			resp.LastError = lastErr.Error()
		}
		render.JSON(w, r, resp)
	}
}
