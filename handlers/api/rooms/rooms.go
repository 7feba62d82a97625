package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"roomsync-server/core"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type (
	CreateRoomRequest struct {
		Nickname string `json:"nickname"`
		Language string `json:"language"`
		RoomID   string `json:"roomId"`
	}

	CreateRoomResponse struct {
		RoomID string `json:"roomId"`
	}

	ExistsResponse struct {
		Exists bool `json:"exists"`
		Count  int  `json:"count"`
		Full   bool `json:"full"`
	}

	ErrorResponse struct {
		Code    core.ErrorCode `json:"code"`
		Message string         `json:"message"`
	}

	RoomService interface {
		Create(ctx context.Context, nickname, language, requestedID string) (string, error)
		Exists(ctx context.Context, roomID string) (bool, int, error)
		Snapshot(ctx context.Context, roomID string) (*core.RoomState, error)
		HasCapacity(count int) bool
	}

	DocumentService interface {
		Fetch(ctx context.Context, roomID string) (*core.Document, error)
	}
)

// HandleCreate opens a room over HTTP. The creator is recorded as admin and
// member; the socket session that follows joins it idempotently.
func HandleCreate(svc RoomService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateRoomRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logrus.WithError(err).Debug("Failed to decode create request")
			writeError(w, r, core.ErrInvalidPayload, core.CodeCreateFailed)
			return
		}

		roomID, err := svc.Create(r.Context(), req.Nickname, req.Language, req.RoomID)
		if err != nil {
			writeError(w, r, err, core.CodeCreateFailed)
			return
		}

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, CreateRoomResponse{RoomID: roomID})
	}
}

// HandleExists reports whether a room can be joined.
func HandleExists(svc RoomService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		exists, count, err := svc.Exists(r.Context(), chi.URLParam(r, "roomId"))
		if err != nil {
			writeError(w, r, err, core.CodeInternal)
			return
		}

		render.JSON(w, r, ExistsResponse{
			Exists: exists,
			Count:  count,
			Full:   exists && !svc.HasCapacity(count),
		})
	}
}

func HandleGetState(svc RoomService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := svc.Snapshot(r.Context(), chi.URLParam(r, "roomId"))
		if err != nil {
			writeError(w, r, err, core.CodeInternal)
			return
		}
		render.JSON(w, r, state)
	}
}

func HandleGetDocument(docs DocumentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := docs.Fetch(r.Context(), chi.URLParam(r, "roomId"))
		if err != nil {
			writeError(w, r, err, core.CodeInternal)
			return
		}
		render.JSON(w, r, doc)
	}
}

// HandleList lists live rooms, newest first.
func HandleList(registry core.RoomRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rooms, err := registry.ListRooms(r.Context())
		if err != nil {
			writeError(w, r, err, core.CodeInternal)
			return
		}
		if rooms == nil {
			rooms = []core.RoomSummary{}
		}
		render.JSON(w, r, rooms)
	}
}

// StatusOf maps an operation error to the HTTP status reported for it.
func StatusOf(err error) int {
	switch {
	case core.IsValidation(err):
		return http.StatusBadRequest
	case core.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, core.ErrRoomFull), errors.Is(err, core.ErrVersionConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error, fallback core.ErrorCode) {
	status := StatusOf(err)
	resp := ErrorResponse{Code: core.CodeOf(err, fallback), Message: err.Error()}

	entry := logrus.WithError(err).WithFields(logrus.Fields{
		"path":   r.URL.Path,
		"status": status,
	})
	if status == http.StatusInternalServerError {
		entry.Error("Request failed")
		resp.Message = "operation failed"
	} else {
		entry.Debug("Request refused")
	}

	render.Status(r, status)
	render.JSON(w, r, resp)
}
