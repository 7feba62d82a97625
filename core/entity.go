package core

import (
	"context"
	"time"
)

const (
	// DefaultLanguage is used when a room is created without a language label.
	DefaultLanguage = "javascript"

	// InitialVersion is the document version a freshly created room starts at.
	InitialVersion int64 = 1
)

type (
	// RoomState is the public view of a room: who created it and who is in it.
	RoomState struct {
		RoomID   string   `json:"roomId"`
		Admin    string   `json:"admin"`
		Language string   `json:"language"`
		Members  []string `json:"members"`
	}

	// Document is the full text snapshot of a room together with its version.
	Document struct {
		Content string `json:"content"`
		Version int64  `json:"version"`
	}

	// UpdateResult is what an accepted last-writer-wins update produced.
	UpdateResult struct {
		Version int64  `json:"version"`
		Content string `json:"content"`
		Author  string `json:"author"`
	}

	RoomSummary struct {
		ID        string    `json:"id"`
		Members   int       `json:"members"`
		CreatedAt time.Time `json:"createdAt"`
	}

	// RoomStore is the authoritative, TTL-bounded record of rooms. Every
	// method must be safe to call concurrently.
	RoomStore interface {
		Exists(ctx context.Context, roomID string) (bool, error)

		// CreateRoom writes metadata, adds the admin as first member and seeds
		// the document at InitialVersion. It returns ErrRoomExists when the id
		// is already live.
		CreateRoom(ctx context.Context, roomID, admin, language string) error

		ReadState(ctx context.Context, roomID string) (*RoomState, error)

		// AddMember adds nickname to the member set and returns the new size.
		AddMember(ctx context.Context, roomID, nickname string) (int, error)

		// RemoveMember removes nickname and returns how many members remain.
		// When none remain every record of the room is deleted before returning.
		RemoveMember(ctx context.Context, roomID, nickname string) (int, error)

		ReadDocument(ctx context.Context, roomID string) (*Document, error)

		// ApplyUpdate increments the version and overwrites the content as one
		// unit. A baseVersion of 0 skips the staleness check.
		ApplyUpdate(ctx context.Context, roomID, content string, baseVersion int64) (int64, error)

		Ping(ctx context.Context) error
		Close() error
	}

	RoomRegistry interface {
		ListRooms(ctx context.Context) ([]RoomSummary, error)
	}
)

// SeedContent is the document every new room starts with.
func SeedContent(roomID string) string {
	return "// Welcome to room " + roomID + "\n"
}
