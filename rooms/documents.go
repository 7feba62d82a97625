package rooms

import (
	"context"

	"roomsync-server/core"

	"github.com/sirupsen/logrus"
)

// Documents is the last-writer-wins synchronizer. Every accepted update gets
// the next version from the store; nothing is merged.
type Documents struct {
	store core.RoomStore

	// rejectStale turns a client-supplied base version into a precondition.
	rejectStale bool
}

func NewDocuments(store core.RoomStore, rejectStale bool) *Documents {
	return &Documents{store: store, rejectStale: rejectStale}
}

func (d *Documents) Fetch(ctx context.Context, roomID string) (*core.Document, error) {
	roomID = NormalizeRoomID(roomID)
	if roomID == "" {
		return nil, core.ErrMissingRoomID
	}
	return d.store.ReadDocument(ctx, roomID)
}

// Update stores content as the new snapshot of roomID. baseVersion is the
// version the author last saw; it only matters when stale updates are rejected.
func (d *Documents) Update(ctx context.Context, roomID, content, author string, baseVersion int64) (*core.UpdateResult, error) {
	roomID = NormalizeRoomID(roomID)
	if roomID == "" {
		return nil, core.ErrMissingRoomID
	}

	if !d.rejectStale {
		baseVersion = 0
	}

	version, err := d.store.ApplyUpdate(ctx, roomID, content, baseVersion)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"room_id": roomID,
		"author":  author,
		"version": version,
		"length":  len(content),
	}).Debug("Document updated")

	return &core.UpdateResult{Version: version, Content: content, Author: author}, nil
}
