package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"roomsync-server/core"

	"github.com/sirupsen/logrus"
)

// maxCreateAttempts bounds how many fresh codes Create tries before giving up.
const maxCreateAttempts = 8

// Membership coordinates room creation and joins against the store and keeps
// the "who is in the room, who is admin" view correct.
type Membership struct {
	store           core.RoomStore
	maxParticipants int
	newCode         func() string
}

func NewMembership(store core.RoomStore, maxParticipants int) *Membership {
	return &Membership{
		store:           store,
		maxParticipants: maxParticipants,
		newCode:         NewRoomCode,
	}
}

// Create opens a room with nickname as admin. A requested id that is already
// taken is replaced by a generated one rather than failing.
func (m *Membership) Create(ctx context.Context, nickname, language, requestedID string) (string, error) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return "", core.ErrMissingNickname
	}
	language = strings.TrimSpace(language)
	if language == "" {
		language = core.DefaultLanguage
	}

	roomID := NormalizeRoomID(requestedID)
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		if roomID == "" {
			roomID = m.newCode()
		}

		exists, err := m.store.Exists(ctx, roomID)
		if err != nil {
			return "", fmt.Errorf("create room: %w", err)
		}
		if !exists {
			err = m.store.CreateRoom(ctx, roomID, nickname, language)
			if err == nil {
				logrus.WithFields(logrus.Fields{
					"room_id":  roomID,
					"admin":    nickname,
					"language": language,
				}).Info("Room opened")
				return roomID, nil
			}
			if !errors.Is(err, core.ErrRoomExists) {
				return "", fmt.Errorf("create room: %w", err)
			}
		}

		logrus.WithField("room_id", roomID).Debug("Room id taken, generating another")
		roomID = ""
	}

	return "", core.ErrRoomIDExhausted
}

// Join adds nickname to an existing room. Joining twice with the same
// nickname is a no-op on the member set.
func (m *Membership) Join(ctx context.Context, nickname, roomID string) (string, error) {
	nickname = strings.TrimSpace(nickname)
	roomID = NormalizeRoomID(roomID)
	if nickname == "" {
		return "", core.ErrMissingNickname
	}
	if roomID == "" {
		return "", core.ErrMissingRoomID
	}

	state, err := m.store.ReadState(ctx, roomID)
	if err != nil {
		return "", err
	}

	if m.maxParticipants > 0 && !contains(state.Members, nickname) && len(state.Members) >= m.maxParticipants {
		logrus.WithFields(logrus.Fields{
			"room_id":  roomID,
			"nickname": nickname,
			"members":  len(state.Members),
		}).Warn("Join rejected, room is full")
		return "", fmt.Errorf("room %s: %w", roomID, core.ErrRoomFull)
	}

	count, err := m.store.AddMember(ctx, roomID, nickname)
	if err != nil {
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"room_id":  roomID,
		"nickname": nickname,
		"members":  count,
	}).Info("Member joined room")
	return roomID, nil
}

// Leave removes nickname and reports how many members remain. At zero the
// room and its document no longer exist. The recorded admin is left as is.
func (m *Membership) Leave(ctx context.Context, nickname, roomID string) (int, error) {
	roomID = NormalizeRoomID(roomID)
	if roomID == "" {
		return 0, core.ErrMissingRoomID
	}
	if nickname == "" {
		return 0, core.ErrMissingNickname
	}

	remaining, err := m.store.RemoveMember(ctx, roomID, nickname)
	if err != nil {
		return 0, err
	}

	logrus.WithFields(logrus.Fields{
		"room_id":   roomID,
		"nickname":  nickname,
		"remaining": remaining,
	}).Info("Member left room")
	return remaining, nil
}

func (m *Membership) Snapshot(ctx context.Context, roomID string) (*core.RoomState, error) {
	roomID = NormalizeRoomID(roomID)
	if roomID == "" {
		return nil, core.ErrMissingRoomID
	}
	return m.store.ReadState(ctx, roomID)
}

// Exists reports whether roomID is live and how many members it has.
func (m *Membership) Exists(ctx context.Context, roomID string) (bool, int, error) {
	state, err := m.Snapshot(ctx, roomID)
	if core.IsNotFound(err) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return true, len(state.Members), nil
}

// HasCapacity reports whether another nickname could join a room of count members.
func (m *Membership) HasCapacity(count int) bool {
	return m.maxParticipants == 0 || count < m.maxParticipants
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
