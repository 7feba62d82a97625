package websocket

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"roomsync-server/core"
	"roomsync-server/relay"
	"roomsync-server/rooms"

	"github.com/mitchellh/mapstructure"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// Events pushed from the server to clients.
const (
	EventMembers    = "room:members"
	EventUserJoined = "room:user-joined"
	EventUserLeft   = "room:user-left"
	EventDocApply   = "doc:apply"
	EventCursor     = "presence:cursor"
)

// Conn is the part of a transport connection the handler drives.
type Conn interface {
	ID() string
	Join(roomID string)
	Leave(roomID string)
}

type (
	createRequest struct {
		Nickname string `mapstructure:"nickname"`
		Language string `mapstructure:"language"`
		RoomID   string `mapstructure:"roomId"`
	}

	joinRequest struct {
		Nickname string `mapstructure:"nickname"`
		RoomID   string `mapstructure:"roomId"`
	}

	roomRequest struct {
		RoomID string `mapstructure:"roomId"`
	}

	updateRequest struct {
		RoomID      string  `mapstructure:"roomId"`
		Content     *string `mapstructure:"content"`
		BaseVersion int64   `mapstructure:"baseVersion"`
	}

	cursorRequest struct {
		Line   int `mapstructure:"line"`
		Column int `mapstructure:"column"`
	}

	peer struct {
		ID       string `json:"id"`
		Nickname string `json:"nickname"`
	}

	docApply struct {
		Content string `json:"content"`
		Version int64  `json:"version"`
		Author  string `json:"author"`
		EventID string `json:"eventId"`
	}

	cursor struct {
		ID       string `json:"id"`
		Nickname string `json:"nickname"`
		Color    string `json:"color"`
		Line     int    `json:"line"`
		Column   int    `json:"column"`
	}
)

var cursorColors = []string{
	"#ef4444", "#3b82f6", "#10b981", "#f97316", "#6366f1",
	"#a855f7", "#ec4899", "#f59e0b", "#06b6d4", "#84cc16",
}

// Handler runs the session operations. Every method returns the ack body
// for the client; failures never escape as panics or errors.
type Handler struct {
	membership *rooms.Membership
	documents  *rooms.Documents
	fabric     relay.Fabric
}

func NewHandler(membership *rooms.Membership, documents *rooms.Documents, fabric relay.Fabric) *Handler {
	return &Handler{membership: membership, documents: documents, fabric: fabric}
}

func (h *Handler) CreateRoom(ctx context.Context, conn Conn, sess *Session, args []any) map[string]any {
	var req createRequest
	if err := decodePayload(args, &req); err != nil {
		return h.fail("room:create", sess, err, core.CodeCreateFailed)
	}

	roomID, err := h.membership.Create(ctx, req.Nickname, req.Language, req.RoomID)
	if err != nil {
		return h.fail("room:create", sess, err, core.CodeCreateFailed)
	}

	return h.bind(ctx, conn, sess, "room:create", Binding{
		Nickname: strings.TrimSpace(req.Nickname),
		RoomID:   roomID,
		IsAdmin:  true,
	})
}

func (h *Handler) JoinRoom(ctx context.Context, conn Conn, sess *Session, args []any) map[string]any {
	var req joinRequest
	if err := decodePayload(args, &req); err != nil {
		return h.fail("room:join", sess, err, core.CodeJoinFailed)
	}

	roomID, err := h.membership.Join(ctx, req.Nickname, req.RoomID)
	if err != nil {
		return h.fail("room:join", sess, err, core.CodeJoinFailed)
	}

	nickname := strings.TrimSpace(req.Nickname)
	state, err := h.membership.Snapshot(ctx, roomID)
	if err != nil {
		return h.fail("room:join", sess, err, core.CodeJoinFailed)
	}

	return h.bind(ctx, conn, sess, "room:join", Binding{
		Nickname: nickname,
		RoomID:   roomID,
		IsAdmin:  state.Admin == nickname,
	})
}

// bind attaches the session to b after the store accepted it. The room view
// is read before anything is bound, so a failed read leaves the session as
// it was. A previous binding to a different room or nickname is released
// afterwards.
func (h *Handler) bind(ctx context.Context, conn Conn, sess *Session, event string, b Binding) map[string]any {
	state, err := h.membership.Snapshot(ctx, b.RoomID)
	if err != nil {
		h.undoMembership(ctx, sess, b)
		return h.fail(event, sess, err, core.CodeInternal)
	}
	doc, err := h.documents.Fetch(ctx, b.RoomID)
	if err != nil {
		h.undoMembership(ctx, sess, b)
		return h.fail(event, sess, err, core.CodeInternal)
	}

	prev, hadPrev, ok := sess.Bind(b)
	if !ok {
		// The connection went away while the store call was in flight.
		h.undoMembership(ctx, sess, b)
		return errorAck(core.CodeNotInRoom, "connection closed")
	}
	if hadPrev && (prev.RoomID != b.RoomID || prev.Nickname != b.Nickname) {
		h.release(ctx, conn, sess.ID(), prev)
	}

	conn.Join(b.RoomID)
	if event == "room:join" {
		h.broadcast(b.RoomID, sess.ID(), EventUserJoined, peer{ID: sess.ID(), Nickname: b.Nickname})
	}
	h.broadcast(b.RoomID, "", EventMembers, state)

	logrus.WithFields(logrus.Fields{
		"session":  sess.ID(),
		"room_id":  b.RoomID,
		"nickname": b.Nickname,
		"admin":    b.IsAdmin,
	}).Info("Session bound to room")

	return okAck(map[string]any{
		"roomId":   b.RoomID,
		"nickname": b.Nickname,
		"isAdmin":  b.IsAdmin,
		"state":    state,
		"document": doc,
	})
}

// undoMembership drops the member the store just recorded for b, unless the
// session already held exactly that binding.
func (h *Handler) undoMembership(ctx context.Context, sess *Session, b Binding) {
	if cur, bound := sess.Current(); bound && cur.RoomID == b.RoomID && cur.Nickname == b.Nickname {
		return
	}
	if _, err := h.membership.Leave(ctx, b.Nickname, b.RoomID); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"session": sess.ID(),
			"room_id": b.RoomID,
		}).Error("Failed to release membership of unbound session")
	}
}

func (h *Handler) RoomState(ctx context.Context, sess *Session, args []any) map[string]any {
	roomID, err := h.targetRoom(sess, args)
	if err != nil {
		return h.fail("room:state", sess, err, core.CodeInternal)
	}

	state, err := h.membership.Snapshot(ctx, roomID)
	if err != nil {
		return h.fail("room:state", sess, err, core.CodeInternal)
	}
	return okAck(map[string]any{
		"roomId":   state.RoomID,
		"admin":    state.Admin,
		"language": state.Language,
		"members":  state.Members,
	})
}

func (h *Handler) FetchDocument(ctx context.Context, sess *Session, args []any) map[string]any {
	roomID, err := h.targetRoom(sess, args)
	if err != nil {
		return h.fail("doc:fetch", sess, err, core.CodeInternal)
	}

	doc, err := h.documents.Fetch(ctx, roomID)
	if err != nil {
		return h.fail("doc:fetch", sess, err, core.CodeInternal)
	}
	return okAck(map[string]any{"content": doc.Content, "version": doc.Version})
}

func (h *Handler) UpdateDocument(ctx context.Context, sess *Session, args []any) map[string]any {
	b, bound := sess.Current()
	if !bound {
		return h.fail("doc:update", sess, core.ErrNotInRoom, core.CodeInternal)
	}

	var req updateRequest
	if err := decodePayload(args, &req); err != nil {
		return h.fail("doc:update", sess, err, core.CodeInternal)
	}
	if req.Content == nil {
		return h.fail("doc:update", sess, fmt.Errorf("content must be a string: %w", core.ErrInvalidPayload), core.CodeInternal)
	}
	if req.RoomID != "" && rooms.NormalizeRoomID(req.RoomID) != b.RoomID {
		return h.fail("doc:update", sess, core.ErrNotInRoom, core.CodeInternal)
	}

	res, err := h.documents.Update(ctx, b.RoomID, *req.Content, b.Nickname, req.BaseVersion)
	if errors.Is(err, core.ErrVersionConflict) {
		ack := h.fail("doc:update", sess, err, core.CodeInternal)
		if doc, fetchErr := h.documents.Fetch(ctx, b.RoomID); fetchErr == nil {
			ack["content"] = doc.Content
			ack["version"] = doc.Version
		}
		return ack
	}
	if err != nil {
		return h.fail("doc:update", sess, err, core.CodeInternal)
	}

	eventID := ulid.Make().String()
	h.broadcast(b.RoomID, sess.ID(), EventDocApply, docApply{
		Content: res.Content,
		Version: res.Version,
		Author:  res.Author,
		EventID: eventID,
	})

	return okAck(map[string]any{"version": res.Version, "eventId": eventID})
}

func (h *Handler) Cursor(sess *Session, args []any) map[string]any {
	b, bound := sess.Current()
	if !bound {
		return h.fail("presence:cursor", sess, core.ErrNotInRoom, core.CodeInternal)
	}

	var req cursorRequest
	if err := decodePayload(args, &req); err != nil {
		return h.fail("presence:cursor", sess, err, core.CodeInternal)
	}

	h.broadcast(b.RoomID, sess.ID(), EventCursor, cursor{
		ID:       sess.ID(),
		Nickname: b.Nickname,
		Color:    CursorColor(b.Nickname),
		Line:     req.Line,
		Column:   req.Column,
	})
	return okAck(nil)
}

// Disconnect closes the session and releases its membership. Cleanup
// failures are logged only; the connection closes regardless.
func (h *Handler) Disconnect(ctx context.Context, sess *Session) {
	last, wasBound := sess.Close()
	if !wasBound {
		logrus.WithField("session", sess.ID()).Debug("Unbound session closed")
		return
	}
	h.release(ctx, nil, sess.ID(), last)
}

// release removes b from its room and tells whoever remains.
func (h *Handler) release(ctx context.Context, conn Conn, sessionID string, b Binding) {
	if conn != nil {
		conn.Leave(b.RoomID)
	}

	remaining, err := h.membership.Leave(ctx, b.Nickname, b.RoomID)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"session":  sessionID,
			"room_id":  b.RoomID,
			"nickname": b.Nickname,
		}).Error("Failed to leave room")
		return
	}
	if remaining == 0 {
		return
	}

	h.broadcast(b.RoomID, sessionID, EventUserLeft, peer{ID: sessionID, Nickname: b.Nickname})

	state, err := h.membership.Snapshot(ctx, b.RoomID)
	if err != nil {
		logrus.WithError(err).WithField("room_id", b.RoomID).Warn("Room vanished before member list refresh")
		return
	}
	h.broadcast(b.RoomID, "", EventMembers, state)
}

// targetRoom picks the room id from the payload, either an object with
// roomId or a bare id string, falling back to the session's own room.
func (h *Handler) targetRoom(sess *Session, args []any) (string, error) {
	var req roomRequest
	if len(args) > 0 {
		if id, ok := args[0].(string); ok {
			req.RoomID = id
		} else if err := decodePayload(args, &req); err != nil {
			return "", err
		}
	}
	if roomID := rooms.NormalizeRoomID(req.RoomID); roomID != "" {
		return roomID, nil
	}
	if b, bound := sess.Current(); bound {
		return b.RoomID, nil
	}
	return "", core.ErrMissingRoomID
}

func (h *Handler) broadcast(roomID, exceptID, event string, payload any) {
	if err := h.fabric.Broadcast(roomID, exceptID, event, payload); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"room_id": roomID,
			"event":   event,
		}).Error("Failed to broadcast")
	}
}

func (h *Handler) fail(event string, sess *Session, err error, fallback core.ErrorCode) map[string]any {
	code := core.CodeOf(err, fallback)
	entry := logrus.WithError(err).WithFields(logrus.Fields{
		"event":   event,
		"session": sess.ID(),
		"code":    code,
	})

	message := err.Error()
	switch {
	case core.IsValidation(err):
		entry.Debug("Rejected request")
	case code == fallback:
		entry.Error("Request failed")
		message = "operation failed"
	default:
		entry.Warn("Request refused")
	}
	return errorAck(code, message)
}

// CursorColor maps a nickname to a stable palette entry.
func CursorColor(nickname string) string {
	h := fnv.New32a()
	h.Write([]byte(nickname))
	return cursorColors[h.Sum32()%uint32(len(cursorColors))]
}

// decodePayload reads the first event argument into out. A missing argument
// leaves out zeroed so the operation reports which field is absent.
func decodePayload(args []any, out any) error {
	if len(args) == 0 || args[0] == nil {
		return nil
	}
	if _, ok := args[0].(map[string]any); !ok {
		return fmt.Errorf("payload must be an object, got %T: %w", args[0], core.ErrInvalidPayload)
	}
	if err := mapstructure.Decode(args[0], out); err != nil {
		return fmt.Errorf("%v: %w", err, core.ErrInvalidPayload)
	}
	return nil
}

func okAck(fields map[string]any) map[string]any {
	ack := map[string]any{"ok": true}
	for k, v := range fields {
		ack[k] = v
	}
	return ack
}

func errorAck(code core.ErrorCode, message string) map[string]any {
	return map[string]any{
		"ok":      false,
		"code":    string(code),
		"message": message,
	}
}
