package core

import "errors"

var (
	ErrMissingNickname = errors.New("nickname is required")
	ErrMissingRoomID   = errors.New("room id is required")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrNotInRoom       = errors.New("connection is not bound to a room")

	ErrRoomNotFound     = errors.New("room not found")
	ErrDocumentNotFound = errors.New("document not found")

	ErrRoomExists       = errors.New("room already exists")
	ErrRoomIDExhausted  = errors.New("could not allocate a free room id")
	ErrRoomFull         = errors.New("room is full")
	ErrVersionConflict  = errors.New("document version conflict")
	ErrStoreUnavailable = errors.New("room store unavailable")
)

// ErrorCode is the machine-readable code sent to clients in acks and HTTP bodies.
type ErrorCode string

const (
	CodeInvalidPayload  ErrorCode = "INVALID_PAYLOAD"
	CodeMissingNickname ErrorCode = "MISSING_NICKNAME"
	CodeMissingRoomID   ErrorCode = "MISSING_ROOM_ID"
	CodeNotInRoom       ErrorCode = "NOT_IN_ROOM"
	CodeRoomNotFound    ErrorCode = "ROOM_NOT_FOUND"
	CodeRoomFull        ErrorCode = "ROOM_FULL"
	CodeVersionConflict ErrorCode = "VERSION_CONFLICT"
	CodeCreateFailed    ErrorCode = "CREATE_FAILED"
	CodeJoinFailed      ErrorCode = "JOIN_FAILED"
	CodeInternal        ErrorCode = "INTERNAL"
)

// CodeOf classifies err. Anything not recognised is reported as fallback,
// which callers pick per operation (CREATE_FAILED, JOIN_FAILED, INTERNAL).
func CodeOf(err error, fallback ErrorCode) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidPayload):
		return CodeInvalidPayload
	case errors.Is(err, ErrMissingNickname):
		return CodeMissingNickname
	case errors.Is(err, ErrMissingRoomID):
		return CodeMissingRoomID
	case errors.Is(err, ErrNotInRoom):
		return CodeNotInRoom
	case errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrDocumentNotFound):
		return CodeRoomNotFound
	case errors.Is(err, ErrRoomFull):
		return CodeRoomFull
	case errors.Is(err, ErrVersionConflict):
		return CodeVersionConflict
	default:
		return fallback
	}
}

// IsValidation reports whether err was caused by bad caller input rather
// than by missing state or a store failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrMissingNickname) ||
		errors.Is(err, ErrMissingRoomID) ||
		errors.Is(err, ErrNotInRoom)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrRoomNotFound) || errors.Is(err, ErrDocumentNotFound)
}
