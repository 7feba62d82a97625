package core

import (
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		fallback ErrorCode
		want     ErrorCode
	}{
		{"nil", nil, CodeInternal, ""},
		{"missing nickname", ErrMissingNickname, CodeCreateFailed, CodeMissingNickname},
		{"wrapped room not found", fmt.Errorf("room AB: %w", ErrRoomNotFound), CodeJoinFailed, CodeRoomNotFound},
		{"document not found", ErrDocumentNotFound, CodeInternal, CodeRoomNotFound},
		{"room full", fmt.Errorf("room AB: %w", ErrRoomFull), CodeJoinFailed, CodeRoomFull},
		{"conflict", ErrVersionConflict, CodeInternal, CodeVersionConflict},
		{"store failure", fmt.Errorf("read: %w: %w", ErrStoreUnavailable, fmt.Errorf("eof")), CodeJoinFailed, CodeJoinFailed},
		{"exhausted", ErrRoomIDExhausted, CodeCreateFailed, CodeCreateFailed},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CodeOf(tc.err, tc.fallback); got != tc.want {
				t.Errorf("CodeOf() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestClassification(t *testing.T) {
	if !IsValidation(fmt.Errorf("join: %w", ErrMissingRoomID)) {
		t.Error("missing room id should be a validation error")
	}
	if IsValidation(ErrRoomNotFound) {
		t.Error("room not found is not a validation error")
	}
	if !IsNotFound(fmt.Errorf("x: %w", ErrDocumentNotFound)) {
		t.Error("document not found should be reported as not found")
	}
	if IsNotFound(ErrStoreUnavailable) {
		t.Error("store failure is not a not-found error")
	}
}
