package rooms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"roomsync-server/core"

	"github.com/go-chi/chi/v5"
)

// Mock services for testing
type mockRooms struct {
	rooms     map[string]*core.RoomState
	capacity  int
	createErr error
	readErr   error
}

func newMockRooms() *mockRooms {
	return &mockRooms{rooms: make(map[string]*core.RoomState)}
}

func (m *mockRooms) Create(ctx context.Context, nickname, language, requestedID string) (string, error) {
	if m.createErr != nil {
		return "", m.createErr
	}
	if nickname == "" {
		return "", core.ErrMissingNickname
	}
	id := fmt.Sprintf("ROOM%04d", len(m.rooms))
	m.rooms[id] = &core.RoomState{RoomID: id, Admin: nickname, Language: language, Members: []string{nickname}}
	return id, nil
}

func (m *mockRooms) Exists(ctx context.Context, roomID string) (bool, int, error) {
	if m.readErr != nil {
		return false, 0, m.readErr
	}
	state, ok := m.rooms[roomID]
	if !ok {
		return false, 0, nil
	}
	return true, len(state.Members), nil
}

func (m *mockRooms) Snapshot(ctx context.Context, roomID string) (*core.RoomState, error) {
	if m.readErr != nil {
		return nil, m.readErr
	}
	state, ok := m.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", roomID, core.ErrRoomNotFound)
	}
	return state, nil
}

func (m *mockRooms) HasCapacity(count int) bool {
	return m.capacity == 0 || count < m.capacity
}

type mockDocuments map[string]*core.Document

func (m mockDocuments) Fetch(ctx context.Context, roomID string) (*core.Document, error) {
	doc, ok := m[roomID]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", roomID, core.ErrDocumentNotFound)
	}
	return doc, nil
}

type mockRegistry struct {
	rooms []core.RoomSummary
	err   error
}

func (m mockRegistry) ListRooms(ctx context.Context) ([]core.RoomSummary, error) {
	return m.rooms, m.err
}

func withRoomID(req *http.Request, roomID string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("roomId", roomID)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestHandleCreate_Success(t *testing.T) {
	svc := newMockRooms()
	handler := HandleCreate(svc)

	body, _ := json.Marshal(CreateRoomRequest{Nickname: "alice", Language: "python"})
	req := httptest.NewRequest(http.MethodPost, "/api/rooms", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	handler(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("Status code mismatch: got %d, want %d", rec.Code, http.StatusCreated)
	}

	var response CreateRoomResponse
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if svc.rooms[response.RoomID] == nil {
		t.Errorf("Room %q was not created", response.RoomID)
	}
}

func TestHandleCreate_Errors(t *testing.T) {
	testCases := []struct {
		name       string
		body       string
		createErr  error
		wantStatus int
		wantCode   core.ErrorCode
	}{
		{"invalid json", "invalid json", nil, http.StatusBadRequest, core.CodeInvalidPayload},
		{"missing nickname", `{"language":"go"}`, nil, http.StatusBadRequest, core.CodeMissingNickname},
		{"store failure", `{"nickname":"alice"}`, fmt.Errorf("dial: %w", core.ErrStoreUnavailable), http.StatusInternalServerError, core.CodeCreateFailed},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newMockRooms()
			svc.createErr = tc.createErr

			req := httptest.NewRequest(http.MethodPost, "/api/rooms", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			HandleCreate(svc)(rec, req)

			if rec.Code != tc.wantStatus {
				t.Errorf("Status code mismatch: got %d, want %d", rec.Code, tc.wantStatus)
			}
			var response ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if response.Code != tc.wantCode {
				t.Errorf("Code mismatch: got %q, want %q", response.Code, tc.wantCode)
			}
		})
	}
}

func TestHandleExists(t *testing.T) {
	svc := newMockRooms()
	svc.capacity = 1
	roomID, _ := svc.Create(context.Background(), "alice", "go", "")

	testCases := []struct {
		roomID string
		want   ExistsResponse
	}{
		{roomID, ExistsResponse{Exists: true, Count: 1, Full: true}},
		{"ZZZZZZZZ", ExistsResponse{}},
	}

	for _, tc := range testCases {
		req := withRoomID(httptest.NewRequest(http.MethodGet, "/api/rooms/"+tc.roomID+"/exists", http.NoBody), tc.roomID)
		rec := httptest.NewRecorder()
		HandleExists(svc)(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("Status code mismatch: got %d, want %d", rec.Code, http.StatusOK)
		}
		var response ExistsResponse
		if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if response != tc.want {
			t.Errorf("%s: got %+v, want %+v", tc.roomID, response, tc.want)
		}
	}
}

func TestHandleExists_StoreError(t *testing.T) {
	svc := newMockRooms()
	svc.readErr = fmt.Errorf("timeout: %w", core.ErrStoreUnavailable)

	req := withRoomID(httptest.NewRequest(http.MethodGet, "/api/rooms/ROOM0000/exists", http.NoBody), "ROOM0000")
	rec := httptest.NewRecorder()
	HandleExists(svc)(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Status code mismatch: got %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

func TestHandleGetState(t *testing.T) {
	svc := newMockRooms()
	roomID, _ := svc.Create(context.Background(), "alice", "python", "")

	req := withRoomID(httptest.NewRequest(http.MethodGet, "/api/rooms/"+roomID, http.NoBody), roomID)
	rec := httptest.NewRecorder()
	HandleGetState(svc)(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Status code mismatch: got %d, want %d", rec.Code, http.StatusOK)
	}
	var state core.RoomState
	if err := json.NewDecoder(rec.Body).Decode(&state); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if state.Admin != "alice" || state.Language != "python" {
		t.Errorf("State mismatch: got %+v", state)
	}

	req = withRoomID(httptest.NewRequest(http.MethodGet, "/api/rooms/ZZZZZZZZ", http.NoBody), "ZZZZZZZZ")
	rec = httptest.NewRecorder()
	HandleGetState(svc)(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Status code mismatch: got %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleGetDocument(t *testing.T) {
	docs := mockDocuments{"ROOM0000": {Content: "Y", Version: 3}}

	req := withRoomID(httptest.NewRequest(http.MethodGet, "/api/rooms/ROOM0000/document", http.NoBody), "ROOM0000")
	rec := httptest.NewRecorder()
	HandleGetDocument(docs)(rec, req)

	var doc core.Document
	if err := json.NewDecoder(rec.Body).Decode(&doc); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if doc.Content != "Y" || doc.Version != 3 {
		t.Errorf("Document mismatch: got %+v", doc)
	}

	req = withRoomID(httptest.NewRequest(http.MethodGet, "/api/rooms/ZZZZZZZZ/document", http.NoBody), "ZZZZZZZZ")
	rec = httptest.NewRecorder()
	HandleGetDocument(docs)(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Status code mismatch: got %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleList(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	registry := mockRegistry{rooms: []core.RoomSummary{{ID: "ROOM0000", Members: 2, CreatedAt: created}}}

	rec := httptest.NewRecorder()
	HandleList(registry)(rec, httptest.NewRequest(http.MethodGet, "/api/rooms", http.NoBody))

	var rooms []core.RoomSummary
	if err := json.NewDecoder(rec.Body).Decode(&rooms); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(rooms) != 1 || rooms[0].Members != 2 || !rooms[0].CreatedAt.Equal(created) {
		t.Errorf("Rooms mismatch: got %+v", rooms)
	}
}

func TestHandleList_Empty(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleList(mockRegistry{})(rec, httptest.NewRequest(http.MethodGet, "/api/rooms", http.NoBody))

	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("Expected empty array, got %q", rec.Body.String())
	}
}

func TestStatusOf(t *testing.T) {
	testCases := []struct {
		err  error
		want int
	}{
		{core.ErrMissingRoomID, http.StatusBadRequest},
		{core.ErrInvalidPayload, http.StatusBadRequest},
		{fmt.Errorf("x: %w", core.ErrRoomNotFound), http.StatusNotFound},
		{core.ErrRoomFull, http.StatusConflict},
		{core.ErrVersionConflict, http.StatusConflict},
		{core.ErrStoreUnavailable, http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		if got := StatusOf(tc.err); got != tc.want {
			t.Errorf("StatusOf(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
