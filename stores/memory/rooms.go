package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"roomsync-server/core"

	"github.com/sirupsen/logrus"
)

// room holds everything a room owns. All of it shares one expiry, which
// every membership change and every accepted update pushes forward.
type room struct {
	admin     string
	language  string
	createdAt time.Time
	members   map[string]struct{}

	content string
	version int64

	expires time.Time
}

type roomStore struct {
	mu    sync.Mutex
	rooms map[string]*room
	ttl   time.Duration
	now   func() time.Time

	stop      chan struct{}
	closeOnce sync.Once
}

// NewRoomStore returns an in-process room store. A positive sweepInterval
// starts a goroutine that purges expired rooms; Close stops it.
func NewRoomStore(ttl, sweepInterval time.Duration) *roomStore {
	s := &roomStore{
		rooms: make(map[string]*room),
		ttl:   ttl,
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.sweep(sweepInterval)
	}
	return s
}

// lookup returns the live room, dropping it if it has expired. Callers hold s.mu.
func (s *roomStore) lookup(roomID string) (*room, time.Time) {
	now := s.now()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, now
	}
	if !now.Before(r.expires) {
		delete(s.rooms, roomID)
		return nil, now
	}
	return r, now
}

func (s *roomStore) Exists(ctx context.Context, roomID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, _ := s.lookup(roomID)
	return r != nil, nil
}

func (s *roomStore) CreateRoom(ctx context.Context, roomID, admin, language string) error {
	if roomID == "" {
		return core.ErrMissingRoomID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, now := s.lookup(roomID)
	if r != nil {
		return fmt.Errorf("room %s: %w", roomID, core.ErrRoomExists)
	}

	s.rooms[roomID] = &room{
		admin:     admin,
		language:  language,
		createdAt: now,
		members:   map[string]struct{}{admin: {}},
		content:   core.SeedContent(roomID),
		version:   core.InitialVersion,
		expires:   now.Add(s.ttl),
	}

	logrus.WithFields(logrus.Fields{
		"room_id": roomID,
		"admin":   admin,
	}).Info("Room created successfully")
	return nil
}

func (s *roomStore) ReadState(ctx context.Context, roomID string) (*core.RoomState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, _ := s.lookup(roomID)
	if r == nil {
		return nil, fmt.Errorf("room %s: %w", roomID, core.ErrRoomNotFound)
	}

	members := make([]string, 0, len(r.members))
	for nickname := range r.members {
		members = append(members, nickname)
	}
	sort.Strings(members)

	return &core.RoomState{
		RoomID:   roomID,
		Admin:    r.admin,
		Language: r.language,
		Members:  members,
	}, nil
}

func (s *roomStore) AddMember(ctx context.Context, roomID, nickname string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, now := s.lookup(roomID)
	if r == nil {
		return 0, fmt.Errorf("room %s: %w", roomID, core.ErrRoomNotFound)
	}

	r.members[nickname] = struct{}{}
	r.expires = now.Add(s.ttl)
	return len(r.members), nil
}

func (s *roomStore) RemoveMember(ctx context.Context, roomID, nickname string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, now := s.lookup(roomID)
	if r == nil {
		return 0, nil
	}

	delete(r.members, nickname)
	if len(r.members) > 0 {
		r.expires = now.Add(s.ttl)
		return len(r.members), nil
	}

	delete(s.rooms, roomID)
	logrus.WithField("room_id", roomID).Info("Room deleted after last member left")
	return 0, nil
}

func (s *roomStore) ReadDocument(ctx context.Context, roomID string) (*core.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, _ := s.lookup(roomID)
	if r == nil {
		return nil, fmt.Errorf("room %s: %w", roomID, core.ErrDocumentNotFound)
	}
	return &core.Document{Content: r.content, Version: r.version}, nil
}

func (s *roomStore) ApplyUpdate(ctx context.Context, roomID, content string, baseVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, now := s.lookup(roomID)
	if r == nil {
		return 0, fmt.Errorf("room %s: %w", roomID, core.ErrRoomNotFound)
	}
	if baseVersion > 0 && baseVersion != r.version {
		return r.version, fmt.Errorf("room %s at version %d, update based on %d: %w",
			roomID, r.version, baseVersion, core.ErrVersionConflict)
	}

	r.version++
	r.content = content
	r.expires = now.Add(s.ttl)
	return r.version, nil
}

func (s *roomStore) ListRooms(ctx context.Context) ([]core.RoomSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rooms := make([]core.RoomSummary, 0, len(s.rooms))
	for id := range s.rooms {
		r, _ := s.lookup(id)
		if r == nil {
			continue
		}
		rooms = append(rooms, core.RoomSummary{ID: id, Members: len(r.members), CreatedAt: r.createdAt})
	}

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].CreatedAt.After(rooms[j].CreatedAt)
	})
	return rooms, nil
}

func (s *roomStore) Ping(ctx context.Context) error {
	return nil
}

func (s *roomStore) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *roomStore) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.purgeExpired()
		}
	}
}

func (s *roomStore) purgeExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := len(s.rooms)
	for id := range s.rooms {
		s.lookup(id)
	}
	purged := before - len(s.rooms)
	if purged > 0 {
		logrus.WithField("purged", purged).Debug("Expired rooms purged")
	}
	return purged
}
