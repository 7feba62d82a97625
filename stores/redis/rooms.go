package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"roomsync-server/core"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Room keys carry the id in a hash tag so every key of a room lands in the
// same cluster slot and the scripts below stay valid on a cluster.
func metaKey(roomID string) string    { return "room:{" + roomID + "}" }
func membersKey(roomID string) string { return "room:{" + roomID + "}:m" }
func docKey(roomID string) string     { return "room:{" + roomID + "}:doc" }
func versionKey(roomID string) string { return "room:{" + roomID + "}:ver" }

func roomKeys(roomID string) []string {
	return []string{metaKey(roomID), membersKey(roomID), docKey(roomID), versionKey(roomID)}
}

// Every script takes all four room keys and refreshes all of them, so a
// room's records always share one expiry.
var createRoomScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('DEL', KEYS[2])
redis.call('HSET', KEYS[1], 'admin', ARGV[1], 'language', ARGV[2], 'createdAt', ARGV[3])
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('SET', KEYS[3], ARGV[5])
redis.call('SET', KEYS[4], '1')
for i = 1, 4 do
	redis.call('PEXPIRE', KEYS[i], ARGV[4])
end
return 1
`)

var addMemberScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
redis.call('SADD', KEYS[2], ARGV[1])
for i = 1, 4 do
	redis.call('PEXPIRE', KEYS[i], ARGV[2])
end
return redis.call('SCARD', KEYS[2])
`)

var removeMemberScript = goredis.NewScript(`
redis.call('SREM', KEYS[2], ARGV[1])
local count = redis.call('SCARD', KEYS[2])
if count == 0 or redis.call('EXISTS', KEYS[1]) == 0 then
	redis.call('DEL', KEYS[1], KEYS[2], KEYS[3], KEYS[4])
	return 0
end
for i = 1, 4 do
	redis.call('PEXPIRE', KEYS[i], ARGV[2])
end
return count
`)

// applyUpdateScript returns {status, version}: 1 applied, -1 no such room,
// -2 stale base version (version is then the current one).
var applyUpdateScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {-1, 0}
end
local current = redis.call('GET', KEYS[4])
if not current then
	return {-1, 0}
end
current = tonumber(current)
local base = tonumber(ARGV[2])
if base > 0 and base ~= current then
	return {-2, current}
end
local v = redis.call('INCR', KEYS[4])
redis.call('SET', KEYS[3], ARGV[1])
for i = 1, 4 do
	redis.call('PEXPIRE', KEYS[i], ARGV[3])
end
return {1, v}
`)

type roomStore struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

// NewRoomStore connects to the redis server at url (redis://...) and verifies
// it is reachable.
func NewRoomStore(ctx context.Context, url string, ttl time.Duration) (*roomStore, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %w", core.ErrStoreUnavailable, err)
	}

	return NewRoomStoreFromClient(client, ttl), nil
}

func NewRoomStoreFromClient(client goredis.UniversalClient, ttl time.Duration) *roomStore {
	return &roomStore{client: client, ttl: ttl}
}

func storeErr(op, roomID string, err error) error {
	logrus.WithFields(logrus.Fields{
		"room_id": roomID,
		"op":      op,
	}).WithError(err).Error("Redis command failed")
	return fmt.Errorf("%s room %s: %w: %w", op, roomID, core.ErrStoreUnavailable, err)
}

func (s *roomStore) ttlMillis() int64 {
	return s.ttl.Milliseconds()
}

func (s *roomStore) Exists(ctx context.Context, roomID string) (bool, error) {
	n, err := s.client.Exists(ctx, metaKey(roomID)).Result()
	if err != nil {
		return false, storeErr("exists", roomID, err)
	}
	return n == 1, nil
}

func (s *roomStore) CreateRoom(ctx context.Context, roomID, admin, language string) error {
	if roomID == "" {
		return core.ErrMissingRoomID
	}

	created, err := createRoomScript.Run(ctx, s.client, roomKeys(roomID),
		admin, language, strconv.FormatInt(time.Now().UnixMilli(), 10), s.ttlMillis(), core.SeedContent(roomID)).Int64()
	if err != nil {
		return storeErr("create", roomID, err)
	}
	if created == 0 {
		return fmt.Errorf("room %s: %w", roomID, core.ErrRoomExists)
	}

	logrus.WithFields(logrus.Fields{
		"room_id": roomID,
		"admin":   admin,
	}).Info("Room created successfully")
	return nil
}

func (s *roomStore) ReadState(ctx context.Context, roomID string) (*core.RoomState, error) {
	var (
		fields  *goredis.SliceCmd
		members *goredis.StringSliceCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		fields = pipe.HMGet(ctx, metaKey(roomID), "admin", "language")
		members = pipe.SMembers(ctx, membersKey(roomID))
		return nil
	})
	if err != nil {
		return nil, storeErr("state", roomID, err)
	}

	values := fields.Val()
	admin, _ := values[0].(string)
	language, _ := values[1].(string)
	if values[0] == nil && values[1] == nil {
		return nil, fmt.Errorf("room %s: %w", roomID, core.ErrRoomNotFound)
	}
	if language == "" {
		language = core.DefaultLanguage
	}

	list := members.Val()
	sort.Strings(list)

	return &core.RoomState{
		RoomID:   roomID,
		Admin:    admin,
		Language: language,
		Members:  list,
	}, nil
}

func (s *roomStore) AddMember(ctx context.Context, roomID, nickname string) (int, error) {
	count, err := addMemberScript.Run(ctx, s.client, roomKeys(roomID), nickname, s.ttlMillis()).Int64()
	if err != nil {
		return 0, storeErr("add member", roomID, err)
	}
	if count < 0 {
		return 0, fmt.Errorf("room %s: %w", roomID, core.ErrRoomNotFound)
	}
	return int(count), nil
}

func (s *roomStore) RemoveMember(ctx context.Context, roomID, nickname string) (int, error) {
	count, err := removeMemberScript.Run(ctx, s.client, roomKeys(roomID), nickname, s.ttlMillis()).Int64()
	if err != nil {
		return 0, storeErr("remove member", roomID, err)
	}
	if count == 0 {
		logrus.WithField("room_id", roomID).Info("Room deleted after last member left")
	}
	return int(count), nil
}

func (s *roomStore) ReadDocument(ctx context.Context, roomID string) (*core.Document, error) {
	values, err := s.client.MGet(ctx, docKey(roomID), versionKey(roomID)).Result()
	if err != nil {
		return nil, storeErr("fetch document", roomID, err)
	}

	content, ok := values[0].(string)
	if !ok {
		return nil, fmt.Errorf("room %s: %w", roomID, core.ErrDocumentNotFound)
	}

	version := core.InitialVersion
	if raw, ok := values[1].(string); ok {
		if parsed, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			version = parsed
		}
	}

	return &core.Document{Content: content, Version: version}, nil
}

func (s *roomStore) ApplyUpdate(ctx context.Context, roomID, content string, baseVersion int64) (int64, error) {
	res, err := applyUpdateScript.Run(ctx, s.client, roomKeys(roomID), content, baseVersion, s.ttlMillis()).Int64Slice()
	if err != nil {
		return 0, storeErr("update document", roomID, err)
	}
	if len(res) != 2 {
		return 0, storeErr("update document", roomID, errors.New("unexpected script reply"))
	}

	switch res[0] {
	case -1:
		return 0, fmt.Errorf("room %s: %w", roomID, core.ErrRoomNotFound)
	case -2:
		return res[1], fmt.Errorf("room %s at version %d, update based on %d: %w",
			roomID, res[1], baseVersion, core.ErrVersionConflict)
	}
	return res[1], nil
}

func (s *roomStore) ListRooms(ctx context.Context) ([]core.RoomSummary, error) {
	var ids []string
	iter := s.client.Scan(ctx, 0, "room:{*}", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ids = append(ids, key[len("room:{"):len(key)-1])
	}
	if err := iter.Err(); err != nil {
		return nil, storeErr("list", "*", err)
	}

	rooms := make([]core.RoomSummary, 0, len(ids))
	for _, id := range ids {
		var (
			createdAt *goredis.StringCmd
			count     *goredis.IntCmd
		)
		_, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
			createdAt = pipe.HGet(ctx, metaKey(id), "createdAt")
			count = pipe.SCard(ctx, membersKey(id))
			return nil
		})
		if err != nil && !errors.Is(err, goredis.Nil) {
			return nil, storeErr("list", id, err)
		}

		ms, err := createdAt.Int64()
		if err != nil {
			// expired between SCAN and HGET
			continue
		}
		rooms = append(rooms, core.RoomSummary{
			ID:        id,
			Members:   int(count.Val()),
			CreatedAt: time.UnixMilli(ms),
		})
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
	return s.client.Ping(ctx).Err()
}

func (s *roomStore) Close() error {
	return s.client.Close()
}
