package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"roomsync-server/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id TEXT PRIMARY KEY,
	admin TEXT NOT NULL,
	language TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS room_members (
	room_id TEXT NOT NULL,
	nickname TEXT NOT NULL,
	PRIMARY KEY (room_id, nickname)
);
CREATE TABLE IF NOT EXISTS room_documents (
	room_id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	version INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);`

// roomStore keeps rooms in sqlite. The room row and the document row always
// carry the same expiry; members live exactly as long as the room row.
type roomStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time

	stop      chan struct{}
	closeOnce sync.Once
}

func NewRoomStore(dataSourceName string, ttl, sweepInterval time.Duration) (*roomStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}

	// One connection serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create room tables: %w", err)
	}

	s := &roomStore{
		db:   db,
		ttl:  ttl,
		now:  time.Now,
		stop: make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.sweep(sweepInterval)
	}
	return s, nil
}

func storeErr(op, roomID string, err error) error {
	logrus.WithFields(logrus.Fields{
		"room_id": roomID,
		"op":      op,
	}).WithError(err).Error("SQLite statement failed")
	return fmt.Errorf("%s room %s: %w: %w", op, roomID, core.ErrStoreUnavailable, err)
}

func (s *roomStore) nowMillis() int64 {
	return s.now().UnixMilli()
}

func (s *roomStore) expiresAt() int64 {
	return s.now().Add(s.ttl).UnixMilli()
}

// purgeRoom removes whatever part of roomID has expired.
func purgeRoom(ctx context.Context, tx *sql.Tx, roomID string, now int64) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM rooms WHERE id = ? AND expires_at <= ?", roomID, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM room_members WHERE room_id = ? AND NOT EXISTS (SELECT 1 FROM rooms WHERE id = ?)", roomID, roomID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		"DELETE FROM room_documents WHERE room_id = ? AND (expires_at <= ? OR NOT EXISTS (SELECT 1 FROM rooms WHERE id = ?))",
		roomID, now, roomID)
	return err
}

// touchRoom pushes the expiry of every row belonging to roomID.
func (s *roomStore) touchRoom(ctx context.Context, tx *sql.Tx, roomID string) error {
	expires := s.expiresAt()
	if _, err := tx.ExecContext(ctx, "UPDATE rooms SET expires_at = ? WHERE id = ?", expires, roomID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, "UPDATE room_documents SET expires_at = ? WHERE room_id = ?", expires, roomID)
	return err
}

// inTx runs fn inside a transaction after purging expired rows of roomID.
func (s *roomStore) inTx(ctx context.Context, op, roomID string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(op, roomID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := purgeRoom(ctx, tx, roomID, s.nowMillis()); err != nil {
		return storeErr(op, roomID, err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr(op, roomID, err)
	}
	return nil
}

func roomAlive(ctx context.Context, tx *sql.Tx, roomID string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, "SELECT 1 FROM rooms WHERE id = ?", roomID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func memberCount(ctx context.Context, tx *sql.Tx, roomID string) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM room_members WHERE room_id = ?", roomID).Scan(&count)
	return count, err
}

func (s *roomStore) Exists(ctx context.Context, roomID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM rooms WHERE id = ? AND expires_at > ?", roomID, s.nowMillis()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("exists", roomID, err)
	}
	return true, nil
}

func (s *roomStore) CreateRoom(ctx context.Context, roomID, admin, language string) error {
	if roomID == "" {
		return core.ErrMissingRoomID
	}

	err := s.inTx(ctx, "create", roomID, func(tx *sql.Tx) error {
		alive, err := roomAlive(ctx, tx, roomID)
		if err != nil {
			return storeErr("create", roomID, err)
		}
		if alive {
			return fmt.Errorf("room %s: %w", roomID, core.ErrRoomExists)
		}

		expires := s.expiresAt()
		stmts := []struct {
			query string
			args  []any
		}{
			{"INSERT INTO rooms (id, admin, language, created_at, expires_at) VALUES (?, ?, ?, ?, ?)",
				[]any{roomID, admin, language, s.nowMillis(), expires}},
			{"DELETE FROM room_members WHERE room_id = ?",
				[]any{roomID}},
			{"INSERT INTO room_members (room_id, nickname) VALUES (?, ?)",
				[]any{roomID, admin}},
			{"INSERT OR REPLACE INTO room_documents (room_id, content, version, expires_at) VALUES (?, ?, ?, ?)",
				[]any{roomID, core.SeedContent(roomID), core.InitialVersion, expires}},
		}
		for _, st := range stmts {
			if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
				return storeErr("create", roomID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"room_id": roomID,
		"admin":   admin,
	}).Info("Room created successfully")
	return nil
}

func (s *roomStore) ReadState(ctx context.Context, roomID string) (*core.RoomState, error) {
	state := core.RoomState{RoomID: roomID}
	err := s.db.QueryRowContext(ctx,
		"SELECT admin, language FROM rooms WHERE id = ? AND expires_at > ?", roomID, s.nowMillis()).
		Scan(&state.Admin, &state.Language)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("room %s: %w", roomID, core.ErrRoomNotFound)
	}
	if err != nil {
		return nil, storeErr("state", roomID, err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT nickname FROM room_members WHERE room_id = ? ORDER BY nickname", roomID)
	if err != nil {
		return nil, storeErr("state", roomID, err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("Failed to close member rows")
		}
	}()

	state.Members = []string{}
	for rows.Next() {
		var nickname string
		if err := rows.Scan(&nickname); err != nil {
			return nil, storeErr("state", roomID, err)
		}
		state.Members = append(state.Members, nickname)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("state", roomID, err)
	}
	return &state, nil
}

func (s *roomStore) AddMember(ctx context.Context, roomID, nickname string) (int, error) {
	var count int
	err := s.inTx(ctx, "add member", roomID, func(tx *sql.Tx) error {
		alive, err := roomAlive(ctx, tx, roomID)
		if err != nil {
			return storeErr("add member", roomID, err)
		}
		if !alive {
			return fmt.Errorf("room %s: %w", roomID, core.ErrRoomNotFound)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO room_members (room_id, nickname) VALUES (?, ?)", roomID, nickname); err != nil {
			return storeErr("add member", roomID, err)
		}
		if err := s.touchRoom(ctx, tx, roomID); err != nil {
			return storeErr("add member", roomID, err)
		}
		if count, err = memberCount(ctx, tx, roomID); err != nil {
			return storeErr("add member", roomID, err)
		}
		return nil
	})
	return count, err
}

func (s *roomStore) RemoveMember(ctx context.Context, roomID, nickname string) (int, error) {
	var count int
	err := s.inTx(ctx, "remove member", roomID, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM room_members WHERE room_id = ? AND nickname = ?", roomID, nickname); err != nil {
			return storeErr("remove member", roomID, err)
		}

		var err error
		if count, err = memberCount(ctx, tx, roomID); err != nil {
			return storeErr("remove member", roomID, err)
		}

		if count > 0 {
			err = s.touchRoom(ctx, tx, roomID)
		} else {
			if _, err = tx.ExecContext(ctx, "DELETE FROM rooms WHERE id = ?", roomID); err == nil {
				_, err = tx.ExecContext(ctx, "DELETE FROM room_documents WHERE room_id = ?", roomID)
			}
		}
		if err != nil {
			return storeErr("remove member", roomID, err)
		}
		return nil
	})
	if err == nil && count == 0 {
		logrus.WithField("room_id", roomID).Info("Room deleted after last member left")
	}
	return count, err
}

func (s *roomStore) ReadDocument(ctx context.Context, roomID string) (*core.Document, error) {
	var doc core.Document
	err := s.db.QueryRowContext(ctx,
		"SELECT content, version FROM room_documents WHERE room_id = ? AND expires_at > ?", roomID, s.nowMillis()).
		Scan(&doc.Content, &doc.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("room %s: %w", roomID, core.ErrDocumentNotFound)
	}
	if err != nil {
		return nil, storeErr("fetch document", roomID, err)
	}
	return &doc, nil
}

func (s *roomStore) ApplyUpdate(ctx context.Context, roomID, content string, baseVersion int64) (int64, error) {
	var version int64
	err := s.inTx(ctx, "update document", roomID, func(tx *sql.Tx) error {
		alive, err := roomAlive(ctx, tx, roomID)
		if err != nil {
			return storeErr("update document", roomID, err)
		}
		if !alive {
			return fmt.Errorf("room %s: %w", roomID, core.ErrRoomNotFound)
		}

		err = tx.QueryRowContext(ctx,
			"SELECT version FROM room_documents WHERE room_id = ?", roomID).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("room %s: %w", roomID, core.ErrRoomNotFound)
		}
		if err != nil {
			return storeErr("update document", roomID, err)
		}
		if baseVersion > 0 && baseVersion != version {
			return fmt.Errorf("room %s at version %d, update based on %d: %w",
				roomID, version, baseVersion, core.ErrVersionConflict)
		}

		version++
		if _, err := tx.ExecContext(ctx,
			"UPDATE room_documents SET content = ?, version = ? WHERE room_id = ?",
			content, version, roomID); err != nil {
			return storeErr("update document", roomID, err)
		}
		if err := s.touchRoom(ctx, tx, roomID); err != nil {
			return storeErr("update document", roomID, err)
		}
		return nil
	})
	if err != nil && !errors.Is(err, core.ErrVersionConflict) {
		return 0, err
	}
	return version, err
}

func (s *roomStore) ListRooms(ctx context.Context) ([]core.RoomSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.created_at, COUNT(m.nickname)
		FROM rooms r LEFT JOIN room_members m ON m.room_id = r.id
		WHERE r.expires_at > ?
		GROUP BY r.id
		ORDER BY r.created_at DESC, r.id ASC`, s.nowMillis())
	if err != nil {
		return nil, storeErr("list", "*", err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("Failed to close room rows")
		}
	}()

	rooms := []core.RoomSummary{}
	for rows.Next() {
		var (
			room      core.RoomSummary
			createdAt int64
		)
		if err := rows.Scan(&room.ID, &createdAt, &room.Members); err != nil {
			logrus.WithError(err).Error("Failed to scan room")
			continue
		}
		room.CreatedAt = time.UnixMilli(createdAt)
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (s *roomStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *roomStore) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	return s.db.Close()
}

func (s *roomStore) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if _, err := s.purgeExpired(context.Background()); err != nil {
				logrus.WithError(err).Warn("Failed to purge expired rooms")
			}
		}
	}
}

func (s *roomStore) purgeExpired(ctx context.Context) (int64, error) {
	now := s.nowMillis()
	res, err := s.db.ExecContext(ctx, "DELETE FROM rooms WHERE expires_at <= ?", now)
	if err != nil {
		return 0, err
	}
	purged, _ := res.RowsAffected()

	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM room_members WHERE room_id NOT IN (SELECT id FROM rooms)"); err != nil {
		return purged, err
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM room_documents WHERE expires_at <= ? OR room_id NOT IN (SELECT id FROM rooms)", now); err != nil {
		return purged, err
	}

	if purged > 0 {
		logrus.WithField("purged", purged).Debug("Expired rooms purged")
	}
	return purged, nil
}
