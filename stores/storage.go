package stores

import (
	"context"
	"net/url"
	"time"

	"roomsync-server/config"
	"roomsync-server/core"
	"roomsync-server/stores/memory"
	"roomsync-server/stores/redis"
	"roomsync-server/stores/sqlite"

	"github.com/sirupsen/logrus"
)

// Store is what the relay needs from a backend: the room primitives and a
// listing for the HTTP API.
type Store interface {
	core.RoomStore
	core.RoomRegistry
}

func GetStore(cfg *config.Config) (Store, error) {
	var (
		store Store
		err   error
	)

	storageField := logrus.Fields{
		"storageType": cfg.StorageType,
		"roomTTL":     cfg.RoomTTL.String(),
	}

	switch cfg.StorageType {
	case config.StorageRedis:
		storageField["redisURL"] = redactURL(cfg.RedisURL)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		store, err = redis.NewRoomStore(ctx, cfg.RedisURL, cfg.RoomTTL)
	case config.StorageSQLite:
		storageField["dataSourceName"] = cfg.DataSourceName
		store, err = sqlite.NewRoomStore(cfg.DataSourceName, cfg.RoomTTL, cfg.SweepInterval)
	default:
		store = memory.NewRoomStore(cfg.RoomTTL, cfg.SweepInterval)
		storageField["storageType"] = "in-memory"
	}
	if err != nil {
		logrus.WithFields(storageField).WithError(err).Error("Failed to open storage")
		return nil, err
	}

	logrus.WithFields(storageField).Info("Use storage")
	return store, nil
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid"
	}
	return u.Redacted()
}
