package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
	StorageSQLite = "sqlite"

	FabricLocal = "local"
	FabricRedis = "redis"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	StorageType    string
	RedisURL       string
	DataSourceName string

	// RoomTTL is the window every room record lives for after its last refresh.
	RoomTTL       time.Duration
	SweepInterval time.Duration

	// MaxParticipants caps room membership; 0 disables the cap.
	MaxParticipants    int
	RejectStaleUpdates bool

	Fabric        string
	FabricChannel string
	NodeID        string

	AllowedOrigins []string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":4001")
	v.SetDefault("log_level", "info")
	v.SetDefault("storage_type", StorageMemory)
	v.SetDefault("redis_url", "redis://127.0.0.1:6379")
	v.SetDefault("data_source_name", "rooms.db")
	v.SetDefault("room_ttl", 24*time.Hour)
	v.SetDefault("sweep_interval", time.Minute)
	v.SetDefault("max_participants", 6)
	v.SetDefault("reject_stale_updates", false)
	v.SetDefault("fabric", FabricLocal)
	v.SetDefault("fabric_channel", "roomsync:events")
	v.SetDefault("node_id", "")
	v.SetDefault("allowed_origins", "")
}

// Load reads configuration from, in increasing priority: defaults, an
// optional config.yaml in paths (or the working directory), a .env file and
// the process environment.
func Load(paths ...string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found")
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		ListenAddr:         v.GetString("listen_addr"),
		LogLevel:           v.GetString("log_level"),
		StorageType:        strings.ToLower(v.GetString("storage_type")),
		RedisURL:           v.GetString("redis_url"),
		DataSourceName:     v.GetString("data_source_name"),
		RoomTTL:            v.GetDuration("room_ttl"),
		SweepInterval:      v.GetDuration("sweep_interval"),
		MaxParticipants:    v.GetInt("max_participants"),
		RejectStaleUpdates: v.GetBool("reject_stale_updates"),
		Fabric:             strings.ToLower(v.GetString("fabric")),
		FabricChannel:      v.GetString("fabric_channel"),
		NodeID:             v.GetString("node_id"),
		AllowedOrigins:     splitList(v.GetString("allowed_origins")),
	}
	if cfg.NodeID == "" {
		cfg.NodeID = ulid.Make().String()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Override applies command-line values on top of the loaded config. Empty
// values leave the loaded setting alone.
func (c *Config) Override(logLevel, listenAddr, storageType string) error {
	if logLevel != "" {
		c.LogLevel = logLevel
	}
	if listenAddr != "" {
		c.ListenAddr = listenAddr
	}
	if storageType != "" {
		c.StorageType = strings.ToLower(strings.TrimSpace(storageType))
	}
	return c.Validate()
}

func (c *Config) Validate() error {
	switch c.StorageType {
	case StorageMemory, StorageRedis, StorageSQLite:
	default:
		return fmt.Errorf("unknown storage type %q", c.StorageType)
	}

	switch c.Fabric {
	case FabricLocal:
	case FabricRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("fabric %q requires REDIS_URL", c.Fabric)
		}
	default:
		return fmt.Errorf("unknown fabric %q", c.Fabric)
	}

	if c.RoomTTL <= 0 {
		return fmt.Errorf("room ttl must be positive, got %v", c.RoomTTL)
	}
	if c.MaxParticipants < 0 {
		return fmt.Errorf("max participants must not be negative, got %d", c.MaxParticipants)
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
