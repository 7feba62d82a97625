package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.ListenAddr != ":4001" {
		t.Errorf("ListenAddr: got %q, want :4001", cfg.ListenAddr)
	}
	if cfg.StorageType != StorageMemory {
		t.Errorf("StorageType: got %q, want %q", cfg.StorageType, StorageMemory)
	}
	if cfg.RoomTTL != 24*time.Hour {
		t.Errorf("RoomTTL: got %v, want 24h", cfg.RoomTTL)
	}
	if cfg.MaxParticipants != 6 {
		t.Errorf("MaxParticipants: got %d, want 6", cfg.MaxParticipants)
	}
	if cfg.RejectStaleUpdates {
		t.Error("RejectStaleUpdates should default to false")
	}
	if cfg.NodeID == "" {
		t.Error("NodeID was not generated")
	}
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("STORAGE_TYPE", "SQLite")
	t.Setenv("ROOM_TTL", "90m")
	t.Setenv("MAX_PARTICIPANTS", "0")
	t.Setenv("REJECT_STALE_UPDATES", "true")
	t.Setenv("ALLOWED_ORIGINS", "http://a.test, http://b.test,")
	t.Setenv("NODE_ID", "node-a")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.StorageType != StorageSQLite {
		t.Errorf("StorageType: got %q, want %q", cfg.StorageType, StorageSQLite)
	}
	if cfg.RoomTTL != 90*time.Minute {
		t.Errorf("RoomTTL: got %v, want 90m", cfg.RoomTTL)
	}
	if cfg.MaxParticipants != 0 {
		t.Errorf("MaxParticipants: got %d, want 0", cfg.MaxParticipants)
	}
	if !cfg.RejectStaleUpdates {
		t.Error("RejectStaleUpdates: got false, want true")
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://b.test" {
		t.Errorf("AllowedOrigins: got %v", cfg.AllowedOrigins)
	}
	if cfg.NodeID != "node-a" {
		t.Errorf("NodeID: got %q, want node-a", cfg.NodeID)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	content := "listen_addr: \":5000\"\nfabric: redis\nredis_url: redis://cache:6379\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.ListenAddr != ":5000" {
		t.Errorf("ListenAddr: got %q, want :5000", cfg.ListenAddr)
	}
	if cfg.Fabric != FabricRedis || cfg.RedisURL != "redis://cache:6379" {
		t.Errorf("Fabric settings: got %q %q", cfg.Fabric, cfg.RedisURL)
	}
}

func TestValidate(t *testing.T) {
	valid := Config{StorageType: StorageMemory, Fabric: FabricLocal, RoomTTL: time.Hour}

	testCases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"unknown storage", func(c *Config) { c.StorageType = "mongo" }, true},
		{"unknown fabric", func(c *Config) { c.Fabric = "nats" }, true},
		{"redis fabric without url", func(c *Config) { c.Fabric = FabricRedis; c.RedisURL = "" }, true},
		{"zero ttl", func(c *Config) { c.RoomTTL = 0 }, true},
		{"negative capacity", func(c *Config) { c.MaxParticipants = -1 }, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestOverride(t *testing.T) {
	cfg := Config{
		ListenAddr:  ":3002",
		LogLevel:    "info",
		StorageType: StorageMemory,
		Fabric:      FabricLocal,
		RoomTTL:     time.Hour,
	}

	if err := cfg.Override("", "", "SQLite"); err != nil {
		t.Fatalf("Override() failed: %v", err)
	}
	if cfg.StorageType != StorageSQLite {
		t.Errorf("StorageType: got %q, want %q", cfg.StorageType, StorageSQLite)
	}
	if cfg.ListenAddr != ":3002" || cfg.LogLevel != "info" {
		t.Errorf("Empty overrides changed config: %+v", cfg)
	}

	if err := cfg.Override("debug", ":8080", ""); err != nil {
		t.Fatalf("Override() failed: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.ListenAddr != ":8080" || cfg.StorageType != StorageSQLite {
		t.Errorf("Override() got %+v", cfg)
	}

	if err := cfg.Override("", "", "mongo"); err == nil {
		t.Error("Override() accepted unknown storage")
	}
}
