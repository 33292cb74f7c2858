package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TableAPI is the per-table record API declaration from the config file.
// ACL lists name operations (create/read/update/delete/list) granted to each
// principal class.
type TableAPI struct {
	Table            string   `yaml:"table"`
	ACLWorld         []string `yaml:"acl_world"`
	ACLAuthenticated []string `yaml:"acl_authenticated"`
	ACLOwner         []string `yaml:"acl_owner"`
	OwnerColumn      string   `yaml:"owner_column"`
	Exposed          []string `yaml:"exposed"`
	Expand           []string `yaml:"expand"`
}

type Config struct {
	Addr            string        `yaml:"addr"`
	DBPath          string        `yaml:"db_path"`
	BusyTimeout     time.Duration `yaml:"busy_timeout"`
	SubscribeBuffer int           `yaml:"subscribe_buffer"`
	AdminToken      string        `yaml:"admin_token"`

	// Tokens maps bearer tokens to principal identities. A real deployment
	// plugs its own auth.TokenVerifier; this map backs the built-in one.
	Tokens map[string]string `yaml:"tokens"`

	APIs []TableAPI `yaml:"apis"`
}

func def() Config {
	return Config{
		Addr:            ":8080",
		DBPath:          "shrike.db",
		BusyTimeout:     5 * time.Second,
		SubscribeBuffer: 64,
	}
}

func getenv(k, fallback string) string {
	if v, ok := os.LookupEnv(k); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

// Load reads the YAML config at path and applies SHRIKE_* env overrides.
func Load(path string) (Config, error) {
	cfg := def()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.Addr = getenv("SHRIKE_ADDR", cfg.Addr)
	cfg.DBPath = getenv("SHRIKE_DB_PATH", cfg.DBPath)
	cfg.AdminToken = getenv("SHRIKE_ADMIN_TOKEN", cfg.AdminToken)
	if v := getenv("SHRIKE_BUSY_TIMEOUT_MS", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BusyTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := getenv("SHRIKE_SUBSCRIBE_BUFFER", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SubscribeBuffer = n
		}
	}

	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.SubscribeBuffer <= 0 {
		cfg.SubscribeBuffer = 64
	}
	return cfg, nil
}
