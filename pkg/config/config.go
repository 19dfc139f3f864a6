// Package config loads server settings from defaults, an optional YAML file
// and CHATMEM_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/johncui/chatmem/pkg/engine/assemble"
)

// Config holds everything cmd/server needs to build the engine.
type Config struct {
	ListenAddr             string          `yaml:"listen_addr"`
	DBPath                 string          `yaml:"db_path"`
	EnableVSS              bool            `yaml:"enable_vss"`
	ExtensionsPath         string          `yaml:"extensions_path"`
	VectorDim              int             `yaml:"vector_dim"`
	EphemeralConversations bool            `yaml:"ephemeral_conversations"`
	BufferSize             int             `yaml:"buffer_size"`
	BufferTTL              time.Duration   `yaml:"buffer_ttl"`
	ConsolidationEvery     time.Duration   `yaml:"consolidation_every"`
	SizeUnit               string          `yaml:"size_unit"`
	Budget                 assemble.Budget `yaml:"budget"`
	SeedDefaultProfile     bool            `yaml:"seed_default_profile"`
	DefaultPersona         string          `yaml:"default_persona"`
	DefaultModelID         string          `yaml:"default_model_id"`
	LogLevel               string          `yaml:"log_level"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		ListenAddr:         ":8080",
		DBPath:             "chatmem.db",
		VectorDim:          256,
		BufferSize:         128,
		BufferTTL:          30 * time.Minute,
		ConsolidationEvery: 5 * time.Minute,
		SizeUnit:           "runes",
		Budget:             assemble.DefaultBudget(),
		SeedDefaultProfile: true,
		DefaultPersona:     "You are a helpful assistant.",
		DefaultModelID:     "deepseek-chat",
		LogLevel:           "info",
	}
}

// Load reads path (skipped when empty) over the defaults, then applies env overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = getenv("CHATMEM_LISTEN_ADDR", c.ListenAddr)
	c.DBPath = getenv("CHATMEM_DB_PATH", c.DBPath)
	c.EnableVSS = getenvBool("CHATMEM_ENABLE_VSS", c.EnableVSS)
	c.ExtensionsPath = getenv("GO_SQLITE3_EXTENSIONS", c.ExtensionsPath)
	c.VectorDim = getenvInt("CHATMEM_VECTOR_DIM", c.VectorDim)
	c.EphemeralConversations = getenvBool("CHATMEM_EPHEMERAL_CONVERSATIONS", c.EphemeralConversations)
	c.BufferSize = getenvInt("CHATMEM_BUFFER_SIZE", c.BufferSize)
	c.BufferTTL = getenvDuration("CHATMEM_BUFFER_TTL", c.BufferTTL)
	c.ConsolidationEvery = getenvDuration("CHATMEM_CONSOLIDATION_EVERY", c.ConsolidationEvery)
	c.SizeUnit = getenv("CHATMEM_SIZE_UNIT", c.SizeUnit)
	c.Budget.Max = getenvInt("CHATMEM_CONTEXT_MAX", c.Budget.Max)
	c.Budget.FactBudget = getenvInt("CHATMEM_CONTEXT_FACT_BUDGET", c.Budget.FactBudget)
	c.Budget.TurnBudget = getenvInt("CHATMEM_CONTEXT_TURN_BUDGET", c.Budget.TurnBudget)
	c.Budget.FactFloor = getenvInt("CHATMEM_CONTEXT_FACT_FLOOR", c.Budget.FactFloor)
	c.Budget.MinTurns = getenvInt("CHATMEM_CONTEXT_MIN_TURNS", c.Budget.MinTurns)
	c.Budget.WindowTurns = getenvInt("CHATMEM_CONTEXT_WINDOW_TURNS", c.Budget.WindowTurns)
	c.SeedDefaultProfile = getenvBool("CHATMEM_SEED_DEFAULT_PROFILE", c.SeedDefaultProfile)
	c.DefaultPersona = getenv("CHATMEM_DEFAULT_PERSONA", c.DefaultPersona)
	c.DefaultModelID = getenv("CHATMEM_DEFAULT_MODEL_ID", c.DefaultModelID)
	c.LogLevel = getenv("CHATMEM_LOG_LEVEL", c.LogLevel)
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("config: db_path is required")
	}
	if c.SizeUnit != "runes" && c.SizeUnit != "tokens" {
		return fmt.Errorf("config: size_unit must be runes or tokens, got %q", c.SizeUnit)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if err := c.Budget.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: log_level: %w", err)
	}
	return lvl, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
