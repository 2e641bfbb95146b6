package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "BLOCKSTACK_"

// Store backends
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Config is the server configuration. Values come from defaults, then
// the environment (optionally seeded from a .env file), then flags.
type Config struct {
	Addr           string
	ClientDir      string
	DBPath         string // empty disables accounts and results
	Store          string // lobby document store backend
	Tick           time.Duration
	Capacity       int
	SubmitCooldown time.Duration
	JWTSecret      string
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		DBPath:         "blockstack.db",
		Store:          StoreMemory,
		Tick:           DefaultTickInterval,
		Capacity:       DefaultLobbyCapacity,
		SubmitCooldown: DefaultSubmitCooldown,
	}
}

// LoadConfig builds the configuration from envFile (if it exists), the
// process environment and args.
func LoadConfig(envFile string, args []string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		} else if err == nil {
			log.Printf("Loaded environment from %s", envFile)
		}
	}

	cfg := DefaultConfig()
	if err := cfg.fromEnv(); err != nil {
		return Config{}, err
	}

	fset := flag.NewFlagSet("blockstack-server", flag.ContinueOnError)
	fset.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	fset.StringVar(&cfg.ClientDir, "client", cfg.ClientDir, "Path to client directory (default: ../client)")
	fset.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path for accounts; empty disables")
	fset.StringVar(&cfg.Store, "store", cfg.Store, "Lobby store backend: memory or sqlite")
	fset.DurationVar(&cfg.Tick, "tick", cfg.Tick, "Gravity tick interval")
	fset.IntVar(&cfg.Capacity, "capacity", cfg.Capacity, "Default players per lobby")
	fset.DurationVar(&cfg.SubmitCooldown, "submit-cooldown", cfg.SubmitCooldown, "Spectator submission cooldown")
	if err := fset.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) fromEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	str("ADDR", &c.Addr)
	str("CLIENT_DIR", &c.ClientDir)
	str("DB_PATH", &c.DBPath)
	str("STORE", &c.Store)
	str("JWT_SECRET", &c.JWTSecret)

	if v, ok := os.LookupEnv(envPrefix + "CAPACITY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sCAPACITY: %w", envPrefix, err)
		}
		c.Capacity = n
	}
	for key, dst := range map[string]*time.Duration{
		"TICK":            &c.Tick,
		"SUBMIT_COOLDOWN": &c.SubmitCooldown,
	} {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = d
	}
	return nil
}

// Validate checks that the configuration is usable
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.DBPath == "" {
			return errors.New("sqlite store needs a database path")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store)
	}
	if c.Tick <= 0 {
		return errors.New("tick must be positive")
	}
	if c.Capacity < 1 || c.Capacity > MaxLobbyCapacity {
		return fmt.Errorf("capacity must be 1-%d", MaxLobbyCapacity)
	}
	if c.SubmitCooldown < 0 {
		return errors.New("submit cooldown must not be negative")
	}
	return nil
}

// LobbyConfig returns the per-lobby settings
func (c Config) LobbyConfig() LobbyConfig {
	return LobbyConfig{
		Capacity:       c.Capacity,
		Tick:           c.Tick,
		SubmitCooldown: c.SubmitCooldown,
	}
}
