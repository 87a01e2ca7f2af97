// Package config loads the portcat configuration from a TOML file,
// `.env` files and CARRIER_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/raskyld/carrier"
)

const EnvPrefix = "CARRIER_"

// Config of a portcat process.
type Config struct {
	// Name of the local port.
	Name string `toml:"name"`
	// Listen is the control address of the local port.
	Listen  string `toml:"listen"`
	Carrier string `toml:"carrier"`
	// BindAddr is the IP bootstrap listeners are allocated on.
	BindAddr         string `toml:"bind_addr"`
	HandshakeTimeout string `toml:"handshake_timeout"`

	// Peers is a static name table, used when gossip is disabled.
	Peers map[string]string `toml:"peers"`

	Gossip Gossip `toml:"gossip"`
	Log    Log    `toml:"log"`
}

type Gossip struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Port       int      `toml:"port"`
	Hostname   string   `toml:"hostname"`
	Neighbours []string `toml:"neighbours"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default configuration.
func Default() Config {
	return Config{
		Listen:           "127.0.0.1:0",
		Carrier:          "ptp",
		BindAddr:         "127.0.0.1",
		HandshakeTimeout: "30s",
		Gossip: Gossip{
			Addr: "127.0.0.1",
			Port: 7946,
		},
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path, when not empty, then the environment. The envFiles
// are loaded first, without overriding variables already set, missing
// ones are ignored.
func Load(path string, envFiles ...string) (Config, error) {
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: failed to load %s: %w", file, err)
		}
	}

	cfg := Default()
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := cfg.Parse(string(content)); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Parse overlays the TOML content on cfg.
func (cfg *Config) Parse(content string) error {
	md, err := toml.Decode(content, cfg)
	if err != nil {
		return fmt.Errorf("config: failed to parse: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config: unknown keys %v", undecoded)
	}
	return nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"NAME":              &cfg.Name,
		"LISTEN":            &cfg.Listen,
		"CARRIER":           &cfg.Carrier,
		"BIND_ADDR":         &cfg.BindAddr,
		"HANDSHAKE_TIMEOUT": &cfg.HandshakeTimeout,
		"GOSSIP_ADDR":       &cfg.Gossip.Addr,
		"GOSSIP_HOSTNAME":   &cfg.Gossip.Hostname,
		"LOG_LEVEL":         &cfg.Log.Level,
		"LOG_FORMAT":        &cfg.Log.Format,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	if v, ok := lookup(EnvPrefix + "GOSSIP_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %sGOSSIP_PORT: %w", EnvPrefix, err)
		}
		cfg.Gossip.Port = port
	}
	if v, ok := lookup(EnvPrefix + "NEIGHBOURS"); ok {
		cfg.Gossip.Neighbours = nil
		for _, n := range strings.Split(v, ",") {
			if n = strings.TrimSpace(n); n != "" {
				cfg.Gossip.Neighbours = append(cfg.Gossip.Neighbours, n)
			}
		}
		cfg.Gossip.Enabled = len(cfg.Gossip.Neighbours) > 0 || cfg.Gossip.Enabled
	}
	return nil
}

func (cfg Config) Validate() error {
	timeout, err := time.ParseDuration(cfg.HandshakeTimeout)
	if err != nil {
		return fmt.Errorf("config: handshake_timeout: %w", err)
	}
	if timeout < 0 {
		return fmt.Errorf("config: handshake_timeout %s is negative", timeout)
	}
	if _, err := cfg.level(); err != nil {
		return err
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: log format %q is neither text nor json", cfg.Log.Format)
	}
	if cfg.Name != "" && !carrier.ValidatePortName(cfg.Name) {
		return fmt.Errorf("config: %w", carrier.ErrNameInvalid)
	}
	return nil
}

func (cfg Config) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return lvl, fmt.Errorf("config: log level: %w", err)
	}
	return lvl, nil
}

// LogHandler writes to w as configured.
func (cfg Config) LogHandler(w io.Writer) slog.Handler {
	lvl, _ := cfg.level()
	opts := &slog.HandlerOptions{Level: lvl}
	if cfg.Log.Format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Options builds the node options, cfg must be valid.
func (cfg Config) Options(logHandler slog.Handler) []carrier.Option {
	timeout, _ := time.ParseDuration(cfg.HandshakeTimeout)
	opts := []carrier.Option{
		carrier.WithLog(logHandler),
		carrier.WithBindAddr(cfg.BindAddr),
		carrier.WithHandshakeTimeout(timeout),
	}
	if len(cfg.Peers) > 0 {
		opts = append(opts, carrier.WithResolver(carrier.StaticResolver(cfg.Peers)))
	}
	if cfg.Gossip.Enabled {
		opts = append(opts,
			carrier.WithListenOn(cfg.Gossip.Addr, cfg.Gossip.Port),
			carrier.WithHostname(cfg.Gossip.Hostname),
			carrier.WithNeighbours(cfg.Gossip.Neighbours),
		)
	}
	return opts
}
