// Package config loads and validates the Citadel TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Conductor  Conductor        `toml:"conductor"`
	Queue      Queue            `toml:"queue"`
	Worker     Role             `toml:"worker"`
	Gatekeeper Role             `toml:"gatekeeper"`
	Beads      Beads            `toml:"beads"`
	Formulas   Formulas         `toml:"formulas"`
	Log        Log              `toml:"log"`
	API        API              `toml:"api"`
	Agents     map[string]Agent `toml:"agents"`
}

type Conductor struct {
	TickInterval    Duration `toml:"tick_interval"`
	StallTimeout    Duration `toml:"stall_timeout"`
	Grace           Duration `toml:"grace"`
	UnresolvedLimit int      `toml:"unresolved_limit"`
}

type Queue struct {
	Path string `toml:"path"`
}

// Role configures one scalable pool (worker or gatekeeper).
type Role struct {
	MinWorkers        int      `toml:"min_workers"`
	MaxWorkers        int      `toml:"max_workers"`
	LoadFactor        float64  `toml:"load_factor"`
	Timeout           Duration `toml:"timeout"`
	MaxRetries        int      `toml:"max_retries"`
	PollInterval      Duration `toml:"poll_interval"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
}

type Beads struct {
	Path     string `toml:"path"`
	Binary   string `toml:"binary"`
	AutoSync bool   `toml:"auto_sync"`
}

type Formulas struct {
	Dir string `toml:"dir"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type API struct {
	Enabled bool   `toml:"enabled"`
	Bind    string `toml:"bind"`
}

// Agent configures how the runner invokes one role's agent CLI.
type Agent struct {
	Provider     string              `toml:"provider"`
	Model        string              `toml:"model"`
	Flags        []string            `toml:"flags"`
	Backend      string              `toml:"backend"` // "headless" or "docker"
	Image        string              `toml:"image"`
	Workspace    string              `toml:"workspace"`
	McpTools     []string            `toml:"mcp_tools"`
	McpResources map[string][]string `toml:"mcp_resources"`
}

// RoleConfig returns the pool configuration for a role name.
func (c *Config) RoleConfig(role string) (Role, bool) {
	switch role {
	case "worker":
		return c.Worker, true
	case "gatekeeper":
		return c.Gatekeeper, true
	}
	return Role{}, false
}

// Load reads and validates a Citadel TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Conductor.TickInterval.Duration == 0 {
		cfg.Conductor.TickInterval.Duration = 5 * time.Second
	}
	if cfg.Conductor.StallTimeout.Duration == 0 {
		cfg.Conductor.StallTimeout.Duration = 120 * time.Second
	}
	if cfg.Conductor.Grace.Duration == 0 {
		cfg.Conductor.Grace.Duration = 5 * time.Second
	}
	if cfg.Conductor.UnresolvedLimit == 0 {
		cfg.Conductor.UnresolvedLimit = 120
	}

	if cfg.Queue.Path == "" {
		cfg.Queue.Path = filepath.Join(".citadel", "queue.sqlite")
	}

	applyRoleDefaults(&cfg.Worker, 1, 4)
	applyRoleDefaults(&cfg.Gatekeeper, 1, 2)

	if cfg.Beads.Path == "" {
		cfg.Beads.Path = "."
	}
	if cfg.Beads.Binary == "" {
		cfg.Beads.Binary = "bd"
	}

	if cfg.Formulas.Dir == "" {
		cfg.Formulas.Dir = filepath.Join(".citadel", "formulas")
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	if cfg.API.Bind == "" {
		cfg.API.Bind = "127.0.0.1:7433"
	}

	for name, agent := range cfg.Agents {
		if agent.Backend == "" {
			agent.Backend = "headless"
		}
		cfg.Agents[name] = agent
	}
}

func applyRoleDefaults(r *Role, minWorkers, maxWorkers int) {
	if r.MinWorkers == 0 {
		r.MinWorkers = minWorkers
	}
	if r.MaxWorkers == 0 {
		r.MaxWorkers = maxWorkers
	}
	if r.LoadFactor == 0 {
		r.LoadFactor = 1.0
	}
	if r.Timeout.Duration == 0 {
		r.Timeout.Duration = 15 * time.Minute
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = 3
	}
	if r.PollInterval.Duration == 0 {
		r.PollInterval.Duration = time.Second
	}
	if r.HeartbeatInterval.Duration == 0 {
		r.HeartbeatInterval.Duration = 10 * time.Second
	}
}

func validate(cfg *Config) error {
	for name, role := range map[string]Role{"worker": cfg.Worker, "gatekeeper": cfg.Gatekeeper} {
		if role.MinWorkers < 0 {
			return fmt.Errorf("%s.min_workers must be >= 0", name)
		}
		if role.MaxWorkers < role.MinWorkers {
			return fmt.Errorf("%s.max_workers (%d) must be >= min_workers (%d)", name, role.MaxWorkers, role.MinWorkers)
		}
		if role.LoadFactor <= 0 {
			return fmt.Errorf("%s.load_factor must be > 0", name)
		}
		if role.HeartbeatInterval.Duration >= cfg.Conductor.StallTimeout.Duration {
			return fmt.Errorf("%s.heartbeat_interval (%s) must be below conductor.stall_timeout (%s)",
				name, role.HeartbeatInterval.Duration, cfg.Conductor.StallTimeout.Duration)
		}
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug/info/warn/error, got %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", cfg.Log.Format)
	}

	for role, agent := range cfg.Agents {
		switch agent.Backend {
		case "headless", "docker":
		default:
			return fmt.Errorf("agents.%s.backend must be headless or docker, got %q", role, agent.Backend)
		}
		if agent.Backend == "docker" && agent.Image == "" {
			return fmt.Errorf("agents.%s uses the docker backend but sets no image", role)
		}
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
