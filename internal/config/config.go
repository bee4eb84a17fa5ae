// Package config loads the process configuration shared by the coordinator
// and worker binaries: broker connection, routing table, timing knobs,
// schedules and the permission allowlists injected into handlers.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Duration wraps time.Duration with YAML support for "500ms", "2s", "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Broker      Broker            `yaml:"broker"`
	Routing     map[string]string `yaml:"routing"`
	Worker      Worker            `yaml:"worker"`
	Dispatch    Dispatch          `yaml:"dispatch"`
	Server      Server            `yaml:"server"`
	Schedules   []Schedule        `yaml:"schedules"`
	Permissions Permissions       `yaml:"permissions"`
}

type Broker struct {
	// Kind selects the backend: "redis" or "sqlite".
	Kind          string   `yaml:"kind"`
	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	RedisDB       int      `yaml:"redis_db"`
	SQLitePath    string   `yaml:"sqlite_path"`
	Visibility    Duration `yaml:"visibility_timeout"`
	ResultTTL     Duration `yaml:"result_ttl"`
}

type Worker struct {
	Slots             int      `yaml:"slots"`
	BlockTimeout      Duration `yaml:"block_timeout"`
	ExecTimeout       Duration `yaml:"exec_timeout"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	RecoverInterval   Duration `yaml:"recover_interval"`
	MetricsAddr       string   `yaml:"metrics_addr"`
}

type Dispatch struct {
	PollInterval    Duration `yaml:"poll_interval"`
	DefaultDeadline Duration `yaml:"default_deadline"`
}

type Server struct {
	Addr string `yaml:"addr"`
}

// Schedule is a cron-driven periodic submission.
type Schedule struct {
	Name          string         `yaml:"name"`
	Cron          string         `yaml:"cron"`
	Type          string         `yaml:"type"`
	Parameters    map[string]any `yaml:"parameters"`
	CallerContext string         `yaml:"caller_context"`
}

type Permissions struct {
	Admins          []string `yaml:"admins"`
	AllowedCommands []string `yaml:"allowed_commands"`
}

// Load reads and parses configuration from a YAML file. ${VAR} references
// are expanded from the environment before parsing, so broker credentials
// can stay out of the file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	expanded := envVarPattern.ReplaceAllStringFunc(string(raw), func(m string) string {
		name := envVarPattern.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every timing knob at its default. Routing
// is intentionally empty; a real deployment must provide it.
func Default() *Config {
	return &Config{
		Broker: Broker{
			Kind:       "redis",
			RedisAddr:  "localhost:6379",
			SQLitePath: "relayq.db",
			Visibility: Duration(time.Minute),
			ResultTTL:  Duration(5 * time.Minute),
		},
		Worker: Worker{
			Slots:             8,
			BlockTimeout:      Duration(2 * time.Second),
			ExecTimeout:       Duration(2 * time.Minute),
			HeartbeatInterval: Duration(15 * time.Second),
			RecoverInterval:   Duration(30 * time.Second),
			MetricsAddr:       ":2112",
		},
		Dispatch: Dispatch{
			PollInterval:    Duration(500 * time.Millisecond),
			DefaultDeadline: Duration(2 * time.Minute),
		},
		Server: Server{Addr: ":8080"},
	}
}

func (c *Config) Validate() error {
	switch c.Broker.Kind {
	case "redis", "sqlite":
	default:
		return fmt.Errorf("unknown broker kind %q (want redis or sqlite)", c.Broker.Kind)
	}
	if len(c.Routing) == 0 {
		return fmt.Errorf("routing table is empty")
	}
	if c.Worker.Slots <= 0 {
		return fmt.Errorf("worker slots must be positive, got %d", c.Worker.Slots)
	}
	for _, s := range c.Schedules {
		if s.Name == "" || s.Cron == "" || s.Type == "" {
			return fmt.Errorf("schedule %q: name, cron and type are all required", s.Name)
		}
		if _, ok := c.Routing[s.Type]; !ok {
			return fmt.Errorf("schedule %q references unrouted task type %q", s.Name, s.Type)
		}
	}
	return nil
}
