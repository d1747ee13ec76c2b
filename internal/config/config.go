// Package config loads the broker's YAML configuration, extending the
// teacher's minimal Config/Server shape with the sections a full MQTT v5
// broker needs: auth, session defaults, persistence, and stats.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdelacey/mqttd/pkg/er"
)

// Config is the top-level shape of config.yml.
type Config struct {
	Name    string  `yaml:"name"`
	Version string  `yaml:"version"`
	Server  Server  `yaml:"server"`
	Auth    Auth    `yaml:"auth"`
	Session Session `yaml:"session"`
	Store   Store   `yaml:"store"`
	Stats   Stats   `yaml:"stats"`
	Log     Log     `yaml:"log"`
}

// Server holds TCP listener settings.
type Server struct {
	Port           string `yaml:"port"`
	MaxConnections int    `yaml:"max_connections"`
}

// Auth controls CONNECT authentication and ACL defaults.
type Auth struct {
	AllowAnonymous bool   `yaml:"allow_anonymous"`
	BcryptCost     int    `yaml:"bcrypt_cost"`
	DefaultOpenACL bool   `yaml:"default_open_acl"`
	ACLFile        string `yaml:"acl_file"`
}

// Session holds broker-wide session defaults.
type Session struct {
	RetryIntervalSeconds int `yaml:"retry_interval_seconds"`
	ExpiryDefaultSeconds int `yaml:"session_expiry_default"`
}

// RetryInterval returns Session.RetryIntervalSeconds as a time.Duration,
// defaulting to 5 seconds when unset.
func (s Session) RetryInterval() time.Duration {
	if s.RetryIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.RetryIntervalSeconds) * time.Second
}

// ExpiryDefault returns the grace window applied to a session whose CONNECT
// carried no Session-Expiry-Interval property, defaulting to 300 seconds
// per the broker's own default when unset.
func (s Session) ExpiryDefault() uint32 {
	if s.ExpiryDefaultSeconds <= 0 {
		return 300
	}
	return uint32(s.ExpiryDefaultSeconds)
}

// Store holds persistence settings.
type Store struct {
	Path string `yaml:"path"`
}

// Stats controls the $SYS publisher.
type Stats struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

// Interval returns Stats.IntervalSeconds as a time.Duration, 0 (disabled)
// when unset.
func (s Stats) Interval() time.Duration {
	if s.IntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(s.IntervalSeconds) * time.Second
}

// Log controls the slog-backed logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ACLEntry is one rule loaded from Auth.ACLFile: User empty means "every
// connection", Action is one of "read", "write", "readwrite", "deny".
type ACLEntry struct {
	User   string `yaml:"user"`
	Filter string `yaml:"filter"`
	Action string `yaml:"action"`
}

// LoadACL reads a YAML list of ACLEntry from path. A missing path (the
// common case — most deployments run with the default-open policy) is
// not an error; it just yields no rules.
func LoadACL(path string) ([]ACLEntry, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &er.Err{Context: "config.LoadACL", Message: err}
	}
	var entries []ACLEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, &er.Err{Context: "config.LoadACL", Message: err}
	}
	return entries, nil
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &er.Err{Context: "config.Load", Message: err}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &er.Err{Context: "config.Load", Message: err}
	}
	return &cfg, nil
}
