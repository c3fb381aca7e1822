// Package config provides configuration parsing and validation for load runs.
package config

import (
	"time"

	"github.com/wesleyorama2/chatload/internal/loadgen/task"
)

// Transport names for the message channel.
const (
	TransportSynthetic = "synthetic"
	TransportWebSocket = "websocket"
)

// RunConfig is the root configuration for a load run. It is immutable once
// the run starts.
//
// Example YAML:
//
//	name: "chat smoke"
//	host: "http://localhost:8080"
//	sessions: 100
//	spawnRate: 10
//	duration: 5m
//	wait:
//	  min: 1s
//	  max: 5s
//	tasks:
//	  - name: send_message
//	    weight: 50
//	  - name: search_users
//	    weight: 20
type RunConfig struct {
	// Name of the run (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Host is the chat service root URL
	Host string `json:"host" yaml:"host"`

	// Sessions is the target number of concurrent sessions
	Sessions int `json:"sessions" yaml:"sessions"`

	// SpawnRate is sessions started per second
	SpawnRate float64 `json:"spawnRate" yaml:"spawnRate"`

	// Duration is how long the run holds before stopping
	Duration Duration `json:"duration" yaml:"duration"`

	// Wait is the inter-task delay window
	Wait WaitConfig `json:"wait,omitempty" yaml:"wait,omitempty"`

	// GracePeriod bounds session teardown before force termination. Nil
	// means the default; an explicit zero force-terminates at once.
	GracePeriod *Duration `json:"gracePeriod,omitempty" yaml:"gracePeriod,omitempty"`

	// Seed makes task draws reproducible. Zero picks a seed at start.
	Seed int64 `json:"seed,omitempty" yaml:"seed,omitempty"`

	// Password is the fixed test credential for every session
	Password string `json:"password,omitempty" yaml:"password,omitempty"`

	// Tasks is the ordered weight table
	Tasks []task.Weight `json:"tasks,omitempty" yaml:"tasks,omitempty"`

	Retry     RetryConfig     `json:"retry,omitempty" yaml:"retry,omitempty"`
	Discovery DiscoveryConfig `json:"discovery,omitempty" yaml:"discovery,omitempty"`
	Search    SearchConfig    `json:"search,omitempty" yaml:"search,omitempty"`
	HTTP      HTTPConfig      `json:"http,omitempty" yaml:"http,omitempty"`
	Stream    StreamConfig    `json:"stream,omitempty" yaml:"stream,omitempty"`

	// Contracts enables JSON schema checks on response bodies
	Contracts bool `json:"contracts,omitempty" yaml:"contracts,omitempty"`

	// Headless disables the live progress display
	Headless bool `json:"headless,omitempty" yaml:"headless,omitempty"`

	Report ReportConfig `json:"report,omitempty" yaml:"report,omitempty"`
	Log    LogConfig    `json:"log,omitempty" yaml:"log,omitempty"`

	// MetricsAddr, when set, serves Prometheus metrics for the run
	MetricsAddr string `json:"metricsAddr,omitempty" yaml:"metricsAddr,omitempty"`
}

// WaitConfig is the uniform inter-task delay window.
type WaitConfig struct {
	Min Duration `json:"min" yaml:"min"`
	Max Duration `json:"max" yaml:"max"`
}

// RetryConfig controls polling of not-yet-visible state.
type RetryConfig struct {
	// MaxAttempts is the total attempt count, including the first
	MaxAttempts int `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`

	// Yield is an optional pause between attempts (default: none)
	Yield Duration `json:"yield,omitempty" yaml:"yield,omitempty"`
}

// DiscoveryConfig controls the startup search for conversation partners.
type DiscoveryConfig struct {
	Query            string `json:"query,omitempty" yaml:"query,omitempty"`
	Limit            int    `json:"limit,omitempty" yaml:"limit,omitempty"`
	MaxConversations int    `json:"maxConversations,omitempty" yaml:"maxConversations,omitempty"`
}

// SearchConfig controls the steady-state search_users task.
type SearchConfig struct {
	MinQueryLength int `json:"minQueryLength,omitempty" yaml:"minQueryLength,omitempty"`
	MaxQueryLength int `json:"maxQueryLength,omitempty" yaml:"maxQueryLength,omitempty"`
	Limit          int `json:"limit,omitempty" yaml:"limit,omitempty"`
}

// HTTPConfig contains HTTP client settings.
type HTTPConfig struct {
	Timeout             Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxIdleConnsPerHost int      `json:"maxIdleConnsPerHost,omitempty" yaml:"maxIdleConnsPerHost,omitempty"`
	MaxConnsPerHost     int      `json:"maxConnsPerHost,omitempty" yaml:"maxConnsPerHost,omitempty"`
	InsecureSkipVerify  bool     `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`

	// PerSessionClient gives each session its own connection pool
	PerSessionClient bool `json:"perSessionClient,omitempty" yaml:"perSessionClient,omitempty"`

	UserAgent string `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`
}

// StreamConfig selects the message transport.
type StreamConfig struct {
	// Transport is "synthetic" or "websocket"
	Transport        string   `json:"transport,omitempty" yaml:"transport,omitempty"`
	Path             string   `json:"path,omitempty" yaml:"path,omitempty"`
	HandshakeTimeout Duration `json:"handshakeTimeout,omitempty" yaml:"handshakeTimeout,omitempty"`
}

// ReportConfig controls the report file.
type ReportConfig struct {
	// Path is written as JSON or YAML depending on its extension
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// LogConfig controls the run logger.
type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// Duration is a time.Duration that can be unmarshaled from JSON/YAML strings.
type Duration time.Duration

// DurationOf returns a pointer to d, for optional duration fields.
func DurationOf(d time.Duration) *Duration {
	v := Duration(d)
	return &v
}

// GetDuration returns the duration or a default if empty.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}

	if s == "" || s == "null" {
		*d = 0
		return nil
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	if s == "" {
		*d = 0
		return nil
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}
