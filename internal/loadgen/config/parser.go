package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wesleyorama2/chatload/internal/loadgen/retry"
	"github.com/wesleyorama2/chatload/internal/loadgen/task"
)

// Defaults for a run with nothing configured.
const (
	DefaultHost        = "http://localhost:8080"
	DefaultSessions    = 100
	DefaultSpawnRate   = 10.0
	DefaultDuration    = 5 * time.Minute
	DefaultWaitMin     = 1 * time.Second
	DefaultWaitMax     = 5 * time.Second
	DefaultGracePeriod = 30 * time.Second
	DefaultPassword    = "TestPass123"
	DefaultUserAgent   = "chatload/1.0"
)

// LoadConfig loads a run configuration from a file.
//
// The file format is determined by extension:
//   - .yaml, .yml -> YAML
//   - .json -> JSON
func LoadConfig(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data, path)
}

// ParseConfig parses configuration data. The format is determined by the
// extension of path, defaulting to YAML.
func ParseConfig(data []byte, path string) (*RunConfig, error) {
	var config RunConfig

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config (unknown format %s): %w", ext, err)
		}
	}

	return &config, nil
}

// ParseDurationString parses a duration string with support for common formats.
//
// Supported formats:
//   - Standard Go duration: "30s", "2m", "1h30m", "500ms"
//   - Seconds as integer: "30" (treated as 30 seconds)
func ParseDurationString(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err == nil {
		return d, nil
	}

	if seconds, err := strconv.Atoi(s); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}

	return 0, fmt.Errorf("invalid duration format: %s", s)
}

// Default returns a configuration with every default applied.
func Default() *RunConfig {
	c := &RunConfig{}
	ApplyDefaults(c)
	return c
}

// ApplyDefaults fills unset fields. Explicit zero wait bounds are kept when
// the other bound is set, so a "wait: {max: 0s}" config runs without pauses.
func ApplyDefaults(config *RunConfig) {
	if config.Host == "" {
		config.Host = DefaultHost
	}
	config.Host = strings.TrimRight(config.Host, "/")
	if config.Sessions == 0 {
		config.Sessions = DefaultSessions
	}
	if config.SpawnRate == 0 {
		config.SpawnRate = DefaultSpawnRate
	}
	if config.Duration == 0 {
		config.Duration = Duration(DefaultDuration)
	}
	if config.Wait.Min == 0 && config.Wait.Max == 0 {
		config.Wait.Min = Duration(DefaultWaitMin)
		config.Wait.Max = Duration(DefaultWaitMax)
	}
	if config.GracePeriod == nil {
		config.GracePeriod = DurationOf(DefaultGracePeriod)
	}
	if config.Password == "" {
		config.Password = DefaultPassword
	}
	if len(config.Tasks) == 0 {
		config.Tasks = task.DefaultWeights()
	}

	if config.Retry.MaxAttempts == 0 {
		config.Retry.MaxAttempts = retry.DefaultMaxAttempts
	}

	if config.Discovery.Query == "" {
		config.Discovery.Query = "user"
	}
	if config.Discovery.Limit == 0 {
		config.Discovery.Limit = 5
	}
	if config.Discovery.MaxConversations == 0 {
		config.Discovery.MaxConversations = 3
	}

	if config.Search.MinQueryLength == 0 {
		config.Search.MinQueryLength = 2
	}
	if config.Search.MaxQueryLength == 0 {
		config.Search.MaxQueryLength = 5
	}
	if config.Search.Limit == 0 {
		config.Search.Limit = 10
	}

	if config.HTTP.Timeout == 0 {
		config.HTTP.Timeout = Duration(30 * time.Second)
	}
	if config.HTTP.MaxIdleConnsPerHost == 0 {
		config.HTTP.MaxIdleConnsPerHost = 100
	}
	if config.HTTP.UserAgent == "" {
		config.HTTP.UserAgent = DefaultUserAgent
	}

	if config.Stream.Transport == "" {
		config.Stream.Transport = TransportSynthetic
	}
	if config.Stream.Path == "" {
		config.Stream.Path = "/ws"
	}
	if config.Stream.HandshakeTimeout == 0 {
		config.Stream.HandshakeTimeout = Duration(10 * time.Second)
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "console"
	}
}
