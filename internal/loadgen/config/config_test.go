package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/wesleyorama2/chatload/internal/loadgen/task"
)

func TestParseConfig_YAML(t *testing.T) {
	yamlConfig := `
name: "chat smoke"
host: "http://localhost:9000/"
sessions: 10
spawnRate: 5
duration: 2s
wait:
  min: 10ms
  max: 50ms
gracePeriod: 3s
seed: 42
tasks:
  - name: send_message
    weight: 3
  - name: refresh_token
    weight: 1
retry:
  maxAttempts: 4
  yield: 5ms
stream:
  transport: websocket
`

	config, err := ParseConfig([]byte(yamlConfig), "run.yaml")
	require.NoError(t, err)

	assert.Equal(t, "chat smoke", config.Name)
	assert.Equal(t, 10, config.Sessions)
	assert.Equal(t, 5.0, config.SpawnRate)
	assert.Equal(t, 2*time.Second, time.Duration(config.Duration))
	assert.Equal(t, 10*time.Millisecond, time.Duration(config.Wait.Min))
	assert.Equal(t, 50*time.Millisecond, time.Duration(config.Wait.Max))
	assert.Equal(t, int64(42), config.Seed)
	require.NotNil(t, config.GracePeriod)
	assert.Equal(t, 3*time.Second, time.Duration(*config.GracePeriod))
	assert.Equal(t, []task.Weight{{Name: "send_message", Weight: 3}, {Name: "refresh_token", Weight: 1}}, config.Tasks)
	assert.Equal(t, 4, config.Retry.MaxAttempts)
	assert.Equal(t, 5*time.Millisecond, time.Duration(config.Retry.Yield))
	assert.Equal(t, TransportWebSocket, config.Stream.Transport)

	ApplyDefaults(config)
	assert.Equal(t, "http://localhost:9000", config.Host)
	assert.NoError(t, config.Validate())
}

func TestParseConfig_JSON(t *testing.T) {
	jsonConfig := `{
		"host": "https://chat.example.com",
		"sessions": 3,
		"spawnRate": 1.5,
		"duration": "90",
		"wait": {"min": "0s", "max": "0s"}
	}`

	config, err := ParseConfig([]byte(jsonConfig), "run.json")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, time.Duration(config.Duration))
	assert.Equal(t, 1.5, config.SpawnRate)
}

func TestParseConfig_Invalid(t *testing.T) {
	_, err := ParseConfig([]byte(`{"duration": "soon"}`), "run.json")
	assert.Error(t, err)

	_, err = ParseConfig([]byte("duration: [1, 2"), "run.yml")
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sessions: 7\n"), 0o644))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7, config.Sessions)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	config := Default()

	assert.Equal(t, DefaultHost, config.Host)
	assert.Equal(t, DefaultSessions, config.Sessions)
	assert.Equal(t, DefaultWaitMin, time.Duration(config.Wait.Min))
	assert.Equal(t, DefaultWaitMax, time.Duration(config.Wait.Max))
	assert.Equal(t, DefaultPassword, config.Password)
	assert.Equal(t, task.DefaultWeights(), config.Tasks)
	assert.Equal(t, 10, config.Retry.MaxAttempts)
	assert.Equal(t, "user", config.Discovery.Query)
	assert.Equal(t, 5, config.Discovery.Limit)
	assert.Equal(t, 3, config.Discovery.MaxConversations)
	assert.Equal(t, TransportSynthetic, config.Stream.Transport)
	assert.NoError(t, config.Validate())
}

func TestApplyDefaults_KeepsExplicitZeroWaitMin(t *testing.T) {
	config := &RunConfig{Wait: WaitConfig{Max: Duration(time.Second)}}
	ApplyDefaults(config)
	assert.Zero(t, config.Wait.Min)
	assert.Equal(t, time.Second, time.Duration(config.Wait.Max))
}

func TestApplyDefaults_GracePeriod(t *testing.T) {
	config := &RunConfig{}
	ApplyDefaults(config)
	require.NotNil(t, config.GracePeriod)
	assert.Equal(t, DefaultGracePeriod, time.Duration(*config.GracePeriod))

	config = &RunConfig{GracePeriod: DurationOf(0)}
	ApplyDefaults(config)
	assert.Zero(t, *config.GracePeriod)
	assert.NoError(t, config.Validate())

	parsed, err := ParseConfig([]byte("host: http://localhost:8080\ngracePeriod: 0s\n"), "run.yaml")
	require.NoError(t, err)
	ApplyDefaults(parsed)
	require.NotNil(t, parsed.GracePeriod)
	assert.Zero(t, *parsed.GracePeriod)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RunConfig)
		fields []string
	}{
		{"valid", func(c *RunConfig) {}, nil},
		{"bad host", func(c *RunConfig) { c.Host = "localhost:8080" }, []string{"host", "host"}},
		{"ftp host", func(c *RunConfig) { c.Host = "ftp://x" }, []string{"host"}},
		{"no sessions", func(c *RunConfig) { c.Sessions = -1 }, []string{"sessions"}},
		{"no spawn rate", func(c *RunConfig) { c.SpawnRate = -2 }, []string{"spawnRate"}},
		{"wait inverted", func(c *RunConfig) {
			c.Wait = WaitConfig{Min: Duration(2 * time.Second), Max: Duration(time.Second)}
		}, []string{"wait.max"}},
		{"unknown task", func(c *RunConfig) {
			c.Tasks = []task.Weight{{Name: "send_message", Weight: 1}, {Name: "dance", Weight: 1}}
		}, []string{"tasks[1].name"}},
		{"zero total", func(c *RunConfig) {
			c.Tasks = []task.Weight{{Name: "send_message", Weight: 0}}
		}, []string{"tasks"}},
		{"negative weight", func(c *RunConfig) {
			c.Tasks = []task.Weight{{Name: "send_message", Weight: -1}, {Name: "search_users", Weight: 2}}
		}, []string{"tasks[0].weight"}},
		{"duplicate", func(c *RunConfig) {
			c.Tasks = []task.Weight{{Name: "send_message", Weight: 1}, {Name: "send_message", Weight: 1}}
		}, []string{"tasks[1].name"}},
		{"retry", func(c *RunConfig) { c.Retry.MaxAttempts = -1 }, []string{"retry.maxAttempts"}},
		{"transport", func(c *RunConfig) { c.Stream.Transport = "carrier-pigeon" }, []string{"stream.transport"}},
		{"log format", func(c *RunConfig) { c.Log.Format = "xml" }, []string{"log.format"}},
		{"negative grace", func(c *RunConfig) { c.GracePeriod = DurationOf(-time.Second) }, []string{"gracePeriod"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.mutate(config)

			err := config.Validate()
			if tt.fields == nil {
				assert.NoError(t, err)
				return
			}

			var verrs *ValidationErrors
			require.True(t, errors.As(err, &verrs), "got %v", err)
			assert.Equal(t, tt.fields, verrs.Fields())
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	errs := &ValidationErrors{}
	assert.Equal(t, "no validation errors", errs.Error())

	errs.Add("sessions", "must be greater than zero")
	assert.Equal(t, "validation error on field 'sessions': must be greater than zero", errs.Error())

	errs.Add("", "something else")
	assert.Contains(t, errs.Error(), "2 validation errors:")
	assert.Contains(t, errs.Error(), "validation error: something else")
}

func TestDuration_RoundTrip(t *testing.T) {
	d := Duration(1500 * time.Millisecond)

	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"1.5s"`, string(data))

	out, err := yaml.Marshal(struct {
		D Duration `yaml:"d"`
	}{d})
	require.NoError(t, err)
	assert.Equal(t, "d: 1.5s\n", string(out))

	assert.Equal(t, 3*time.Second, Duration(0).GetDuration(3*time.Second))
	assert.Equal(t, 1500*time.Millisecond, d.GetDuration(time.Second))
}
