package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/wesleyorama2/chatload/internal/loadgen/task"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Fields returns the names of the invalid fields.
func (e *ValidationErrors) Fields() []string {
	out := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		out[i] = err.Field
	}
	return out
}

// Validate validates the run configuration.
//
// Returns nil if valid, or a *ValidationErrors containing every problem.
func (c *RunConfig) Validate() error {
	errs := &ValidationErrors{}

	validateHost(c.Host, errs)

	if c.Sessions <= 0 {
		errs.Add("sessions", "must be greater than zero")
	}
	if c.SpawnRate <= 0 {
		errs.Add("spawnRate", "must be greater than zero")
	}
	if c.Duration <= 0 {
		errs.Add("duration", "must be greater than zero")
	}
	if c.GracePeriod != nil && *c.GracePeriod < 0 {
		errs.Add("gracePeriod", "cannot be negative")
	}
	if c.Wait.Min < 0 {
		errs.Add("wait.min", "cannot be negative")
	}
	if c.Wait.Max < c.Wait.Min {
		errs.Add("wait.max", fmt.Sprintf("must be >= wait.min (%s)", c.Wait.Min))
	}

	validateTasks(c.Tasks, errs)

	if c.Retry.MaxAttempts < 1 {
		errs.Add("retry.maxAttempts", "must be at least 1")
	}
	if c.Retry.Yield < 0 {
		errs.Add("retry.yield", "cannot be negative")
	}

	if c.Discovery.Limit < 1 {
		errs.Add("discovery.limit", "must be at least 1")
	}
	if c.Discovery.MaxConversations < 0 {
		errs.Add("discovery.maxConversations", "cannot be negative")
	}

	if c.Search.MinQueryLength < 1 {
		errs.Add("search.minQueryLength", "must be at least 1")
	}
	if c.Search.MaxQueryLength < c.Search.MinQueryLength {
		errs.Add("search.maxQueryLength", "must be >= search.minQueryLength")
	}
	if c.Search.Limit < 1 {
		errs.Add("search.limit", "must be at least 1")
	}

	if c.HTTP.Timeout < 0 {
		errs.Add("http.timeout", "cannot be negative")
	}
	if c.HTTP.MaxIdleConnsPerHost < 0 {
		errs.Add("http.maxIdleConnsPerHost", "cannot be negative")
	}
	if c.HTTP.MaxConnsPerHost < 0 {
		errs.Add("http.maxConnsPerHost", "cannot be negative")
	}

	switch c.Stream.Transport {
	case "", TransportSynthetic, TransportWebSocket:
	default:
		errs.Add("stream.transport", fmt.Sprintf("unknown transport %q (use %q or %q)",
			c.Stream.Transport, TransportSynthetic, TransportWebSocket))
	}
	if c.Stream.Path != "" && !strings.HasPrefix(c.Stream.Path, "/") {
		errs.Add("stream.path", "must start with /")
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		errs.Add("log.format", fmt.Sprintf("unknown format %q (use console or json)", c.Log.Format))
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateHost(host string, errs *ValidationErrors) {
	if host == "" {
		errs.Add("host", "is required")
		return
	}
	u, err := url.Parse(host)
	if err != nil {
		errs.Add("host", fmt.Sprintf("invalid URL: %v", err))
		return
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		errs.Add("host", "must use http or https")
	}
	if u.Host == "" {
		errs.Add("host", "missing host name")
	}
}

func validateTasks(tasks []task.Weight, errs *ValidationErrors) {
	if len(tasks) == 0 {
		errs.Add("tasks", "at least one task is required")
		return
	}

	total := 0
	seen := make(map[string]bool, len(tasks))
	for i, t := range tasks {
		field := fmt.Sprintf("tasks[%d]", i)
		if !task.Known(t.Name) {
			errs.Add(field+".name", fmt.Sprintf("unknown task %q", t.Name))
		}
		if seen[t.Name] {
			errs.Add(field+".name", fmt.Sprintf("duplicate task %q", t.Name))
		}
		seen[t.Name] = true
		if t.Weight < 0 {
			errs.Add(field+".weight", "cannot be negative")
			continue
		}
		total += t.Weight
	}
	if total <= 0 {
		errs.Add("tasks", "total weight must be greater than zero")
	}
}
