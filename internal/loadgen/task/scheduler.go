// Package task holds the weighted operation table each session draws from.
package task

import (
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Task names understood by the session loop.
const (
	SendMessage         = "send_message"
	SearchUsers         = "search_users"
	GetConversationList = "get_conversation_list"
	GetUserProfile      = "get_user_profile"
	RefreshToken        = "refresh_token"
)

var known = map[string]bool{
	SendMessage:         true,
	SearchUsers:         true,
	GetConversationList: true,
	GetUserProfile:      true,
	RefreshToken:        true,
}

// Known reports whether name is a task the session loop can execute.
func Known(name string) bool {
	return known[name]
}

var (
	// ErrNoWeight is returned when the table sums to zero.
	ErrNoWeight = errors.New("total task weight must be greater than zero")
	// ErrUnknownTask is returned for a name the session loop cannot execute.
	ErrUnknownTask = errors.New("unknown task")
)

// Weight is one row of the task table.
type Weight struct {
	Name   string `yaml:"name" json:"name"`
	Weight int    `yaml:"weight" json:"weight"`
}

// DefaultWeights returns the standard chat workload mix.
func DefaultWeights() []Weight {
	return []Weight{
		{Name: SendMessage, Weight: 50},
		{Name: SearchUsers, Weight: 20},
		{Name: GetConversationList, Weight: 15},
		{Name: GetUserProfile, Weight: 10},
		{Name: RefreshToken, Weight: 5},
	}
}

// Scheduler draws the next task and the pause before it. It is immutable
// after construction and safe to share across sessions; each session
// supplies its own random source.
type Scheduler struct {
	weights []Weight
	total   int
	waitMin time.Duration
	waitMax time.Duration
}

// NewScheduler validates the table and wait window.
func NewScheduler(weights []Weight, waitMin, waitMax time.Duration) (*Scheduler, error) {
	total := 0
	for _, w := range weights {
		if !Known(w.Name) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTask, w.Name)
		}
		if w.Weight < 0 {
			return nil, fmt.Errorf("task %q: weight must be non-negative, got %d", w.Name, w.Weight)
		}
		total += w.Weight
	}
	if total <= 0 {
		return nil, ErrNoWeight
	}
	if waitMin < 0 || waitMax < waitMin {
		return nil, fmt.Errorf("invalid wait window [%s, %s]", waitMin, waitMax)
	}

	table := make([]Weight, len(weights))
	copy(table, weights)

	return &Scheduler{
		weights: table,
		total:   total,
		waitMin: waitMin,
		waitMax: waitMax,
	}, nil
}

// Next draws a task name. The draw is uniform in [0, total) and the first
// entry whose cumulative weight exceeds it wins, so zero-weight entries are
// never selected.
func (s *Scheduler) Next(rng *rand.Rand) string {
	n := rng.Intn(s.total)
	cum := 0
	for _, w := range s.weights {
		cum += w.Weight
		if n < cum {
			return w.Name
		}
	}
	// Unreachable with total > 0.
	return s.weights[len(s.weights)-1].Name
}

// Wait draws the pause before the next task uniformly from [min, max].
func (s *Scheduler) Wait(rng *rand.Rand) time.Duration {
	span := s.waitMax - s.waitMin
	if span <= 0 {
		return s.waitMin
	}
	return s.waitMin + time.Duration(rng.Int63n(int64(span)+1))
}

// Total returns the sum of all weights.
func (s *Scheduler) Total() int {
	return s.total
}

// Weights returns a copy of the table.
func (s *Scheduler) Weights() []Weight {
	out := make([]Weight, len(s.weights))
	copy(out, s.weights)
	return out
}
