package tasks

import (
	"log/slog"

	"github.com/aristath/jobsched/internal/config"
)

// Options configures the built-in task kinds.
type Options struct {
	Profiles  map[string]config.CommandProfile
	Processes *ProcessManager  // May be nil
	Breakers  *BreakerRegistry // Created when nil
	Retry     RetryConfig      // Zero value uses DefaultRetryConfig
	Logger    *slog.Logger
}

// NewDefaultRegistry returns a registry holding the analyze-db and command
// kinds.
func NewDefaultRegistry(opts Options) *Registry {
	if opts.Breakers == nil {
		opts.Breakers = NewBreakerRegistry(BreakerSettings{}, opts.Logger)
	}
	if opts.Retry == (RetryConfig{}) {
		opts.Retry = DefaultRetryConfig()
	}

	r := NewRegistry()
	// Names are distinct, so registration cannot fail.
	_ = r.Register(analyzeDBKind())
	_ = r.Register(commandKind(opts.Profiles, opts.Processes, opts.Breakers, opts.Retry))
	return r
}
