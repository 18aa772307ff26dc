package config

import "time"

// ServerSettings is the singleton server_settings row: retention knobs,
// the global concurrency cap, and driver-call timeouts (spec §4.C, §5).
type ServerSettings struct {
	MaxConcurrent             int
	WorkflowStartTimeout      time.Duration
	DriverCallTimeout         time.Duration
	LogRetentionDays          int
	LogRetentionMaxEvents     int
	WorktreeRetentionOnFailed bool
}

// ServerOption configures a ServerSettings via functional options, matching
// the teacher's constructor style (NewBus, NewController) of keeping
// configuration small and explicit rather than introducing a YAML loader
// (out of scope per spec.md §1).
type ServerOption func(*ServerSettings)

// WithMaxConcurrent sets the global admission cap on in-flight workflows.
func WithMaxConcurrent(n int) ServerOption {
	return func(s *ServerSettings) { s.MaxConcurrent = n }
}

// WithWorkflowStartTimeout sets how long a workflow may make no progress
// after startWorkflow before it is cancelled (spec §5).
func WithWorkflowStartTimeout(d time.Duration) ServerOption {
	return func(s *ServerSettings) { s.WorkflowStartTimeout = d }
}

// WithDriverCallTimeout bounds individual driver calls.
func WithDriverCallTimeout(d time.Duration) ServerOption {
	return func(s *ServerSettings) { s.DriverCallTimeout = d }
}

// WithLogRetention sets both retention knobs the spec calls out as an open
// question (§9): days and/or max event count, either of which may be zero
// to mean "no bound on this axis".
func WithLogRetention(days, maxEvents int) ServerOption {
	return func(s *ServerSettings) {
		s.LogRetentionDays = days
		s.LogRetentionMaxEvents = maxEvents
	}
}

// WithWorktreeRetentionOnFailed keeps a failed workflow's worktree on disk
// instead of tearing it down, for post-mortem inspection (spec §4.H).
func WithWorktreeRetentionOnFailed(retain bool) ServerOption {
	return func(s *ServerSettings) { s.WorktreeRetentionOnFailed = retain }
}

// defaultServerSettings matches the defaults implied by spec scenarios: a
// review loop bound of 3 lives on Profile, not here, but the global cap and
// timeouts need sane defaults when a caller supplies no options.
var defaultServerSettings = ServerSettings{
	MaxConcurrent:        8,
	WorkflowStartTimeout: 5 * time.Minute,
	DriverCallTimeout:    2 * time.Minute,
	LogRetentionDays:     30,
}

// NewServerSettings builds a ServerSettings from defaults plus opts.
func NewServerSettings(opts ...ServerOption) ServerSettings {
	s := defaultServerSettings
	for _, opt := range opts {
		opt(&s)
	}
	return s
}
