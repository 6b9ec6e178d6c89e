package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "settings.max_retries")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Bounds for Settings fields.
const (
	MinMaxRetries        = 0
	MaxMaxRetries        = 3
	MinPriorityThreshold = 0
	MaxPriorityThreshold = 4
	MinWorkerCount       = 1
	MaxWorkerCount       = 10
)

// branchPrefixRegex validates branch prefixes: must start with a letter and
// may contain letters, digits, hyphen, underscore, and slash.
var branchPrefixRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_/-]*$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.Settings.Validate()...)
	errors = append(errors, c.validateLocks()...)
	errors = append(errors, c.validateAgent()...)
	errors = append(errors, c.validateGit()...)
	errors = append(errors, c.validateTracker()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

// Validate checks the Settings ranges. It is also used by the orchestrator to
// vet settings patches before applying them.
func (s Settings) Validate() []ValidationError {
	var errors []ValidationError

	if s.MaxRetries < MinMaxRetries || s.MaxRetries > MaxMaxRetries {
		errors = append(errors, ValidationError{
			Field:   "settings.max_retries",
			Value:   s.MaxRetries,
			Message: fmt.Sprintf("must be between %d and %d", MinMaxRetries, MaxMaxRetries),
		})
	}

	if s.PriorityThreshold < MinPriorityThreshold || s.PriorityThreshold > MaxPriorityThreshold {
		errors = append(errors, ValidationError{
			Field:   "settings.priority_threshold",
			Value:   s.PriorityThreshold,
			Message: fmt.Sprintf("must be between %d and %d", MinPriorityThreshold, MaxPriorityThreshold),
		})
	}

	if s.WorkerCount < MinWorkerCount || s.WorkerCount > MaxWorkerCount {
		errors = append(errors, ValidationError{
			Field:   "settings.worker_count",
			Value:   s.WorkerCount,
			Message: fmt.Sprintf("must be between %d and %d", MinWorkerCount, MaxWorkerCount),
		})
	}

	// A PR needs a branch to open from
	if s.AutoCreatePR && !s.UseFeatureBranches {
		errors = append(errors, ValidationError{
			Field:   "settings.auto_create_pr",
			Value:   s.AutoCreatePR,
			Message: "requires settings.use_feature_branches",
		})
	}
	// and commits to put on it
	if s.AutoCreatePR && !s.AutoCommit {
		errors = append(errors, ValidationError{
			Field:   "settings.auto_create_pr",
			Value:   s.AutoCreatePR,
			Message: "requires settings.auto_commit",
		})
	}

	return errors
}

func (c *Config) validateLocks() []ValidationError {
	var errors []ValidationError

	fields := []struct {
		name  string
		value int
	}{
		{"locks.retry_interval_seconds", c.Locks.RetryIntervalSeconds},
		{"locks.ttl_seconds", c.Locks.TTLSeconds},
		{"locks.sweep_interval_seconds", c.Locks.SweepIntervalSeconds},
	}
	for _, f := range fields {
		if f.value <= 0 {
			errors = append(errors, ValidationError{
				Field:   f.name,
				Value:   f.value,
				Message: "must be positive",
			})
		}
	}

	// A sweep slower than the TTL would let stale locks live far past it
	if c.Locks.SweepIntervalSeconds > 0 && c.Locks.TTLSeconds > 0 &&
		c.Locks.SweepIntervalSeconds > c.Locks.TTLSeconds {
		errors = append(errors, ValidationError{
			Field:   "locks.sweep_interval_seconds",
			Value:   c.Locks.SweepIntervalSeconds,
			Message: "must not exceed locks.ttl_seconds",
		})
	}

	return errors
}

func (c *Config) validateAgent() []ValidationError {
	var errors []ValidationError

	for i, pattern := range c.Agent.UIPathPatterns {
		if _, err := glob.Compile(pattern, '/'); err != nil {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("agent.ui_path_patterns[%d]", i),
				Value:   pattern,
				Message: "invalid glob pattern",
			})
		}
	}

	return errors
}

func (c *Config) validateGit() []ValidationError {
	var errors []ValidationError

	if c.Git.BranchPrefix != "" && !branchPrefixRegex.MatchString(c.Git.BranchPrefix) {
		errors = append(errors, ValidationError{
			Field:   "git.branch_prefix",
			Value:   c.Git.BranchPrefix,
			Message: "must start with a letter and contain only letters, digits, '-', '_', or '/'",
		})
	}

	if strings.Contains(c.Git.BranchPrefix, "..") {
		errors = append(errors, ValidationError{
			Field:   "git.branch_prefix",
			Value:   c.Git.BranchPrefix,
			Message: "must not contain '..'",
		})
	}

	return errors
}

func (c *Config) validateTracker() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidTrackerBackends(), c.Tracker.Backend) {
		errors = append(errors, ValidationError{
			Field:   "tracker.backend",
			Value:   c.Tracker.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidTrackerBackends(), ", ")),
		})
	}

	if c.Tracker.Backend == "sqlite" && c.Tracker.DBPath == "" {
		errors = append(errors, ValidationError{
			Field:   "tracker.db_path",
			Value:   c.Tracker.DBPath,
			Message: "required when tracker.backend is sqlite",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}
