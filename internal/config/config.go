package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete Auto Build configuration
type Config struct {
	Settings Settings      `mapstructure:"settings" yaml:"settings"`
	Locks    LocksConfig   `mapstructure:"locks" yaml:"locks"`
	Verify   VerifyConfig  `mapstructure:"verify" yaml:"verify"`
	Agent    AgentConfig   `mapstructure:"agent" yaml:"agent"`
	Git      GitConfig     `mapstructure:"git" yaml:"git"`
	PR       PRConfig      `mapstructure:"pr" yaml:"pr"`
	Tracker  TrackerConfig `mapstructure:"tracker" yaml:"tracker"`
	Paths    PathsConfig   `mapstructure:"paths" yaml:"paths"`
	Logging  LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// Settings is the per-run pipeline configuration. The orchestrator takes an
// immutable snapshot at Start; edits are only accepted while it is idle.
type Settings struct {
	// Lint, Test and Build toggle the verification steps run during testing.
	Lint  bool `mapstructure:"lint" yaml:"lint" json:"lint"`
	Test  bool `mapstructure:"test" yaml:"test" json:"test"`
	Build bool `mapstructure:"build" yaml:"build" json:"build"`

	// MaxRetries bounds the fix attempts after attributable test failures (0-3).
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`

	// RequireHumanReview parks each issue in the review gate before committing.
	RequireHumanReview bool `mapstructure:"require_human_review" yaml:"require_human_review" json:"require_human_review"`

	// AutoCommit stages and commits each issue's modified files.
	AutoCommit bool `mapstructure:"auto_commit" yaml:"auto_commit" json:"auto_commit"`

	// UseFeatureBranches commits onto a per-epic branch instead of the current one.
	UseFeatureBranches bool `mapstructure:"use_feature_branches" yaml:"use_feature_branches" json:"use_feature_branches"`

	// AutoCreatePR opens a pull request once every enqueued issue of an epic completes.
	AutoCreatePR bool `mapstructure:"auto_create_pr" yaml:"auto_create_pr" json:"auto_create_pr"`

	// PriorityThreshold excludes issues whose priority is numerically greater (0-4).
	PriorityThreshold int `mapstructure:"priority_threshold" yaml:"priority_threshold" json:"priority_threshold"`

	Audits AuditSettings `mapstructure:"audits" yaml:"audits" json:"audits"`

	// WorkerCount is the number of concurrent workers (1-10).
	WorkerCount int `mapstructure:"worker_count" yaml:"worker_count" json:"worker_count"`
}

// AuditSettings toggles the AI audits run between self review and testing.
type AuditSettings struct {
	Security      bool `mapstructure:"security" yaml:"security" json:"security"`
	Performance   bool `mapstructure:"performance" yaml:"performance" json:"performance"`
	Quality       bool `mapstructure:"quality" yaml:"quality" json:"quality"`
	Accessibility bool `mapstructure:"accessibility" yaml:"accessibility" json:"accessibility"`
}

// Any reports whether at least one audit is enabled.
func (a AuditSettings) Any() bool {
	return a.Security || a.Performance || a.Quality || a.Accessibility
}

// LocksConfig controls the file lock coordinator
type LocksConfig struct {
	// RetryIntervalSeconds is the fixed wait between acquisition attempts (default: 10)
	RetryIntervalSeconds int `mapstructure:"retry_interval_seconds" yaml:"retry_interval_seconds"`
	// TTLSeconds is the age at which a lock is considered stale (default: 300)
	TTLSeconds int `mapstructure:"ttl_seconds" yaml:"ttl_seconds"`
	// SweepIntervalSeconds is how often stale locks are collected (default: 30)
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`
}

// RetryInterval returns the lock retry interval as a time.Duration
func (c LocksConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalSeconds) * time.Second
}

// TTL returns the stale lock age as a time.Duration
func (c LocksConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// SweepInterval returns the stale sweep period as a time.Duration
func (c LocksConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// VerifyConfig holds the shell commands run for each verification step.
// An empty command disables the step regardless of the settings toggle.
type VerifyConfig struct {
	LintCommand  string `mapstructure:"lint_command" yaml:"lint_command"`
	TestCommand  string `mapstructure:"test_command" yaml:"test_command"`
	BuildCommand string `mapstructure:"build_command" yaml:"build_command"`
	// Shell used to run the commands (default: "sh")
	Shell string `mapstructure:"shell" yaml:"shell"`
}

// AgentConfig describes the external coding agent invoked for each
// capability (implement, review, audit, fix).
type AgentConfig struct {
	// Command is the agent executable. Each call receives a JSON request on
	// stdin and must print a JSON result on stdout.
	Command string   `mapstructure:"command" yaml:"command"`
	Args    []string `mapstructure:"args" yaml:"args"`
	// UIPathPatterns are glob patterns selecting files the accessibility audit covers.
	UIPathPatterns []string `mapstructure:"ui_path_patterns" yaml:"ui_path_patterns"`
}

// GitConfig controls commits and feature branches
type GitConfig struct {
	// BranchPrefix is prepended to per-epic branch names (default: "autobuild/")
	BranchPrefix string `mapstructure:"branch_prefix" yaml:"branch_prefix"`
	// Remote is pushed to before a PR is opened (default: "origin")
	Remote string `mapstructure:"remote" yaml:"remote"`
}

// PRConfig controls pull request creation
type PRConfig struct {
	Draft  bool     `mapstructure:"draft" yaml:"draft"`
	Base   string   `mapstructure:"base" yaml:"base"`
	Labels []string `mapstructure:"labels" yaml:"labels"`
}

// TrackerConfig selects the issue store backend
type TrackerConfig struct {
	// Backend is one of "bd", "sqlite", or "memory" (default: "bd")
	Backend string `mapstructure:"backend" yaml:"backend"`
	// BdPath is the bd executable used by the "bd" backend
	BdPath string `mapstructure:"bd_path" yaml:"bd_path"`
	// DBPath is the beads database read by the "sqlite" backend
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
	// BacklogFile seeds the "memory" backend from a YAML backlog
	BacklogFile string `mapstructure:"backlog_file" yaml:"backlog_file"`
}

// PathsConfig controls where run state is kept
type PathsConfig struct {
	// StateDir holds the queue state, SILO notes, debug log, and control socket.
	// Relative paths resolve against the repository root (default: ".autobuild")
	StateDir string `mapstructure:"state_dir" yaml:"state_dir"`
	// SocketPath overrides the control socket location (default: {state_dir}/autobuild.sock)
	SocketPath string `mapstructure:"socket_path" yaml:"socket_path"`
}

// ResolveStateDir returns the absolute state directory for the given repository root.
func (p PathsConfig) ResolveStateDir(baseDir string) string {
	dir := p.StateDir
	if dir == "" {
		dir = ".autobuild"
	}
	if strings.HasPrefix(dir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, dir[2:])
		}
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(baseDir, dir)
	}
	return dir
}

// ResolveSocketPath returns the control socket path for the given repository root.
func (p PathsConfig) ResolveSocketPath(baseDir string) string {
	if p.SocketPath != "" {
		return p.SocketPath
	}
	return filepath.Join(p.ResolveStateDir(baseDir), "autobuild.sock")
}

// LoggingConfig controls the structured debug log
type LoggingConfig struct {
	// Enabled writes the debug log to {state_dir}/autobuild.log; otherwise stderr
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Level is the minimum level written: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level" yaml:"level"`
}

// DefaultSettings returns the pipeline settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		Lint:               true,
		Test:               true,
		Build:              true,
		MaxRetries:         2,
		RequireHumanReview: true,
		AutoCommit:         true,
		UseFeatureBranches: false,
		AutoCreatePR:       false,
		PriorityThreshold:  4,
		WorkerCount:        1,
	}
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Settings: DefaultSettings(),
		Locks: LocksConfig{
			RetryIntervalSeconds: 10,
			TTLSeconds:           300,
			SweepIntervalSeconds: 30,
		},
		Verify: VerifyConfig{
			Shell: "sh",
		},
		Agent: AgentConfig{
			Command:        "",
			Args:           []string{},
			UIPathPatterns: []string{"*.tsx", "*.jsx", "*.vue", "*.svelte", "*.html", "*.css"},
		},
		Git: GitConfig{
			BranchPrefix: "autobuild/",
			Remote:       "origin",
		},
		PR: PRConfig{
			Draft:  true,
			Base:   "",
			Labels: []string{},
		},
		Tracker: TrackerConfig{
			Backend: "bd",
			BdPath:  "bd",
			DBPath:  ".beads/beads.db",
		},
		Paths: PathsConfig{
			StateDir: ".autobuild",
		},
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
		},
	}
}

// SetDefaults registers default values with the global viper instance
func SetDefaults() {
	ApplyDefaults(viper.GetViper())
}

// ApplyDefaults registers default values with v
func ApplyDefaults(v *viper.Viper) {
	defaults := Default()

	// Settings defaults
	v.SetDefault("settings.lint", defaults.Settings.Lint)
	v.SetDefault("settings.test", defaults.Settings.Test)
	v.SetDefault("settings.build", defaults.Settings.Build)
	v.SetDefault("settings.max_retries", defaults.Settings.MaxRetries)
	v.SetDefault("settings.require_human_review", defaults.Settings.RequireHumanReview)
	v.SetDefault("settings.auto_commit", defaults.Settings.AutoCommit)
	v.SetDefault("settings.use_feature_branches", defaults.Settings.UseFeatureBranches)
	v.SetDefault("settings.auto_create_pr", defaults.Settings.AutoCreatePR)
	v.SetDefault("settings.priority_threshold", defaults.Settings.PriorityThreshold)
	v.SetDefault("settings.audits.security", defaults.Settings.Audits.Security)
	v.SetDefault("settings.audits.performance", defaults.Settings.Audits.Performance)
	v.SetDefault("settings.audits.quality", defaults.Settings.Audits.Quality)
	v.SetDefault("settings.audits.accessibility", defaults.Settings.Audits.Accessibility)
	v.SetDefault("settings.worker_count", defaults.Settings.WorkerCount)

	// Lock defaults
	v.SetDefault("locks.retry_interval_seconds", defaults.Locks.RetryIntervalSeconds)
	v.SetDefault("locks.ttl_seconds", defaults.Locks.TTLSeconds)
	v.SetDefault("locks.sweep_interval_seconds", defaults.Locks.SweepIntervalSeconds)

	// Verify defaults
	v.SetDefault("verify.lint_command", defaults.Verify.LintCommand)
	v.SetDefault("verify.test_command", defaults.Verify.TestCommand)
	v.SetDefault("verify.build_command", defaults.Verify.BuildCommand)
	v.SetDefault("verify.shell", defaults.Verify.Shell)

	// Agent defaults
	v.SetDefault("agent.command", defaults.Agent.Command)
	v.SetDefault("agent.args", defaults.Agent.Args)
	v.SetDefault("agent.ui_path_patterns", defaults.Agent.UIPathPatterns)

	// Git and PR defaults
	v.SetDefault("git.branch_prefix", defaults.Git.BranchPrefix)
	v.SetDefault("git.remote", defaults.Git.Remote)
	v.SetDefault("pr.draft", defaults.PR.Draft)
	v.SetDefault("pr.base", defaults.PR.Base)
	v.SetDefault("pr.labels", defaults.PR.Labels)

	// Tracker defaults
	v.SetDefault("tracker.backend", defaults.Tracker.Backend)
	v.SetDefault("tracker.bd_path", defaults.Tracker.BdPath)
	v.SetDefault("tracker.db_path", defaults.Tracker.DBPath)
	v.SetDefault("tracker.backlog_file", defaults.Tracker.BacklogFile)

	// Paths defaults
	v.SetDefault("paths.state_dir", defaults.Paths.StateDir)
	v.SetDefault("paths.socket_path", defaults.Paths.SocketPath)

	// Logging defaults
	v.SetDefault("logging.enabled", defaults.Logging.Enabled)
	v.SetDefault("logging.level", defaults.Logging.Level)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads and validates the configuration held by v.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults if the
// loaded configuration is invalid.
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "autobuild")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".autobuild"
	}
	return filepath.Join(home, ".config", "autobuild")
}

// ConfigFile returns the path to the user config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidTrackerBackends returns the list of supported issue store backends
func ValidTrackerBackends() []string {
	return []string{"bd", "sqlite", "memory"}
}
