// Package config loads the tracker's application settings: server, logging,
// metrics and scheduler defaults. Per-campaign settings live in the
// manifest, not here.
package config

import "time"

// Config is the application configuration. It is immutable after Load.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Health    HealthConfig    `mapstructure:"health"`
	Debug     DebugConfig     `mapstructure:"debug"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Store     StoreConfig     `mapstructure:"store"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level"`

	// Profile is CONSOLE or STRUCTURED.
	Profile string `mapstructure:"profile"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// SchedulerConfig tunes the SLURM command-line gateway.
type SchedulerConfig struct {
	// User filters queue listings. Default: $USER.
	User string `mapstructure:"user"`

	CommandTimeout time.Duration `mapstructure:"command_timeout"`

	// QueryRate caps scheduler commands per second. Negative disables.
	QueryRate float64 `mapstructure:"query_rate"`

	SubmitCommand  string `mapstructure:"submit_command"`
	QueueCommand   string `mapstructure:"queue_command"`
	AccountCommand string `mapstructure:"account_command"`
	CancelCommand  string `mapstructure:"cancel_command"`
}

// StoreConfig tunes the status table lock retry.
type StoreConfig struct {
	LockRetries        int           `mapstructure:"lock_retries"`
	LockInitialBackoff time.Duration `mapstructure:"lock_initial_backoff"`
	LockMaxBackoff     time.Duration `mapstructure:"lock_max_backoff"`
}

// TrackerConfig holds driver defaults that flags may override.
type TrackerConfig struct {
	// Manifest is the default campaign config path.
	Manifest     string        `mapstructure:"manifest"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Python       string        `mapstructure:"python"`
}
