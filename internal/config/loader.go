package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// AppIdentity names the binary and its configuration surfaces.
type AppIdentity struct {
	BinaryName  string
	Vendor      string
	EnvPrefix   string
	ConfigName  string
	Description string
}

// DefaultIdentity is the identity of the graspa-tracker binary.
var DefaultIdentity = AppIdentity{
	BinaryName:  "graspa-tracker",
	Vendor:      "3leaps",
	EnvPrefix:   "GRASPA_TRACKER",
	ConfigName:  "graspa-tracker",
	Description: "SLURM job orchestration for CIF simulation campaigns",
}

// EnvSpec binds one environment variable to a config key.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.RWMutex
	appIdentity *AppIdentity
	appConfig   *Config
)

// ciBoundaryVars name workspace roots set by CI systems, in priority order.
var ciBoundaryVars = []string{"FULMEN_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"}

// Load builds the configuration from defaults, config files, .env files,
// environment variables and runtime overrides, in increasing precedence.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	defer configMu.Unlock()

	id := DefaultIdentity
	appIdentity = &id

	root, err := findProjectRoot()
	if err != nil {
		return nil, err
	}
	loadDotEnv(root)

	v := viper.New()
	setDefaults(v)

	if settings := os.Getenv(id.EnvPrefix + "_SETTINGS"); settings != "" {
		v.SetConfigFile(settings)
	} else {
		v.SetConfigName(id.ConfigName)
		v.SetConfigType("yaml")
		for _, p := range getUserConfigPathsLocked() {
			v.AddConfigPath(p)
		}
		v.AddConfigPath(root)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	for _, spec := range getEnvSpecsLocked() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Logging.Profile = strings.ToUpper(cfg.Logging.Profile)
	if cfg.Scheduler.User == "" {
		cfg.Scheduler.User = os.Getenv("USER")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	appConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the configuration from the last successful Load.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Identity returns the identity set by Load, or nil before it.
func Identity() *AppIdentity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error: %q", c.Logging.Level)
	}
	switch c.Logging.Profile {
	case "CONSOLE", "STRUCTURED":
	default:
		return fmt.Errorf("logging.profile must be console or structured: %q", c.Logging.Profile)
	}
	if c.Tracker.PollInterval <= 0 {
		return fmt.Errorf("tracker.poll_interval must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", true)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("scheduler.command_timeout", "60s")
	v.SetDefault("scheduler.query_rate", 5.0)
	v.SetDefault("scheduler.submit_command", "sbatch")
	v.SetDefault("scheduler.queue_command", "squeue")
	v.SetDefault("scheduler.account_command", "sacct")
	v.SetDefault("scheduler.cancel_command", "scancel")

	v.SetDefault("store.lock_retries", 5)
	v.SetDefault("store.lock_initial_backoff", "200ms")
	v.SetDefault("store.lock_max_backoff", "2s")

	v.SetDefault("tracker.manifest", "config.yaml")
	v.SetDefault("tracker.poll_interval", "5m")
	v.SetDefault("tracker.python", "python")
}

func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	defer configMu.RUnlock()
	return getEnvSpecsLocked()
}

func getEnvSpecsLocked() []EnvSpec {
	if appIdentity == nil {
		return []EnvSpec{}
	}
	p := appIdentity.EnvPrefix + "_"
	return []EnvSpec{
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: p + "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "METRICS_ENABLED", Path: "metrics.enabled"},
		{Name: p + "METRICS_PORT", Path: "metrics.port"},
		{Name: p + "HEALTH_ENABLED", Path: "health.enabled"},
		{Name: p + "DEBUG", Path: "debug.enabled"},
		{Name: p + "SLURM_USER", Path: "scheduler.user"},
		{Name: p + "COMMAND_TIMEOUT", Path: "scheduler.command_timeout"},
		{Name: p + "QUERY_RATE", Path: "scheduler.query_rate"},
		{Name: p + "LOCK_RETRIES", Path: "store.lock_retries"},
		{Name: p + "MANIFEST", Path: "tracker.manifest"},
		{Name: p + "POLL_INTERVAL", Path: "tracker.poll_interval"},
		{Name: p + "PYTHON", Path: "tracker.python"},
	}
}

func getUserConfigPaths() []string {
	configMu.RLock()
	defer configMu.RUnlock()
	return getUserConfigPathsLocked()
}

func getUserConfigPathsLocked() []string {
	if appIdentity == nil {
		return []string{}
	}
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, appIdentity.ConfigName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "."+appIdentity.ConfigName))
	}
	return paths
}

// loadDotEnv loads .env from the working directory and the project root.
// Variables already set in the environment win.
func loadDotEnv(root string) {
	seen := map[string]bool{}
	candidates := []string{".env"}
	if root != "" {
		candidates = append(candidates, filepath.Join(root, ".env"))
	}
	for _, p := range candidates {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		_ = godotenv.Load(abs)
	}
}

// findProjectRoot walks up from the working directory looking for a .git
// directory or go.mod. The walk stops at a CI workspace boundary when one
// is set, otherwise at $HOME. When nothing is found the working directory
// is the root.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}

	boundary := ""
	if os.Getenv("CI") == "true" {
		for _, name := range ciBoundaryVars {
			if b := os.Getenv(name); b != "" && filepath.IsAbs(b) && isWithin(cwd, b) {
				boundary = filepath.Clean(b)
				break
			}
		}
	}
	if boundary == "" {
		if home, err := os.UserHomeDir(); err == nil && isWithin(cwd, home) {
			boundary = filepath.Clean(home)
		}
	}

	dir := cwd
	for {
		for _, marker := range []string{".git", "go.mod"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		if dir == boundary {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return cwd, nil
}

func isWithin(path, base string) bool {
	rel, err := filepath.Rel(base, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
