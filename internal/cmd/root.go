// Package cmd implements the graspa-tracker command tree.
package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/graspatracker/internal/config"
	"github.com/3leaps/graspatracker/internal/observability"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "none",
	BuildDate: "unknown",
}

var (
	appIdentity *config.AppIdentity
	appConfig   *config.Config

	manifestFile string
	verbose      bool
	logLevel     string
	logProfile   string
)

var rootCmd = &cobra.Command{
	Use:   "graspa-tracker",
	Short: "Run CIF simulation campaigns on SLURM",
	Long: `graspa-tracker splits a directory of CIF structures into batches,
generates one SLURM job script per batch (or per batch and parameter
combination), submits them under a concurrency cap, and keeps a CSV job
status table in sync with the scheduler and the per-step exit markers
written by each job.

The campaign is described by a YAML manifest passed with --config.
Application settings (logging, HTTP server, scheduler commands) come from
graspa-tracker.yaml, .env and GRASPA_TRACKER_* environment variables.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&manifestFile, "config", "c", "", "Campaign manifest (default: tracker.manifest setting, config.yaml)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	pf.StringVar(&logProfile, "log-format", "", "Log format (console|structured)")
}

// SetVersionInfo records build metadata for the version command and /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the identity loaded by the root command, or nil
// before any command ran.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	observability.InitCLILogger(config.DefaultIdentity.BinaryName, verbose)

	overrides := map[string]any{}
	logging := map[string]any{}
	if logLevel != "" {
		logging["level"] = logLevel
	}
	if logProfile != "" {
		logging["profile"] = logProfile
	}
	if len(logging) > 0 {
		overrides["logging"] = logging
	}

	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid application settings", err)
	}
	appConfig = cfg
	appIdentity = config.Identity()

	observability.CLILogger = observability.NewLogger(observability.LoggerOptions{
		Name:    appIdentity.BinaryName,
		Level:   cfg.Logging.Level,
		Profile: strings.ToLower(cfg.Logging.Profile),
		Verbose: verbose,
	})
	return nil
}

// ExitCodeError carries the process exit code for a failed command.
type ExitCodeError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitCodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (exit code %d)", e.Message, e.Code)
	}
	return fmt.Sprintf("%s (exit code %d): %v", e.Message, e.Code, e.Err)
}

func (e *ExitCodeError) Unwrap() error { return e.Err }

func exitError(code int, message string, err error) error {
	return &ExitCodeError{Code: code, Message: message, Err: err}
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitCodeError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}
