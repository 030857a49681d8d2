package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/graspatracker/internal/observability"
	"github.com/3leaps/graspatracker/pkg/manifest"
)

var doctorSkipScheduler bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment and the campaign manifest and
suggest fixes for common issues.

Checks the Go runtime, the SLURM commands, the manifest, write access to
the output directory and, when archiving is enabled, AWS credentials.

Examples:
  graspa-tracker doctor -c campaign.yaml
  graspa-tracker doctor -c campaign.yaml --skip-scheduler   # on a workstation`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorSkipScheduler, "skip-scheduler", false, "Do not require SLURM commands on PATH")
}

// doctorReport tracks check numbering and the overall verdict.
type doctorReport struct {
	logger *zap.Logger
	num    int
	total  int
	ok     bool
}

func (r *doctorReport) pass(check, detail string, fields ...zap.Field) {
	r.num++
	r.logger.Info(fmt.Sprintf("[%d/%d] Checking %s... ✅ %s", r.num, r.total, check, detail), fields...)
}

func (r *doctorReport) warn(check, detail string, fields ...zap.Field) {
	r.num++
	r.ok = false
	r.logger.Warn(fmt.Sprintf("[%d/%d] Checking %s... ⚠️  %s", r.num, r.total, check, detail), fields...)
}

func (r *doctorReport) fail(check, detail string, fields ...zap.Field) {
	r.num++
	r.ok = false
	r.logger.Error(fmt.Sprintf("[%d/%d] Checking %s... ❌ %s", r.num, r.total, check, detail), fields...)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	logger := observability.CLILogger
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	logger.Info("=== " + bannerName + " ===")
	logger.Info("")
	logger.Info("Running diagnostic checks...")
	logger.Info("")

	r := &doctorReport{logger: logger, total: 7, ok: true}

	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		r.pass("Go version", goVersion, zap.String("go_version", goVersion))
	} else {
		r.warn("Go version", goVersion+" (recommended: go1.23+)", zap.String("go_version", goVersion))
	}

	version := crucible.GetVersion()
	if version.Crucible != "" && version.Gofulmen != "" {
		r.pass("Crucible access", fmt.Sprintf("v%s (gofulmen v%s)", version.Crucible, version.Gofulmen),
			zap.String("crucible_version", version.Crucible),
			zap.String("gofulmen_version", version.Gofulmen))
	} else {
		r.fail("Crucible access", "Cannot access Crucible")
	}

	if identity != nil {
		dataDir := gfconfig.GetAppDataDir(identity.ConfigName)
		r.pass("data directory", dataDir, zap.String("data_dir", dataDir))
	} else {
		r.warn("data directory", "application identity not loaded")
	}

	if doctorSkipScheduler {
		r.pass("SLURM commands", "skipped")
	} else if err := newGateway().Available(); err != nil {
		r.fail("SLURM commands", err.Error(), zap.Error(err))
	} else {
		r.pass("SLURM commands", "sbatch, squeue, sacct, scancel found")
	}

	m, err := loadManifest()
	if err != nil {
		r.fail("manifest", err.Error(), zap.String("path", manifestPath()))
		return finishDoctor(r, bannerName)
	}
	r.pass("manifest", manifestPath(), zap.Int("workflow_steps", len(m.Steps())))

	if err := checkWritable(m.Output.OutputDir); err != nil {
		r.fail("output directory", err.Error(), zap.String("output_dir", m.Output.OutputDir))
	} else {
		r.pass("output directory", m.Output.OutputDir+" is writable")
	}

	if !m.Archive.Enabled {
		r.pass("archive credentials", "archive disabled")
	} else if !checkAWSCredentials(cmd.Context(), r, m.Archive) {
		printAWSCredentialsHelp()
	}

	return finishDoctor(r, bannerName)
}

func finishDoctor(r *doctorReport, bannerName string) error {
	r.logger.Info("")
	if r.ok {
		r.logger.Info(fmt.Sprintf("✅ All checks passed! Your %s setup is healthy.", bannerName))
	} else {
		r.logger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	r.logger.Info("")
	r.logger.Info("=== End Diagnostics ===")
	if !r.ok {
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed", nil)
	}
	return nil
}

// checkWritable creates dir if needed and writes a temp file into it.
func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(filepath.Clean(name))
}

func checkAWSCredentials(ctx context.Context, r *doctorReport, a manifest.ArchiveConfig) bool {
	var opts []func(*awsconfig.LoadOptions) error
	if a.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(a.Profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		r.fail("archive credentials", "Cannot load AWS config", zap.Error(err))
		return false
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		r.fail("archive credentials", "Cannot retrieve credentials", zap.Error(err))
		return false
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	r.pass("archive credentials", "Found credentials for s3://"+a.Bucket,
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("credential_source", source))
	return true
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Set archive.profile in the manifest to a configured profile, or")
	observability.CLILogger.Info("  3. Use an instance role when the cluster runs on AWS")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Ceph RGW), also set archive.endpoint.")
	observability.CLILogger.Info("")
}
