package cmd

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/graspatracker/internal/observability"
	"github.com/3leaps/graspatracker/pkg/archive"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Upload finished sub-job outputs to S3",
	Long: `Upload the output directory of every COMPLETED sub-job to the bucket
configured in the manifest's archive section, as
s3://<bucket>/<prefix>/<subjob>/<file>. A .archived marker is written into
each uploaded directory and marked directories are skipped next time.

Credentials come from the standard AWS chain (environment, profile, SSO).
S3-compatible stores work with archive.endpoint.

Examples:
  graspa-tracker archive -c campaign.yaml
  graspa-tracker archive -c campaign.yaml --dry-run
  graspa-tracker archive -c campaign.yaml --bucket scratch-bucket --include-partial`,
	RunE: runArchive,
}

var (
	archiveDryRun         bool
	archiveBucket         string
	archivePrefix         string
	archiveIncludePartial bool
)

func init() {
	rootCmd.AddCommand(archiveCmd)
	archiveCmd.Flags().BoolVar(&archiveDryRun, "dry-run", false, "List eligible sub-jobs without uploading")
	archiveCmd.Flags().StringVar(&archiveBucket, "bucket", "", "Override archive.bucket")
	archiveCmd.Flags().StringVar(&archivePrefix, "prefix", "", "Override archive.prefix")
	archiveCmd.Flags().BoolVar(&archiveIncludePartial, "include-partial", false, "Also archive PARTIALLY_COMPLETE sub-jobs")
}

func runArchive(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	m, err := loadManifest()
	if err != nil {
		return err
	}

	cfg := archive.ConfigFromManifest(m.Archive)
	if archiveBucket != "" {
		cfg.Bucket = archiveBucket
	}
	if archivePrefix != "" {
		cfg.Prefix = archivePrefix
	}
	if archiveIncludePartial {
		cfg.IncludePartial = true
	}
	if err := cfg.Validate(); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid archive settings", err)
	}

	store, err := storeFor(m)
	if err != nil {
		return err
	}
	t, err := store.Load()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot read job status table", err)
	}

	out := cmd.OutOrStdout()
	if archiveDryRun {
		a := archive.New(nil, cfg, observability.CLILogger)
		eligible := a.Eligible(t, m.Output.ResultsDir)
		names := make([]string, 0, len(eligible))
		for name := range eligible {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			_, _ = fmt.Fprintf(out, "%s -> s3://%s/%s\n", eligible[name], cfg.Bucket, a.Key(name, ""))
		}
		_, _ = fmt.Fprintf(out, "%d sub-jobs eligible\n", len(names))
		return nil
	}

	client, err := archive.NewClient(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot create S3 client", err)
	}
	res, err := archive.New(client, cfg, observability.CLILogger).Archive(ctx, t, m.Output.ResultsDir)
	_, _ = fmt.Fprintf(out, "Archived %d sub-jobs (%s files, %s), skipped %d\n",
		len(res.Archived), humanize.Comma(int64(res.Files)), humanize.Bytes(uint64(res.Bytes)), res.Skipped)
	if err != nil {
		code := foundry.ExitExternalServiceUnavailable
		if errors.Is(err, archive.ErrAccessDenied) || errors.Is(err, archive.ErrInvalidCredentials) {
			code = foundry.ExitInvalidArgument
		}
		return exitError(code, "Archive incomplete", err)
	}
	return nil
}
