package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/graspatracker/pkg/jobstate"
	"github.com/3leaps/graspatracker/pkg/reconcile"
)

// Result summarises an archive pass.
type Result struct {
	// Archived lists the sub-jobs uploaded in this pass.
	Archived []string

	// Skipped counts eligible sub-jobs that already carried a marker.
	Skipped int

	Files int
	Bytes int64
}

// Archiver uploads finished sub-job output directories.
type Archiver struct {
	client Putter
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New returns an Archiver writing through client.
func New(client Putter, cfg Config, logger *zap.Logger) *Archiver {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{client: client, cfg: cfg, logger: logger, now: time.Now}
}

// Eligible returns the output directories of the latest row of each
// sub-job whose status qualifies for archiving, keyed by sub-job name.
func (a *Archiver) Eligible(t *jobstate.Table, resultsDir string) map[string]string {
	out := make(map[string]string)
	for _, latest := range t.LatestRecords() {
		switch latest.Status {
		case jobstate.StatusCompleted:
		case jobstate.StatusPartiallyComplete:
			if !a.cfg.IncludePartial {
				continue
			}
		default:
			continue
		}
		out[latest.Key().String()] = reconcile.OutputDir(resultsDir, latest)
	}
	return out
}

// Archive uploads every eligible sub-job that has not been archived yet.
// A failing sub-job does not stop the others; all failures are returned
// together.
func (a *Archiver) Archive(ctx context.Context, t *jobstate.Table, resultsDir string) (Result, error) {
	var (
		res  Result
		errs error
	)

	eligible := a.Eligible(t, resultsDir)
	names := make([]string, 0, len(eligible))
	for name := range eligible {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return res, multierr.Append(errs, err)
		}
		dir := eligible[name]
		if _, err := os.Stat(filepath.Join(dir, MarkerFile)); err == nil {
			res.Skipped++
			continue
		}

		files, size, err := a.uploadDir(ctx, name, dir)
		if err != nil {
			a.logger.Warn("archive failed", zap.String("subjob", name), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if err := a.writeMarker(dir, files); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}

		a.logger.Info("archived sub-job",
			zap.String("subjob", name),
			zap.Int("files", files),
			zap.String("size", humanize.Bytes(uint64(size))))
		res.Archived = append(res.Archived, name)
		res.Files += files
		res.Bytes += size
	}
	return res, errs
}

// Key returns the object key for a file of a sub-job.
func (a *Archiver) Key(subJob, rel string) string {
	return path.Join(strings.Trim(a.cfg.Prefix, "/"), subJob, filepath.ToSlash(rel))
}

func (a *Archiver) uploadDir(ctx context.Context, name, dir string) (int, int64, error) {
	var rels []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel == MarkerFile {
			return nil
		}
		rels = append(rels, rel)
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, 0, fmt.Errorf("output directory missing: %w", err)
		}
		return 0, 0, err
	}

	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for _, rel := range rels {
		g.Go(func() error {
			n, err := a.put(gctx, a.Key(name, rel), filepath.Join(dir, rel))
			total.Add(n)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	return len(rels), total.Load(), nil
}

func (a *Archiver) put(ctx context.Context, key, file string) (int64, error) {
	f, err := os.Open(file)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.cfg.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return 0, &UploadError{Bucket: a.cfg.Bucket, Key: key, Err: classify(err)}
	}
	return info.Size(), nil
}

func (a *Archiver) writeMarker(dir string, files int) error {
	body := fmt.Sprintf("archived_at=%s\nbucket=%s\nfiles=%d\n",
		a.now().UTC().Format(time.RFC3339), a.cfg.Bucket, files)
	return os.WriteFile(filepath.Join(dir, MarkerFile), []byte(body), 0644)
}
