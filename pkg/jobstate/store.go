package jobstate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// ErrLockBusy is returned when the store lock could not be acquired within the
// configured number of retries. Callers skip the write and retry next tick.
var ErrLockBusy = errors.New("job status store is locked by another writer")

// StatusFileName is the default file name of the status table.
const StatusFileName = "job_status.csv"

// Options configures a Store.
type Options struct {
	// WithParams adds the param_combination_id column.
	WithParams bool

	// LockRetries is the number of additional lock attempts after the first.
	// Default: 5
	LockRetries int

	// LockInitialBackoff is the delay before the first retry. Default: 200ms
	LockInitialBackoff time.Duration

	// LockMaxBackoff caps the delay between retries. Default: 2s
	LockMaxBackoff time.Duration

	Logger *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.LockRetries < 0 {
		o.LockRetries = 0
	} else if o.LockRetries == 0 {
		o.LockRetries = 5
	}
	if o.LockInitialBackoff <= 0 {
		o.LockInitialBackoff = 200 * time.Millisecond
	}
	if o.LockMaxBackoff <= 0 {
		o.LockMaxBackoff = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Store persists the job status table as a CSV file guarded by an advisory
// lock on a sibling ".lock" file.
//
// Writers hold the lock for the duration of the write. Readers do not lock and
// tolerate malformed rows, so a concurrent writer never blocks a reader.
type Store struct {
	path     string
	lockPath string
	opts     Options
}

func NewStore(path string, opts Options) *Store {
	opts.applyDefaults()
	path = strings.TrimSpace(path)
	return &Store{
		path:     path,
		lockPath: path + ".lock",
		opts:     opts,
	}
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) WithParams() bool {
	return s.opts.WithParams
}

// Load reads the table from disk. A missing file yields an empty table.
func (s *Store) Load() (*Table, error) {
	if s.path == "" {
		return nil, fmt.Errorf("job status path is empty")
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewTable(s.opts.WithParams), nil
		}
		return nil, fmt.Errorf("read job status: %w", err)
	}

	t, rowErrs, err := Decode(bytes.NewReader(b), s.opts.WithParams)
	if err != nil {
		return nil, fmt.Errorf("parse job status %s: %w", s.path, err)
	}
	for _, re := range rowErrs {
		s.opts.Logger.Warn("Skipping malformed job status row",
			zap.String("path", s.path),
			zap.Int("line", re.Line),
			zap.Error(re.Err))
	}
	return t, nil
}

// Initialize creates the status file with only a header if it does not exist.
func (s *Store) Initialize(ctx context.Context) error {
	if _, err := os.Stat(s.path); err == nil {
		return nil
	}
	return s.Save(ctx, NewTable(s.opts.WithParams))
}

// Save writes the table atomically while holding the store lock.
//
// If the lock stays busy after the configured retries, Save returns an error
// wrapping ErrLockBusy without touching the file.
func (s *Store) Save(ctx context.Context, t *Table) error {
	if t == nil {
		return fmt.Errorf("job status table is nil")
	}
	var buf bytes.Buffer
	if err := t.Encode(&buf); err != nil {
		return fmt.Errorf("encode job status: %w", err)
	}
	return s.WithStoreLock(ctx, func() error {
		return writeFileAtomic(s.path, buf.Bytes())
	})
}

// Update runs a read-modify-write cycle under the store lock: the table is
// re-read from disk, passed to fn, and written back if fn reports a change.
func (s *Store) Update(ctx context.Context, fn func(*Table) (bool, error)) error {
	return s.WithStoreLock(ctx, func() error {
		t, err := s.Load()
		if err != nil {
			return err
		}
		changed, err := fn(t)
		if err != nil || !changed {
			return err
		}
		var buf bytes.Buffer
		if err := t.Encode(&buf); err != nil {
			return fmt.Errorf("encode job status: %w", err)
		}
		return writeFileAtomic(s.path, buf.Bytes())
	})
}

// WithStoreLock acquires the advisory lock with bounded exponential backoff,
// runs fn, and releases the lock.
func (s *Store) WithStoreLock(ctx context.Context, fn func() error) error {
	if err := ensureDir(s.lockPath); err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.LockInitialBackoff
	b.MaxInterval = s.opts.LockMaxBackoff

	attempt := 0
	lock, err := backoff.Retry(ctx, func() (*fileLock, error) {
		attempt++
		l, err := tryLock(s.lockPath)
		if err == nil {
			return l, nil
		}
		if errors.Is(err, errWouldBlock) {
			s.opts.Logger.Debug("Job status store busy, retrying",
				zap.String("lock", s.lockPath),
				zap.Int("attempt", attempt))
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(s.opts.LockRetries+1)))
	if err != nil {
		if errors.Is(err, errWouldBlock) {
			return fmt.Errorf("%w: %s after %d attempts", ErrLockBusy, s.lockPath, attempt)
		}
		return fmt.Errorf("acquire store lock: %w", err)
	}
	defer func() {
		if err := lock.release(); err != nil {
			s.opts.Logger.Warn("Failed to release store lock", zap.String("lock", s.lockPath), zap.Error(err))
		}
	}()

	return fn()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place, so readers never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
