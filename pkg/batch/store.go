package batch

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ErrBatchNotFound is returned when a batch record does not exist.
var ErrBatchNotFound = errors.New("batch record not found")

const fileColumn = "file_path"

var batchFileRe = regexp.MustCompile(`^batch_(\d+)\.csv$`)

// Store persists batch membership as one CSV file per batch:
// {dir}/batch_{id}.csv with a single file_path column.
type Store struct {
	dir        string
	resultsDir string
	logger     *zap.Logger
}

// NewStore returns a store rooted at dir. When resultsDir is set, Persist
// pre-creates {resultsDir}/batch_{id} for every batch.
func NewStore(dir, resultsDir string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{dir: dir, resultsDir: resultsDir, logger: logger}
}

func (s *Store) Dir() string {
	return s.dir
}

// Path returns the record file of batch id.
func (s *Store) Path(id int) string {
	return filepath.Join(s.dir, fmt.Sprintf("batch_%d.csv", id))
}

// ResultsDir returns the plain output directory of batch id.
func (s *Store) ResultsDir(id int) string {
	return filepath.Join(s.resultsDir, fmt.Sprintf("batch_%d", id))
}

// Persist writes every batch record and pre-creates result directories.
func (s *Store) Persist(batches []Batch) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create batches dir: %w", err)
	}
	for _, b := range batches {
		if err := s.write(b); err != nil {
			return err
		}
		if s.resultsDir != "" {
			if err := os.MkdirAll(s.ResultsDir(b.ID), 0755); err != nil {
				return fmt.Errorf("create results dir for batch %d: %w", b.ID, err)
			}
		}
	}
	s.logger.Info("Persisted batches", zap.Int("count", len(batches)), zap.String("dir", s.dir))
	return nil
}

func (s *Store) write(b Batch) error {
	path := s.Path(b.ID)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp batch file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	w := csv.NewWriter(tmp)
	_ = w.Write([]string{fileColumn})
	for _, f := range b.Files {
		_ = w.Write([]string{f})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write batch %d: %w", b.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close batch %d: %w", b.ID, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename batch %d: %w", b.ID, err)
	}
	return nil
}

// Files returns the member list of batch id in stored order.
func (s *Store) Files(id int) ([]string, error) {
	f, err := os.Open(s.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: batch %d", ErrBatchNotFound, id)
		}
		return nil, fmt.Errorf("open batch %d: %w", id, err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read batch %d: %w", id, err)
	}
	col := -1
	for i, h := range header {
		if strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")) == fileColumn {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("batch %d: missing %q column", id, fileColumn)
	}

	files := []string{}
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read batch %d: %w", id, err)
		}
		if col < len(rec) && strings.TrimSpace(rec[col]) != "" {
			files = append(files, rec[col])
		}
	}
	return files, nil
}

// IDs returns the ids of all stored batches, ascending.
func (s *Store) IDs() ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read batches dir: %w", err)
	}
	var ids []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := batchFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil || id <= 0 {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// Count returns the highest stored batch id, which is the batch count when
// records were written by Persist.
func (s *Store) Count() (int, error) {
	ids, err := s.IDs()
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	return ids[len(ids)-1], nil
}

// Exists reports whether at least one batch record is stored.
func (s *Store) Exists() bool {
	n, err := s.Count()
	return err == nil && n > 0
}
