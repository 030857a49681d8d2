package jobstate

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// FailedBatchesFileName is the default file name of the failed batch set.
const FailedBatchesFileName = "failed_batches.txt"

// FailedBatchSet is the set of batch ids with at least one failed sub-job,
// persisted as newline-delimited integers.
//
// Generated job scripts append to the same file when a required step fails,
// so the file may contain duplicates or trailing garbage; both are tolerated.
type FailedBatchSet struct {
	path string
	ids  map[int]struct{}
}

// LoadFailedBatchSet reads the set from path. A missing file is an empty set.
func LoadFailedBatchSet(path string) (*FailedBatchSet, error) {
	s := &FailedBatchSet{path: path, ids: make(map[int]struct{})}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload replaces the in-memory set with the current file contents. Job
// scripts append to the file while the tracker runs, so callers reload once
// per poll.
func (s *FailedBatchSet) Reload() error {
	ids := make(map[int]struct{})
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.ids = ids
			return nil
		}
		return fmt.Errorf("read failed batches: %w", err)
	}
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		id, err := parseIntLoose(line)
		if err != nil || id <= 0 {
			continue
		}
		ids[id] = struct{}{}
	}
	s.ids = ids
	return nil
}

func (s *FailedBatchSet) Path() string {
	return s.path
}

// Add inserts id and reports whether the set changed.
func (s *FailedBatchSet) Add(id int) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// Remove deletes id and reports whether the set changed.
func (s *FailedBatchSet) Remove(id int) bool {
	if _, ok := s.ids[id]; !ok {
		return false
	}
	delete(s.ids, id)
	return true
}

func (s *FailedBatchSet) Contains(id int) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *FailedBatchSet) Len() int {
	return len(s.ids)
}

// IDs returns the members in ascending order.
func (s *FailedBatchSet) IDs() []int {
	out := make([]int, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// Save rewrites the file with one id per line, ascending.
func (s *FailedBatchSet) Save() error {
	var b strings.Builder
	for _, id := range s.IDs() {
		b.WriteString(strconv.Itoa(id))
		b.WriteByte('\n')
	}
	return writeFileAtomic(s.path, []byte(b.String()))
}
