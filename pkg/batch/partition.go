// Package batch splits input structure files into fixed-size batches and
// persists their membership.
package batch

import (
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Strategy is the ordering policy applied before chunking.
type Strategy string

const (
	StrategyAlphabetical       Strategy = "alphabetical"
	StrategyCustomAlphabetical Strategy = "custom_alphabetical"
	StrategySizeBased          Strategy = "size_based"
	StrategyRandom             Strategy = "random"
)

// Strategies lists every supported strategy.
var Strategies = []Strategy{StrategyAlphabetical, StrategyCustomAlphabetical, StrategySizeBased, StrategyRandom}

var (
	ErrInvalidBatchSize = errors.New("batch size must be positive")
	ErrUnknownStrategy  = errors.New("unknown batch strategy")
)

// DefaultSizeThresholds split files into small (<100KB), medium (<1MB) and
// large buckets.
var DefaultSizeThresholds = []int64{100 * 1024, 1024 * 1024}

// Batch is a group of input files identified by a 1-based id.
type Batch struct {
	ID    int
	Files []string
}

// Options tunes strategies that need more than the file names.
type Options struct {
	// SizeThresholds are ascending byte boundaries for size_based.
	// Default: DefaultSizeThresholds.
	SizeThresholds []int64

	// SizeOf returns a file size. Default: os.Stat.
	SizeOf func(path string) (int64, error)

	// Seed drives the random strategy. Zero seeds from the clock.
	Seed uint64
}

// ParseStrategy validates a strategy name. Empty means alphabetical.
func ParseStrategy(s string) (Strategy, error) {
	if s == "" {
		return StrategyAlphabetical, nil
	}
	for _, st := range Strategies {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// Partition splits files into batches of at most size members.
//
// Strategies that form groups (size_based) chunk each group independently, so
// only the last batch of each group may be short. Ids run sequentially across
// groups in processing order. An empty input yields no batches.
func Partition(files []string, size int, strategy Strategy, opts Options) ([]Batch, error) {
	if size <= 0 {
		return nil, ErrInvalidBatchSize
	}
	if len(files) == 0 {
		return nil, nil
	}

	var groups [][]string
	switch strategy {
	case StrategyAlphabetical, "":
		groups = [][]string{sortAlphabetical(files)}
	case StrategyCustomAlphabetical:
		groups = [][]string{sortCustomAlphabetical(files)}
	case StrategySizeBased:
		g, err := groupBySize(files, opts)
		if err != nil {
			return nil, err
		}
		groups = g
	case StrategyRandom:
		groups = [][]string{shuffle(files, opts.Seed)}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	var out []Batch
	for _, g := range groups {
		for start := 0; start < len(g); start += size {
			end := min(start+size, len(g))
			members := make([]string, end-start)
			copy(members, g[start:end])
			out = append(out, Batch{ID: len(out) + 1, Files: members})
		}
	}
	return out, nil
}

// sortAlphabetical orders by file name, then by full path for stability.
func sortAlphabetical(files []string) []string {
	out := append([]string(nil), files...)
	sort.SliceStable(out, func(i, j int) bool {
		bi, bj := filepath.Base(out[i]), filepath.Base(out[j])
		if bi != bj {
			return bi < bj
		}
		return out[i] < out[j]
	})
	return out
}

// dictionaryKey folds case and keeps only letters and digits, matching the
// ordering of `sort -df` over file names. Digits sort before letters.
func dictionaryKey(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func sortCustomAlphabetical(files []string) []string {
	out := append([]string(nil), files...)
	keys := make(map[string]string, len(out))
	for _, f := range out {
		keys[f] = dictionaryKey(filepath.Base(f))
	}
	sort.SliceStable(out, func(i, j int) bool {
		ki, kj := keys[out[i]], keys[out[j]]
		if ki != kj {
			return ki < kj
		}
		bi, bj := filepath.Base(out[i]), filepath.Base(out[j])
		if bi != bj {
			return bi < bj
		}
		return out[i] < out[j]
	})
	return out
}

func groupBySize(files []string, opts Options) ([][]string, error) {
	thresholds := opts.SizeThresholds
	if len(thresholds) == 0 {
		thresholds = DefaultSizeThresholds
	}
	if !sort.SliceIsSorted(thresholds, func(i, j int) bool { return thresholds[i] < thresholds[j] }) {
		return nil, fmt.Errorf("size thresholds must be ascending: %v", thresholds)
	}
	sizeOf := opts.SizeOf
	if sizeOf == nil {
		sizeOf = func(p string) (int64, error) {
			info, err := os.Stat(p)
			if err != nil {
				return 0, err
			}
			return info.Size(), nil
		}
	}

	buckets := make([][]string, len(thresholds)+1)
	for _, f := range files {
		sz, err := sizeOf(f)
		if err != nil {
			return nil, fmt.Errorf("size of %s: %w", f, err)
		}
		i := sort.Search(len(thresholds), func(i int) bool { return sz < thresholds[i] })
		buckets[i] = append(buckets[i], f)
	}

	var groups [][]string
	for _, b := range buckets {
		if len(b) > 0 {
			groups = append(groups, sortAlphabetical(b))
		}
	}
	return groups, nil
}

func shuffle(files []string, seed uint64) []string {
	out := append([]string(nil), files...)
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	r := rand.New(rand.NewPCG(seed, seed>>1|1))
	r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// Discover returns the absolute paths of regular files under root that match
// cfg, in lexical walk order. A missing root is an error; a root with no
// matches is not.
func Discover(root string, cfg MatchConfig) ([]string, error) {
	m, err := newMatcher(cfg)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve database path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("database path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("database path %s is not a directory", abs)
	}

	var out []string
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() && d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		rel, err := filepath.Rel(abs, path)
		if err != nil {
			return err
		}
		if m.match(filepath.ToSlash(rel)) {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", abs, err)
	}
	return out, nil
}
