package batch

import (
	"errors"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultPattern selects crystal structure files anywhere under the root.
const DefaultPattern = "**/*.cif"

var (
	// ErrNoIncludes is returned when no include patterns are provided.
	ErrNoIncludes = errors.New("at least one include pattern is required")

	// ErrInvalidPattern is returned when a pattern cannot be compiled.
	ErrInvalidPattern = errors.New("invalid glob pattern")
)

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// MatchConfig selects input files relative to the database root.
type MatchConfig struct {
	// Includes are glob patterns a file must match (at least one).
	// Default: DefaultPattern.
	Includes []string

	// Excludes are glob patterns a file must not match.
	Excludes []string

	// IncludeHidden admits paths with a segment starting with '.'.
	IncludeHidden bool
}

// matcher evaluates relative slash paths against include/exclude patterns.
type matcher struct {
	includes      []string
	excludes      []string
	includeHidden bool
}

func newMatcher(cfg MatchConfig) (*matcher, error) {
	includes := cfg.Includes
	if len(includes) == 0 {
		includes = []string{DefaultPattern}
	}
	m := &matcher{includeHidden: cfg.IncludeHidden}
	for _, raw := range includes {
		p := normalizePattern(raw)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, &PatternError{Pattern: raw, Err: ErrInvalidPattern}
		}
		m.includes = append(m.includes, p)
	}
	if len(m.includes) == 0 {
		return nil, ErrNoIncludes
	}
	for _, raw := range cfg.Excludes {
		p := normalizePattern(raw)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, &PatternError{Pattern: raw, Err: ErrInvalidPattern}
		}
		m.excludes = append(m.excludes, p)
	}
	return m, nil
}

func (m *matcher) match(rel string) bool {
	if !m.includeHidden && isHidden(rel) {
		return false
	}
	matched := false
	for _, p := range m.includes {
		if ok, _ := doublestar.Match(p, rel); ok {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	for _, p := range m.excludes {
		if ok, _ := doublestar.Match(p, rel); ok {
			return false
		}
	}
	return true
}

// normalizePattern converts Windows separators and strips a leading "./".
// Escaped glob metacharacters (\*, \?, \[, \{) are preserved.
func normalizePattern(p string) string {
	p = strings.TrimSpace(p)
	var b strings.Builder
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '\\' && i+1 < len(p) && strings.IndexByte("*?[]{}\\", p[i+1]) >= 0 {
			b.WriteByte(c)
			b.WriteByte(p[i+1])
			i++
			continue
		}
		if c == '\\' {
			b.WriteByte('/')
			continue
		}
		b.WriteByte(c)
	}
	return strings.TrimPrefix(b.String(), "./")
}

func isHidden(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if strings.HasPrefix(seg, ".") && seg != "." && seg != ".." {
			return true
		}
	}
	return false
}
