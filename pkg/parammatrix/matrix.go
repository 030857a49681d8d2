// Package parammatrix expands declarative parameter axes into the
// combinations each batch is fanned out over.
package parammatrix

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// DefaultName is the name of the single combination of a disabled matrix.
	DefaultName = "default"

	// EnvPrefix prefixes parameter environment variables in job scripts.
	EnvPrefix = "SIM_VAR_"

	// MatrixFileName is written next to the status table for reference.
	MatrixFileName = "parameter_matrix.json"
)

// Mode selects how combinations are produced.
type Mode string

const (
	ModeAll    Mode = "all"
	ModeCustom Mode = "custom"
)

var (
	ErrUnknownMode     = errors.New("unknown parameter matrix mode")
	ErrEmptyAxis       = errors.New("parameter axis has no values")
	ErrDuplicateName   = errors.New("duplicate combination name")
	ErrInvalidSubJobID = errors.New("invalid sub-job name")
)

// Param is one named value. Order matters: it determines the combination name.
type Param struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Params is an ordered parameter set.
type Params []Param

// Get returns the value for key.
func (p Params) Get(key string) (any, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return nil, false
}

// MarshalJSON writes params as a JSON object preserving key order.
func (p Params) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, kv := range p {
		if i > 0 {
			b.WriteByte(',')
		}
		k, err := json.Marshal(kv.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, err
		}
		b.Write(k)
		b.WriteByte(':')
		b.Write(v)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// Axis is one named dimension of the matrix.
type Axis struct {
	Name   string `json:"name"`
	Values []any  `json:"values"`
}

// CustomCombination is an explicitly listed combination.
type CustomCombination struct {
	Name       string `json:"name,omitempty"`
	Parameters Params `json:"parameters"`
}

// Combination is one expanded parameter set.
type Combination struct {
	ID         int    `json:"param_id"`
	Name       string `json:"name"`
	Parameters Params `json:"parameters"`
}

// Expand produces the combinations for the given axes.
//
// With no axes the result is the single default combination whatever the mode
// and custom list. ModeAll takes the
// cartesian product in axis order, the last axis varying fastest. ModeCustom
// returns one combination per entry in listed order.
func Expand(axes []Axis, mode Mode, custom []CustomCombination) ([]Combination, error) {
	if len(axes) == 0 {
		return []Combination{{ID: 0, Name: DefaultName, Parameters: Params{}}}, nil
	}

	var out []Combination
	switch mode {
	case ModeAll, "":
		for _, a := range axes {
			if len(a.Values) == 0 {
				return nil, fmt.Errorf("%w: %s", ErrEmptyAxis, a.Name)
			}
		}
		idx := make([]int, len(axes))
		for {
			params := make(Params, len(axes))
			for i, a := range axes {
				params[i] = Param{Key: a.Name, Value: a.Values[idx[i]]}
			}
			out = append(out, Combination{ID: len(out), Name: GenerateName(params), Parameters: params})

			// odometer increment, last axis fastest
			i := len(axes) - 1
			for ; i >= 0; i-- {
				idx[i]++
				if idx[i] < len(axes[i].Values) {
					break
				}
				idx[i] = 0
			}
			if i < 0 {
				break
			}
		}
	case ModeCustom:
		for i, c := range custom {
			name := strings.TrimSpace(c.Name)
			if name == "" {
				name = "custom_" + strconv.Itoa(i)
			}
			params := c.Parameters
			if params == nil {
				params = Params{}
			}
			out = append(out, Combination{ID: i, Name: name, Parameters: params})
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	seen := make(map[string]int, len(out))
	for _, c := range out {
		if prev, ok := seen[c.Name]; ok {
			return nil, fmt.Errorf("%w: %q (param_id %d and %d)", ErrDuplicateName, c.Name, prev, c.ID)
		}
		seen[c.Name] = c.ID
	}
	return out, nil
}

// Config describes a matrix.
type Config struct {
	Axes       []Axis
	Mode       Mode
	Custom     []CustomCombination
	ResultsDir string
}

// Matrix holds the expanded combinations. It is read-only after New.
type Matrix struct {
	cfg    Config
	combos []Combination
	byName map[string]int
}

// New expands cfg into a Matrix.
func New(cfg Config) (*Matrix, error) {
	combos, err := Expand(cfg.Axes, cfg.Mode, cfg.Custom)
	if err != nil {
		return nil, err
	}
	m := &Matrix{cfg: cfg, combos: combos, byName: make(map[string]int, len(combos))}
	for _, c := range combos {
		m.byName[c.Name] = c.ID
	}
	return m, nil
}

// IsEnabled reports whether the matrix fans batches out, i.e. whether any axis
// is configured. A disabled matrix still has one default combination.
func (m *Matrix) IsEnabled() bool {
	return m != nil && len(m.cfg.Axes) > 0
}

// Combinations returns the combinations in param_id order.
func (m *Matrix) Combinations() []Combination {
	out := make([]Combination, len(m.combos))
	copy(out, m.combos)
	return out
}

// Len returns the number of combinations, i.e. sub-jobs per batch.
func (m *Matrix) Len() int {
	return len(m.combos)
}

// Combination returns the combination with the given id.
func (m *Matrix) Combination(paramID int) (Combination, bool) {
	if paramID < 0 || paramID >= len(m.combos) {
		return Combination{}, false
	}
	return m.combos[paramID], true
}

// Parameters returns the parameters of paramID, or nil when out of range.
func (m *Matrix) Parameters(paramID int) Params {
	c, ok := m.Combination(paramID)
	if !ok {
		return nil
	}
	return c.Parameters
}

// Lookup returns the combination with the given name.
func (m *Matrix) Lookup(name string) (Combination, bool) {
	id, ok := m.byName[name]
	if !ok {
		return Combination{}, false
	}
	return m.combos[id], true
}

// SubJobName returns "B{batchID}_{name}".
func (m *Matrix) SubJobName(batchID, paramID int) string {
	if c, ok := m.Combination(paramID); ok {
		return SubJobName(batchID, c.Name)
	}
	return fmt.Sprintf("B%d_param_%d", batchID, paramID)
}

// SubJobOutputDir returns the results directory of one sub-job.
func (m *Matrix) SubJobOutputDir(batchID, paramID int) string {
	return filepath.Join(m.cfg.ResultsDir, m.SubJobName(batchID, paramID))
}

// ResolveSubJob maps a stored param_combination_id back to its combination.
func (m *Matrix) ResolveSubJob(id string) (int, Combination, error) {
	batchID, name, err := ParseSubJobName(id)
	if err != nil {
		return 0, Combination{}, err
	}
	c, ok := m.Lookup(name)
	if !ok {
		return batchID, Combination{}, fmt.Errorf("%w: unknown combination %q in %q", ErrInvalidSubJobID, name, id)
	}
	return batchID, c, nil
}

// SubJobName formats a sub-job identifier.
func SubJobName(batchID int, name string) string {
	return fmt.Sprintf("B%d_%s", batchID, name)
}

// ParseSubJobName splits "B{batchID}_{name}" on the first underscore after the
// batch prefix.
func ParseSubJobName(s string) (int, string, error) {
	if !strings.HasPrefix(s, "B") {
		return 0, "", fmt.Errorf("%w: %q", ErrInvalidSubJobID, s)
	}
	rest := s[1:]
	i := strings.IndexByte(rest, '_')
	if i <= 0 || i == len(rest)-1 {
		return 0, "", fmt.Errorf("%w: %q", ErrInvalidSubJobID, s)
	}
	batchID, err := strconv.Atoi(rest[:i])
	if err != nil || batchID <= 0 {
		return 0, "", fmt.Errorf("%w: %q", ErrInvalidSubJobID, s)
	}
	return batchID, rest[i+1:], nil
}

type matrixFile struct {
	Parameters            map[string][]any    `json:"parameters"`
	Combinations          Mode                `json:"combinations"`
	CustomCombinations    []CustomCombination `json:"custom_combinations"`
	GeneratedCombinations []Combination       `json:"generated_combinations"`
}

// WriteJSON records the expanded matrix at path for operators.
func (m *Matrix) WriteJSON(path string) error {
	axes := make(map[string][]any, len(m.cfg.Axes))
	for _, a := range m.cfg.Axes {
		axes[a.Name] = a.Values
	}
	mode := m.cfg.Mode
	if mode == "" {
		mode = ModeAll
	}
	custom := m.cfg.Custom
	if custom == nil {
		custom = []CustomCombination{}
	}
	data, err := json.MarshalIndent(matrixFile{
		Parameters:            axes,
		Combinations:          mode,
		CustomCombinations:    custom,
		GeneratedCombinations: m.combos,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal parameter matrix: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create matrix dir: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write parameter matrix: %w", err)
	}
	return nil
}
