package parammatrix

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatValue(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{298, "298"},
		{int64(-4), "-4"},
		{298.0, "298.0"},
		{1e5, "100000.0"},
		{0.5, "0.5"},
		{1e-5, "1e-05"},
		{0.0001, "0.0001"},
		{1e16, "1e+16"},
		{1.5e16, "1.5e+16"},
		{0.0, "0.0"},
		{true, "True"},
		{false, "False"},
		{"mix", "mix"},
		{nil, "None"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatValue(tt.in), "%#v", tt.in)
	}
}

func TestAbbreviate(t *testing.T) {
	assert.Equal(t, "T", Abbreviate("Temperature"))
	assert.Equal(t, "P", Abbreviate("pressure"))
	assert.Equal(t, "CO2", Abbreviate("co2_fraction"))
	assert.Equal(t, "N2", Abbreviate("mol_N2"))
	assert.Equal(t, "CYC", Abbreviate("cycles"))
	assert.Equal(t, "AB", Abbreviate("ab"))
	// "temperature_k" is not an exact match and falls back to the prefix rule.
	assert.Equal(t, "TEM", Abbreviate("temperature_k"))
}

func TestExpand_CartesianProduct(t *testing.T) {
	axes := []Axis{
		{Name: "temperature", Values: []any{298, 308}},
		{Name: "pressure", Values: []any{1e5}},
	}
	combos, err := Expand(axes, ModeAll, nil)
	require.NoError(t, err)
	require.Len(t, combos, 2)

	assert.Equal(t, 0, combos[0].ID)
	assert.Equal(t, "T298_P100000.0", combos[0].Name)
	assert.Equal(t, 1, combos[1].ID)
	assert.Equal(t, "T308_P100000.0", combos[1].Name)

	v, ok := combos[1].Parameters.Get("temperature")
	require.True(t, ok)
	assert.Equal(t, 308, v)
}

func TestExpand_LastAxisVariesFastest(t *testing.T) {
	axes := []Axis{
		{Name: "a", Values: []any{1, 2}},
		{Name: "b", Values: []any{"x", "y", "z"}},
	}
	combos, err := Expand(axes, ModeAll, nil)
	require.NoError(t, err)
	var names []string
	for _, c := range combos {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"A1_Bx", "A1_By", "A1_Bz", "A2_Bx", "A2_By", "A2_Bz"}, names)
}

func TestExpand_Default(t *testing.T) {
	combos, err := Expand(nil, ModeAll, nil)
	require.NoError(t, err)
	require.Len(t, combos, 1)
	assert.Equal(t, Combination{ID: 0, Name: "default", Parameters: Params{}}, combos[0])

	m, err := New(Config{})
	require.NoError(t, err)
	assert.False(t, m.IsEnabled())
	assert.Equal(t, 1, m.Len())
}

func TestExpand_Custom(t *testing.T) {
	custom := []CustomCombination{
		{Name: "cold", Parameters: Params{{Key: "temperature", Value: 77}}},
		{Parameters: Params{{Key: "temperature", Value: 298}}},
	}
	axes := []Axis{{Name: "temperature", Values: []any{77, 298}}}
	combos, err := Expand(axes, ModeCustom, custom)
	require.NoError(t, err)
	require.Len(t, combos, 2)
	assert.Equal(t, "cold", combos[0].Name)
	assert.Equal(t, "custom_1", combos[1].Name)

	m, err := New(Config{Axes: axes, Mode: ModeCustom, Custom: custom})
	require.NoError(t, err)
	assert.True(t, m.IsEnabled())
}

func TestExpand_NoAxesIgnoresMode(t *testing.T) {
	custom := []CustomCombination{{Name: "lowT", Parameters: Params{{Key: "temperature", Value: 77}}}}
	for _, mode := range []Mode{"", ModeAll, ModeCustom} {
		t.Run(string(mode), func(t *testing.T) {
			m, err := New(Config{Mode: mode, Custom: custom})
			require.NoError(t, err)
			assert.False(t, m.IsEnabled())
			require.Equal(t, 1, m.Len())
			c, ok := m.Combination(0)
			require.True(t, ok)
			assert.Equal(t, DefaultName, c.Name)
			assert.Empty(t, c.Parameters)
		})
	}
}

func TestExpand_Errors(t *testing.T) {
	_, err := Expand([]Axis{{Name: "t", Values: nil}}, ModeAll, nil)
	assert.True(t, errors.Is(err, ErrEmptyAxis))

	_, err = Expand([]Axis{{Name: "t", Values: []any{1}}}, Mode("some"), nil)
	assert.True(t, errors.Is(err, ErrUnknownMode))

	_, err = Expand([]Axis{{Name: "t", Values: []any{1, 1}}}, ModeAll, nil)
	assert.True(t, errors.Is(err, ErrDuplicateName))
}

func TestSubJobNameRoundTrip(t *testing.T) {
	m, err := New(Config{
		Axes: []Axis{
			{Name: "temperature", Values: []any{298, 308.5}},
			{Name: "pressure", Values: []any{1e5, 1e-5}},
			{Name: "co2_fraction", Values: []any{0.15}},
		},
		ResultsDir: "/data/results",
	})
	require.NoError(t, err)
	require.True(t, m.IsEnabled())

	for _, c := range m.Combinations() {
		for _, batchID := range []int{1, 12, 305} {
			name := m.SubJobName(batchID, c.ID)
			gotBatch, gotName, err := ParseSubJobName(name)
			require.NoError(t, err)
			assert.Equal(t, batchID, gotBatch)
			assert.Equal(t, c.Name, gotName)

			_, resolved, err := m.ResolveSubJob(name)
			require.NoError(t, err)
			assert.Equal(t, c.ID, resolved.ID)
		}
	}

	assert.Equal(t, "/data/results/B3_T298_P100000.0_CO20.15", m.SubJobOutputDir(3, 0))
	assert.Equal(t, "B3_param_99", m.SubJobName(3, 99))
	assert.Nil(t, m.Parameters(99))
}

func TestParseSubJobName_Invalid(t *testing.T) {
	for _, s := range []string{"", "batch_1", "B_T298", "Bx_T298", "B1_", "B1", "B0_T298"} {
		_, _, err := ParseSubJobName(s)
		assert.ErrorIs(t, err, ErrInvalidSubJobID, s)
	}
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "SIM_VAR_TEMPERATURE", EnvName("temperature"))
	assert.Equal(t, "SIM_VAR_CO2_FRACTION", EnvName("co2-fraction"))
}

func TestWriteJSON(t *testing.T) {
	m, err := New(Config{Axes: []Axis{
		{Name: "temperature", Values: []any{298}},
		{Name: "pressure", Values: []any{1e5}},
	}})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), MatrixFileName)
	require.NoError(t, m.WriteJSON(path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc struct {
		Combinations          string `json:"combinations"`
		GeneratedCombinations []struct {
			ParamID    int            `json:"param_id"`
			Name       string         `json:"name"`
			Parameters map[string]any `json:"parameters"`
		} `json:"generated_combinations"`
	}
	require.NoError(t, json.Unmarshal(b, &doc))
	assert.Equal(t, "all", doc.Combinations)
	require.Len(t, doc.GeneratedCombinations, 1)
	assert.Equal(t, "T298_P100000.0", doc.GeneratedCombinations[0].Name)
	assert.Equal(t, float64(298), doc.GeneratedCombinations[0].Parameters["temperature"])
}
