package parammatrix

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FormatValue renders a parameter value the way it appears in combination
// names and in substituted template files.
//
// Floats always carry a fractional part or an exponent (298.0, 100000.0,
// 1e-05, 1e+16) so that an integer axis and a float axis never produce the same
// name. Booleans render as True/False.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case string:
		return x
	case bool:
		if x {
			return "True"
		}
		return "False"
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case uint:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return formatFloat(float64(x))
	case float64:
		return formatFloat(x)
	default:
		return fmt.Sprint(x)
	}
}

func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	abs := math.Abs(f)
	if abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(f, 'e', -1, 64)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".") {
		s += ".0"
	}
	return s
}

// Abbreviate returns the short prefix used for a parameter key in names.
func Abbreviate(key string) string {
	lower := strings.ToLower(key)
	switch {
	case lower == "temperature":
		return "T"
	case lower == "pressure":
		return "P"
	case strings.Contains(lower, "co2"):
		return "CO2"
	case strings.Contains(lower, "n2"):
		return "N2"
	}
	r := []rune(key)
	if len(r) > 3 {
		r = r[:3]
	}
	return strings.ToUpper(string(r))
}

// GenerateName builds the deterministic combination name from ordered
// parameters, e.g. T298_P100000.0.
func GenerateName(params Params) string {
	if len(params) == 0 {
		return DefaultName
	}
	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, Abbreviate(p.Key)+FormatValue(p.Value))
	}
	return strings.Join(parts, "_")
}

// EnvName returns the environment variable a parameter is exported under in
// generated job scripts.
func EnvName(key string) string {
	var b strings.Builder
	b.WriteString(EnvPrefix)
	for _, r := range strings.ToUpper(key) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
