package script

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_HeaderAndDirectives(t *testing.T) {
	s := &Script{Directives: []Directive{{Key: "job-name", Value: "batch_1"}, {Key: "time", Value: "01:00:00"}}}
	s.Add(Export{Name: "BATCH_ID", Value: "1"}, Exit{Code: 0})

	out := Render(s)
	lines := strings.Split(out, "\n")
	require.GreaterOrEqual(t, len(lines), 4)
	assert.Equal(t, "#!/bin/bash", lines[0])
	assert.Equal(t, "#SBATCH --job-name=batch_1", lines[1])
	assert.Equal(t, "#SBATCH --time=01:00:00", lines[2])
	assert.Contains(t, out, `export BATCH_ID="1"`)
	assert.True(t, strings.HasSuffix(out, "exit 0\n"))
}

func TestRender_ExportKeepsVariables(t *testing.T) {
	s := &Script{}
	s.Add(Export{Name: "PATH", Value: `$HOME/bin:"quoted"`})
	assert.Contains(t, Render(s), `export PATH="$HOME/bin:\"quoted\""`)
}

func TestRender_GuardedStep(t *testing.T) {
	step := &GuardedStep{
		Name:       "simulation",
		Index:      2,
		Total:      3,
		Dir:        "/out/batch_7/simulation",
		Marker:     "/out/batch_7/simulation/exit_status.log",
		DependsOn:  []Dependency{{Step: "prep", Marker: "/out/batch_7/prep/exit_status.log"}},
		Command:    []string{"bash", "/scripts/sim.sh", "7", "/out/batch_7/prep", "/out/batch_7/simulation"},
		Required:   true,
		BatchID:    7,
		FailedList: "/out/failed_batches.txt",
		Template: &TemplateCopy{
			Source: "/tpl/sim.input",
			Dest:   "/out/batch_7/simulation/sim.input",
			Sets:   []TemplateSet{{Key: "ExternalTemperature", Value: "${SIM_VAR_TEMPERATURE}"}},
		},
	}
	s := &Script{}
	s.Add(step)
	out := Render(s)

	for _, want := range []string{
		"# Step 2/3: simulation",
		"mkdir -p /out/batch_7/simulation",
		`if [ -f /out/batch_7/simulation/exit_status.log ] && [ "$(cat /out/batch_7/simulation/exit_status.log)" = "0" ]; then`,
		`if [ ! -f /out/batch_7/prep/exit_status.log ] || [ "$(cat /out/batch_7/prep/exit_status.log)" != "0" ]; then`,
		"cp /tpl/sim.input /out/batch_7/simulation/sim.input",
		`sed -i "s|^ExternalTemperature[[:space:]].*|ExternalTemperature ${SIM_VAR_TEMPERATURE}|" /out/batch_7/simulation/sim.input`,
		`echo "ExternalTemperature ${SIM_VAR_TEMPERATURE}" >> /out/batch_7/simulation/sim.input`,
		"bash /scripts/sim.sh 7 /out/batch_7/prep /out/batch_7/simulation",
		"step_status=$?",
		`echo "$step_status" > /out/batch_7/simulation/exit_status.log`,
		`echo "7" >> /out/failed_batches.txt`,
		"exit 1",
	} {
		assert.Contains(t, out, want)
	}

	// The exit code is captured on the line right after the command.
	idx := strings.Index(out, "bash /scripts/sim.sh")
	require.NotEqual(t, -1, idx)
	rest := out[idx:]
	next := strings.SplitN(rest, "\n", 3)[1]
	assert.Equal(t, "step_status=$?", strings.TrimSpace(next))
}

func TestRender_OptionalStepContinues(t *testing.T) {
	s := &Script{}
	s.Add(&GuardedStep{
		Name:     "analysis",
		Index:    3,
		Total:    3,
		Dir:      "/out/a",
		Marker:   "/out/a/exit_status.log",
		Command:  []string{"python", "/scripts/analysis.py"},
		Required: false,
		BatchID:  1,
	})
	out := Render(s)
	assert.NotContains(t, out, "exit 1")
	assert.NotContains(t, out, "failed_batches")
	assert.Contains(t, out, "[WARNING] Optional step analysis failed")
}

func TestRender_QuotesPaths(t *testing.T) {
	s := &Script{}
	s.Add(MkdirAll{Path: "/data/my results"}, WriteExitStatus{Path: "/data/my results/exit_status.log", Code: 0})
	out := Render(s)
	assert.Contains(t, out, `mkdir -p '/data/my results'`)
	assert.Contains(t, out, `echo "0" > '/data/my results/exit_status.log'`)
}

func TestFormatWallTime(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"3600", "01:00:00"},
		{"90061", "25:01:01"},
		{"59", "00:00:59"},
		{"7200.0", "02:00:00"},
		{"02:00:00", "02:00:00"},
		{"1-12:00:00", "1-12:00:00"},
		{"-5", "-5"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatWallTime(tt.in))
		})
	}
}
