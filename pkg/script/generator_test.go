package script

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/3leaps/graspatracker/pkg/manifest"
	"github.com/3leaps/graspatracker/pkg/parammatrix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeStep(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/bash\n"+body+"\n"), 0755))
	return p
}

func testManifest(t *testing.T, steps ...manifest.StepConfig) *manifest.Manifest {
	t.Helper()
	out := t.TempDir()
	return &manifest.Manifest{
		Slurm: manifest.StringMap{
			{Key: "account", Value: "chem"},
			{Key: "partition", Value: "normal"},
			{Key: "time", Value: "3600"},
			{Key: "nodes", Value: "1"},
		},
		Environment: manifest.StringMap{{Key: "OMP_NUM_THREADS", Value: "4"}},
		Output: manifest.OutputConfig{
			OutputDir:         out,
			ScriptsDir:        filepath.Join(out, "scripts"),
			LogsDir:           filepath.Join(out, "logs"),
			ResultsDir:        filepath.Join(out, "results"),
			FailedBatchesFile: filepath.Join(out, "failed_batches.txt"),
		},
		Workflow: manifest.WorkflowConfig{Steps: steps},
	}
}

func requireBash(t *testing.T) string {
	t.Helper()
	bash, err := exec.LookPath("bash")
	if err != nil {
		t.Skip("bash not available")
	}
	return bash
}

func TestGenerator_Build(t *testing.T) {
	scripts := t.TempDir()
	prep := writeStep(t, scripts, "prep.sh", "true")
	sim := writeStep(t, scripts, "sim.py", "")

	m := testManifest(t,
		manifest.StepConfig{Name: "prep", Script: prep},
		manifest.StepConfig{Name: "simulation", Script: sim},
		manifest.StepConfig{Name: "analysis", Script: "tools.analysis"},
	)
	g := NewGenerator(m, Options{Python: "python3"})

	outDir := filepath.Join(m.Output.ResultsDir, "B1_T300.0")
	s, err := g.Build(SubJob{
		BatchID:   1,
		Name:      "B1_T300.0",
		OutputDir: outDir,
		Params:    parammatrix.Params{{Key: "temperature", Value: 300.0}},
	})
	require.NoError(t, err)

	keys := make([]string, 0, len(s.Directives))
	for _, d := range s.Directives {
		keys = append(keys, d.Key)
	}
	assert.Equal(t, []string{"job-name", "output", "error", "account", "partition", "time", "nodes"}, keys)
	assert.Equal(t, "01:00:00", s.Directives[5].Value)
	assert.Equal(t, filepath.Join(m.Output.LogsDir, "job_B1_T300.0_%j.out"), s.Directives[1].Value)

	out := Render(s)
	assert.Contains(t, out, `export SIM_VAR_TEMPERATURE="300.0"`)
	assert.Contains(t, out, `export OMP_NUM_THREADS="4"`)
	assert.Contains(t, out, "bash "+prep+" 1 "+filepath.Join(outDir, manifest.DefaultFileListName)+" "+filepath.Join(outDir, "prep"))
	assert.Contains(t, out, "python3 "+sim+" 1 "+filepath.Join(outDir, "prep")+" "+filepath.Join(outDir, "simulation"))
	assert.Contains(t, out, "python3 -m tools.analysis 1 "+filepath.Join(outDir, "simulation"))
	assert.Contains(t, out, `echo "0" > `+filepath.Join(outDir, ExitStatusFile))
}

func TestGenerator_ScriptNotFound(t *testing.T) {
	tests := []string{"missing.py", "./nope.sh", "not a module", ""}
	for _, ref := range tests {
		t.Run(ref, func(t *testing.T) {
			m := testManifest(t, manifest.StepConfig{Name: "prep", Script: ref})
			_, err := NewGenerator(m, Options{}).Build(SubJob{BatchID: 1, Name: "batch_1", OutputDir: t.TempDir()})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrScriptNotFound))
			var ce *ConfigError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, "prep", ce.Step)
		})
	}
}

func TestGenerator_RelativeToConfig(t *testing.T) {
	cfgDir := t.TempDir()
	writeStep(t, cfgDir, "prep.sh", "true")

	m := testManifest(t, manifest.StepConfig{Name: "prep", Script: "prep.sh"})
	m.ConfigPath = filepath.Join(cfgDir, "workflow.yaml")

	s, err := NewGenerator(m, Options{}).Build(SubJob{BatchID: 2, Name: "batch_2", OutputDir: t.TempDir()})
	require.NoError(t, err)
	assert.Contains(t, Render(s), "bash "+filepath.Join(cfgDir, "prep.sh")+" 2 ")
}

func TestGenerator_TemplateKeys(t *testing.T) {
	dir := t.TempDir()
	sim := writeStep(t, dir, "sim.sh", "true")
	tpl := filepath.Join(dir, "sim.input")
	require.NoError(t, os.WriteFile(tpl, []byte("ExternalTemperature 0\n"), 0644))

	m := testManifest(t, manifest.StepConfig{Name: "simulation", Script: sim})
	m.RunFileTemplates = map[string]manifest.TemplateConfig{"simulation_input": {FilePath: tpl}}
	m.ParameterMatrix.TemplateKeys = map[string]string{"temperature": "ExternalTemperature"}

	g := NewGenerator(m, Options{})
	sub := SubJob{BatchID: 1, Name: "B1_T300", OutputDir: t.TempDir(), Params: parammatrix.Params{{Key: "temperature", Value: 300}}}
	s, err := g.Build(sub)
	require.NoError(t, err)

	var step *GuardedStep
	for _, st := range s.Body {
		if gs, ok := st.(*GuardedStep); ok {
			step = gs
		}
	}
	require.NotNil(t, step)
	require.NotNil(t, step.Template)
	assert.Equal(t, []TemplateSet{{Key: "ExternalTemperature", Value: "${SIM_VAR_TEMPERATURE}"}}, step.Template.Sets)
	assert.Equal(t, step.Template.Dest, step.Command[len(step.Command)-1])

	m.ParameterMatrix.TemplateKeys["temperature"] = "bad key;rm"
	_, err = g.Build(sub)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "bad key;rm", ce.Reference)

	m.RunFileTemplates["simulation_input"] = manifest.TemplateConfig{FilePath: filepath.Join(dir, "missing.input")}
	_, err = g.Build(sub)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestGenerator_GenerateWritesFiles(t *testing.T) {
	prep := writeStep(t, t.TempDir(), "prep.sh", "true")
	m := testManifest(t, manifest.StepConfig{Name: "prep", Script: prep})

	outDir := filepath.Join(m.Output.ResultsDir, "batch_3")
	gen, err := NewGenerator(m, Options{}).Generate(SubJob{BatchID: 3, Name: "batch_3", OutputDir: outDir}, []string{"/db/a.cif", "/db/b.cif"})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(m.Output.ScriptsDir, "job_batch_3.sh"), gen.Path)
	info, err := os.Stat(gen.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	list, err := os.ReadFile(gen.FileList)
	require.NoError(t, err)
	assert.Equal(t, "/db/a.cif\n/db/b.cif\n", string(list))

	assert.DirExists(t, m.Output.LogsDir)
	assert.DirExists(t, outDir)
}

func TestGenerator_SkipsCompletedStep(t *testing.T) {
	bash := requireBash(t)
	scripts := t.TempDir()
	prep := writeStep(t, scripts, "prep.sh", `echo ran >> "$3/sentinel"`)
	sim := writeStep(t, scripts, "sim.sh", `echo ran >> "$3/sentinel"`)

	m := testManifest(t,
		manifest.StepConfig{Name: "prep", Script: prep},
		manifest.StepConfig{Name: "simulation", Script: sim},
	)
	outDir := filepath.Join(m.Output.ResultsDir, "batch_1")
	require.NoError(t, os.MkdirAll(filepath.Join(outDir, "prep"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "prep", ExitStatusFile), []byte("0\n"), 0644))

	gen, err := NewGenerator(m, Options{}).Generate(SubJob{BatchID: 1, Name: "batch_1", OutputDir: outDir}, []string{"/db/a.cif"})
	require.NoError(t, err)

	out, err := exec.Command(bash, gen.Path).CombinedOutput()
	require.NoError(t, err, string(out))

	assert.NoFileExists(t, filepath.Join(outDir, "prep", "sentinel"))
	assert.FileExists(t, filepath.Join(outDir, "simulation", "sentinel"))
	assert.Equal(t, "0", readMarker(t, filepath.Join(outDir, ExitStatusFile)))
	assert.Equal(t, "0", readMarker(t, filepath.Join(outDir, "simulation", ExitStatusFile)))
}

func TestGenerator_RequiredStepFailure(t *testing.T) {
	bash := requireBash(t)
	scripts := t.TempDir()
	prep := writeStep(t, scripts, "prep.sh", "exit 0")
	sim := writeStep(t, scripts, "sim.sh", "exit 1")
	post := writeStep(t, scripts, "post.sh", "exit 0")

	m := testManifest(t,
		manifest.StepConfig{Name: "prep", Script: prep},
		manifest.StepConfig{Name: "simulation", Script: sim},
		manifest.StepConfig{Name: "analysis", Script: post},
	)
	outDir := filepath.Join(m.Output.ResultsDir, "batch_4")
	gen, err := NewGenerator(m, Options{}).Generate(SubJob{BatchID: 4, Name: "batch_4", OutputDir: outDir}, []string{"/db/a.cif"})
	require.NoError(t, err)

	err = exec.Command(bash, gen.Path).Run()
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.ExitCode())

	assert.NoFileExists(t, filepath.Join(outDir, ExitStatusFile))
	assert.Equal(t, "0", readMarker(t, filepath.Join(outDir, "prep", ExitStatusFile)))
	assert.Equal(t, "1", readMarker(t, filepath.Join(outDir, "simulation", ExitStatusFile)))
	assert.NoDirExists(t, filepath.Join(outDir, "analysis"))

	failed, err := os.ReadFile(m.Output.FailedBatchesFile)
	require.NoError(t, err)
	assert.Equal(t, "4\n", string(failed))
}

func TestGenerator_OptionalStepFailureCompletes(t *testing.T) {
	bash := requireBash(t)
	scripts := t.TempDir()
	prep := writeStep(t, scripts, "prep.sh", "exit 0")
	post := writeStep(t, scripts, "post.sh", "exit 3")

	optional := false
	m := testManifest(t,
		manifest.StepConfig{Name: "prep", Script: prep},
		manifest.StepConfig{Name: "analysis", Script: post, Required: &optional},
	)
	outDir := filepath.Join(m.Output.ResultsDir, "batch_5")
	gen, err := NewGenerator(m, Options{}).Generate(SubJob{BatchID: 5, Name: "batch_5", OutputDir: outDir}, nil)
	require.NoError(t, err)

	out, err := exec.Command(bash, gen.Path).CombinedOutput()
	require.NoError(t, err, string(out))
	assert.Equal(t, "3", readMarker(t, filepath.Join(outDir, "analysis", ExitStatusFile)))
	assert.Equal(t, "0", readMarker(t, filepath.Join(outDir, ExitStatusFile)))
	assert.NoFileExists(t, m.Output.FailedBatchesFile)
}

func readMarker(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.TrimSpace(string(data))
}
