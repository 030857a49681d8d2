package manifest

// WorkflowStep is one resolved stage of the linear workflow.
type WorkflowStep struct {
	Name         string
	Script       string
	OutputSubdir string
	Required     bool
	DependsOn    []string
}

// Steps returns the workflow in execution order.
//
// Explicit workflow.steps win over the scripts shorthand. Unset fields
// default to: output_subdir = name, required = true, depends_on = the
// immediately preceding step.
func (m *Manifest) Steps() []WorkflowStep {
	var cfgs []StepConfig
	if len(m.Workflow.Steps) > 0 {
		cfgs = m.Workflow.Steps
	} else {
		for _, e := range m.Scripts {
			if e.Value == "" {
				continue
			}
			cfgs = append(cfgs, StepConfig{Name: e.Key, Script: e.Value})
		}
	}

	out := make([]WorkflowStep, 0, len(cfgs))
	for i, c := range cfgs {
		s := WorkflowStep{
			Name:         c.Name,
			Script:       c.Script,
			OutputSubdir: c.OutputSubdir,
			Required:     true,
		}
		if s.OutputSubdir == "" {
			s.OutputSubdir = c.Name
		}
		if c.Required != nil {
			s.Required = *c.Required
		}
		switch {
		case c.DependsOn != nil:
			s.DependsOn = append([]string{}, (*c.DependsOn)...)
		case i > 0:
			s.DependsOn = []string{cfgs[i-1].Name}
		default:
			s.DependsOn = []string{}
		}
		out = append(out, s)
	}
	return out
}

// Template returns the run-file template declared for a step, if any.
func (m *Manifest) Template(step string) (string, bool) {
	t, ok := m.RunFileTemplates[step+"_input"]
	if !ok || t.FilePath == "" {
		return "", false
	}
	return t.FilePath, true
}
