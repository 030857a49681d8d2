package manifest

import (
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrVariableCycle is returned when variables reference each other in a loop.
var ErrVariableCycle = errors.New("variable reference cycle")

// VarProjectRoot is always defined.
const VarProjectRoot = "PROJECT_ROOT"

var varRefRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_.\-]*)\}`)

// Variables is a resolved variable set.
type Variables map[string]string

// Expand replaces every ${NAME} with its value. Unknown names are left as-is
// so shell variables pass through to generated scripts.
func (v Variables) Expand(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return varRefRe.ReplaceAllStringFunc(s, func(ref string) string {
		name := ref[2 : len(ref)-1]
		if val, ok := v[name]; ok {
			return val
		}
		return ref
	})
}

// ResolveVariables orders the raw definitions topologically and expands each
// one exactly once. A reference cycle is an error naming its members.
func ResolveVariables(raw map[string]string) (Variables, error) {
	deps := make(map[string][]string, len(raw))
	indegree := make(map[string]int, len(raw))
	dependents := make(map[string][]string, len(raw))
	for name, val := range raw {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		seen := map[string]bool{}
		for _, m := range varRefRe.FindAllStringSubmatch(val, -1) {
			ref := m[1]
			if _, known := raw[ref]; !known || seen[ref] {
				continue
			}
			seen[ref] = true
			deps[name] = append(deps[name], ref)
			dependents[ref] = append(dependents[ref], name)
			indegree[name]++
		}
	}

	var queue []string
	for name, d := range indegree {
		if d == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	resolved := make(Variables, len(raw))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		resolved[name] = resolved.Expand(raw[name])

		next := dependents[name]
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(resolved) != len(raw) {
		var cycle []string
		for name := range raw {
			if _, ok := resolved[name]; !ok {
				cycle = append(cycle, name)
			}
		}
		sort.Strings(cycle)
		return nil, fmt.Errorf("%w: %s", ErrVariableCycle, strings.Join(cycle, ", "))
	}
	return resolved, nil
}

// collectVariables gathers PROJECT_ROOT, project.<key> and variables.<NAME>
// definitions from the document root.
func collectVariables(root *yaml.Node, projectRoot string) map[string]string {
	raw := map[string]string{VarProjectRoot: projectRoot}
	doc := root
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		doc = doc.Content[0]
	}
	if doc.Kind != yaml.MappingNode {
		return raw
	}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		section, body := doc.Content[i].Value, doc.Content[i+1]
		if body.Kind != yaml.MappingNode {
			continue
		}
		for j := 0; j+1 < len(body.Content); j += 2 {
			k, v := body.Content[j], body.Content[j+1]
			if v.Kind != yaml.ScalarNode {
				continue
			}
			switch section {
			case "project":
				raw["project."+k.Value] = v.Value
			case "variables":
				raw[k.Value] = v.Value
			}
		}
	}
	return raw
}

// substituteNode expands variables in every scalar of the tree. Plain scalars
// that changed lose their resolved tag so "${N}" can become an integer.
func substituteNode(n *yaml.Node, vars Variables) {
	switch n.Kind {
	case yaml.ScalarNode:
		expanded := vars.Expand(n.Value)
		if expanded != n.Value {
			n.Value = expanded
			if n.Style == 0 {
				n.Tag = ""
			}
		}
	case yaml.DocumentNode, yaml.SequenceNode, yaml.MappingNode:
		for i, c := range n.Content {
			// Mapping keys are never substituted.
			if n.Kind == yaml.MappingNode && i%2 == 0 {
				continue
			}
			substituteNode(c, vars)
		}
	case yaml.AliasNode:
		// Aliases share their anchor's node, which is visited in place.
	}
}

// FindProjectRoot returns the git top-level containing configDir, or the
// parent of configDir when git is unavailable or configDir is not in a
// repository.
func FindProjectRoot(configDir string) string {
	abs, err := filepath.Abs(configDir)
	if err != nil {
		abs = configDir
	}
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	cmd.Dir = abs
	if out, err := cmd.Output(); err == nil {
		if root := strings.TrimSpace(string(out)); root != "" {
			return root
		}
	}
	return filepath.Dir(abs)
}
