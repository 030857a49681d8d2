package script

import (
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"
)

const indent = "    "

// Render spells the script out as bash.
func Render(s *Script) string {
	var b strings.Builder
	shell := s.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	b.WriteString("#!" + shell + "\n")
	for _, d := range s.Directives {
		fmt.Fprintf(&b, "#SBATCH --%s=%s\n", d.Key, d.Value)
	}
	if len(s.Directives) > 0 {
		b.WriteString("\n")
	}
	for _, st := range s.Body {
		renderStatement(&b, st, "")
	}
	return b.String()
}

func renderStatement(b *strings.Builder, st Statement, pad string) {
	line := func(format string, args ...any) {
		b.WriteString(pad)
		fmt.Fprintf(b, format, args...)
		b.WriteString("\n")
	}

	switch x := st.(type) {
	case Comment:
		line("# %s", x.Text)
	case Blank:
		b.WriteString("\n")
	case Export:
		line("export %s=%s", x.Name, doubleQuote(x.Value))
	case Raw:
		for _, l := range strings.Split(strings.TrimRight(x.Text, "\n"), "\n") {
			line("%s", l)
		}
	case Echo:
		line("echo %s", doubleQuote(echoText(x.Level, x.Text)))
	case MkdirAll:
		line("mkdir -p %s", quote(x.Path))
	case WriteExitStatus:
		line("echo \"%d\" > %s", x.Code, quote(x.Path))
	case Exit:
		line("exit %d", x.Code)
	case *GuardedStep:
		renderGuardedStep(b, x, pad)
	default:
		panic(fmt.Sprintf("script: unknown statement %T", st))
	}
}

func renderGuardedStep(b *strings.Builder, s *GuardedStep, pad string) {
	in := pad + indent
	in2 := in + indent
	w := func(p, format string, args ...any) {
		b.WriteString(p)
		fmt.Fprintf(b, format, args...)
		b.WriteString("\n")
	}
	marker := quote(s.Marker)

	w(pad, "# Step %d/%d: %s", s.Index, s.Total, s.Name)
	w(pad, "mkdir -p %s", quote(s.Dir))
	w(pad, "if [ -f %s ] && [ \"$(cat %s)\" = \"0\" ]; then", marker, marker)
	w(in, "echo %s", doubleQuote(echoText("INFO", fmt.Sprintf("Step %s already completed, skipping", s.Name))))
	w(pad, "else")
	w(in, "step_status=0")
	for _, d := range s.DependsOn {
		dm := quote(d.Marker)
		w(in, "if [ ! -f %s ] || [ \"$(cat %s)\" != \"0\" ]; then", dm, dm)
		w(in2, "echo %s", doubleQuote(echoText("WARNING", fmt.Sprintf("Step %s: dependency %s has not completed", s.Name, d.Step))))
		w(in2, "step_status=1")
		w(in, "fi")
	}
	w(in, "if [ \"$step_status\" -eq 0 ]; then")
	if t := s.Template; t != nil {
		dest := quote(t.Dest)
		w(in2, "cp %s %s", quote(t.Source), dest)
		for _, set := range t.Sets {
			kv := doubleQuote(set.Key + " " + set.Value)
			w(in2, "if grep -q %s %s; then", quote("^"+set.Key+"[[:space:]]"), dest)
			w(in2+indent, "sed -i %s %s", doubleQuote("s|^"+set.Key+"[[:space:]].*|"+set.Key+" "+set.Value+"|"), dest)
			w(in2, "else")
			w(in2+indent, "echo %s >> %s", kv, dest)
			w(in2, "fi")
		}
	}
	w(in2, "echo %s", doubleQuote(echoText("INFO", fmt.Sprintf("Running step %s", s.Name))))
	w(in2, "%s", shellquote.Join(s.Command...))
	w(in2, "step_status=$?")
	w(in, "fi")
	w(in, "echo \"$step_status\" > %s", marker)
	w(in, "if [ \"$step_status\" -ne 0 ]; then")
	if s.Required {
		w(in2, "echo %s", doubleQuote(echoText("ERROR", fmt.Sprintf("Required step %s failed with exit code ${step_status}", s.Name))))
		if s.FailedList != "" {
			w(in2, "echo \"%d\" >> %s", s.BatchID, quote(s.FailedList))
		}
		w(in2, "exit 1")
	} else {
		w(in2, "echo %s", doubleQuote(echoText("WARNING", fmt.Sprintf("Optional step %s failed with exit code ${step_status}, continuing", s.Name))))
	}
	w(in, "fi")
	w(pad, "fi")
	b.WriteString("\n")
}

func echoText(level, text string) string {
	if level == "" {
		return text
	}
	return "[" + level + "] " + text
}

func quote(s string) string {
	return shellquote.Join(s)
}

// doubleQuote wraps s in double quotes, escaping everything except $ so that
// variable references still expand.
func doubleQuote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"', '\\', '`':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}
