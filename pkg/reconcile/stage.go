package reconcile

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/3leaps/graspatracker/pkg/jobstate"
	"github.com/bmatcuk/doublestar/v4"
)

// progressTail is how much of a progress log is scanned for cycle markers.
const progressTail = 64 * 1024

var cycleRe = regexp.MustCompile(`(?i)cycle\s*(?:number)?\s*[:=]?\s*(\d+)`)

// Stage computes the workflow_stage text for a record with the given status.
func (r *Reconciler) Stage(status jobstate.Status, outputDir string) string {
	switch status {
	case jobstate.StatusRunning:
		reports := InspectSteps(outputDir, r.cfg.Steps)
		for i := len(reports) - 1; i >= 0; i-- {
			rep := reports[i]
			if rep.State != StepUnfinished && rep.State != StepFailed {
				continue
			}
			if rep.Name == r.cfg.ProgressStep {
				if cycle, ok := LatestCycle(rep.Dir, r.cfg.ProgressGlob); ok {
					return fmt.Sprintf("%s (cycle %d)", rep.Name, cycle)
				}
			}
			return rep.Name
		}
		return status.Stage()
	case jobstate.StatusPartiallyComplete:
		reports := InspectSteps(outputDir, r.cfg.Steps)
		for i := len(reports) - 1; i >= 0; i-- {
			if reports[i].State == StepCompleted {
				return "partial_after_" + reports[i].Name
			}
		}
		return status.Stage()
	}
	return status.Stage()
}

// LatestCycle scans the most recently modified file under dir matching glob
// for the highest simulation cycle number in its tail.
func LatestCycle(dir, glob string) (int, bool) {
	if glob == "" {
		return 0, false
	}
	matches, err := doublestar.Glob(os.DirFS(dir), glob, doublestar.WithFilesOnly(), doublestar.WithFailOnIOErrors())
	if err != nil || len(matches) == 0 {
		return 0, false
	}

	var newest string
	var newestInfo fs.FileInfo
	for _, m := range matches {
		info, err := os.Stat(filepath.Join(dir, m))
		if err != nil {
			continue
		}
		if newestInfo == nil || info.ModTime().After(newestInfo.ModTime()) ||
			(info.ModTime().Equal(newestInfo.ModTime()) && m > newest) {
			newest, newestInfo = m, info
		}
	}
	if newestInfo == nil {
		return 0, false
	}
	return scanCycles(filepath.Join(dir, newest), newestInfo.Size())
}

func scanCycles(path string, size int64) (int, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer func() { _ = f.Close() }()

	offset := size - progressTail
	if offset < 0 {
		offset = 0
	}
	buf, err := io.ReadAll(io.NewSectionReader(f, offset, size-offset))
	if err != nil {
		return 0, false
	}

	best, found := 0, false
	for _, m := range cycleRe.FindAllSubmatch(buf, -1) {
		n, err := strconv.Atoi(string(m[1]))
		if err != nil {
			continue
		}
		if !found || n > best {
			best, found = n, true
		}
	}
	return best, found
}
