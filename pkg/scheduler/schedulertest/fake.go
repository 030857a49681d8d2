// Package schedulertest provides an in-memory scheduler.Gateway for tests.
package schedulertest

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/3leaps/graspatracker/pkg/jobstate"
	"github.com/3leaps/graspatracker/pkg/scheduler"
)

// Gateway is a scripted scheduler. Submitted jobs enter the queue as PENDING
// and stay there until the test changes them.
type Gateway struct {
	mu sync.Mutex

	nextID   int
	queue    map[string]scheduler.QueuedJob
	finished map[string]scheduler.RawStatus

	// Submitted records every submitted script path in order.
	Submitted []string

	// Cancelled records every cancelled job id in order.
	Cancelled []string

	// SubmitErr, when set, fails every submission.
	SubmitErr error

	// QueueErr, when set, fails queue listings.
	QueueErr error
}

var _ scheduler.Gateway = (*Gateway)(nil)

// New returns an empty fake scheduler whose first job id is 1000.
func New() *Gateway {
	return &Gateway{
		nextID:   1000,
		queue:    make(map[string]scheduler.QueuedJob),
		finished: make(map[string]scheduler.RawStatus),
	}
}

// Submit implements scheduler.Gateway.
func (g *Gateway) Submit(_ context.Context, scriptPath string, dryRun bool) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.SubmitErr != nil {
		return "", g.SubmitErr
	}
	g.Submitted = append(g.Submitted, scriptPath)
	if dryRun {
		return jobstate.JobIDDryRun, nil
	}
	id := strconv.Itoa(g.nextID)
	g.nextID++
	g.queue[id] = scheduler.QueuedJob{ID: id, Name: jobName(scriptPath), State: scheduler.StatusPending}
	return id, nil
}

// Status implements scheduler.Gateway.
func (g *Gateway) Status(_ context.Context, jobID string) scheduler.RawStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	if j, ok := g.queue[jobID]; ok {
		return j.State
	}
	if st, ok := g.finished[jobID]; ok {
		return st
	}
	return scheduler.StatusUnknown
}

// QueueIDs implements scheduler.Gateway.
func (g *Gateway) QueueIDs(context.Context) (map[string]struct{}, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.QueueErr != nil {
		return nil, g.QueueErr
	}
	ids := make(map[string]struct{}, len(g.queue))
	for id := range g.queue {
		ids[id] = struct{}{}
	}
	return ids, nil
}

// QueueJobs implements scheduler.Gateway. Jobs are ordered by id.
func (g *Gateway) QueueJobs(context.Context) ([]scheduler.QueuedJob, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.QueueErr != nil {
		return nil, g.QueueErr
	}
	jobs := make([]scheduler.QueuedJob, 0, len(g.queue))
	for _, j := range g.queue {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool {
		a, _ := strconv.Atoi(jobs[i].ID)
		b, _ := strconv.Atoi(jobs[k].ID)
		return a < b
	})
	return jobs, nil
}

// Cancel implements scheduler.Gateway.
func (g *Gateway) Cancel(_ context.Context, jobID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.queue[jobID]; !ok {
		return fmt.Errorf("job %s not queued", jobID)
	}
	delete(g.queue, jobID)
	g.finished[jobID] = scheduler.StatusCancelled
	g.Cancelled = append(g.Cancelled, jobID)
	return nil
}

// Available implements scheduler.Gateway.
func (g *Gateway) Available() error {
	return nil
}

// Enqueue places an externally created job in the queue.
func (g *Gateway) Enqueue(id, name string, state scheduler.RawStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.finished, id)
	g.queue[id] = scheduler.QueuedJob{ID: id, Name: name, State: state}
}

// SetState changes the state of a queued job.
func (g *Gateway) SetState(id string, state scheduler.RawStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if j, ok := g.queue[id]; ok {
		j.State = state
		g.queue[id] = j
	}
}

// Finish removes a job from the queue and records its final accounting state.
func (g *Gateway) Finish(id string, state scheduler.RawStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.queue, id)
	g.finished[id] = state
}

// Queued returns the number of jobs in the queue.
func (g *Gateway) Queued() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// jobName recovers the job name from a generated script path.
func jobName(scriptPath string) string {
	base := strings.TrimSuffix(filepath.Base(scriptPath), ".sh")
	return strings.TrimPrefix(base, "job_")
}
