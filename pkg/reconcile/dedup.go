package reconcile

import (
	"context"
	"regexp"
	"sort"
	"strconv"

	"github.com/3leaps/graspatracker/pkg/jobstate"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// subJobNameRe matches the job names this tool submits.
var subJobNameRe = regexp.MustCompile(`^(batch_\d+|B\d+_.+)$`)

// DedupResult lists what a de-duplication pass cancelled.
type DedupResult struct {
	// Cancelled holds scheduler job ids in cancellation order.
	Cancelled []string

	// Changed counts table rows marked CANCELLED.
	Changed int
}

// Deduplicate cancels redundant submissions of the same sub-job, keeping the
// newest one: first among active table rows sharing a key, then among queued
// jobs sharing a name. It is the only code path that cancels jobs.
//
// Cancellation failures are collected and returned together; the remaining
// duplicates are still processed.
func (r *Reconciler) Deduplicate(ctx context.Context, t *jobstate.Table) (DedupResult, error) {
	var res DedupResult
	var errs error
	cancelled := make(map[string]struct{})
	now := r.cfg.Now()

	byKey := make(map[jobstate.SubJobKey][]*jobstate.Record)
	var keys []jobstate.SubJobKey
	for _, rec := range t.Records() {
		if !rec.Status.IsActive() || !rec.HasJob() {
			continue
		}
		k := rec.Key()
		if _, ok := byKey[k]; !ok {
			keys = append(keys, k)
		}
		byKey[k] = append(byKey[k], rec)
	}

	for _, k := range keys {
		rows := byKey[k]
		if len(rows) < 2 {
			continue
		}
		sort.SliceStable(rows, func(i, j int) bool { return newerRecord(rows[j], rows[i]) })
		for _, rec := range rows[:len(rows)-1] {
			if err := r.gw.Cancel(ctx, rec.JobID); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			cancelled[rec.JobID] = struct{}{}
			res.Cancelled = append(res.Cancelled, rec.JobID)
			var tmp Result
			r.apply(rec, jobstate.StatusCancelled, jobstate.StatusCancelled.Stage(), now, "dedup", &tmp)
			res.Changed += tmp.Changed
			r.logger.Info("Cancelled duplicate submission",
				zap.String("sub_job", k.String()),
				zap.String("job_id", rec.JobID),
				zap.String("kept", rows[len(rows)-1].JobID))
		}
	}

	jobs, err := r.gw.QueueJobs(ctx)
	if err != nil {
		return res, multierr.Append(errs, err)
	}
	byName := make(map[string][]string)
	var names []string
	for _, j := range jobs {
		if _, done := cancelled[j.ID]; done || !subJobNameRe.MatchString(j.Name) {
			continue
		}
		if _, ok := byName[j.Name]; !ok {
			names = append(names, j.Name)
		}
		byName[j.Name] = append(byName[j.Name], j.ID)
	}
	for _, name := range names {
		ids := byName[name]
		if len(ids) < 2 {
			continue
		}
		sort.SliceStable(ids, func(i, j int) bool { return jobIDLess(ids[i], ids[j]) })
		for _, id := range ids[:len(ids)-1] {
			if err := r.gw.Cancel(ctx, id); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			res.Cancelled = append(res.Cancelled, id)
			r.logger.Info("Cancelled duplicate queued job",
				zap.String("job_name", name),
				zap.String("job_id", id),
				zap.String("kept", ids[len(ids)-1]))

			var tmp Result
			t.Update(func(rec *jobstate.Record) bool {
				return rec.JobID == id && rec.Status.IsActive()
			}, func(rec *jobstate.Record) {
				r.apply(rec, jobstate.StatusCancelled, jobstate.StatusCancelled.Stage(), now, "dedup", &tmp)
			})
			res.Changed += tmp.Changed
		}
	}
	return res, errs
}

// newerRecord reports whether a was submitted after b.
func newerRecord(a, b *jobstate.Record) bool {
	switch {
	case a.SubmissionTime != nil && b.SubmissionTime != nil && !a.SubmissionTime.Equal(*b.SubmissionTime):
		return a.SubmissionTime.After(*b.SubmissionTime)
	case a.SubmissionTime != nil && b.SubmissionTime == nil:
		return true
	case a.SubmissionTime == nil && b.SubmissionTime != nil:
		return false
	}
	return jobIDLess(b.JobID, a.JobID)
}

// jobIDLess orders scheduler ids numerically when both are numbers.
func jobIDLess(a, b string) bool {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		return ai < bi
	}
	return a < b
}
