package jobstate

import "sort"

// Table is the in-memory job status table: a flat, ordered, append-mostly list
// of records keyed conceptually by (batch_id, param_combination_id).
type Table struct {
	withParams bool
	rows       []*Record
}

// NewTable returns an empty table. withParams controls whether the
// param_combination_id column is written.
func NewTable(withParams bool) *Table {
	return &Table{withParams: withParams}
}

// WithParams reports whether the table carries the param_combination_id column.
func (t *Table) WithParams() bool {
	return t.withParams
}

// Records returns the parsed rows in table order.
func (t *Table) Records() []*Record {
	out := make([]*Record, 0, len(t.rows))
	for _, r := range t.rows {
		if r.Valid() {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of rows, including rows that failed to parse.
func (t *Table) Len() int {
	return len(t.rows)
}

// Invalid returns the number of rows kept verbatim because they failed to parse.
func (t *Table) Invalid() int {
	n := 0
	for _, r := range t.rows {
		if !r.Valid() {
			n++
		}
	}
	return n
}

// Append adds a record at the end of the table and returns the stored copy.
func (t *Table) Append(rec Record) *Record {
	rec.raw = nil
	if rec.ParamCombinationID == "" && t.withParams {
		rec.ParamCombinationID = NoParamCombination
	}
	r := &rec
	t.rows = append(t.rows, r)
	return r
}

// Update applies fn to every parsed row matching pred and returns the count.
func (t *Table) Update(pred func(*Record) bool, fn func(*Record)) int {
	n := 0
	for _, r := range t.rows {
		if r.Valid() && pred(r) {
			fn(r)
			n++
		}
	}
	return n
}

// Find returns every row for the given sub-job, oldest first.
func (t *Table) Find(key SubJobKey) []*Record {
	var out []*Record
	for _, r := range t.rows {
		if r.Valid() && r.Key() == key {
			out = append(out, r)
		}
	}
	return out
}

// Latest returns the most recent row for the sub-job, or nil.
func (t *Table) Latest(key SubJobKey) *Record {
	rows := t.Find(key)
	if len(rows) == 0 {
		return nil
	}
	return rows[len(rows)-1]
}

// ForBatch returns every row belonging to the batch.
func (t *Table) ForBatch(batchID int) []*Record {
	var out []*Record
	for _, r := range t.rows {
		if r.Valid() && r.BatchID == batchID {
			out = append(out, r)
		}
	}
	return out
}

// ActiveCount returns the number of PENDING or RUNNING rows.
func (t *Table) ActiveCount() int {
	n := 0
	for _, r := range t.rows {
		if r.Valid() && r.Status.IsActive() {
			n++
		}
	}
	return n
}

// CountByStatus tallies parsed rows per status.
func (t *Table) CountByStatus() map[Status]int {
	out := make(map[Status]int)
	for _, r := range t.rows {
		if r.Valid() {
			out[r.Status]++
		}
	}
	return out
}

// BatchIDs returns the distinct batch ids present, ascending.
func (t *Table) BatchIDs() []int {
	seen := make(map[int]struct{})
	for _, r := range t.rows {
		if r.Valid() {
			seen[r.BatchID] = struct{}{}
		}
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// LatestRecords returns the most recent row of every sub-job, ordered by the
// first appearance of the sub-job in the table.
func (t *Table) LatestRecords() []*Record {
	idx := make(map[SubJobKey]int)
	var out []*Record
	for _, r := range t.rows {
		if !r.Valid() {
			continue
		}
		k := r.Key()
		if i, ok := idx[k]; ok {
			out[i] = r
			continue
		}
		idx[k] = len(out)
		out = append(out, r)
	}
	return out
}
