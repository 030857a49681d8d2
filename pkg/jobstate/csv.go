package jobstate

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the on-disk format of submission_time and completion_time.
const TimeLayout = "2006-01-02 15:04:05"

const (
	colBatchID        = "batch_id"
	colJobID          = "job_id"
	colParamComboID   = "param_combination_id"
	colStatus         = "status"
	colSubmissionTime = "submission_time"
	colCompletionTime = "completion_time"
	colWorkflowStage  = "workflow_stage"
)

// Header returns the column layout of the status file.
func Header(withParams bool) []string {
	if withParams {
		return []string{colBatchID, colJobID, colParamComboID, colStatus, colSubmissionTime, colCompletionTime, colWorkflowStage}
	}
	return []string{colBatchID, colJobID, colStatus, colSubmissionTime, colCompletionTime, colWorkflowStage}
}

// Encode writes the table as CSV with the configured header.
func (t *Table) Encode(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header(t.withParams)); err != nil {
		return err
	}
	for _, r := range t.rows {
		var fields []string
		if r.Valid() {
			fields = t.fields(r)
		} else {
			fields = r.raw
		}
		if err := cw.Write(fields); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (t *Table) fields(r *Record) []string {
	out := []string{strconv.Itoa(r.BatchID), r.JobID}
	if t.withParams {
		pc := r.ParamCombinationID
		if pc == "" {
			pc = NoParamCombination
		}
		out = append(out, pc)
	}
	return append(out,
		string(r.Status),
		formatTime(r.SubmissionTime),
		formatTime(r.CompletionTime),
		r.WorkflowStage,
	)
}

// RowError describes a row that could not be parsed.
type RowError struct {
	Line int
	Err  error
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e RowError) Unwrap() error {
	return e.Err
}

// Decode reads a status table. Rows that fail to parse are preserved verbatim
// and reported in the returned slice; the table is still usable.
//
// Columns are located by header name, so files written with or without the
// param_combination_id column are both accepted. The resulting table uses the
// layout requested by withParams.
func Decode(r io.Reader, withParams bool) (*Table, []RowError, error) {
	t := NewTable(withParams)

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = false

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return t, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, required := range []string{colBatchID, colJobID, colStatus} {
		if _, ok := idx[required]; !ok {
			return nil, nil, fmt.Errorf("status file header missing %q column", required)
		}
	}

	var rowErrs []RowError
	line := 1
	for {
		fields, err := cr.Read()
		line++
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				rowErrs = append(rowErrs, RowError{Line: line, Err: err})
				t.rows = append(t.rows, invalidRow(fields))
				continue
			}
			return nil, rowErrs, fmt.Errorf("read status file: %w", err)
		}
		if len(fields) == 1 && strings.TrimSpace(fields[0]) == "" {
			continue
		}
		rec, perr := parseRow(fields, idx, len(header))
		if perr != nil {
			rowErrs = append(rowErrs, RowError{Line: line, Err: perr})
			t.rows = append(t.rows, invalidRow(fields))
			continue
		}
		if withParams && rec.ParamCombinationID == "" {
			rec.ParamCombinationID = NoParamCombination
		}
		t.rows = append(t.rows, rec)
	}
	return t, rowErrs, nil
}

func parseRow(fields []string, idx map[string]int, width int) (*Record, error) {
	if len(fields) != width {
		return nil, fmt.Errorf("expected %d fields, got %d", width, len(fields))
	}
	get := func(col string) string {
		i, ok := idx[col]
		if !ok || i >= len(fields) {
			return ""
		}
		return strings.TrimSpace(fields[i])
	}

	batchID, err := parseIntLoose(get(colBatchID))
	if err != nil || batchID <= 0 {
		return nil, fmt.Errorf("invalid batch_id %q", get(colBatchID))
	}
	status, err := ParseStatus(get(colStatus))
	if err != nil {
		return nil, err
	}
	submitted, err := parseTime(get(colSubmissionTime))
	if err != nil {
		return nil, fmt.Errorf("invalid submission_time: %w", err)
	}
	completed, err := parseTime(get(colCompletionTime))
	if err != nil {
		return nil, fmt.Errorf("invalid completion_time: %w", err)
	}

	return &Record{
		BatchID:            batchID,
		JobID:              normalizeJobID(get(colJobID)),
		ParamCombinationID: normalizeMissing(get(colParamComboID)),
		Status:             status,
		SubmissionTime:     submitted,
		CompletionTime:     completed,
		WorkflowStage:      normalizeMissing(get(colWorkflowStage)),
	}, nil
}

// parseIntLoose accepts "12" and the "12.0" form produced by tools that store
// integer columns containing blanks as floats.
func parseIntLoose(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) {
		return 0, fmt.Errorf("not an integer: %q", s)
	}
	return int(f), nil
}

func normalizeJobID(s string) string {
	s = normalizeMissing(s)
	if s == "" || s == JobIDDryRun {
		return s
	}
	if n, err := parseIntLoose(s); err == nil && strings.Contains(s, ".") {
		return strconv.Itoa(n)
	}
	return s
}

func normalizeMissing(s string) string {
	switch strings.ToLower(s) {
	case "", "nan", "none", "null":
		return ""
	}
	return s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(TimeLayout)
}

func parseTime(s string) (*time.Time, error) {
	s = normalizeMissing(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.ParseInLocation(TimeLayout, s, time.Local); err == nil {
		return &t, nil
	}
	// Epoch seconds, as written by older versions of the tracker.
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return Timestamp(time.Unix(int64(f), 0)), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func invalidRow(fields []string) *Record {
	if fields == nil {
		fields = []string{}
	}
	return &Record{raw: fields}
}
