package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"data-refinery/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// SuccessFilter restricts listings by the success column.
type SuccessFilter int

const (
	SuccessAny SuccessFilter = iota
	SuccessNull
	SuccessTrue
	SuccessFalse
)

// ParseSuccessFilter accepts "", "null", "true" and "false".
func ParseSuccessFilter(v string) (SuccessFilter, error) {
	switch strings.ToLower(v) {
	case "":
		return SuccessAny, nil
	case "null", "none":
		return SuccessNull, nil
	case "true":
		return SuccessTrue, nil
	case "false":
		return SuccessFalse, nil
	}
	return SuccessAny, fmt.Errorf("invalid success filter %q", v)
}

// Cursor is the (created_at, id) position of the last row of a page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorOf returns the position of j.
func CursorOf(j models.Job) *Cursor {
	return &Cursor{CreatedAt: j.CreatedAt, ID: j.ID}
}

// before reports whether (t, id) sorts before c in oldest-first order.
func (c Cursor) before(t time.Time, id string) bool {
	return c.CreatedAt.Before(t) || (c.CreatedAt.Equal(t) && c.ID < id)
}

// JobFilter narrows job listings. Zero values mean "no restriction";
// RetriesBelow keeps rows with num_retries below it when positive. After
// continues a listing past a cursor in the listing's sort direction.
type JobFilter struct {
	Success       SuccessFilter
	HasHandle     *bool
	Retried       *bool
	Started       *bool
	CreatedBefore time.Time
	StartedBefore time.Time
	EndedAfter    time.Time
	MinNumRetries int
	RetriesBelow  int
	After         *Cursor
	NewestFirst   bool
	Limit         int
	Offset        int
}

// Matches applies the filter to a job in memory.
func (f JobFilter) Matches(j models.Job) bool {
	switch f.Success {
	case SuccessNull:
		if j.Success != nil {
			return false
		}
	case SuccessTrue:
		if j.Success == nil || !*j.Success {
			return false
		}
	case SuccessFalse:
		if j.Success == nil || *j.Success {
			return false
		}
	}
	if f.HasHandle != nil && (j.Handle() != "") != *f.HasHandle {
		return false
	}
	if f.Retried != nil && j.Retried != *f.Retried {
		return false
	}
	if f.Started != nil && (j.StartTime != nil) != *f.Started {
		return false
	}
	if !f.CreatedBefore.IsZero() && !j.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if !f.StartedBefore.IsZero() && (j.StartTime == nil || !j.StartTime.Before(f.StartedBefore)) {
		return false
	}
	if !f.EndedAfter.IsZero() && (j.EndTime == nil || !j.EndTime.After(f.EndedAfter)) {
		return false
	}
	if f.RetriesBelow > 0 && j.NumRetries >= f.RetriesBelow {
		return false
	}
	if f.After != nil {
		row := Cursor{CreatedAt: j.CreatedAt, ID: j.ID}
		past := f.After.before(row.CreatedAt, row.ID)
		if f.NewestFirst {
			past = row.before(f.After.CreatedAt, f.After.ID)
		}
		if !past {
			return false
		}
	}
	return j.NumRetries >= f.MinNumRetries
}

// where renders the filter as a SQL WHERE clause, appending bind args.
func (f JobFilter) where(args []any) (string, []any) {
	var conds []string
	bind := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	switch f.Success {
	case SuccessNull:
		conds = append(conds, "success IS NULL")
	case SuccessTrue:
		conds = append(conds, "success = TRUE")
	case SuccessFalse:
		conds = append(conds, "success = FALSE")
	}
	if f.HasHandle != nil {
		if *f.HasHandle {
			conds = append(conds, "batch_job_id IS NOT NULL")
		} else {
			conds = append(conds, "batch_job_id IS NULL")
		}
	}
	if f.Retried != nil {
		conds = append(conds, "retried = "+bind(*f.Retried))
	}
	if f.Started != nil {
		if *f.Started {
			conds = append(conds, "start_time IS NOT NULL")
		} else {
			conds = append(conds, "start_time IS NULL")
		}
	}
	if !f.CreatedBefore.IsZero() {
		conds = append(conds, "created_at < "+bind(f.CreatedBefore))
	}
	if !f.StartedBefore.IsZero() {
		conds = append(conds, "start_time < "+bind(f.StartedBefore))
	}
	if !f.EndedAfter.IsZero() {
		conds = append(conds, "end_time > "+bind(f.EndedAfter))
	}
	if f.MinNumRetries > 0 {
		conds = append(conds, "num_retries >= "+bind(f.MinNumRetries))
	}
	if f.RetriesBelow > 0 {
		conds = append(conds, "num_retries < "+bind(f.RetriesBelow))
	}
	if f.After != nil {
		op := ">"
		if f.NewestFirst {
			op = "<"
		}
		at, id := bind(f.After.CreatedAt), bind(f.After.ID)
		conds = append(conds, "(created_at, id) "+op+" ("+at+", "+id+")")
	}
	clause := ""
	if len(conds) > 0 {
		clause = " WHERE " + strings.Join(conds, " AND ")
	}
	return clause, args
}

// page renders ORDER BY/LIMIT/OFFSET. Repair passes read oldest first.
func (f JobFilter) page(args []any) (string, []any) {
	order := " ORDER BY created_at ASC, id ASC"
	if f.NewestFirst {
		order = " ORDER BY created_at DESC, id DESC"
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		order += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		order += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return order, args
}

// CreateDownloaderJobParams collects inputs required to insert a downloader job.
type CreateDownloaderJobParams struct {
	Task      models.DownloaderTask
	RAMAmount int
	FileIDs   []string
}

// CreateProcessorJobParams collects inputs required to insert a processor job.
type CreateProcessorJobParams struct {
	DownloaderJobID string
	Pipeline        models.Pipeline
	RAMAmount       int
	FileIDs         []string
}
