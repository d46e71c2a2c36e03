// Package observability tracks per-stage timings and metrics of pipeline runs.
package observability

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Stage names recorded by the pipeline.
const (
	StageDownload  = "download"
	StageLoad      = "load"
	StageFlatten   = "flatten"
	StageAggregate = "aggregate"
	StageSave      = "save"
	StageUpload    = "upload"
)

// StageTiming is the outcome of one pipeline stage.
type StageTiming struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Rows     int64         `json:"rows"`
	Err      string        `json:"error,omitempty"`

	order int
}

// RunStats records stage timings for a single run. Safe for concurrent use.
type RunStats struct {
	mu        sync.RWMutex
	runID     string
	startedAt time.Time
	stages    map[string]*StageTiming
	next      int
}

// NewRunStats creates a tracker for the run with the given id.
func NewRunStats(runID string) *RunStats {
	return &RunStats{
		runID:     runID,
		startedAt: time.Now(),
		stages:    make(map[string]*StageTiming),
	}
}

// RunID returns the run identifier.
func (r *RunStats) RunID() string { return r.runID }

// Begin starts timing stage. The returned function stops the clock and
// records the row count and error, if any.
func (r *RunStats) Begin(stage string) func(rows int64, err error) {
	start := time.Now()
	return func(rows int64, err error) {
		r.Record(stage, time.Since(start), rows, err)
	}
}

// Record stores the timing of stage. Recording a stage twice accumulates
// its duration and rows and keeps its first position.
func (r *RunStats) Record(stage string, d time.Duration, rows int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, exists := r.stages[stage]
	if !exists {
		st = &StageTiming{Name: stage, order: r.next}
		r.next++
		r.stages[stage] = st
	}
	st.Duration += d
	st.Rows += rows
	if err != nil {
		st.Err = err.Error()
	}
}

// Stages returns a copy of the recorded stages in the order they were first
// recorded.
func (r *RunStats) Stages() []StageTiming {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]StageTiming, 0, len(r.stages))
	for _, st := range r.stages {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

// Slowest returns the n slowest stages, slowest first.
func (r *RunStats) Slowest(n int) []StageTiming {
	if n <= 0 {
		return []StageTiming{}
	}
	stages := r.Stages()
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].Duration > stages[j].Duration })
	if n > len(stages) {
		n = len(stages)
	}
	return stages[:n]
}

// Stage returns the timing of a single stage.
func (r *RunStats) Stage(name string) (StageTiming, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.stages[name]
	if !ok {
		return StageTiming{}, false
	}
	return *st, true
}

// Total returns the sum of all stage durations.
func (r *RunStats) Total() time.Duration {
	var total time.Duration
	for _, st := range r.Stages() {
		total += st.Duration
	}
	return total
}

// Elapsed returns the wall time since the tracker was created.
func (r *RunStats) Elapsed() time.Duration {
	return time.Since(r.startedAt)
}

// MarshalZerologObject logs each stage duration in milliseconds.
func (r *RunStats) MarshalZerologObject(e *zerolog.Event) {
	e.Str("run_id", r.runID)
	for _, st := range r.Stages() {
		e.Dur(st.Name, st.Duration)
	}
	e.Dur("total", r.Total())
}
