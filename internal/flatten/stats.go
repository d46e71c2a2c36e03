package flatten

import (
	"github.com/sessionprep/sessionprep/pkg/types"
)

// StatsTracker tracks row-level statistics while an event table is built.
type StatsTracker struct {
	rowCount   int64
	sessions   map[int64]struct{}
	typeCounts map[string]int64

	minSession *int64
	maxSession *int64

	minTS *int64
	maxTS *int64
}

// NewStatsTracker creates a new statistics tracker.
func NewStatsTracker() *StatsTracker {
	return &StatsTracker{
		sessions:   make(map[int64]struct{}),
		typeCounts: make(map[string]int64),
	}
}

// Update updates statistics with a new row.
func (s *StatsTracker) Update(row types.EventRow) {
	s.rowCount++
	s.sessions[row.Session] = struct{}{}
	s.typeCounts[row.Type]++

	if s.minSession == nil || row.Session < *s.minSession {
		v := row.Session
		s.minSession = &v
	}
	if s.maxSession == nil || row.Session > *s.maxSession {
		v := row.Session
		s.maxSession = &v
	}

	if s.minTS == nil || row.TS < *s.minTS {
		v := row.TS
		s.minTS = &v
	}
	if s.maxTS == nil || row.TS > *s.maxTS {
		v := row.TS
		s.maxTS = &v
	}
}

// Snapshot returns the tracked statistics.
func (s *StatsTracker) Snapshot() Stats {
	counts := make(map[string]int64, len(s.typeCounts))
	for k, v := range s.typeCounts {
		counts[k] = v
	}
	return Stats{
		RowCount:     s.rowCount,
		SessionCount: int64(len(s.sessions)),
		MinSession:   s.minSession,
		MaxSession:   s.maxSession,
		MinTS:        s.minTS,
		MaxTS:        s.maxTS,
		TypeCounts:   counts,
	}
}

// RowCount returns the number of rows tracked.
func (s *StatsTracker) RowCount() int64 {
	return s.rowCount
}

// Stats is a point-in-time copy of tracked statistics. Min/max fields are nil
// when no rows were seen.
type Stats struct {
	RowCount     int64            `json:"row_count"`
	SessionCount int64            `json:"session_count"`
	MinSession   *int64           `json:"min_session,omitempty"`
	MaxSession   *int64           `json:"max_session,omitempty"`
	MinTS        *int64           `json:"min_ts,omitempty"`
	MaxTS        *int64           `json:"max_ts,omitempty"`
	TypeCounts   map[string]int64 `json:"type_counts"`
}

// UnknownTypeCount returns the number of rows whose type is not one of the
// known event types.
func (s Stats) UnknownTypeCount() int64 {
	var n int64
	for t, c := range s.TypeCounts {
		switch t {
		case types.EventClick, types.EventCart, types.EventOrder:
		default:
			n += c
		}
	}
	return n
}
