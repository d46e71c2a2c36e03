// Package flatten expands nested session records into a flat event table.
package flatten

import (
	"github.com/sessionprep/sessionprep/pkg/types"
)

// FlattenEvents produces one row per event, in session order and then
// within-session event order. The result has exactly
// types.EventCount(sessions) rows; empty input yields an empty table.
func FlattenEvents(sessions []types.Session) *types.EventTable {
	return flatten(sessions, nil)
}

// FlattenWithStats flattens sessions and tracks statistics in the same pass.
func FlattenWithStats(sessions []types.Session) (*types.EventTable, *StatsTracker) {
	stats := NewStatsTracker()
	return flatten(sessions, stats), stats
}

func flatten(sessions []types.Session, stats *StatsTracker) *types.EventTable {
	table := &types.EventTable{
		Rows: make([]types.EventRow, 0, types.EventCount(sessions)),
	}
	for _, s := range sessions {
		for _, e := range s.Events {
			row := types.EventRow{
				Session: s.Session,
				AID:     e.AID,
				TS:      e.TS,
				Type:    e.Type,
			}
			table.Rows = append(table.Rows, row)
			if stats != nil {
				stats.Update(row)
			}
		}
	}
	return table
}
