// Package features aggregates the flat event table into per-session features.
package features

import (
	"sort"

	perrors "github.com/sessionprep/sessionprep/internal/errors"
	"github.com/sessionprep/sessionprep/pkg/types"
)

// EmptyInputMessage is the message of the error returned for an empty table.
const EmptyInputMessage = "event table is empty: check input sessions or file path"

// sessionCounter accumulates counts for one session group.
type sessionCounter struct {
	total  int64
	clicks int64
	carts  int64
	orders int64
}

func (c *sessionCounter) accumulate(eventType string) {
	c.total++
	switch eventType {
	case types.EventClick:
		c.clicks++
	case types.EventCart:
		c.carts++
	case types.EventOrder:
		c.orders++
	}
}

// BuildSessionFeatures groups rows by session and computes total_events,
// click_cnt, cart_cnt, order_cnt and converted for every distinct session.
// Rows whose type is not clicks, carts or orders count toward total_events
// only. The result is sorted by ascending session id.
//
// An empty table is rejected with a VALIDATION:EMPTY_INPUT error rather than
// returning an empty feature table.
func BuildSessionFeatures(table *types.EventTable) (*types.FeatureTable, error) {
	if table.Empty() {
		return nil, perrors.NewValidationError(perrors.CodeEmptyInput, EmptyInputMessage)
	}

	groups := make(map[int64]*sessionCounter)
	for _, row := range table.Rows {
		c, ok := groups[row.Session]
		if !ok {
			c = &sessionCounter{}
			groups[row.Session] = c
		}
		c.accumulate(row.Type)
	}

	keys := make([]int64, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := &types.FeatureTable{Rows: make([]types.SessionFeatures, 0, len(keys))}
	for _, k := range keys {
		c := groups[k]
		out.Rows = append(out.Rows, types.SessionFeatures{
			Session:     k,
			TotalEvents: c.total,
			ClickCount:  c.clicks,
			CartCount:   c.carts,
			OrderCount:  c.orders,
			Converted:   c.orders > 0,
		})
	}
	return out, nil
}

// Summary holds table-wide totals for reporting.
type Summary struct {
	Sessions       int     `json:"sessions"`
	Converted      int     `json:"converted"`
	TotalEvents    int64   `json:"total_events"`
	ConversionRate float64 `json:"conversion_rate"`
}

// Summarize computes table-wide totals for a feature table.
func Summarize(ft *types.FeatureTable) Summary {
	var s Summary
	if ft == nil {
		return s
	}
	s.Sessions = len(ft.Rows)
	for _, r := range ft.Rows {
		s.TotalEvents += r.TotalEvents
		if r.Converted {
			s.Converted++
		}
	}
	if s.Sessions > 0 {
		s.ConversionRate = float64(s.Converted) / float64(s.Sessions)
	}
	return s
}
