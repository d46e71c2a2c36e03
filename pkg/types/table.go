package types

import "sort"

// EventRow is one row of the flat event table.
type EventRow struct {
	Session int64     `json:"session" parquet:"name=session,type=INT64"`
	AID     int64     `json:"aid" parquet:"name=aid,type=INT64"`
	TS      int64     `json:"ts" parquet:"name=ts,type=INT64"`
	Type    EventType `json:"type" parquet:"name=type,type=BYTE_ARRAY,convertedtype=UTF8"`
}

// EventTable is the flattened event log. Rows keep input order: sessions in
// load order, then events in within-session order.
type EventTable struct {
	Rows []EventRow
}

// Len returns the number of rows.
func (t *EventTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Empty reports whether the table has no rows.
func (t *EventTable) Empty() bool {
	return t.Len() == 0
}

// SessionFeatures holds the per-session summary statistics. Session is the
// table index and is persisted as the first column.
type SessionFeatures struct {
	Session     int64 `json:"session" parquet:"name=session,type=INT64"`
	TotalEvents int64 `json:"total_events" parquet:"name=total_events,type=INT64"`
	ClickCount  int64 `json:"click_cnt" parquet:"name=click_cnt,type=INT64"`
	CartCount   int64 `json:"cart_cnt" parquet:"name=cart_cnt,type=INT64"`
	OrderCount  int64 `json:"order_cnt" parquet:"name=order_cnt,type=INT64"`
	Converted   bool  `json:"converted" parquet:"name=converted,type=BOOLEAN"`
}

// FeatureTable is indexed by session identifier. Rows are kept in ascending
// session order and each session appears at most once.
type FeatureTable struct {
	Rows []SessionFeatures
}

// Len returns the number of sessions in the table.
func (t *FeatureTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Index returns the session identifiers in row order.
func (t *FeatureTable) Index() []int64 {
	ids := make([]int64, len(t.Rows))
	for i, r := range t.Rows {
		ids[i] = r.Session
	}
	return ids
}

// Lookup returns the features for a session using binary search over the
// sorted index.
func (t *FeatureTable) Lookup(session int64) (SessionFeatures, bool) {
	i := sort.Search(len(t.Rows), func(i int) bool {
		return t.Rows[i].Session >= session
	})
	if i < len(t.Rows) && t.Rows[i].Session == session {
		return t.Rows[i], true
	}
	return SessionFeatures{}, false
}
