package types

import "testing"

func TestFeatureTable_Lookup(t *testing.T) {
	table := &FeatureTable{Rows: []SessionFeatures{
		{Session: 1, TotalEvents: 2},
		{Session: 5, TotalEvents: 1},
		{Session: 9, TotalEvents: 4},
	}}

	row, ok := table.Lookup(5)
	if !ok {
		t.Fatal("expected session 5 to be found")
	}
	if row.TotalEvents != 1 {
		t.Errorf("got TotalEvents=%d, want 1", row.TotalEvents)
	}

	if _, ok := table.Lookup(4); ok {
		t.Error("session 4 should not be found")
	}
	if _, ok := table.Lookup(10); ok {
		t.Error("session 10 should not be found")
	}
}

func TestFeatureTable_Index(t *testing.T) {
	table := &FeatureTable{Rows: []SessionFeatures{{Session: 3}, {Session: 7}}}
	idx := table.Index()
	if len(idx) != 2 || idx[0] != 3 || idx[1] != 7 {
		t.Errorf("got index %v, want [3 7]", idx)
	}
}

func TestEventTable_LenNil(t *testing.T) {
	var table *EventTable
	if table.Len() != 0 || !table.Empty() {
		t.Error("nil table should be empty")
	}
}

func TestEventCount(t *testing.T) {
	sessions := []Session{
		{Session: 1, Events: []Event{{AID: 1}, {AID: 2}}},
		{Session: 2},
		{Session: 3, Events: []Event{{AID: 3}}},
	}
	if got := EventCount(sessions); got != 3 {
		t.Errorf("got %d, want 3", got)
	}
}

func TestFeatureSchema_IndexColumn(t *testing.T) {
	if got := FeatureSchema().IndexColumn(); got != "session" {
		t.Errorf("got %q, want session", got)
	}
	if got := EventSchema().IndexColumn(); got != "" {
		t.Errorf("event schema should have no index column, got %q", got)
	}
}
