package features

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	perrors "github.com/sessionprep/sessionprep/internal/errors"
	"github.com/sessionprep/sessionprep/internal/flatten"
	"github.com/sessionprep/sessionprep/pkg/types"
)

func TestBuildSessionFeatures_Scenario(t *testing.T) {
	sessions := []types.Session{
		{Session: 1, Events: []types.Event{
			{AID: 10, TS: 100, Type: "clicks"},
			{AID: 11, TS: 101, Type: "orders"},
		}},
		{Session: 2, Events: []types.Event{
			{AID: 12, TS: 102, Type: "carts"},
		}},
	}

	ft, err := BuildSessionFeatures(flatten.FlattenEvents(sessions))
	if err != nil {
		t.Fatalf("BuildSessionFeatures failed: %v", err)
	}

	expected := []types.SessionFeatures{
		{Session: 1, TotalEvents: 2, ClickCount: 1, CartCount: 0, OrderCount: 1, Converted: true},
		{Session: 2, TotalEvents: 1, ClickCount: 0, CartCount: 1, OrderCount: 0, Converted: false},
	}
	if ft.Len() != len(expected) {
		t.Fatalf("expected %d sessions, got %d", len(expected), ft.Len())
	}
	for i, row := range ft.Rows {
		if row != expected[i] {
			t.Errorf("row %d: got %+v, want %+v", i, row, expected[i])
		}
	}
}

func TestBuildSessionFeatures_Empty(t *testing.T) {
	for _, table := range []*types.EventTable{nil, {}, {Rows: []types.EventRow{}}} {
		ft, err := BuildSessionFeatures(table)
		if ft != nil {
			t.Error("expected no feature table for empty input")
		}
		if !errors.Is(err, perrors.ErrEmptyInput) {
			t.Errorf("expected empty input error, got %v", err)
		}
		if perrors.GetCategory(err) != perrors.ErrCategoryValidation {
			t.Errorf("expected VALIDATION category, got %q", perrors.GetCategory(err))
		}
	}
}

func TestBuildSessionFeatures_SortedAndGrouped(t *testing.T) {
	table := &types.EventTable{Rows: []types.EventRow{
		{Session: 9, Type: "clicks"},
		{Session: 3, Type: "carts"},
		{Session: 9, Type: "orders"},
		{Session: 3, Type: "carts"},
		{Session: 1, Type: "clicks"},
	}}

	ft, err := BuildSessionFeatures(table)
	if err != nil {
		t.Fatalf("BuildSessionFeatures failed: %v", err)
	}

	idx := ft.Index()
	if len(idx) != 3 || idx[0] != 1 || idx[1] != 3 || idx[2] != 9 {
		t.Fatalf("expected ascending index [1 3 9], got %v", idx)
	}
	row, _ := ft.Lookup(3)
	if row.TotalEvents != 2 || row.CartCount != 2 || row.Converted {
		t.Errorf("unexpected session 3 features: %+v", row)
	}
	row, _ = ft.Lookup(9)
	if !row.Converted || row.OrderCount != 1 {
		t.Errorf("unexpected session 9 features: %+v", row)
	}
}

func TestBuildSessionFeatures_UnknownType(t *testing.T) {
	table := &types.EventTable{Rows: []types.EventRow{
		{Session: 1, Type: "clicks"},
		{Session: 1, Type: "views"},
		{Session: 1, Type: "Orders"},
	}}

	ft, err := BuildSessionFeatures(table)
	if err != nil {
		t.Fatalf("BuildSessionFeatures failed: %v", err)
	}
	row := ft.Rows[0]
	if row.TotalEvents != 3 {
		t.Errorf("expected total_events=3, got %d", row.TotalEvents)
	}
	if row.ClickCount+row.CartCount+row.OrderCount != 1 {
		t.Errorf("unknown types must not be counted per type: %+v", row)
	}
	if row.Converted {
		t.Error("type match is exact, Orders must not convert")
	}
}

func TestSummarize(t *testing.T) {
	ft := &types.FeatureTable{Rows: []types.SessionFeatures{
		{Session: 1, TotalEvents: 2, Converted: true},
		{Session: 2, TotalEvents: 1},
		{Session: 3, TotalEvents: 5},
		{Session: 4, TotalEvents: 4, Converted: true},
	}}

	s := Summarize(ft)
	if s.Sessions != 4 || s.Converted != 2 || s.TotalEvents != 12 {
		t.Errorf("unexpected summary: %+v", s)
	}
	if s.ConversionRate != 0.5 {
		t.Errorf("expected conversion rate 0.5, got %v", s.ConversionRate)
	}
	if Summarize(nil) != (Summary{}) {
		t.Error("nil table should summarize to zero")
	}
}

func genRows(kinds ...string) gopter.Gen {
	values := make([]interface{}, len(kinds))
	for i, v := range kinds {
		values[i] = v
	}
	return gen.SliceOf(gopter.CombineGens(
		gen.Int64Range(0, 30),
		gen.OneConstOf(values...),
	).Map(func(v []interface{}) types.EventRow {
		return types.EventRow{Session: v[0].(int64), Type: v[1].(string)}
	})).SuchThat(func(rows []types.EventRow) bool {
		return len(rows) > 0
	})
}

func TestProperty_SessionFeatures(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("every session appears exactly once", prop.ForAll(
		func(rows []types.EventRow) bool {
			ft, err := BuildSessionFeatures(&types.EventTable{Rows: rows})
			if err != nil {
				return false
			}
			seen := make(map[int64]int)
			for _, r := range ft.Rows {
				seen[r.Session]++
			}
			for _, r := range rows {
				if seen[r.Session] != 1 {
					return false
				}
			}
			return len(seen) == ft.Len()
		},
		genRows("clicks", "carts", "orders", "views"),
	))

	properties.Property("total covers the per-type counts, converted iff orders", prop.ForAll(
		func(rows []types.EventRow) bool {
			ft, err := BuildSessionFeatures(&types.EventTable{Rows: rows})
			if err != nil {
				return false
			}
			var total int64
			for _, r := range ft.Rows {
				if r.TotalEvents < r.ClickCount+r.CartCount+r.OrderCount {
					return false
				}
				if r.Converted != (r.OrderCount > 0) {
					return false
				}
				total += r.TotalEvents
			}
			return total == int64(len(rows))
		},
		genRows("clicks", "carts", "orders", "views"),
	))

	properties.Property("total equals per-type sum for known types", prop.ForAll(
		func(rows []types.EventRow) bool {
			ft, err := BuildSessionFeatures(&types.EventTable{Rows: rows})
			if err != nil {
				return false
			}
			for _, r := range ft.Rows {
				if r.TotalEvents != r.ClickCount+r.CartCount+r.OrderCount {
					return false
				}
			}
			return true
		},
		genRows("clicks", "carts", "orders"),
	))

	properties.Property("index is strictly ascending", prop.ForAll(
		func(rows []types.EventRow) bool {
			ft, err := BuildSessionFeatures(&types.EventTable{Rows: rows})
			if err != nil {
				return false
			}
			for i := 1; i < ft.Len(); i++ {
				if ft.Rows[i-1].Session >= ft.Rows[i].Session {
					return false
				}
			}
			return true
		},
		genRows("clicks", "carts", "orders", "views"),
	))

	properties.TestingRun(t)
}
