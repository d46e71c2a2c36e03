// Package types provides core data types for sessionprep.
package types

// EventType categorizes a session event.
type EventType = string

// Known event types. Any other value is carried through flattening and counts
// toward a session's total, but not toward any of the per-type counters.
const (
	EventClick EventType = "clicks"
	EventCart  EventType = "carts"
	EventOrder EventType = "orders"
)

// Event is a single interaction inside a session.
type Event struct {
	// AID is the item identifier the event refers to
	AID int64 `json:"aid"`

	// TS is the event timestamp (epoch milliseconds in the OTTO dataset)
	TS int64 `json:"ts"`

	// Type is the action type, one of clicks, carts, orders
	Type EventType `json:"type"`
}

// Session is one input record: a session identifier and its ordered events.
type Session struct {
	// Session is the integer session identifier
	Session int64 `json:"session"`

	// Events holds the session's events in input order
	Events []Event `json:"events"`
}

// EventCount returns the total number of events across sessions.
func EventCount(sessions []Session) int {
	n := 0
	for _, s := range sessions {
		n += len(s.Events)
	}
	return n
}
