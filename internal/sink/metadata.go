package sink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sessionprep/sessionprep/internal/bloom"
	perrors "github.com/sessionprep/sessionprep/internal/errors"
	"github.com/sessionprep/sessionprep/internal/features"
	"github.com/sessionprep/sessionprep/internal/flatten"
	"github.com/sessionprep/sessionprep/pkg/types"
)

// SidecarFPR is the target false positive rate of the session filter.
const SidecarFPR = 0.01

// Sidecar is the .meta.json file written next to an output table.
type Sidecar struct {
	RunID         string         `json:"run_id"`
	Format        Format         `json:"format"`
	Output        string         `json:"output"`
	SchemaVersion int            `json:"schema_version"`
	IndexColumn   string         `json:"index_column"`
	Stats         SidecarStats   `json:"stats"`
	SessionFilter *bloom.Encoded `json:"session_filter,omitempty"`
	CreatedAt     int64          `json:"created_at"`
}

// SidecarStats holds table-level statistics.
type SidecarStats struct {
	Sessions       int              `json:"sessions"`
	Converted      int              `json:"converted"`
	TotalEvents    int64            `json:"total_events"`
	ConversionRate float64          `json:"conversion_rate"`
	MinSession     *int64           `json:"min_session,omitempty"`
	MaxSession     *int64           `json:"max_session,omitempty"`
	MinTS          *int64           `json:"min_ts,omitempty"`
	MaxTS          *int64           `json:"max_ts,omitempty"`
	TypeCounts     map[string]int64 `json:"type_counts,omitempty"`
	UnknownEvents  int64            `json:"unknown_events"`
}

// NewSidecar builds the sidecar for a feature table. events carries the
// statistics gathered while flattening and may be the zero value.
func NewSidecar(runID string, format Format, output string, ft *types.FeatureTable, events flatten.Stats) (*Sidecar, error) {
	if ft == nil {
		ft = &types.FeatureTable{}
	}
	summary := features.Summarize(ft)

	filter := bloom.NewWithEstimates(ft.Len(), SidecarFPR)
	for _, row := range ft.Rows {
		filter.Add(row.Session)
	}
	encoded, err := filter.Encode()
	if err != nil {
		return nil, perrors.NewInternalError("sink: failed to encode session filter", err)
	}

	schema := types.FeatureSchema()
	return &Sidecar{
		RunID:         runID,
		Format:        format,
		Output:        filepath.Base(output),
		SchemaVersion: schema.Version,
		IndexColumn:   schema.IndexColumn(),
		Stats: SidecarStats{
			Sessions:       summary.Sessions,
			Converted:      summary.Converted,
			TotalEvents:    summary.TotalEvents,
			ConversionRate: summary.ConversionRate,
			MinSession:     events.MinSession,
			MaxSession:     events.MaxSession,
			MinTS:          events.MinTS,
			MaxTS:          events.MaxTS,
			TypeCounts:     events.TypeCounts,
			UnknownEvents:  events.UnknownTypeCount(),
		},
		SessionFilter: encoded,
		CreatedAt:     time.Now().Unix(),
	}, nil
}

// MayContain reports whether session may be present in the table the
// sidecar describes. A false result is definitive.
func (s *Sidecar) MayContain(session int64) (bool, error) {
	if s.SessionFilter == nil {
		return true, nil
	}
	f, err := bloom.Decode(s.SessionFilter)
	if err != nil {
		return false, err
	}
	return f.Contains(session), nil
}

// CreatedAtTime returns the creation time as time.Time.
func (s *Sidecar) CreatedAtTime() time.Time {
	return time.Unix(s.CreatedAt, 0)
}

// WriteToFile writes the sidecar as indented JSON.
func (s *Sidecar) WriteToFile(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return perrors.NewInternalError("sink: failed to marshal sidecar", err)
	}
	if err := ensureParent(path); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return writeFailed(path, err)
	}
	return nil
}

// ReadSidecar reads a sidecar written by WriteToFile.
func ReadSidecar(path string) (*Sidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, readFailed(path, err)
	}
	var s Sidecar
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, perrors.NewParseError(perrors.CodeMalformedRecord,
			fmt.Sprintf("sink: invalid sidecar %s", path), err)
	}
	return &s, nil
}

// SidecarPath returns the sidecar path for an output file:
// out/features.parquet becomes out/features.meta.json.
func SidecarPath(output string) string {
	ext := filepath.Ext(output)
	return output[:len(output)-len(ext)] + ".meta.json"
}
