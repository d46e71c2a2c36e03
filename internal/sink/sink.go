// Package sink persists session feature and event tables to disk.
package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	perrors "github.com/sessionprep/sessionprep/internal/errors"
	"github.com/sessionprep/sessionprep/pkg/types"
)

// Format selects the on-disk table format.
type Format string

const (
	FormatParquet Format = "parquet"
	FormatSQLite  Format = "sqlite"
)

// ParseFormat parses a format name, case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatParquet, FormatSQLite:
		return f, nil
	default:
		return "", perrors.NewValidationError(perrors.CodeInvalidConfig,
			fmt.Sprintf("unsupported output format %q (must be parquet or sqlite)", s))
	}
}

// Ext returns the file extension conventionally used for the format.
func (f Format) Ext() string {
	switch f {
	case FormatSQLite:
		return ".sqlite"
	default:
		return ".parquet"
	}
}

// Config holds sink configuration.
type Config struct {
	// Format is the output table format
	Format Format

	// Compression is the parquet codec: snappy, gzip, zstd, or uncompressed
	Compression string

	// Parallelism is the number of parquet marshalling goroutines
	Parallelism int64
}

// DefaultConfig returns the default sink configuration.
func DefaultConfig() Config {
	return Config{
		Format:      FormatParquet,
		Compression: "snappy",
		Parallelism: 4,
	}
}

// Save writes the feature table to path in the configured format. Parent
// directories are created as needed and an existing file is replaced.
func Save(ctx context.Context, cfg Config, path string, ft *types.FeatureTable) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch cfg.Format {
	case FormatParquet, "":
		pw, err := NewParquetWriter(cfg)
		if err != nil {
			return err
		}
		return pw.WriteFeatures(path, ft)
	case FormatSQLite:
		return SaveSQLite(ctx, path, ft)
	default:
		return perrors.NewValidationError(perrors.CodeInvalidConfig,
			fmt.Sprintf("unsupported output format %q", cfg.Format))
	}
}

// ensureParent creates every missing parent directory of path. It is a
// no-op when they already exist.
func ensureParent(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return perrors.NewIOError(perrors.CodeWriteFailed,
			fmt.Sprintf("sink: failed to create parent directory for %s", path), err)
	}
	return nil
}
