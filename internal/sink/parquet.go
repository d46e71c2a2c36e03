package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	perrors "github.com/sessionprep/sessionprep/internal/errors"
	"github.com/sessionprep/sessionprep/pkg/types"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"
)

// Parquet key/value metadata keys written to every file.
const (
	MetaIndexColumns = "index_columns"
	MetaSchema       = "sessionprep.schema"
	MetaRowCount     = "sessionprep.rows"
)

// ParquetWriter writes tables as Parquet files.
type ParquetWriter struct {
	codec       parquet.CompressionCodec
	parallelism int64
}

// NewParquetWriter creates a writer from the sink configuration.
func NewParquetWriter(cfg Config) (*ParquetWriter, error) {
	codec, err := parseCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}
	np := cfg.Parallelism
	if np <= 0 {
		np = 4
	}
	return &ParquetWriter{codec: codec, parallelism: np}, nil
}

// SaveParquet writes the feature table to path with the default settings.
func SaveParquet(path string, ft *types.FeatureTable) error {
	pw, err := NewParquetWriter(DefaultConfig())
	if err != nil {
		return err
	}
	return pw.WriteFeatures(path, ft)
}

// SaveEventsParquet writes the flat event table to path with the default settings.
func SaveEventsParquet(path string, et *types.EventTable) error {
	pw, err := NewParquetWriter(DefaultConfig())
	if err != nil {
		return err
	}
	return pw.WriteEvents(path, et)
}

// WriteFeatures writes the feature table. The session index is the first
// column and is named in the index_columns metadata key.
func (w *ParquetWriter) WriteFeatures(path string, ft *types.FeatureTable) error {
	schema := types.FeatureSchema()
	meta := map[string]string{
		MetaIndexColumns: schema.IndexColumn(),
		MetaSchema:       schema.Table,
		MetaRowCount:     strconv.Itoa(ft.Len()),
	}
	return w.write(path, new(types.SessionFeatures), func(pw *writer.ParquetWriter) error {
		for _, row := range ft.Rows {
			if err := pw.Write(row); err != nil {
				return err
			}
		}
		return nil
	}, meta)
}

// WriteEvents writes the flat event table in row order.
func (w *ParquetWriter) WriteEvents(path string, et *types.EventTable) error {
	meta := map[string]string{
		MetaSchema:   types.EventSchema().Table,
		MetaRowCount: strconv.Itoa(et.Len()),
	}
	return w.write(path, new(types.EventRow), func(pw *writer.ParquetWriter) error {
		for _, row := range et.Rows {
			if err := pw.Write(row); err != nil {
				return err
			}
		}
		return nil
	}, meta)
}

// write encodes into a temporary file next to path and renames it into
// place, so a failed write leaves any previous file untouched.
func (w *ParquetWriter) write(path string, obj interface{}, fill func(*writer.ParquetWriter) error, meta map[string]string) (err error) {
	if err := ensureParent(path); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return writeFailed(path, err)
	}
	tmpPath := tmp.Name()
	if err := tmp.Close(); err != nil {
		return writeFailed(path, err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	fw, err := local.NewLocalFileWriter(tmpPath)
	if err != nil {
		return writeFailed(path, err)
	}
	if err := w.encode(fw, obj, fill, meta); err != nil {
		fw.Close()
		return writeFailed(path, err)
	}
	if err := fw.Close(); err != nil {
		return writeFailed(path, err)
	}

	if err := os.Chmod(tmpPath, 0644); err != nil {
		return writeFailed(path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return writeFailed(path, err)
	}
	return nil
}

func (w *ParquetWriter) encode(fw source.ParquetFile, obj interface{}, fill func(*writer.ParquetWriter) error, meta map[string]string) error {
	pw, err := writer.NewParquetWriter(fw, obj, w.parallelism)
	if err != nil {
		return err
	}
	pw.CompressionType = w.codec

	if err := fill(pw); err != nil {
		return err
	}
	for k, v := range meta {
		v := v
		pw.Footer.KeyValueMetadata = append(pw.Footer.KeyValueMetadata, &parquet.KeyValue{Key: k, Value: &v})
	}
	return pw.WriteStop()
}

// ReadParquet reads a feature table written by SaveParquet.
func ReadParquet(path string) (*types.FeatureTable, error) {
	var rows []types.SessionFeatures
	if err := readParquet(path, types.FeatureSchema(), new(types.SessionFeatures), func(pr *reader.ParquetReader, n int) error {
		rows = make([]types.SessionFeatures, n)
		return pr.Read(&rows)
	}); err != nil {
		return nil, err
	}
	return &types.FeatureTable{Rows: rows}, nil
}

// ReadEventsParquet reads an event table written by SaveEventsParquet.
func ReadEventsParquet(path string) (*types.EventTable, error) {
	var rows []types.EventRow
	if err := readParquet(path, types.EventSchema(), new(types.EventRow), func(pr *reader.ParquetReader, n int) error {
		rows = make([]types.EventRow, n)
		return pr.Read(&rows)
	}); err != nil {
		return nil, err
	}
	return &types.EventTable{Rows: rows}, nil
}

// ReadParquetMetadata returns the key/value metadata of a parquet file.
func ReadParquetMetadata(path string) (map[string]string, error) {
	meta := make(map[string]string)
	err := readParquet(path, types.Schema{}, nil, func(pr *reader.ParquetReader, _ int) error {
		for _, kv := range pr.Footer.KeyValueMetadata {
			if kv.Value != nil {
				meta[kv.Key] = *kv.Value
			}
		}
		return nil
	})
	return meta, err
}

// readParquet binds obj to the file and calls read with the row count.
// When schema has columns the file's leaf columns must match them by name
// and order before obj is bound; a nil obj reads the footer only.
func readParquet(path string, schema types.Schema, obj interface{}, read func(*reader.ParquetReader, int) error) (err error) {
	// parquet-go panics on some footer and struct mismatches
	defer func() {
		if r := recover(); r != nil {
			err = readFailed(path, fmt.Errorf("parquet reader: %v", r))
		}
	}()

	if len(schema.Columns) > 0 {
		if err := checkColumns(path, schema); err != nil {
			return err
		}
	}

	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return perrors.NewIOError(perrors.CodeReadFailed, fmt.Sprintf("sink: failed to open %s", path), err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, obj, 1)
	if err != nil {
		return perrors.NewIOError(perrors.CodeReadFailed, fmt.Sprintf("sink: failed to read parquet footer of %s", path), err)
	}
	defer pr.ReadStop()

	if err := read(pr, int(pr.GetNumRows())); err != nil {
		return perrors.NewIOError(perrors.CodeReadFailed, fmt.Sprintf("sink: failed to read rows of %s", path), err)
	}
	return nil
}

// checkColumns compares the leaf columns in the footer of path with schema.
func checkColumns(path string, schema types.Schema) error {
	got, err := parquetColumns(path)
	if err != nil {
		return err
	}
	want := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		want[i] = c.Name
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		return readFailed(path, fmt.Errorf("columns [%s] do not match %s [%s]",
			strings.Join(got, ", "), schema.Table, strings.Join(want, ", ")))
	}
	return nil
}

func parquetColumns(path string) ([]string, error) {
	var cols []string
	err := readParquet(path, types.Schema{}, nil, func(pr *reader.ParquetReader, _ int) error {
		// element 0 is the root group
		for _, el := range pr.Footer.Schema[1:] {
			if el.NumChildren != nil && *el.NumChildren > 0 {
				continue
			}
			cols = append(cols, strings.ToLower(el.Name))
		}
		return nil
	})
	return cols, err
}

func parseCodec(name string) (parquet.CompressionCodec, error) {
	switch strings.ToLower(name) {
	case "", "snappy":
		return parquet.CompressionCodec_SNAPPY, nil
	case "gzip":
		return parquet.CompressionCodec_GZIP, nil
	case "zstd":
		return parquet.CompressionCodec_ZSTD, nil
	case "none", "uncompressed":
		return parquet.CompressionCodec_UNCOMPRESSED, nil
	default:
		return 0, perrors.NewValidationError(perrors.CodeInvalidConfig,
			fmt.Sprintf("unsupported parquet compression %q", name))
	}
}

func writeFailed(path string, err error) error {
	return perrors.NewIOError(perrors.CodeWriteFailed, fmt.Sprintf("sink: failed to write %s", path), err)
}
