package sink

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go/writer"

	perrors "github.com/sessionprep/sessionprep/internal/errors"
	"github.com/sessionprep/sessionprep/internal/flatten"
	"github.com/sessionprep/sessionprep/pkg/types"
)

func sampleFeatures() *types.FeatureTable {
	return &types.FeatureTable{Rows: []types.SessionFeatures{
		{Session: 1, TotalEvents: 2, ClickCount: 1, CartCount: 0, OrderCount: 1, Converted: true},
		{Session: 2, TotalEvents: 1, ClickCount: 0, CartCount: 1, OrderCount: 0, Converted: false},
		{Session: 9, TotalEvents: 4, ClickCount: 3, CartCount: 1, OrderCount: 0, Converted: false},
	}}
}

func sampleEvents() *types.EventTable {
	return &types.EventTable{Rows: []types.EventRow{
		{Session: 1, AID: 10, TS: 100, Type: types.EventClick},
		{Session: 1, AID: 11, TS: 101, Type: types.EventOrder},
		{Session: 2, AID: 12, TS: 102, Type: types.EventCart},
	}}
}

func TestSaveParquet_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "features.parquet")
	ft := sampleFeatures()

	require.NoError(t, SaveParquet(path, ft))

	got, err := ReadParquet(path)
	require.NoError(t, err)
	assert.Equal(t, ft.Rows, got.Rows)
	assert.Equal(t, []int64{1, 2, 9}, got.Index())
}

func TestSaveParquet_IndexMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "features.parquet")
	require.NoError(t, SaveParquet(path, sampleFeatures()))

	meta, err := ReadParquetMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, "session", meta[MetaIndexColumns])
	assert.Equal(t, "session_features", meta[MetaSchema])
	assert.Equal(t, "3", meta[MetaRowCount])
}

func TestSaveParquet_CreatesParents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "c", "features.parquet")

	require.NoError(t, SaveParquet(path, sampleFeatures()))
	_, err := os.Stat(path)
	require.NoError(t, err)

	// Parents already exist on the second write.
	require.NoError(t, SaveParquet(filepath.Join(dir, "a", "b", "other.parquet"), sampleFeatures()))
}

func TestSaveParquet_Overwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "features.parquet")
	require.NoError(t, SaveParquet(path, sampleFeatures()))

	smaller := &types.FeatureTable{Rows: sampleFeatures().Rows[:1]}
	require.NoError(t, SaveParquet(path, smaller))

	got, err := ReadParquet(path)
	require.NoError(t, err)
	assert.Equal(t, smaller.Rows, got.Rows)
}

func TestSaveParquet_ParentIsFile(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	err := SaveParquet(filepath.Join(blocker, "features.parquet"), sampleFeatures())
	require.Error(t, err)
	assert.Equal(t, perrors.ErrCategoryIO, perrors.GetCategory(err))
	assert.Equal(t, perrors.CodeWriteFailed, perrors.GetCode(err))
}

func TestWriteFeatures_Codecs(t *testing.T) {
	dir := t.TempDir()
	for _, codec := range []string{"snappy", "gzip", "zstd", "uncompressed"} {
		t.Run(codec, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Compression = codec
			pw, err := NewParquetWriter(cfg)
			require.NoError(t, err)

			path := filepath.Join(dir, codec+".parquet")
			require.NoError(t, pw.WriteFeatures(path, sampleFeatures()))

			got, err := ReadParquet(path)
			require.NoError(t, err)
			assert.Equal(t, sampleFeatures().Rows, got.Rows)
		})
	}

	_, err := NewParquetWriter(Config{Compression: "lz77"})
	require.Error(t, err)
	assert.Equal(t, perrors.CodeInvalidConfig, perrors.GetCode(err))
}

func TestSaveEventsParquet_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events", "events.parquet")
	et := sampleEvents()

	require.NoError(t, SaveEventsParquet(path, et))

	got, err := ReadEventsParquet(path)
	require.NoError(t, err)
	assert.Equal(t, et.Rows, got.Rows)
}

func TestReadParquet_Missing(t *testing.T) {
	_, err := ReadParquet(filepath.Join(t.TempDir(), "missing.parquet"))
	require.Error(t, err)
	assert.Equal(t, perrors.CodeReadFailed, perrors.GetCode(err))
}

func TestReadParquet_WrongTable(t *testing.T) {
	dir := t.TempDir()
	eventsPath := filepath.Join(dir, "events.parquet")
	featuresPath := filepath.Join(dir, "features.parquet")
	require.NoError(t, SaveEventsParquet(eventsPath, sampleEvents()))
	require.NoError(t, SaveParquet(featuresPath, sampleFeatures()))

	var err error
	require.NotPanics(t, func() { _, err = ReadParquet(eventsPath) })
	require.Error(t, err)
	assert.Equal(t, perrors.ErrCategoryIO, perrors.GetCategory(err))
	assert.Equal(t, perrors.CodeReadFailed, perrors.GetCode(err))

	require.NotPanics(t, func() { _, err = ReadEventsParquet(featuresPath) })
	require.Error(t, err)
	assert.Equal(t, perrors.CodeReadFailed, perrors.GetCode(err))
}

func TestReadParquet_NotParquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "features.parquet")
	require.NoError(t, os.WriteFile(path, []byte("session,total_events\n1,2\n"), 0644))

	var err error
	require.NotPanics(t, func() { _, err = ReadParquet(path) })
	require.Error(t, err)
	assert.Equal(t, perrors.CodeReadFailed, perrors.GetCode(err))
}

func TestParquetWrite_FailureKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "features.parquet")
	require.NoError(t, SaveParquet(path, sampleFeatures()))

	pw, err := NewParquetWriter(DefaultConfig())
	require.NoError(t, err)
	err = pw.write(path, new(types.SessionFeatures), func(w *writer.ParquetWriter) error {
		if err := w.Write(sampleFeatures().Rows[0]); err != nil {
			return err
		}
		return errors.New("disk full")
	}, nil)
	require.Error(t, err)
	assert.Equal(t, perrors.CodeWriteFailed, perrors.GetCode(err))

	got, err := ReadParquet(path)
	require.NoError(t, err)
	assert.Equal(t, sampleFeatures().Rows, got.Rows)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary file left behind")
	assert.Equal(t, "features.parquet", entries[0].Name())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"parquet", FormatParquet, false},
		{"PARQUET", FormatParquet, false},
		{" sqlite ", FormatSQLite, false},
		{"csv", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got)
	}

	assert.Equal(t, ".parquet", FormatParquet.Ext())
	assert.Equal(t, ".sqlite", FormatSQLite.Ext())
}

func TestSave_Dispatch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cfg := DefaultConfig()
	require.NoError(t, Save(ctx, cfg, filepath.Join(dir, "out.parquet"), sampleFeatures()))

	cfg.Format = FormatSQLite
	require.NoError(t, Save(ctx, cfg, filepath.Join(dir, "out.sqlite"), sampleFeatures()))

	cfg.Format = "orc"
	err := Save(ctx, cfg, filepath.Join(dir, "out.orc"), sampleFeatures())
	require.Error(t, err)
	assert.Equal(t, perrors.CodeInvalidConfig, perrors.GetCode(err))
}

func TestSave_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	path := filepath.Join(t.TempDir(), "out.parquet")
	err := Save(ctx, DefaultConfig(), path, sampleFeatures())
	assert.ErrorIs(t, err, context.Canceled)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSaveSQLite_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "features.sqlite")
	ft := sampleFeatures()

	require.NoError(t, SaveSQLite(ctx, path, ft))
	// A second save replaces the database rather than failing on the table.
	require.NoError(t, SaveSQLite(ctx, path, ft))

	got, err := ReadSQLite(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, ft.Rows, got.Rows)

	meta, err := ReadSQLiteMetadata(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "session", meta[MetaIndexColumns])
	assert.Equal(t, "3", meta[MetaRowCount])

	_, err = os.Stat(path + "-wal")
	assert.True(t, os.IsNotExist(err), "WAL file should be removed after finalize")
}

func TestReadSQLite_Missing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.sqlite")
	_, err := ReadSQLite(context.Background(), path)
	require.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestSidecar_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	ft := sampleFeatures()
	_, tracker := flatten.FlattenWithStats([]types.Session{
		{Session: 1, Events: []types.Event{{AID: 10, TS: 100, Type: types.EventClick}, {AID: 11, TS: 101, Type: "views"}}},
	})

	sc, err := NewSidecar("run-1", FormatParquet, filepath.Join(dir, "features.parquet"), ft, tracker.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, 3, sc.Stats.Sessions)
	assert.Equal(t, 1, sc.Stats.Converted)
	assert.Equal(t, int64(7), sc.Stats.TotalEvents)
	assert.Equal(t, int64(1), sc.Stats.UnknownEvents)
	assert.Equal(t, "session", sc.IndexColumn)
	assert.Equal(t, "features.parquet", sc.Output)

	path := SidecarPath(filepath.Join(dir, "features.parquet"))
	assert.Equal(t, filepath.Join(dir, "features.meta.json"), path)
	require.NoError(t, sc.WriteToFile(path))

	got, err := ReadSidecar(path)
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, FormatParquet, got.Format)
	assert.Equal(t, sc.Stats, got.Stats)

	for _, s := range ft.Index() {
		ok, err := got.MayContain(s)
		require.NoError(t, err)
		assert.True(t, ok, "session %d", s)
	}
}

func TestSidecar_MayContainWithoutFilter(t *testing.T) {
	sc := &Sidecar{}
	ok, err := sc.MayContain(42)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReadSidecar_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.meta.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := ReadSidecar(path)
	require.Error(t, err)
	assert.Equal(t, perrors.ErrCategoryParse, perrors.GetCategory(err))
}
