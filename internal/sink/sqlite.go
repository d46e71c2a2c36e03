package sink

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"

	perrors "github.com/sessionprep/sessionprep/internal/errors"
	"github.com/sessionprep/sessionprep/pkg/types"
	_ "github.com/mattn/go-sqlite3"
)

// MetaTable is the key/value table written next to the feature table in
// SQLite outputs.
const MetaTable = "_sessionprep_meta"

// SaveSQLite writes the feature table to a single-file SQLite database at
// path. The session column is the primary key of a WITHOUT ROWID table.
func SaveSQLite(ctx context.Context, path string, ft *types.FeatureTable) error {
	if err := ensureParent(path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return writeFailed(path, err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return writeFailed(path, err)
	}
	defer db.Close()

	// WAL during the build, DELETE once finalized so the file is self-contained
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return writeFailed(path, fmt.Errorf("set journal mode: %w", err))
	}

	schema := types.FeatureSchema()
	if _, err := db.ExecContext(ctx, createTableSQL(schema)); err != nil {
		return writeFailed(path, fmt.Errorf("create %s: %w", schema.Table, err))
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return writeFailed(path, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertSQL(schema))
	if err != nil {
		return writeFailed(path, fmt.Errorf("prepare insert: %w", err))
	}
	defer stmt.Close()

	for _, f := range ft.Rows {
		if _, err := stmt.ExecContext(ctx, f.Session, f.TotalEvents, f.ClickCount, f.CartCount, f.OrderCount, f.Converted); err != nil {
			return writeFailed(path, fmt.Errorf("insert session %d: %w", f.Session, err))
		}
	}

	metaSQL := `CREATE TABLE ` + MetaTable + ` (key TEXT PRIMARY KEY, value TEXT NOT NULL) WITHOUT ROWID`
	if _, err := tx.ExecContext(ctx, metaSQL); err != nil {
		return writeFailed(path, fmt.Errorf("create meta table: %w", err))
	}
	meta := [][2]string{
		{MetaIndexColumns, schema.IndexColumn()},
		{MetaSchema, schema.Table},
		{MetaRowCount, strconv.Itoa(ft.Len())},
	}
	for _, kv := range meta {
		if _, err := tx.ExecContext(ctx, `INSERT INTO `+MetaTable+` (key, value) VALUES (?, ?)`, kv[0], kv[1]); err != nil {
			return writeFailed(path, fmt.Errorf("insert meta %s: %w", kv[0], err))
		}
	}

	if err := tx.Commit(); err != nil {
		return writeFailed(path, fmt.Errorf("commit: %w", err))
	}

	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return writeFailed(path, fmt.Errorf("checkpoint WAL: %w", err))
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=DELETE"); err != nil {
		return writeFailed(path, fmt.Errorf("set journal mode to DELETE: %w", err))
	}
	if err := db.Close(); err != nil {
		return writeFailed(path, err)
	}
	return nil
}

// ReadSQLite reads a feature table written by SaveSQLite, ordered by session.
func ReadSQLite(ctx context.Context, path string) (*types.FeatureTable, error) {
	// sql.Open would create a missing file
	if _, err := os.Stat(path); err != nil {
		return nil, readFailed(path, err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, readFailed(path, err)
	}
	defer db.Close()

	schema := types.FeatureSchema()
	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s ORDER BY session", columnList(schema), schema.Table))
	if err != nil {
		return nil, readFailed(path, err)
	}
	defer rows.Close()

	ft := &types.FeatureTable{}
	for rows.Next() {
		var f types.SessionFeatures
		if err := rows.Scan(&f.Session, &f.TotalEvents, &f.ClickCount, &f.CartCount, &f.OrderCount, &f.Converted); err != nil {
			return nil, readFailed(path, err)
		}
		ft.Rows = append(ft.Rows, f)
	}
	if err := rows.Err(); err != nil {
		return nil, readFailed(path, err)
	}
	return ft, nil
}

// ReadSQLiteMetadata returns the key/value pairs of the meta table.
func ReadSQLiteMetadata(ctx context.Context, path string) (map[string]string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, readFailed(path, err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, readFailed(path, err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT key, value FROM `+MetaTable)
	if err != nil {
		return nil, readFailed(path, err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, readFailed(path, err)
		}
		meta[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, readFailed(path, err)
	}
	return meta, nil
}

func createTableSQL(s types.Schema) string {
	cols := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		def := c.Name + " " + c.Type + " NOT NULL"
		if c.PrimaryKey {
			def = c.Name + " " + c.Type + " PRIMARY KEY"
		}
		cols[i] = def
	}
	return fmt.Sprintf("CREATE TABLE %s (%s) WITHOUT ROWID", s.Table, strings.Join(cols, ", "))
}

func insertSQL(s types.Schema) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(s.Columns)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", s.Table, columnList(s), placeholders)
}

func columnList(s types.Schema) string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return strings.Join(names, ", ")
}

func readFailed(path string, err error) error {
	return perrors.NewIOError(perrors.CodeReadFailed, fmt.Sprintf("sink: failed to read %s", path), err)
}
