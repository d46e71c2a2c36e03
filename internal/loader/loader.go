// Package loader reads newline-delimited session records into memory.
package loader

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/snappy"
	"github.com/rs/zerolog"
	perrors "github.com/sessionprep/sessionprep/internal/errors"
	"github.com/sessionprep/sessionprep/pkg/types"
	"github.com/xeipuuv/gojsonschema"
)

const (
	// DefaultSampleSize is the number of sessions loaded when no size is given.
	DefaultSampleSize = 50000

	// DefaultMaxLineBytes caps a single input line. OTTO sessions can carry
	// several hundred events, so lines are far longer than bufio's 64 KiB default.
	DefaultMaxLineBytes = 64 * 1024 * 1024

	// SnappyExt marks inputs stored in snappy framed format.
	SnappyExt = ".sz"
)

// Config holds loader configuration.
type Config struct {
	// MaxLineBytes is the longest accepted input line
	MaxLineBytes int
}

// DefaultConfig returns the default loader configuration.
func DefaultConfig() Config {
	return Config{MaxLineBytes: DefaultMaxLineBytes}
}

// Loader parses session records and validates their shape.
type Loader struct {
	cfg    Config
	schema *gojsonschema.Schema
	logger zerolog.Logger
}

// NewLoader creates a loader. The session schema is compiled once here.
func NewLoader(cfg Config, logger zerolog.Logger) (*Loader, error) {
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultMaxLineBytes
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(SessionSchema))
	if err != nil {
		return nil, perrors.NewInternalError("loader: failed to compile session schema", err)
	}
	return &Loader{
		cfg:    cfg,
		schema: schema,
		logger: logger.With().Str("component", "loader").Logger(),
	}, nil
}

// LoadSessions reads the first n sessions from path with a default loader.
func LoadSessions(ctx context.Context, path string, n int) ([]types.Session, error) {
	l, err := NewLoader(DefaultConfig(), zerolog.Nop())
	if err != nil {
		return nil, err
	}
	return l.Load(ctx, path, n)
}

// Load reads the file at path line by line and returns the first n parsed
// sessions in file order. Reading stops once n lines have been consumed, so
// lines past the prefix are never read or parsed. A malformed line aborts
// the whole load.
func (l *Loader) Load(ctx context.Context, path string, n int) ([]types.Session, error) {
	if n < 0 {
		return nil, perrors.NewValidationError(perrors.CodeInvalidArg, types.ErrNegativeSampleSize.Error()).
			WithDetails(map[string]interface{}{"n": n})
	}

	r, closer, err := openSource(path)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	sessions, err := l.Read(ctx, r, n)
	if err != nil {
		return nil, err
	}

	l.logger.Debug().
		Str("path", path).
		Int("requested", n).
		Int("sessions", len(sessions)).
		Msg("Loaded sessions")

	return sessions, nil
}

// Read parses up to n sessions from r.
func (l *Loader) Read(ctx context.Context, r io.Reader, n int) ([]types.Session, error) {
	if n < 0 {
		return nil, perrors.NewValidationError(perrors.CodeInvalidArg, types.ErrNegativeSampleSize.Error())
	}

	sessions := make([]types.Session, 0, min(n, 1024))
	if n == 0 {
		return sessions, nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, min(64*1024, l.cfg.MaxLineBytes)), l.cfg.MaxLineBytes)

	for line := 1; len(sessions) < n && scanner.Scan(); line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s, err := l.parseLine(scanner.Bytes(), line)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, perrors.NewParseError(perrors.CodeLineTooLong,
				fmt.Sprintf("line %d exceeds %d bytes", len(sessions)+1, l.cfg.MaxLineBytes), err).
				WithDetails(map[string]interface{}{"line": len(sessions) + 1})
		}
		return nil, perrors.NewIOError(perrors.CodeReadFailed, "loader: failed to read input", err)
	}

	return sessions, nil
}

// parseLine validates one line against the session schema, then decodes it.
func (l *Loader) parseLine(data []byte, line int) (types.Session, error) {
	details := map[string]interface{}{"line": line}

	result, err := l.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return types.Session{}, perrors.NewParseError(perrors.CodeMalformedRecord,
			fmt.Sprintf("line %d is not valid JSON", line), err).WithDetails(details)
	}

	if !result.Valid() {
		code := perrors.CodeMalformedRecord
		msgs := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			if re.Type() == "required" {
				code = perrors.CodeMissingField
			}
			msgs = append(msgs, re.String())
		}
		details["violations"] = msgs
		return types.Session{}, perrors.NewParseError(code,
			fmt.Sprintf("line %d does not match session schema: %s", line, strings.Join(msgs, "; ")), nil).
			WithDetails(details)
	}

	var s types.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return types.Session{}, perrors.NewParseError(perrors.CodeMalformedRecord,
			fmt.Sprintf("line %d could not be decoded", line), err).WithDetails(details)
	}
	return s, nil
}

// openSource opens path for reading, decoding snappy framed files by extension.
func openSource(path string) (io.Reader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, perrors.NewIOError(perrors.CodeSourceNotFound,
				fmt.Sprintf("loader: source %s not found", path), err)
		}
		return nil, nil, perrors.NewIOError(perrors.CodeReadFailed,
			fmt.Sprintf("loader: failed to open %s", path), err)
	}

	if strings.EqualFold(filepath.Ext(path), SnappyExt) {
		return snappy.NewReader(f), f, nil
	}
	return f, f, nil
}
