package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("file output", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "run.log")

		l, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)

		lg := l.Component("loader")
		lg.Info().Int("sessions", 3).Msg("loaded")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.True(t, strings.Contains(string(data), `"component":"loader"`))
		assert.True(t, strings.Contains(string(data), `"sessions":3`))
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		l, err := New(Config{Level: "loud", Console: true})
		require.NoError(t, err)
		assert.Equal(t, zerolog.InfoLevel, l.GetLevel())
		assert.NoError(t, l.Close())
	})

	t.Run("level filters lower events", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "run.log")
		l, err := New(Config{Level: "warn", File: logFile})
		require.NoError(t, err)

		l.Info().Msg("hidden")
		l.Warn().Msg("shown")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "hidden")
		assert.Contains(t, string(data), "shown")
	})
}
