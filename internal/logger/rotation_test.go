package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"
)

// fillLog writes a little over n megabytes of info lines.
func fillLog(l *Logger, n int) {
	payload := strings.Repeat("x", 4096)
	for i := 0; i < n*260; i++ {
		l.Info().Int("seq", i).Str("payload", payload).Msg("Tool dispatched")
	}
}

func backups(t *testing.T, dir, pattern string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, pattern))
	require.NoError(t, err)
	return files
}

func TestOpenLogFile(t *testing.T) {
	t.Run("should open a plain file without a size limit", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "toolmesh.log")

		w, err := openLogFile(Config{File: logFile})
		require.NoError(t, err)
		defer w.Close()

		_, isFile := w.(*os.File)
		assert.True(t, isFile)
		_, err = os.Stat(logFile)
		assert.NoError(t, err)
	})

	t.Run("should map the logging config onto lumberjack", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "toolmesh.log")

		w, err := openLogFile(Config{File: logFile, MaxSize: 10, MaxAge: 3, MaxBackups: 2, Compress: true})
		require.NoError(t, err)
		defer w.Close()

		lj, ok := w.(*lumberjack.Logger)
		require.True(t, ok)
		assert.Equal(t, logFile, lj.Filename)
		assert.Equal(t, 10, lj.MaxSize)
		assert.Equal(t, 3, lj.MaxAge)
		assert.Equal(t, 2, lj.MaxBackups)
		assert.True(t, lj.Compress)
	})
}

func TestLoggerRotation(t *testing.T) {
	t.Run("should rotate once the file passes max_size", func(t *testing.T) {
		dir := t.TempDir()
		log, err := New(Config{Level: "info", File: filepath.Join(dir, "toolmesh.log"), MaxSize: 1})
		require.NoError(t, err)

		fillLog(log, 1)
		require.NoError(t, log.Close())

		assert.NotEmpty(t, backups(t, dir, "toolmesh-*.log"))
		info, err := os.Stat(filepath.Join(dir, "toolmesh.log"))
		require.NoError(t, err)
		assert.LessOrEqual(t, info.Size(), int64(1024*1024))
	})

	t.Run("should gzip rotated files when compress is on", func(t *testing.T) {
		dir := t.TempDir()
		log, err := New(Config{Level: "info", File: filepath.Join(dir, "toolmesh.log"), MaxSize: 1, Compress: true})
		require.NoError(t, err)
		defer log.Close()

		fillLog(log, 1)

		assert.Eventually(t, func() bool {
			return len(backups(t, dir, "toolmesh-*.log.gz")) > 0
		}, 5*time.Second, 50*time.Millisecond)
	})

	t.Run("should start a new file on Rotate", func(t *testing.T) {
		dir := t.TempDir()
		logFile := filepath.Join(dir, "toolmesh.log")
		log, err := New(Config{Level: "info", File: logFile, MaxSize: 10})
		require.NoError(t, err)
		defer log.Close()

		log.Info().Msg("before rotation")
		require.NoError(t, log.Rotate())
		log.Info().Msg("after rotation")

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "after rotation")
		assert.NotContains(t, string(data), "before rotation")
		assert.Len(t, backups(t, dir, "toolmesh-*.log"), 1)
	})

	t.Run("should ignore Rotate without a rotating file", func(t *testing.T) {
		log, err := New(Config{Level: "info", File: filepath.Join(t.TempDir(), "plain.log")})
		require.NoError(t, err)
		defer log.Close()

		assert.NoError(t, log.Rotate())
	})
}
