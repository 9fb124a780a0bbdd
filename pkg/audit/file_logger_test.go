package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLogger_WriteAndRead(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "audit")
	logger, err := NewFileLogger(FileLoggerConfig{BasePath: dir})
	require.NoError(t, err)

	for _, e := range sampleEvents() {
		require.NoError(t, logger.Log(context.Background(), e))
	}

	events, err := logger.ReadLogs(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2", "e3", "e4"}, eventIDs(events))
	assert.Equal(t, "document.read", events[1].Details["key"])

	firstTwo, err := logger.ReadLogs(2)
	require.NoError(t, err)
	assert.Len(t, firstTwo, 2)

	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())
	assert.Error(t, logger.Log(context.Background(), sampleEvents()[0]))
}

func TestFileLogger_AppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	first, err := NewFileLogger(FileLoggerConfig{BasePath: dir})
	require.NoError(t, err)
	require.NoError(t, first.Log(context.Background(), sampleEvents()[0]))
	require.NoError(t, first.Close())

	second, err := NewFileLogger(FileLoggerConfig{BasePath: dir})
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.Log(context.Background(), sampleEvents()[1]))

	events, err := second.ReadLogs(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, eventIDs(events))
}

func TestFileLogger_Rotation(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewFileLogger(FileLoggerConfig{
		BasePath: dir,
		Rotate:   true,
		MaxSize:  1, // every write fills the file
		MaxFiles: 2,
	})
	require.NoError(t, err)
	defer logger.Close()

	tick := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	logger.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	for i := 0; i < 5; i++ {
		require.NoError(t, logger.Log(context.Background(), &Event{ID: fmt.Sprintf("e%d", i)}))
	}

	rotated, err := logger.rotatedFiles()
	require.NoError(t, err)
	assert.Len(t, rotated, 2)

	// the current file only holds the newest event
	events, err := logger.ReadLogs(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"e4"}, eventIDs(events))

	// the newest rotated file holds the event before it
	data, err := os.ReadFile(rotated[1])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id":"e3"`)
}

func TestNewFileLogger_BadPath(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	_, err := NewFileLogger(FileLoggerConfig{BasePath: filepath.Join(file, "audit")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create audit log directory")
}

func TestDefaultFileLoggerConfig(t *testing.T) {
	config := DefaultFileLoggerConfig()
	assert.True(t, config.Rotate)
	assert.Equal(t, int64(100*1024*1024), config.MaxSize)
	assert.Equal(t, 10, config.MaxFiles)
}

func TestFileLogger_SizeSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	first, err := NewFileLogger(FileLoggerConfig{BasePath: dir, Rotate: true, MaxSize: 1})
	require.NoError(t, err)
	require.NoError(t, first.Log(context.Background(), sampleEvents()[0]))
	require.NoError(t, first.Close())

	// the reopened file is already full, so the next write rotates it
	second, err := NewFileLogger(FileLoggerConfig{BasePath: dir, Rotate: true, MaxSize: 1})
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.Log(context.Background(), sampleEvents()[1]))

	rotated, err := second.rotatedFiles()
	require.NoError(t, err)
	assert.Len(t, rotated, 1)
	events, err := second.ReadLogs(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"e2"}, eventIDs(events))
}
