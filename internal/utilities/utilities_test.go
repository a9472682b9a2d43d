package utilities

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawLog_RotatesByDay(t *testing.T) {
	dir := t.TempDir()
	l, err := NewRawLog(dir, "ALLTRACKINGS_%Y%m%d.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	now := time.Date(2025, 3, 1, 23, 59, 58, 0, time.UTC)
	l.now = func() time.Time { return now }
	require.NoError(t, l.Write("356307042441013", "10.0.0.1:4000", []byte{0x00, 0x0F}))
	require.NoError(t, l.Write("", "10.0.0.1:4000", []byte{0xAB}))

	now = now.Add(5 * time.Second)
	require.NoError(t, l.Write("356307042441013", "10.0.0.1:4000", []byte{0x01}))

	day1, err := os.ReadFile(filepath.Join(dir, "ALLTRACKINGS_20250301.log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(day1)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "23:59:58 - 356307042441013 10.0.0.1:4000 000f", lines[0])
	assert.Equal(t, "23:59:58 - - 10.0.0.1:4000 ab", lines[1])

	day2, err := os.ReadFile(filepath.Join(dir, "ALLTRACKINGS_20250302.log"))
	require.NoError(t, err)
	assert.Equal(t, "00:00:03 - 356307042441013 10.0.0.1:4000 01\n", string(day2))
}

func TestNewRawLog_BadPattern(t *testing.T) {
	_, err := NewRawLog(t.TempDir(), "%")
	require.Error(t, err)
}
