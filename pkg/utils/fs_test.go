package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "doc.json")

	require.NoError(t, WriteFileAtomic(path, []byte(`{"v":1}`), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(data))

	// Overwrite leaves no temp files behind.
	require.NoError(t, WriteFileAtomic(path, []byte(`{"v":2}`), 0o644))
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPathWithin(t *testing.T) {
	roots := []string{"src/", "docs"}

	assert.True(t, PathWithin("src/main.go", roots))
	assert.True(t, PathWithin("docs/readme.md", roots))
	assert.True(t, PathWithin("src", roots))
	assert.False(t, PathWithin("core/auth.py", roots))
	assert.False(t, PathWithin("../escape.go", roots))
	assert.False(t, PathWithin("srcfoo/x.go", roots), "prefix must end on a path boundary")
}

func TestTokenCounterFallback(t *testing.T) {
	var tc *TokenCounter
	assert.Equal(t, 2, tc.Count("12345678"), "nil counter falls back to len/4")
}

func TestTokenCounterTruncate(t *testing.T) {
	tc, err := NewTokenCounter("gpt-4")
	require.NoError(t, err)

	short := "hello world"
	assert.Equal(t, short, tc.Truncate(short, 100))

	long := ""
	for i := 0; i < 500; i++ {
		long += "some repeated filler text "
	}
	trimmed := tc.Truncate(long, 50)
	assert.Less(t, len(trimmed), len(long))
	assert.True(t, tc.Count(trimmed) <= 60, "trimmed text lands near the limit")
}
