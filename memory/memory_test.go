package memory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledFile(t *testing.T) {
	f := New("")
	require.False(t, f.Enabled())
	text, err := f.Load()
	require.NoError(t, err)
	require.Empty(t, text)
	created, err := f.Seed("x")
	require.NoError(t, err)
	require.False(t, created)
	require.NoError(t, f.AppendExchange("q", "a"))
}

func TestLoadMissingReturnsEmpty(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "memory.txt"))
	text, err := f.Load()
	require.NoError(t, err)
	require.Empty(t, text)
}

func TestSeedOnlyWhenAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "memory.txt")
	f := New(path)

	created, err := f.Seed("You are terse.")
	require.NoError(t, err)
	require.True(t, created)

	created, err = f.Seed("other")
	require.NoError(t, err)
	require.False(t, created)

	text, err := f.Load()
	require.NoError(t, err)
	require.Equal(t, "You are terse.", text)
}

func TestLoadTrims(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.txt")
	require.NoError(t, os.WriteFile(path, []byte("You are terse.\n\n"), 0o644))
	text, err := New(path).Load()
	require.NoError(t, err)
	require.Equal(t, "You are terse.", text)
}

func TestAppendExchange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.txt")
	f := New(path)
	require.NoError(t, f.AppendExchange("2+2?", "4"))
	require.NoError(t, f.AppendExchange("multi\nline", "a\nb"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "user: 2+2?\nassistant: 4\nuser: multi line\nassistant: a b", string(data))
}
