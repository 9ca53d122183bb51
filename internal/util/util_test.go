package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	require.Equal(t, 3, r.Len())
	require.Equal(t, []int{3, 4, 5}, r.Snapshot())
	last, ok := r.Last()
	require.True(t, ok)
	require.Equal(t, 5, last)
}

func TestRingBufferEmpty(t *testing.T) {
	r := NewRingBuffer[string](4)
	_, ok := r.Last()
	require.False(t, ok)
	require.Empty(t, r.Snapshot())
	r.Push("a")
	require.Equal(t, []string{"a"}, r.Snapshot())
}

func TestResolvePath(t *testing.T) {
	require.Equal(t, filepath.Join("peer", "data", "x.db"), ResolvePath("peer", "data/x.db"))
	abs := filepath.Join(string(filepath.Separator), "var", "x.db")
	require.Equal(t, abs, ResolvePath("peer", abs))
}

func TestValidateUserID(t *testing.T) {
	id, err := ValidateUserID("  alice ")
	require.NoError(t, err)
	require.Equal(t, "alice", id)

	for _, bad := range []string{"", "a b", "a/b", `a\b`, "..x", "dm:x", "tab\tbed", strings.Repeat("x", MaxUserIDLen+1)} {
		_, err := ValidateUserID(bad)
		require.Error(t, err, bad)
	}
}

func TestWriteJSONFileCreatesDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cfg.json")
	require.NoError(t, WriteJSONFile(path, map[string]int{"a": 1}))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(b))
}
