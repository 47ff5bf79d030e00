package fsjson

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAtomicRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out", "state.json")

	in := map[string]any{"version": 1, "keys": map[string]any{"a|b": map[string]any{}}}
	require.NoError(t, WriteAtomic(path, in))

	var out map[string]any
	require.NoError(t, Read(path, &out))
	assert.Equal(t, float64(1), out["version"])

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteAtomicDeterministic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	v := map[string]int{"b": 2, "a": 1}
	require.NoError(t, WriteAtomic(path, v))
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, WriteAtomic(path, v))
	second, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestWithLockSerializesAppends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.json")

	const writers = 16
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			err := WithLock(path, func() error {
				var log []int
				if err := Read(path, &log); err != nil && !os.IsNotExist(err) {
					return err
				}
				log = append(log, len(log))
				return WriteAtomic(path, log)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var log []int
	require.NoError(t, Read(path, &log))
	assert.Len(t, log, writers, "every append must be preserved")
}
