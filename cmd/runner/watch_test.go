package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.py")
	require.NoError(t, os.WriteFile(path, []byte("print(1)\n"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, err := watchFile(ctx, path, 50*time.Millisecond)
	require.NoError(t, err)

	// other files in the dir are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.py"), []byte("x"), 0644))
	select {
	case <-changes:
		t.Fatal("unexpected change for another file")
	case <-time.After(200 * time.Millisecond):
	}

	// a burst of writes is reported once
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte("print(2)\n"), 0644))
	}
	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
	}
	select {
	case <-changes:
		t.Fatal("burst reported more than once")
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-changes:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}
