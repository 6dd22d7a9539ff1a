package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const watcherConfigV1 = `
interfaces:
  - if_name: eth0
    nat44: true
`

const watcherConfigV2 = `
interfaces:
  - if_name: eth0
    nat44: true
    nat66: true
`

func TestWatcherEmitsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edgenat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(watcherConfigV1), 0o644))

	changes := make(chan []*Profile, 1)
	w := NewWatcher(path, 10*time.Millisecond, testLookup, func(profiles []*Profile) error {
		changes <- profiles
		return nil
	})
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(watcherConfigV2), 0o644))

	select {
	case profiles := <-changes:
		require.Len(t, profiles, 1)
		assert.True(t, profiles[0].NAT66)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not report the change")
	}
}

func TestWatcherIgnoresBrokenReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edgenat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(watcherConfigV1), 0o644))

	changes := make(chan []*Profile, 1)
	w := NewWatcher(path, 10*time.Millisecond, testLookup, func(profiles []*Profile) error {
		changes <- profiles
		return nil
	})
	require.NoError(t, w.Start())
	defer w.Stop()

	// Unparseable config must not reach onChange.
	require.NoError(t, os.WriteFile(path, []byte("interfaces: [broken"), 0o644))

	select {
	case <-changes:
		t.Fatal("broken config must not be applied")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherDoubleStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edgenat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(watcherConfigV1), 0o644))

	w := NewWatcher(path, time.Second, testLookup, func([]*Profile) error { return nil })
	require.NoError(t, w.Start())
	defer w.Stop()
	require.Error(t, w.Start())
}
