package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquirePIDFile(t *testing.T) {
	t.Run("fresh", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "run", "master.pid")
		require.NoError(t, acquirePIDFile(path))

		pid, err := pidFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, int32(os.Getpid()), pid)

		entries, err := os.ReadDir(filepath.Dir(path))
		require.NoError(t, err)
		assert.Len(t, entries, 1, "temporary file must not be left behind")
	})

	t.Run("own pid", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "master.pid")
		require.NoError(t, acquirePIDFile(path))
		assert.NoError(t, acquirePIDFile(path))
	})

	t.Run("live process", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "master.pid")
		require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getppid())+"\n"), 0o644))

		err := acquirePIDFile(path)
		require.ErrorIs(t, err, errAlreadyRunning)

		pid, err := pidFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, int32(os.Getppid()), pid, "pid file of a live daemon must be left alone")
	})

	t.Run("stale process", func(t *testing.T) {
		cmd := exec.Command(os.Args[0], "-test.run=^$")
		require.NoError(t, cmd.Run())
		dead := cmd.ProcessState.Pid()

		path := filepath.Join(t.TempDir(), "master.pid")
		require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(dead)), 0o644))
		require.NoError(t, acquirePIDFile(path))

		pid, err := pidFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, int32(os.Getpid()), pid)
	})

	t.Run("garbage", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "master.pid")
		require.NoError(t, os.WriteFile(path, []byte("not a pid"), 0o644))
		require.NoError(t, acquirePIDFile(path))

		pid, err := pidFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, int32(os.Getpid()), pid)
	})
}

func TestReleasePIDFile(t *testing.T) {
	t.Run("own", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "master.pid")
		require.NoError(t, acquirePIDFile(path))
		require.NoError(t, releasePIDFile(path))
		assert.NoFileExists(t, path)
	})

	t.Run("other process", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "master.pid")
		require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getppid())), 0o644))
		require.NoError(t, releasePIDFile(path))
		assert.FileExists(t, path)
	})

	t.Run("missing", func(t *testing.T) {
		assert.NoError(t, releasePIDFile(filepath.Join(t.TempDir(), "master.pid")))
	})
}
