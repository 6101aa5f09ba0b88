package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// errAlreadyRunning is returned when the pid file names a live process.
var errAlreadyRunning = errors.New("pbmcd already running")

// pidFromFile reads the pid recorded in path.
func pidFromFile(path string) (int32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 32)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %s: invalid content %q", path, strings.TrimSpace(string(data)))
	}
	return int32(pid), nil
}

// acquirePIDFile records the current process in path. A pid file naming a
// live process other than this one is an error; a stale one is replaced.
func acquirePIDFile(path string) error {
	self := int32(os.Getpid())
	pid, err := pidFromFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		// Unreadable content counts as stale.
	case pid != self:
		alive, perr := process.PidExists(pid)
		if perr != nil {
			return fmt.Errorf("check pid %d: %w", pid, perr)
		}
		if alive {
			return fmt.Errorf("%w (pid %d, pid file %s)", errAlreadyRunning, pid, path)
		}
	}
	return writePIDFile(path, self)
}

// writePIDFile replaces path atomically.
func writePIDFile(path string, pid int32) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".pbmcd-*.pid")
	if err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := fmt.Fprintf(tmp, "%d\n", pid); err != nil {
		tmp.Close()
		return fmt.Errorf("write pid file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("write pid file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// releasePIDFile removes path if it still names this process.
func releasePIDFile(path string) error {
	pid, err := pidFromFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil || pid != int32(os.Getpid()) {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}
