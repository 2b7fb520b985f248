package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// errAlreadyRunning is returned when another daemon instance holds the PID
// lock for the same data directory.
var errAlreadyRunning = errors.New("another tm-isync-adapter instance is already running")

// acquirePIDLock takes an exclusive flock on path and records the current
// process ID in it, so launchd restarting a wedged daemon cannot end up
// with two instances syncing the same root. The returned release function
// drops the lock and removes the file.
func acquirePIDLock(path string) (release func(), err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating PID file directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening PID file: %w", err)
	}

	// LOCK_NB: a held lock means a live daemon, so fail fast instead of
	// queueing behind it.
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		return nil, fmt.Errorf("%w (lock held on %s)", errAlreadyRunning, path)
	}

	if err := stampPID(f); err != nil {
		f.Close()

		return nil, fmt.Errorf("recording pid in %s: %w", path, err)
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

// stampPID replaces the locked file's contents with the current process ID,
// synced so status readers see it immediately.
func stampPID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}

	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return err
	}

	return f.Sync()
}

// readPIDFile returns the process ID recorded at path. Used by the status
// command; a missing or malformed file reads as "no daemon".
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pidfile %s: malformed contents", path)
	}

	return pid, nil
}
