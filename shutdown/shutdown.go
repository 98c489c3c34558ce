// Package shutdown handles daemon lifetime: termination signals and the
// single-instance PID file.
package shutdown

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrRunning is returned by Lock when another live process holds the file.
var ErrRunning = errors.New("another instance is already running")

// Lock is a held PID file.
type Lock struct {
	path string
	pid  int
}

// Acquire writes the current PID to path. A file left behind by a dead
// process is replaced.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create pid dir: %w", err)
	}
	if pid, ok := ReadPID(path); ok && pid != os.Getpid() && alive(pid) {
		return nil, fmt.Errorf("%w (pid %d)", ErrRunning, pid)
	}
	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return &Lock{path: path, pid: pid}, nil
}

// ReadPID returns the PID stored at path.
func ReadPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// Running reports whether the PID file at path names a live process.
func Running(path string) (int, bool) {
	pid, ok := ReadPID(path)
	if !ok {
		return 0, false
	}
	return pid, alive(pid)
}

// Release removes the file if it still holds our PID.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if pid, ok := ReadPID(l.path); ok && pid == l.pid {
		return os.Remove(l.path)
	}
	return nil
}
