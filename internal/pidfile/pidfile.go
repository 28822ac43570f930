// Package pidfile implements PID-stamped lock files. The daemon uses one to
// stay single-instance and the device manager uses one to claim the capture
// device across processes.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrHeld is matched (errors.Is) by the error returned when a live process
// already owns the lock.
var ErrHeld = errors.New("lock held by another process")

// HeldError reports which process owns the lock.
type HeldError struct {
	Path string
	PID  int
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("%s: already running (PID %d)", e.Path, e.PID)
}

func (e *HeldError) Is(target error) bool { return target == ErrHeld }

// PIDFile is an acquired lock file.
type PIDFile struct {
	path string
	pid  int
}

// New acquires the lock at path. A file left behind by a dead process is
// treated as stale and replaced.
func New(path string) (*PIDFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	if owner, ok := readPID(path); ok {
		if isProcessRunning(owner) {
			return nil, &HeldError{Path: path, PID: owner}
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
	}

	pid := os.Getpid()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			// Lost a race with another acquirer.
			owner, _ := readPID(path)
			return nil, &HeldError{Path: path, PID: owner}
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%d\n", pid); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write lock file: %w", err)
	}

	return &PIDFile{path: path, pid: pid}, nil
}

// Path returns the lock file location.
func (p *PIDFile) Path() string {
	if p == nil {
		return ""
	}
	return p.path
}

// Remove deletes the lock file if it still carries our PID. Safe to call
// more than once and on a nil receiver.
func (p *PIDFile) Remove() error {
	if p == nil {
		return nil
	}
	if owner, ok := readPID(p.path); ok && owner == p.pid {
		if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func readPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

// isProcessRunning checks pid with signal 0.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return true
	case errors.Is(err, syscall.EPERM):
		return true
	default:
		return false
	}
}

// DefaultPath returns ~/.cache/fluentcap/<name>.pid.
func DefaultPath(name string) string {
	return filepath.Join(os.Getenv("HOME"), ".cache", "fluentcap", name+".pid")
}
