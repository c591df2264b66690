// Package pidfile implements the per-entity run lock.
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

var (
	// ErrRunning is returned when a live process holds the lock.
	ErrRunning = errors.New("pidfile: process already running")
	// ErrNotRunning is returned when no live process holds the lock.
	ErrNotRunning = errors.New("pidfile: process not running")
)

// File is an acquired lock.
type File struct {
	path string
	pid  int
}

// Acquire creates path holding the current pid. The file appears
// atomically and complete, and creating it fails if it exists, so of two
// processes starting together only one gets the lock. A file left by a
// dead process is replaced.
func Acquire(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	pid := os.Getpid()
	for attempt := 0; ; attempt++ {
		err := create(path, pid)
		if err == nil {
			return &File{path: path, pid: pid}, nil
		}
		if !errors.Is(err, os.ErrExist) || attempt == maxAttempts {
			return nil, err
		}
		holder, rerr := Read(path)
		if errors.Is(rerr, os.ErrNotExist) {
			continue
		}
		if rerr == nil && alive(holder) {
			return nil, fmt.Errorf("%w: pid %d holds %s", ErrRunning, holder, path)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
}

const maxAttempts = 3

// create links a fully written temp file to path; the link fails with
// ErrExist when path is taken.
func create(path string, pid int) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(strconv.Itoa(pid)); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Link(tmp.Name(), path)
}

// Release removes the file if it still names this process.
func (f *File) Release() error {
	if f == nil {
		return nil
	}
	pid, err := Read(f.path)
	if err != nil || pid != f.pid {
		return nil
	}
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Path returns the lock file path.
func (f *File) Path() string {
	return f.path
}

// Read returns the pid recorded in path.
func Read(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("pidfile: parse %s: %w", path, err)
	}
	return pid, nil
}

// Running reports whether the process recorded in path is alive.
func Running(path string) bool {
	pid, err := Read(path)
	return err == nil && alive(pid)
}

// Signal sends sig to the process recorded in path.
func Signal(path string, sig syscall.Signal) (int, error) {
	pid, err := Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("%w: no lock at %s", ErrNotRunning, path)
	}
	if err != nil {
		return 0, err
	}
	if !alive(pid) {
		return pid, fmt.Errorf("%w: pid %d", ErrNotRunning, pid)
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return pid, err
	}
	return pid, p.Signal(sig)
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
