// Package daemon tracks the background API server through a PID file guarded
// by an advisory file lock.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// ErrLocked is returned by Acquire when another process holds the lock.
var ErrLocked = errors.New("daemon lock held by another process")

// PIDFile manages a PID file for daemon process tracking. The sibling
// "<path>.lock" file is held for the lifetime of the server process.
type PIDFile struct {
	Path string
	lock *flock.Flock
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path, lock: flock.New(path + ".lock")}
}

// LockPath returns the path of the advisory lock file.
func (p *PIDFile) LockPath() string {
	return p.lock.Path()
}

// Acquire takes the exclusive lock without blocking and records the current
// PID. It returns ErrLocked when a live server already owns the file.
func (p *PIDFile) Acquire() error {
	ok, err := p.lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", p.lock.Path(), err)
	}
	if !ok {
		return ErrLocked
	}
	if err := p.Write(); err != nil {
		_ = p.lock.Unlock()
		return fmt.Errorf("write PID file: %w", err)
	}
	return nil
}

// Release removes the PID file and drops the lock.
func (p *PIDFile) Release() error {
	rmErr := p.Remove()
	if errors.Is(rmErr, os.ErrNotExist) {
		rmErr = nil
	}
	return errors.Join(rmErr, p.lock.Unlock())
}

// Held reports whether some process, possibly this one, holds the lock.
func (p *PIDFile) Held() bool {
	if p.lock.Locked() {
		return true
	}
	probe := flock.New(p.lock.Path())
	ok, err := probe.TryLock()
	if err != nil {
		return false
	}
	if ok {
		_ = probe.Unlock()
		return false
	}
	return true
}

// Write writes the current process's PID to the file.
func (p *PIDFile) Write() error {
	return p.WritePID(os.Getpid())
}

// WritePID writes the given PID to the file.
func (p *PIDFile) WritePID(pid int) error {
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read reads the PID from the file.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	return pid, nil
}

// Remove deletes the PID file.
func (p *PIDFile) Remove() error {
	return os.Remove(p.Path)
}
