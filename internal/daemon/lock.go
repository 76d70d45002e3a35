// Package daemon tracks which process runs the scheduling agent of a cache.
// Only one agent may own a cache; every other process sharing it relies on
// the cross-context bus and the agent's rescans.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrHeld is returned by Acquire when a live process already owns the lock.
var ErrHeld = errors.New("agent lock held by another process")

// Owner is the content of a lock file.
type Owner struct {
	PID       int
	ContextID string
}

// Lock is the pid file of the agent process for one cache.
type Lock struct {
	Path string
}

// NewLock creates a lock manager for the given path.
func NewLock(path string) *Lock {
	return &Lock{Path: path}
}

// Acquire records the current process as the agent owner. A lock left by a
// dead process is taken over.
func (l *Lock) Acquire(contextID string) error {
	if owner, alive := l.Held(); alive && owner.PID != os.Getpid() {
		return fmt.Errorf("%w: pid %d (context %s)", ErrHeld, owner.PID, owner.ContextID)
	}
	return l.write(Owner{PID: os.Getpid(), ContextID: contextID})
}

func (l *Lock) write(o Owner) error {
	data := strconv.Itoa(o.PID) + "\n" + o.ContextID + "\n"
	return WriteFileAtomic(l.Path, []byte(data), 0o644)
}

// Owner reads the lock file.
func (l *Lock) Owner() (Owner, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return Owner{}, err
	}
	lines := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return Owner{}, fmt.Errorf("invalid lock file content: %w", err)
	}
	o := Owner{PID: pid}
	if len(lines) > 1 {
		o.ContextID = strings.TrimSpace(lines[1])
	}
	return o, nil
}

// Held reports the owner and whether that process is still alive.
func (l *Lock) Held() (Owner, bool) {
	o, err := l.Owner()
	if err != nil {
		return Owner{}, false
	}
	return o, alive(o.PID)
}

// Release removes the lock if the current process owns it.
func (l *Lock) Release() error {
	o, err := l.Owner()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if o.PID != os.Getpid() {
		return nil
	}
	return os.Remove(l.Path)
}
