//go:build windows

package daemon

import (
	"fmt"
	"os"
	"syscall"
)

// On Windows, FindProcess always succeeds; test with Signal(0) equivalent.
func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Signal sends sig to the lock owner. Only os.Kill is reliably supported.
func (l *Lock) Signal(sig syscall.Signal) error {
	o, err := l.Owner()
	if err != nil {
		return fmt.Errorf("read lock file: %w", err)
	}
	proc, err := os.FindProcess(o.PID)
	if err != nil {
		return fmt.Errorf("find process %d: %w", o.PID, err)
	}
	return proc.Signal(sig)
}

// WriteFileAtomic writes path; renames over open files are not atomic here.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return os.WriteFile(path, data, perm)
}
