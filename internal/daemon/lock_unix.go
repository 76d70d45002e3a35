//go:build !windows

package daemon

import (
	"fmt"
	"os"
	"syscall"

	"github.com/google/renameio/v2"
)

// Signal 0 tests if the process exists without sending a signal.
func alive(pid int) bool {
	return pid > 0 && syscall.Kill(pid, 0) == nil
}

// Signal sends sig to the lock owner.
func (l *Lock) Signal(sig syscall.Signal) error {
	o, err := l.Owner()
	if err != nil {
		return fmt.Errorf("read lock file: %w", err)
	}
	return syscall.Kill(o.PID, sig)
}

// WriteFileAtomic replaces path so readers never see a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return renameio.WriteFile(path, data, perm)
}
