package ticklock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// LockFileName is the name of the tick lock file created in the state directory.
const LockFileName = "automation-tick.lock"

// File is a Locker backed by flock(2) on a file in the state directory.
// The kernel drops the lock when the holder exits, gracefully or not.
type File struct {
	stateDir string
}

// NewFile creates a File locker in stateDir.
func NewFile(stateDir string) *File {
	return &File{stateDir: stateDir}
}

// Path returns the lock file path.
func (f *File) Path() string {
	return filepath.Join(f.stateDir, LockFileName)
}

// TryLock takes a non-blocking flock on the lock file and records this process in it.
func (f *File) TryLock(ctx context.Context) (func(), error) {
	lockPath := f.Path()
	if err := os.MkdirAll(f.stateDir, 0755); err != nil {
		slog.Error("ticklock.File: failed to create state directory", "error", err, "state_dir", f.stateDir)
		return nil, fmt.Errorf("failed to create state directory %s: %w", f.stateDir, err)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		slog.Error("ticklock.File: failed to open lock file", "error", err, "lock_path", lockPath)
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		if !errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("flock %s: %w", lockPath, err)
		}
		info := readExistingLockInfo(lockPath)
		slog.Debug("ticklock.File: tick lock held elsewhere", "lock_path", lockPath, "existing_lock_info", info)
		return nil, &LockError{LockPath: lockPath, ExistingInfo: info, Cause: err}
	}

	if err := file.Truncate(0); err == nil {
		if _, err := file.WriteAt([]byte(fmt.Sprintf("pid=%d\n", os.Getpid())), 0); err != nil {
			slog.Warn("ticklock.File: failed to write lock information", "error", err, "lock_path", lockPath)
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// The file stays in place: unlinking it would let a waiter lock an orphaned inode.
			if err := syscall.Flock(int(file.Fd()), syscall.LOCK_UN); err != nil {
				slog.Error("ticklock.File: failed to release flock", "error", err, "lock_path", lockPath)
			}
			if err := file.Close(); err != nil {
				slog.Error("ticklock.File: failed to close lock file", "error", err, "lock_path", lockPath)
			}
		})
	}
	return release, nil
}

// LockError reports a tick lock held by another process.
type LockError struct {
	LockPath     string
	ExistingInfo string
	Cause        error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("automation tick already running (lock file %s", e.LockPath)
	if e.ExistingInfo != "" {
		msg += ", holder " + e.ExistingInfo
	}
	return msg + ")"
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// Is matches models.ErrTickInProgress.
func (e *LockError) Is(target error) bool {
	return target == models.ErrTickInProgress
}

// readExistingLockInfo describes the holder recorded in the lock file, if any.
func readExistingLockInfo(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unable to read lock file information"
	}
	content := string(data)
	if content == "" {
		return ""
	}
	if pid := extractPIDFromLockInfo(content); pid > 0 {
		if isProcessRunning(pid) {
			return fmt.Sprintf("PID %d (running)", pid)
		}
		return fmt.Sprintf("PID %d (not running)", pid)
	}
	return strings.TrimSpace(content)
}

func extractPIDFromLockInfo(content string) int {
	const pidPrefix = "pid="
	idx := strings.Index(content, pidPrefix)
	if idx == -1 {
		return 0
	}
	start := idx + len(pidPrefix)
	end := start
	for end < len(content) && content[end] >= '0' && content[end] <= '9' {
		end++
	}
	pid, err := strconv.Atoi(content[start:end])
	if err != nil {
		return 0
	}
	return pid
}

// isProcessRunning probes pid with signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
