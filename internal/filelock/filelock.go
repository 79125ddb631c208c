package filelock

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// FileLock provides file-based locking between processes sharing a config dir.
// The lock file holds the owner's PID so that a lock left behind by a crashed
// process can be broken.
type FileLock struct {
	path     string
	file     *os.File
	acquired bool
	mu       sync.Mutex
}

// New creates a new file lock guarding path
func New(path string) *FileLock {
	return &FileLock{
		path: path + ".lock",
	}
}

// Path returns the lock file path
func (fl *FileLock) Path() string {
	return fl.path
}

// Lock acquires the file lock with a timeout
func (fl *FileLock) Lock(timeout time.Duration) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.acquired {
		return fmt.Errorf("lock already acquired")
	}

	deadline := time.Now().Add(timeout)
	for {
		file, err := os.OpenFile(fl.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
		if err == nil {
			if _, err := file.WriteString(strconv.Itoa(os.Getpid())); err != nil {
				_ = file.Close()
				_ = os.Remove(fl.path)
				return fmt.Errorf("failed to write lock owner: %w", err)
			}
			fl.file = file
			fl.acquired = true
			return nil
		}

		if !os.IsExist(err) {
			return fmt.Errorf("failed to acquire lock: %w", err)
		}

		if fl.breakStale() {
			continue
		}

		if !time.Now().Before(deadline) {
			return fmt.Errorf("timeout acquiring lock after %v", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// breakStale removes the lock file if its owner is no longer running.
func (fl *FileLock) breakStale() bool {
	data, err := os.ReadFile(fl.path)
	if err != nil {
		return os.IsNotExist(err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		// owner has not written its PID yet
		return false
	}
	if pid == os.Getpid() || IsPidRunning(pid) {
		return false
	}
	return os.Remove(fl.path) == nil
}

// Unlock releases the file lock
func (fl *FileLock) Unlock() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if !fl.acquired {
		return nil // Already unlocked
	}

	var err error
	if fl.file != nil {
		err = fl.file.Close()
		fl.file = nil
	}

	if removeErr := os.Remove(fl.path); removeErr != nil && !os.IsNotExist(removeErr) {
		if err == nil {
			err = fmt.Errorf("failed to remove lock file: %w", removeErr)
		}
	}

	fl.acquired = false
	return err
}

// WithLock runs fn while holding the lock
func (fl *FileLock) WithLock(timeout time.Duration, fn func() error) error {
	if err := fl.Lock(timeout); err != nil {
		return err
	}
	defer func() { _ = fl.Unlock() }()
	return fn()
}

// IsPidRunning reports whether a process with the given PID exists.
// On Windows it always returns true so that locks are never broken.
func IsPidRunning(pid int) bool {
	if runtime.GOOS == "windows" {
		return true
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks existence without delivering anything
	err = process.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}
