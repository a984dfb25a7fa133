package storage

import (
	"os"
	"sync"
	"syscall"
)

// FileLock serializes writers of one record across processes with flock on a
// sibling ".lock" file.
type FileLock struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// NewFileLock creates a lock for the record at path.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Lock blocks until the exclusive lock is held.
func (l *FileLock) Lock() error {
	l.mu.Lock()
	if err := l.acquire(syscall.LOCK_EX); err != nil {
		l.mu.Unlock()
		return err
	}
	return nil
}

// TryLock acquires the lock without blocking and reports success.
func (l *FileLock) TryLock() bool {
	if !l.mu.TryLock() {
		return false
	}
	if err := l.acquire(syscall.LOCK_EX | syscall.LOCK_NB); err != nil {
		l.mu.Unlock()
		return false
	}
	return true
}

func (l *FileLock) acquire(how int) error {
	f, err := os.OpenFile(l.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return err
	}
	if err := syscall.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return err
	}
	l.file = f
	return nil
}

// Unlock releases the lock and removes the lock file.
func (l *FileLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	l.file.Close()
	os.Remove(l.path + ".lock")
	l.file = nil
	l.mu.Unlock()
	return nil
}
