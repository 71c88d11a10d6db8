package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// fallbackPoll is how often the token fallback retries a held lock.
const fallbackPoll = 50 * time.Millisecond

// FileLock is an exclusive advisory lock on a file. The lock lives as long as
// the descriptor stays open.
type FileLock struct {
	path  string
	f     *os.File
	token string // set when the filesystem lacks advisory locks
}

type lockResult struct {
	err error
}

// Acquire blocks until it holds an exclusive lock on path or ctx ends. The
// blocking OS call runs in its own goroutine; if ctx wins the race the late
// acquisition is released as soon as it happens. A lock won on a file that
// was unlinked meanwhile is dropped and the current file locked instead.
// Once held, the file is rewritten with the current owner token.
func Acquire(ctx context.Context, path string) (*FileLock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLockContention, path, err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create lock directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open lock file: %w", err)
		}

		res := make(chan lockResult, 1)
		go func() { res <- lockResult{err: lockFile(f)} }()

		select {
		case r := <-res:
			if r.err != nil {
				_ = f.Close()
				if isUnsupported(r.err) {
					return acquireToken(ctx, path)
				}
				return nil, fmt.Errorf("lock %s: %w", path, r.err)
			}
		case <-ctx.Done():
			go func() {
				if r := <-res; r.err == nil {
					_ = unlockFile(f)
				}
				_ = f.Close()
			}()
			return nil, fmt.Errorf("%w: %s: %w", ErrLockContention, path, ctx.Err())
		}

		if !stillLinked(f, path) {
			_ = unlockFile(f)
			_ = f.Close()
			continue
		}
		fl := &FileLock{path: path, f: f}
		if err := writeOwner(f, currentOwner()); err != nil {
			_ = fl.Release()
			return nil, fmt.Errorf("write lock owner: %w", err)
		}
		return fl, nil
	}
}

// TryAcquire takes the lock only if it is free right now.
func TryAcquire(path string) (*FileLock, bool, error) {
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, false, fmt.Errorf("open lock file: %w", err)
		}
		ok, err := tryLockFile(f)
		if err != nil || !ok {
			_ = f.Close()
			return nil, false, err
		}
		if !stillLinked(f, path) {
			_ = unlockFile(f)
			_ = f.Close()
			continue
		}
		return &FileLock{path: path, f: f}, true, nil
	}
}

// stillLinked reports whether f is the file currently found at path.
func stillLinked(f *os.File, path string) bool {
	held, err := f.Stat()
	if err != nil {
		return false
	}
	current, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(held, current)
}

func (l *FileLock) Path() string { return l.path }

// Release drops the lock. The owner token stays in the file so Inspect can
// report who held it last.
func (l *FileLock) Release() error {
	if l == nil {
		return nil
	}
	if l.token != "" {
		err := os.Remove(l.token)
		l.token = ""
		return err
	}
	if l.f == nil {
		return nil
	}
	_ = unlockFile(l.f)
	err := l.f.Close()
	l.f = nil
	return err
}

// acquireToken emulates the lock with an exclusively created sibling file on
// filesystems without advisory locking. A token left by a dead owner on this
// host is removed and the attempt repeated.
func acquireToken(ctx context.Context, path string) (*FileLock, error) {
	token := path + ".held"
	ticker := time.NewTicker(fallbackPoll)
	defer ticker.Stop()
	for {
		f, err := os.OpenFile(token, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			werr := writeOwner(f, currentOwner())
			_ = f.Close()
			if werr != nil {
				_ = os.Remove(token)
				return nil, fmt.Errorf("write lock owner: %w", werr)
			}
			return &FileLock{path: path, token: token}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock token: %w", err)
		}
		if o, rerr := readOwner(token); rerr == nil && o.Stale() {
			_ = os.Remove(token)
			continue
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrLockContention, path, ctx.Err())
		case <-ticker.C:
		}
	}
}
