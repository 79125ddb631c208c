package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/naotama2002/nativeauth-go/internal/filelock"
)

const (
	// ConfigDirEnv overrides the default config directory.
	ConfigDirEnv = "NATIVEAUTH_CONFIG_DIR"

	defaultLockTimeout = 5 * time.Second
)

// DefaultDir returns $NATIVEAUTH_CONFIG_DIR, or ~/.nativeauth when unset.
func DefaultDir() string {
	if dir := os.Getenv(ConfigDirEnv); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".nativeauth")
	}
	return filepath.Join(home, ".nativeauth")
}

// FileStore keeps one file per key in a directory. Writes are serialized
// across processes with a lock file and replace the target atomically.
type FileStore struct {
	dir         string
	lockTimeout time.Duration
	logger      zerolog.Logger
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithFileLogger sets the logger.
func WithFileLogger(logger zerolog.Logger) FileStoreOption {
	return func(f *FileStore) {
		f.logger = logger
	}
}

// WithLockTimeout sets how long a write waits for the lock.
func WithLockTimeout(d time.Duration) FileStoreOption {
	return func(f *FileStore) {
		f.lockTimeout = d
	}
}

// NewFileStore creates the directory if needed. An empty dir means DefaultDir.
func NewFileStore(dir string, opts ...FileStoreOption) (*FileStore, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("error creating config dir %s: %w", dir, err)
	}
	f := &FileStore{
		dir:         dir,
		lockTimeout: defaultLockTimeout,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Dir returns the directory holding the files.
func (f *FileStore) Dir() string {
	return f.dir
}

// Path returns the file that holds key.
func (f *FileStore) Path(key string) string {
	return filepath.Join(f.dir, KeyHash(key)+"_state.json")
}

func (f *FileStore) Save(_ context.Context, key string, blob []byte) error {
	path := f.Path(key)
	return filelock.New(path).WithLock(f.lockTimeout, func() error {
		tmp, err := os.CreateTemp(f.dir, filepath.Base(path)+".tmp*")
		if err != nil {
			return fmt.Errorf("error creating temp file: %w", err)
		}
		defer func() { _ = os.Remove(tmp.Name()) }()

		if _, err := tmp.Write(blob); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("error writing %s: %w", path, err)
		}
		if err := tmp.Chmod(0600); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("error setting permissions on %s: %w", path, err)
		}
		if err := tmp.Close(); err != nil {
			return fmt.Errorf("error closing %s: %w", tmp.Name(), err)
		}
		if err := os.Rename(tmp.Name(), path); err != nil {
			return fmt.Errorf("error replacing %s: %w", path, err)
		}
		f.logger.Debug().Str("path", path).Msg("saved state file")
		return nil
	})
}

func (f *FileStore) Load(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.Path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("error reading %s: %w", f.Path(key), err)
	}
	return data, nil
}

func (f *FileStore) Remove(_ context.Context, key string) error {
	path := f.Path(key)
	return filelock.New(path).WithLock(f.lockTimeout, func() error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("error deleting %s: %w", path, err)
		}
		f.logger.Debug().Str("path", path).Msg("removed state file")
		return nil
	})
}

// LoginLock returns the lock that marks an interactive login for key as in
// progress, so a second process can wait for the first instead of starting
// its own.
func (f *FileStore) LoginLock(key string) *filelock.FileLock {
	return filelock.New(filepath.Join(f.dir, KeyHash(key)+"_login"))
}

// Watch calls onChange each time the file for key is written or replaced,
// until ctx is done.
func (f *FileStore) Watch(ctx context.Context, key string, onChange func()) error {
	return f.watch(ctx, key, nil, onChange)
}

// watch calls ready once the watcher is registered.
func (f *FileStore) watch(ctx context.Context, key string, ready, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("error creating watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// the directory is watched because Save replaces the file by rename
	if err := watcher.Add(f.dir); err != nil {
		return fmt.Errorf("error watching %s: %w", f.dir, err)
	}
	if ready != nil {
		ready()
	}

	target := filepath.Base(f.Path(key))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			f.logger.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("state file changed")
			onChange()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn().Err(err).Msg("fsnotify error")
		}
	}
}

// ModTime returns the modification time of key's file, or the zero time
// when nothing is stored.
func (f *FileStore) ModTime(key string) time.Time {
	info, err := os.Stat(f.Path(key))
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// WaitForSave blocks until key's file has a modification time other than
// prev, then returns its contents. A zero prev accepts any stored value.
// Callers waiting on another writer take prev from ModTime before they
// start waiting, so a save that lands in between is not missed.
func (f *FileStore) WaitForSave(ctx context.Context, key string, prev time.Time) ([]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		data    []byte
		loadErr = ErrNotFound
	)
	tryLoad := func() {
		if mod := f.ModTime(key); mod.IsZero() || mod.Equal(prev) {
			return
		}
		data, loadErr = f.Load(ctx, key)
		if loadErr == nil {
			cancel()
		}
	}
	watchErr := f.watch(ctx, key, tryLoad, tryLoad)
	if loadErr == nil {
		return data, nil
	}
	return nil, watchErr
}
