package sessionkit

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

const (
	sessionFileSuffix = ".session"
	tempFilePrefix    = ".tmp-"
	lockDirName       = ".locks"
	lockFileSuffix    = ".lock"
	encodedIDPrefix   = "~"

	// lockTimeout bounds how long a writer waits for another process's lock.
	lockTimeout       = 5 * time.Second
	lockRetryInterval = 50 * time.Millisecond

	// staleTempFileAge is how old an orphaned temp file must be before a sweep removes it.
	staleTempFileAge = time.Minute
)

// FileStoreConfig holds configuration for the file store.
type FileStoreConfig struct {
	StoreDir           string `mapstructure:"storeDir"`
	GracePeriodSeconds int    `mapstructure:"gracePeriodSeconds"`
	// DeleteUnrestorableFiles removes records that cannot be decoded when they are found.
	DeleteUnrestorableFiles bool `mapstructure:"deleteUnrestorableFiles"`
	// Strict makes Load return ErrUnreadableSessionData instead of ErrSessionNotFound
	// for corrupt records.
	Strict bool `mapstructure:"strict"`
	// Cluster guards writes with per-id lock files so processes on other
	// nodes sharing StoreDir can write safely.
	Cluster         bool         `mapstructure:"-"`
	MaxSessionBytes int          `mapstructure:"maxSessionBytes"`
	Logger          *slog.Logger `mapstructure:"-"`
}

// FileSessionStore keeps one file per session id under a directory. Writes go
// to a temp file that is renamed into place.
type FileSessionStore struct {
	dir                string
	graceMs            int64
	deleteUnrestorable bool
	strict             bool
	cluster            bool
	maxSessionBytes    int
	logger             *slog.Logger

	lastSweep atomic.Int64

	// ancient holds the long-expired ids the previous sweep reported; the
	// next sweep removes those the caller left behind.
	sweepMu sync.Mutex
	ancient map[string]struct{}
}

// NewFileSessionStore opens (creating if needed) the store directory.
func NewFileSessionStore(cfg FileStoreConfig) (*FileSessionStore, error) {
	if cfg.StoreDir == "" {
		return nil, fmt.Errorf("%w: no file store directory specified", ErrInvalidConfig)
	}
	if cfg.GracePeriodSeconds < 0 {
		return nil, fmt.Errorf("%w: negative grace period", ErrInvalidConfig)
	}
	if err := os.MkdirAll(cfg.StoreDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: failed to create store directory: %v", ErrInvalidConfig, err)
	}
	info, err := os.Stat(cfg.StoreDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidConfig, cfg.StoreDir)
	}
	probe, err := os.CreateTemp(cfg.StoreDir, tempFilePrefix+"probe-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be a readable/writable directory: %v", ErrInvalidConfig, cfg.StoreDir, err)
	}
	probe.Close()
	_ = os.Remove(probe.Name())

	if cfg.Cluster {
		if err := os.MkdirAll(filepath.Join(cfg.StoreDir, lockDirName), 0o700); err != nil {
			return nil, fmt.Errorf("%w: failed to create lock directory: %v", ErrInvalidConfig, err)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &FileSessionStore{
		dir:                cfg.StoreDir,
		graceMs:            secondsToMillis(cfg.GracePeriodSeconds),
		deleteUnrestorable: cfg.DeleteUnrestorableFiles,
		strict:             cfg.Strict,
		cluster:            cfg.Cluster,
		maxSessionBytes:    cfg.MaxSessionBytes,
		logger:             logger.With("store", "file"),
	}, nil
}

// StoreDir returns the directory holding the session files.
func (s *FileSessionStore) StoreDir() string {
	return s.dir
}

func (s *FileSessionStore) Exists(_ context.Context, id string) (bool, error) {
	_, err := os.Stat(s.path(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat session file: %w", err)
}

func (s *FileSessionStore) Load(_ context.Context, id string) (*SessionData, error) {
	path := s.path(id)
	raw, err := os.ReadFile(path) //nolint:gosec // path is derived from an escaped id inside the store dir
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	if s.maxSessionBytes > 0 && len(raw) > s.maxSessionBytes {
		return nil, ErrSessionTooLarge
	}

	data, err := decodeSessionData(raw)
	if err == nil && data.ID() != id {
		err = fmt.Errorf("%w: record holds id %q", ErrUnreadableSessionData, data.ID())
	}
	if err != nil {
		s.logger.Warn("unreadable session file", "session_id", id, "path", path, "error", err)
		if s.deleteUnrestorable {
			s.removeFile(path)
		}
		if s.strict {
			return nil, err
		}
		return nil, ErrSessionNotFound
	}
	return data, nil
}

func (s *FileSessionStore) Save(ctx context.Context, id string, data *SessionData) error {
	raw, err := encodeSessionData(data)
	if err != nil {
		return err
	}
	if s.maxSessionBytes > 0 && len(raw) > s.maxSessionBytes {
		return ErrSessionTooLarge
	}

	return s.withLock(ctx, id, false, func() error {
		tmp := filepath.Join(s.dir, tempFilePrefix+uuid.NewString())
		if err := writeFileSync(tmp, raw); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("failed to write session file: %w", err)
		}
		if err := os.Rename(tmp, s.path(id)); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("failed to save session file: %w", err)
		}
		return nil
	})
}

func (s *FileSessionStore) Delete(ctx context.Context, id string) (bool, error) {
	var existed bool
	err := s.withLock(ctx, id, true, func() error {
		err := os.Remove(s.path(id))
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to delete session file: %w", err)
		}
		existed = true
		return nil
	})
	return existed, err
}

// GetExpired scans every session file in the directory. A record that cannot
// be read is logged and skipped. When a grace period is configured the scan
// also sweeps, at most once every five grace periods: files that expired five
// grace periods ago or more are reported once and removed by the next sweep
// if still present, and stale temp files are removed. In cluster mode lock
// files left without a session file are removed too.
func (s *FileSessionStore) GetExpired(ctx context.Context, now int64) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list store directory: %w", err)
	}

	sweep := s.sweepDue(now)
	if sweep {
		s.sweepMu.Lock()
		defer s.sweepMu.Unlock()
	}
	ancient := make(map[string]struct{})
	var expired []string
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(name, tempFilePrefix) {
			s.sweepTempFile(entry, now)
			continue
		}
		if !strings.HasSuffix(name, sessionFileSuffix) || strings.HasPrefix(name, ".") {
			continue
		}

		path := filepath.Join(s.dir, name)
		raw, err := os.ReadFile(path) //nolint:gosec // listing of our own store dir
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("failed to read session file", "path", path, "error", err)
			}
			continue
		}
		header, err := decodeHeader(raw)
		if want, ok := idFromFilename(name); err == nil && (!ok || want != header.ID) {
			err = fmt.Errorf("%w: file name does not match record id %q", ErrUnreadableSessionData, header.ID)
		}
		if err != nil {
			s.logger.Warn("unreadable session file", "path", path, "error", err)
			if s.deleteUnrestorable {
				s.removeFile(path)
			}
			continue
		}
		if !header.isExpiredAt(now, s.graceMs) {
			continue
		}

		if sweep && now-header.expiry() >= 5*s.graceMs {
			if _, reported := s.ancient[header.ID]; reported {
				s.logger.Debug("sweeping long expired session file", "session_id", header.ID, "path", path)
				if _, err := s.Delete(ctx, header.ID); err != nil {
					s.logger.Warn("failed to sweep session file", "path", path, "error", err)
				}
				continue
			}
			ancient[header.ID] = struct{}{}
		}
		expired = append(expired, header.ID)
	}
	if sweep {
		s.ancient = ancient
	}
	if s.cluster {
		s.sweepLockFiles()
	}
	return expired, nil
}

// sweepLockFiles removes lock files whose session file is gone and which no
// writer holds.
func (s *FileSessionStore) sweepLockFiles() {
	lockDir := filepath.Join(s.dir, lockDirName)
	entries, err := os.ReadDir(lockDir)
	if err != nil {
		s.logger.Warn("failed to list lock directory", "path", lockDir, "error", err)
		return
	}
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), lockFileSuffix)
		if !ok || entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.dir, name)); !errors.Is(err, os.ErrNotExist) {
			continue
		}

		lockPath := filepath.Join(lockDir, entry.Name())
		fileLock := flock.New(lockPath)
		locked, err := fileLock.TryLock()
		if err != nil || !locked {
			continue
		}
		// The session may have been written while we took the lock.
		if _, err := os.Stat(filepath.Join(s.dir, name)); errors.Is(err, os.ErrNotExist) && lockFileCurrent(fileLock) {
			s.removeFile(lockPath)
		}
		s.unlock(fileLock)
	}
}

// Close is a no-op; the file store holds no open handles between calls.
func (*FileSessionStore) Close() error {
	return nil
}

func (s *FileSessionStore) sweepDue(now int64) bool {
	if s.graceMs <= 0 {
		return false
	}
	last := s.lastSweep.Load()
	if last != 0 && now-last < 5*s.graceMs {
		return false
	}
	return s.lastSweep.CompareAndSwap(last, now)
}

func (s *FileSessionStore) sweepTempFile(entry os.DirEntry, now int64) {
	info, err := entry.Info()
	if err != nil {
		return
	}
	if now-info.ModTime().UnixMilli() >= staleTempFileAge.Milliseconds() {
		s.removeFile(filepath.Join(s.dir, entry.Name()))
	}
}

func (s *FileSessionStore) removeFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove file", "path", path, "error", err)
	}
}

// withLock runs fn while holding the id's lock file when the store is shared
// across processes. With removeLock the lock file is removed before it is
// released; a writer that was waiting on it notices and locks the new file.
func (s *FileSessionStore) withLock(ctx context.Context, id string, removeLock bool, fn func() error) error {
	if !s.cluster {
		return fn()
	}

	lockPath := s.lockPath(id)
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	for {
		if err := lockCtx.Err(); err != nil {
			return fmt.Errorf("could not acquire lock for session %s: %w", id, err)
		}

		fileLock := flock.New(lockPath)
		locked, err := fileLock.TryLockContext(lockCtx, lockRetryInterval)
		if err != nil {
			return fmt.Errorf("failed to acquire lock for session %s: %w", id, err)
		}
		if !locked {
			return fmt.Errorf("could not acquire lock for session %s: timeout after %v", id, lockTimeout)
		}
		if !lockFileCurrent(fileLock) {
			// Removed by a delete or a sweep while we waited.
			s.unlock(fileLock)
			continue
		}

		err = fn()
		if err == nil && removeLock {
			s.removeFile(lockPath)
		}
		s.unlock(fileLock)
		return err
	}
}

func (s *FileSessionStore) unlock(fileLock *flock.Flock) {
	if err := fileLock.Unlock(); err != nil {
		s.logger.Warn("failed to unlock file", "path", fileLock.Path(), "error", err)
	}
}

// lockFileCurrent reports whether the locked file is still the one at its path.
func lockFileCurrent(fileLock *flock.Flock) bool {
	held, err := fileLock.Stat()
	if err != nil {
		return false
	}
	current, err := os.Stat(fileLock.Path())
	return err == nil && os.SameFile(held, current)
}

func (s *FileSessionStore) lockPath(id string) string {
	return filepath.Join(s.dir, lockDirName, sessionFilename(id)+lockFileSuffix)
}

func (s *FileSessionStore) path(id string) string {
	return filepath.Join(s.dir, sessionFilename(id))
}

// sessionFilename maps an id to a file name. Ids made only of safe
// characters are used as-is; anything else is base64url encoded behind a
// prefix that safe ids cannot start with.
func sessionFilename(id string) string {
	if isSafeFilename(id) {
		return id + sessionFileSuffix
	}
	return encodedIDPrefix + base64.RawURLEncoding.EncodeToString([]byte(id)) + sessionFileSuffix
}

func idFromFilename(name string) (string, bool) {
	base, ok := strings.CutSuffix(name, sessionFileSuffix)
	if !ok || base == "" {
		return "", false
	}
	if encoded, ok := strings.CutPrefix(base, encodedIDPrefix); ok {
		raw, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			return "", false
		}
		return string(raw), true
	}
	return base, true
}

func isSafeFilename(id string) bool {
	if id == "" || len(id) > 200 || id[0] == '.' {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) //nolint:gosec // temp file inside the store dir
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

var _ SessionStore = (*FileSessionStore)(nil)
