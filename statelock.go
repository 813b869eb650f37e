package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tonimelisma/ctxsync/internal/config"
)

// errAlreadyRunning is returned by acquireStateLock when another process
// owns the state directory.
var errAlreadyRunning = errors.New("another ctxsync process owns the state directory")

const (
	lockFilePermissions = 0o644
	lockDirPermissions  = 0o755
)

// Commands recorded as lock holders. Only watchers handle SIGHUP.
const (
	holderWatch = "sync --watch"
	holderServe = "serve"
)

// lockHolder is the lock file's content: who owns the state directory and
// since when.
type lockHolder struct {
	PID       int       `json:"pid"`
	Command   string    `json:"command"`
	SourceDir string    `json:"source_dir"`
	StartedAt time.Time `json:"started_at"`
}

func newLockHolder(command, sourceDir string) lockHolder {
	return lockHolder{
		PID:       os.Getpid(),
		Command:   command,
		SourceDir: sourceDir,
		StartedAt: time.Now().UTC(),
	}
}

// watcher reports whether the holder keeps running and reloads on SIGHUP.
func (h lockHolder) watcher() bool {
	return h.Command == holderWatch || h.Command == holderServe
}

func (h lockHolder) String() string {
	return fmt.Sprintf("%s (PID %d) since %s", h.Command, h.PID, formatTime(h.StartedAt))
}

// stateLock is an exclusive flock on the state directory's lock file. Its
// owner is the only process that writes the registry and derived files.
type stateLock struct {
	path string
	f    *os.File
}

// acquireStateLock takes the lock without blocking and records holder in
// the lock file. When another process holds it, the error wraps
// errAlreadyRunning and names that process.
func acquireStateLock(stateDir string, holder lockHolder) (*stateLock, error) {
	if stateDir == "" {
		return nil, errors.New("state directory is empty: cannot place the lock file")
	}

	if err := os.MkdirAll(stateDir, lockDirPermissions); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	path := config.LockPath(stateDir)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, lockFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()

		if !errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("locking %s: %w", path, err)
		}

		if other, readErr := readLockHolder(stateDir); readErr == nil {
			return nil, fmt.Errorf("%w: %s", errAlreadyRunning, other)
		}

		return nil, fmt.Errorf("%w (could not lock %s)", errAlreadyRunning, path)
	}

	data, err := json.Marshal(holder)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("encoding lock holder: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncating lock file: %w", err)
	}

	if _, err := f.WriteAt(append(data, '\n'), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing lock file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("syncing lock file: %w", err)
	}

	return &stateLock{path: path, f: f}, nil
}

// Release removes the lock file and drops the lock.
func (l *stateLock) Release() {
	os.Remove(l.path)
	l.f.Close()
}

// readLockHolder reads the recorded holder of stateDir's lock. It does not
// check that the holder is still alive.
func readLockHolder(stateDir string) (lockHolder, error) {
	path := config.LockPath(stateDir)

	data, err := os.ReadFile(path)
	if err != nil {
		return lockHolder{}, fmt.Errorf("reading lock file: %w", err)
	}

	var h lockHolder
	if err := json.Unmarshal(data, &h); err != nil || h.PID <= 0 {
		return lockHolder{}, fmt.Errorf("invalid lock file %s", path)
	}

	return h, nil
}

// lockHeld reports whether some process holds the flock on path.
func lockHeld(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return true, nil
		}

		return false, fmt.Errorf("probing lock %s: %w", path, err)
	}

	return false, unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// signalWatcher sends sig to the watcher that owns stateDir. A lock file
// nobody holds is stale and removed; a holder that is not a watcher (a
// one-shot sync, a read command) is never signaled.
func signalWatcher(stateDir string, sig syscall.Signal) (lockHolder, error) {
	path := config.LockPath(stateDir)

	holder, err := readLockHolder(stateDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return lockHolder{}, fmt.Errorf("no running watcher found (no lock file at %s)", path)
		}

		return lockHolder{}, err
	}

	held, err := lockHeld(path)
	if err != nil {
		return holder, err
	}

	if !held {
		os.Remove(path)
		return holder, fmt.Errorf("watcher (PID %d) is not running (stale lock file removed)", holder.PID)
	}

	if !holder.watcher() {
		return holder, fmt.Errorf("state directory is held by %s, which is not a watcher", holder)
	}

	proc, err := os.FindProcess(holder.PID)
	if err != nil {
		return holder, fmt.Errorf("finding process %d: %w", holder.PID, err)
	}

	if err := proc.Signal(sig); err != nil {
		return holder, fmt.Errorf("signaling watcher (PID %d): %w", holder.PID, err)
	}

	return holder, nil
}
