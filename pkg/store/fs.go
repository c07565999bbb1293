package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/jiwanchung/shepherd/pkg/log"
	"github.com/jiwanchung/shepherd/pkg/types"
)

// ErrLocked is returned by WithRunLock/WithBlacklistLock when the lock is
// already held by another process.
var ErrLocked = errors.New("store: lock held by another process")

// ErrNotFound is returned when a record does not exist on disk.
var ErrNotFound = errors.New("store: not found")

const (
	runsDir          = "runs"
	locksDir         = "locks"
	metaFile         = "meta.json"
	controlFile      = "control.json"
	heartbeatFile    = "heartbeat"
	progressFile     = "progress.json"
	failureFile      = "failure.json"
	finalFile        = "final.json"
	endedFile        = "ended.json"
	badNodeEventsLog = "badnode_events.log"
	blacklistFile    = "blacklist.json"
	blacklistLockKey = "blacklist"
	pidFile          = "daemon.pid"
)

// FileStore is the Store implementation backing the shared state
// directory. Records are JSON (or, for the heartbeat, plain text) files;
// no process keeps the directory open, so any number of wrappers and a
// single supervisor can all reach it concurrently over NFS.
type FileStore struct {
	root string
	log  componentLogger
}

type componentLogger struct{}

func (componentLogger) warn(msg string, kv ...any) {
	logger := log.WithComponent("store")
	ev := logger.Warn()
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			ev = ev.Interface(key, kv[i+1])
		}
	}
	ev.Msg(msg)
}

// New opens (and initializes, if absent) the state directory rooted at dir.
func New(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("store: empty root directory")
	}
	if err := os.MkdirAll(filepath.Join(dir, runsDir), 0o755); err != nil {
		return nil, fmt.Errorf("store: creating state dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, locksDir), 0o755); err != nil {
		return nil, fmt.Errorf("store: creating locks dir: %w", err)
	}
	return &FileStore{root: dir}, nil
}

func (s *FileStore) runDir(runID string) string {
	return filepath.Join(s.root, runsDir, runID)
}

func (s *FileStore) lockPath(key string) string {
	return filepath.Join(s.root, locksDir, key+".lock")
}

// atomicWriteJSON marshals v and writes it to path via a temp file in the
// same directory followed by fsync+rename, so a crash mid-write never
// leaves a torn file for a concurrent reader to observe. The
// directory is fsynced afterward on a best-effort basis.
func atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", path, err)
	}
	return atomicWrite(path, data)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, fmt.Sprintf(".%s.tmp-*", filepath.Base(path)))
	if err != nil {
		return fmt.Errorf("store: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: rename into place: %w", err)
	}
	if dirf, err := os.Open(dir); err == nil {
		dirf.Sync()
		dirf.Close()
	}
	return nil
}

// readJSON reads and unmarshals path into v. A JSON document that fails to
// parse is quarantined alongside the original under a .corrupt.<nanos>
// suffix rather than deleted, so an operator can inspect what a partial
// write (or a bad NFS client) left behind; ErrNotFound is returned to the
// caller as if the record were absent, since a quarantined file is not
// usable for a scheduling decision.
func (s *FileStore) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("store: reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		quarantined := fmt.Sprintf("%s.corrupt.%d", path, time.Now().UnixNano())
		if rerr := os.Rename(path, quarantined); rerr == nil {
			s.log.warn("quarantined corrupt state file", "path", path, "quarantined_as", quarantined, "error", err.Error())
		} else {
			s.log.warn("failed to quarantine corrupt state file", "path", path, "error", err.Error())
		}
		return ErrNotFound
	}
	return nil
}

func (s *FileStore) CreateRun(run *types.Run) error {
	return atomicWriteJSON(filepath.Join(s.runDir(run.RunID), metaFile), run)
}

func (s *FileStore) GetRun(runID string) (*types.Run, error) {
	var run types.Run
	if err := s.readJSON(filepath.Join(s.runDir(runID), metaFile), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *FileStore) ListRuns() ([]*types.Run, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, runsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: listing runs: %w", err)
	}
	var runs []*types.Run
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		run, err := s.GetRun(e.Name())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].RunID < runs[j].RunID })
	return runs, nil
}

func (s *FileStore) UpdateRun(run *types.Run) error {
	return s.CreateRun(run)
}

func (s *FileStore) DeleteRun(runID string) error {
	if err := os.RemoveAll(s.runDir(runID)); err != nil {
		return fmt.Errorf("store: deleting run %s: %w", runID, err)
	}
	if err := os.Remove(s.lockPath(runID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: removing lock for %s: %w", runID, err)
	}
	return nil
}

// WithRunLock takes a non-blocking exclusive lock on locks/<run_id>.lock
// and runs fn for the duration of one tick's mutations on that run. The
// lock file is never removed on unlock: flock semantics on most
// POSIX filesystems key off the inode, not the name, and removing it
// would race a concurrent locker.
func (s *FileStore) WithRunLock(runID string, fn func() error) error {
	if err := os.MkdirAll(filepath.Join(s.root, locksDir), 0o755); err != nil {
		return err
	}
	fl := flock.New(s.lockPath(runID))
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("store: locking run %s: %w", runID, err)
	}
	if !locked {
		return ErrLocked
	}
	defer fl.Unlock()
	return fn()
}

func (s *FileStore) PutControlSignals(runID string, sig *types.ControlSignals) error {
	return atomicWriteJSON(filepath.Join(s.runDir(runID), controlFile), sig)
}

func (s *FileStore) GetControlSignals(runID string) (*types.ControlSignals, error) {
	var sig types.ControlSignals
	if err := s.readJSON(filepath.Join(s.runDir(runID), controlFile), &sig); err != nil {
		if errors.Is(err, ErrNotFound) {
			return &types.ControlSignals{}, nil
		}
		return nil, err
	}
	return &sig, nil
}

func (s *FileStore) ClearControlSignals(runID string) error {
	err := os.Remove(filepath.Join(s.runDir(runID), controlFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: clearing control signals for %s: %w", runID, err)
	}
	return nil
}

// WriteHeartbeat atomically overwrites the heartbeat file with the given
// epoch-seconds timestamp, plain text plus a trailing newline.
func (s *FileStore) WriteHeartbeat(runID string, at int64) error {
	return atomicWrite(filepath.Join(s.runDir(runID), heartbeatFile), []byte(strconv.FormatInt(at, 10)+"\n"))
}

// ReadHeartbeat returns ErrNotFound if the heartbeat file is absent,
// which the caller tolerates during the wrapper-startup grace window.
func (s *FileStore) ReadHeartbeat(runID string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(s.runDir(runID), heartbeatFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("store: reading heartbeat for %s: %w", runID, err)
	}
	at, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, ErrNotFound
	}
	return at, nil
}

func (s *FileStore) WriteProgress(runID string, p *types.Progress) error {
	return atomicWriteJSON(filepath.Join(s.runDir(runID), progressFile), p)
}

func (s *FileStore) GetProgress(runID string) (*types.Progress, error) {
	var p types.Progress
	if err := s.readJSON(filepath.Join(s.runDir(runID), progressFile), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *FileStore) WriteFailureRecord(runID string, rec *types.FailureRecord) error {
	return atomicWriteJSON(filepath.Join(s.runDir(runID), failureFile), rec)
}

func (s *FileStore) GetFailureRecord(runID string) (*types.FailureRecord, error) {
	var rec types.FailureRecord
	if err := s.readJSON(filepath.Join(s.runDir(runID), failureFile), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// WriteFinalMarker creates the empty run_once success sentinel.
func (s *FileStore) WriteFinalMarker(runID string) error {
	return atomicWrite(filepath.Join(s.runDir(runID), finalFile), []byte{})
}

func (s *FileStore) HasFinalMarker(runID string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.runDir(runID), finalFile))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// WriteEndedMarker writes ended.json. Callers are responsible for writing
// it at most once per run: the store itself does not refuse a second
// write, since enforcing "write
// once" is the supervisor state machine's job (it never re-enters a
// terminal run), not the storage layer's.
func (s *FileStore) WriteEndedMarker(runID string, marker *types.EndedMarker) error {
	return atomicWriteJSON(filepath.Join(s.runDir(runID), endedFile), marker)
}

func (s *FileStore) GetEndedMarker(runID string) (*types.EndedMarker, error) {
	var marker types.EndedMarker
	if err := s.readJSON(filepath.Join(s.runDir(runID), endedFile), &marker); err != nil {
		return nil, err
	}
	return &marker, nil
}

// RemoveEndedMarker deletes ended.json, if present, for a run being
// re-armed by a restart control operation.
func (s *FileStore) RemoveEndedMarker(runID string) error {
	err := os.Remove(filepath.Join(s.runDir(runID), endedFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: removing ended marker for %s: %w", runID, err)
	}
	return nil
}

func (s *FileStore) GetBlacklist() (*types.Blacklist, error) {
	var bl types.Blacklist
	err := s.readJSON(filepath.Join(s.root, blacklistFile), &bl)
	if errors.Is(err, ErrNotFound) {
		return &types.Blacklist{Nodes: map[string]types.BlacklistEntry{}}, nil
	}
	if err != nil {
		return nil, err
	}
	if bl.Nodes == nil {
		bl.Nodes = map[string]types.BlacklistEntry{}
	}
	return &bl, nil
}

// WithBlacklistLock loads the blacklist under the global blacklist lock,
// lets fn mutate it, and writes the result back before releasing the
// lock. fn may return the same pointer it was given.
func (s *FileStore) WithBlacklistLock(fn func(*types.Blacklist) (*types.Blacklist, error)) error {
	if err := os.MkdirAll(filepath.Join(s.root, locksDir), 0o755); err != nil {
		return err
	}
	fl := flock.New(s.lockPath(blacklistLockKey))
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("store: locking blacklist: %w", err)
	}
	if !locked {
		return ErrLocked
	}
	defer fl.Unlock()

	bl, err := s.GetBlacklist()
	if err != nil {
		return err
	}
	updated, err := fn(bl)
	if err != nil {
		return err
	}
	return atomicWriteJSON(filepath.Join(s.root, blacklistFile), updated)
}

// AppendBadNodeEvent appends one JSON line to the run's append-only audit
// log. Unlike the rest of the store this is not atomic-rename based: it
// is a pure audit trail, not a coordination point, so a simple O_APPEND
// write (atomic for writes under PIPE_BUF on POSIX, and in practice fine
// for NFS's close-to-open consistency at this append rate) is enough.
func (s *FileStore) AppendBadNodeEvent(runID string, event *types.BadNodeEvent) error {
	if err := os.MkdirAll(s.runDir(runID), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(s.runDir(runID), badNodeEventsLog), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("store: opening badnode events log for %s: %w", runID, err)
	}
	defer f.Close()
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("store: marshal badnode event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("store: appending badnode event for %s: %w", runID, err)
	}
	return nil
}

func (s *FileStore) WritePID(pid int) error {
	return atomicWrite(filepath.Join(s.root, pidFile), []byte(strconv.Itoa(pid)))
}

func (s *FileStore) ReadPID() (int, error) {
	data, err := os.ReadFile(filepath.Join(s.root, pidFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("store: parsing pid file: %w", err)
	}
	return pid, nil
}

func (s *FileStore) RemovePID() error {
	err := os.Remove(filepath.Join(s.root, pidFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

var _ Store = (*FileStore)(nil)
