// Package store implements the shared-filesystem state layer that the
// supervisor daemon and the run wrapper use to coordinate without any
// network service between them: every run's record, control signals, and
// terminal marker live as files under a single state directory that both
// processes can reach over NFS (or any POSIX-ish shared mount).
//
// Mutation goes through atomic write-temp-then-rename so a reader never
// observes a half-written file, and a non-blocking advisory lock
// (github.com/gofrs/flock) serializes the supervisor's own updates to the
// same run; the wrapper writes only its own files and takes no lock. The
// Store interface
// is split from the FileStore implementation so the supervisor's
// reconciliation logic never depends on the on-disk layout directly —
// useful since the store must stay readable by a wrapper process that may
// run on a different node than the supervisor, over a shared mount rather
// than an embedded database file.
package store

import (
	"github.com/jiwanchung/shepherd/pkg/types"
)

// Store is the state interface the supervisor and wrapper consume. It
// never blocks waiting for contention: callers that need the run lock get
// ErrLocked back immediately and are expected to retry next tick.
type Store interface {
	// Runs (meta.json)
	CreateRun(run *types.Run) error
	GetRun(runID string) (*types.Run, error)
	ListRuns() ([]*types.Run, error)
	UpdateRun(run *types.Run) error
	DeleteRun(runID string) error

	// WithRunLock executes fn while holding the named run's advisory
	// lock (locks/<run_id>.lock), and returns ErrLocked without calling
	// fn if the lock is already held elsewhere.
	WithRunLock(runID string, fn func() error) error

	// Control signals (control.json): operator-issued, consumed by the
	// supervisor.
	PutControlSignals(runID string, sig *types.ControlSignals) error
	GetControlSignals(runID string) (*types.ControlSignals, error)
	ClearControlSignals(runID string) error

	// Heartbeat: a plain decimal epoch-seconds file, written by the
	// wrapper's heartbeat thread and read by the supervisor.
	WriteHeartbeat(runID string, at int64) error
	ReadHeartbeat(runID string) (int64, error)

	// Progress (progress.json?): optional application-reported progress.
	WriteProgress(runID string, p *types.Progress) error
	GetProgress(runID string) (*types.Progress, error)

	// Failure record (failure.json?): written by the wrapper on nonzero
	// exit, read by the supervisor when classifying a failure.
	WriteFailureRecord(runID string, rec *types.FailureRecord) error
	GetFailureRecord(runID string) (*types.FailureRecord, error)

	// Final marker (final.json?): empty sentinel the wrapper creates on
	// a clean run_once exit. Success requires wrapper exit 0 AND this
	// file's presence.
	WriteFinalMarker(runID string) error
	HasFinalMarker(runID string) (bool, error)

	// Ended marker (ended.json?): the supervisor's single terminal
	// write for a run.
	WriteEndedMarker(runID string, marker *types.EndedMarker) error
	GetEndedMarker(runID string) (*types.EndedMarker, error)

	// RemoveEndedMarker deletes ended.json. The only caller is the
	// restart control operation re-arming a terminal run; it is not a
	// general-purpose way to reopen an ended run.
	RemoveEndedMarker(runID string) error

	// Blacklist (blacklist.json, global lock)
	GetBlacklist() (*types.Blacklist, error)
	WithBlacklistLock(fn func(*types.Blacklist) (*types.Blacklist, error)) error

	// AppendBadNodeEvent appends one line to a run's audit trail
	// (runs/<run_id>/badnode_events.log). Best-effort: a failure here
	// never blocks a scheduling decision.
	AppendBadNodeEvent(runID string, event *types.BadNodeEvent) error

	// Daemon PID file
	WritePID(pid int) error
	ReadPID() (int, error)
	RemovePID() error
}
