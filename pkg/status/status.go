// Package status turns a run's persisted state plus the latest scheduler
// snapshot into exactly one value from the closed Status set. Normalize
// is a pure function: no I/O, no clock reads beyond what is handed in,
// so the CLI, the metrics collector, and tests all classify a run the
// same way from the same evidence.
package status

import (
	"time"

	"github.com/jiwanchung/shepherd/pkg/types"
)

// Snapshot is every piece of evidence Normalize needs about one run.
// supervisor.BuildStatusSnapshot assembles it from the run's persisted
// record (whose Runtime.State stands in for the scheduler state) and a
// best-effort read of the run's heartbeat, progress, control and ended
// files.
type Snapshot struct {
	Now time.Time

	RunMode RunMode
	State   types.RunState
	Policy  types.Policy

	SchedulerState    types.SchedulerState
	SchedulerObserved bool

	HeartbeatAt      time.Time
	HeartbeatPresent bool
	LastSubmitAt     time.Time

	ProgressAt      time.Time
	ProgressPresent bool

	ConsecutiveFailures int
	Paused              bool

	EndedMarker *types.EndedMarker
}

// RunMode avoids importing types twice at call sites that already deal in
// types.RunMode; it is the same underlying type.
type RunMode = types.RunMode

// Normalize implements a fixed priority order:
//
//	stopped_manual > completed_success > ended_expired > crash_loop >
//	unresponsive > restarting > running_degraded > healthy_running >
//	pending > error_unknown
func Normalize(s Snapshot) types.Status {
	if s.EndedMarker != nil {
		switch s.EndedMarker.Reason {
		case types.EndStoppedManual:
			return types.StatusStoppedManual
		case types.EndSuccess:
			return types.StatusCompletedSuccess
		case types.EndWindowExpired:
			return types.StatusEndedExpired
		case types.EndMaxRetries, types.EndFatalError:
			// Neither reason maps to one of the first three priority
			// buckets; both are a terminal non-success and fall through
			// to error_unknown below (a TERMINAL run's State is never
			// BACKOFF, so the crash_loop check never matches here).
		}
	}

	if s.State == types.StateBackoff && s.ConsecutiveFailures >= 3 {
		return types.StatusCrashLoop
	}

	if s.SchedulerObserved && s.SchedulerState == types.SchedRunning {
		heartbeatStale := !s.HeartbeatPresent || s.Now.Sub(s.HeartbeatAt) > time.Duration(s.Policy.HeartbeatGraceSec)*time.Second
		inStartupGrace := s.Now.Sub(s.LastSubmitAt) < time.Duration(s.Policy.HeartbeatGraceSec)*time.Second

		if heartbeatStale && !inStartupGrace {
			return types.StatusUnresponsive
		}

		progressStale := s.Policy.ProgressStallSec > 0 && s.ProgressPresent &&
			s.Now.Sub(s.ProgressAt) > time.Duration(s.Policy.ProgressStallSec)*time.Second

		if s.Paused || progressStale {
			return types.StatusRunningDegraded
		}
		return types.StatusHealthyRunning
	}

	if s.State == types.StateBackoff {
		return types.StatusRestarting
	}

	if s.SchedulerObserved && s.SchedulerState == types.SchedPending {
		return types.StatusPending
	}
	if s.State == types.StateQueued || s.State == types.StateSubmitPending || s.State == types.StateInit {
		return types.StatusPending
	}

	return types.StatusErrorUnknown
}
