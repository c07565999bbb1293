package supervisor

import (
	"math/rand"
	"time"

	"github.com/jiwanchung/shepherd/pkg/types"
)

// TickInput is every piece of per-run evidence the state machine needs for
// one step. It is assembled by the tick loop from the batched scheduler
// snapshot and a handful of lock-free file reads.
type TickInput struct {
	Now time.Time

	JobObserved  bool // false only when job_id is unset or both squeue and sacct have no row for it
	SchedState   types.SchedulerState
	SchedNode    string
	SchedExit    int
	AccountingOK bool // true once sacct has supplied the terminal row (vs. still only in squeue)

	Control *types.ControlSignals

	HasFailureRecord bool
	FailureRecord    types.FailureRecord
	HasFinalMarker   bool

	HeartbeatPresent bool
	HeartbeatAt      time.Time
	ProgressPresent  bool
	ProgressAt       time.Time
}

// Action is the side effect the tick loop must carry out after Step
// mutates the run's Runtime. Step itself performs no I/O.
type Action string

const (
	ActionNone   Action = "none"
	ActionSubmit Action = "submit"
	ActionCancel Action = "cancel"
)

// StepResult carries what Step decided beyond the in-place Runtime
// mutation: what to do next, and — on a classified failure — what to
// record for the caller to persist (failure kind drives blacklisting).
type StepResult struct {
	Action Action

	Ended       bool
	EndedReason types.EndReason

	Failed        bool
	FailureKind   types.FailureKind
	FailureNode   string
	SoftFailure   bool // heartbeat/progress stall: never blacklists

	// ClearEndedMarker tells the caller to remove a prior ended.json: a
	// restart consumed on a previously-TERMINAL run re-arms it, and the
	// stale terminal record must not keep outranking the fresh state in
	// status normalization.
	ClearEndedMarker bool
}

// Step advances run's state machine by exactly one tick, evaluating the
// priority-ordered rules below top to bottom and returning on the first
// match. It mutates run.Runtime directly; callers persist the run
// afterward under the per-run lock.
func Step(run *types.Run, in TickInput) StepResult {
	rt := &run.Runtime

	// UNKNOWN bookkeeping first: the streak is what jobGone and rule 9
	// consult, and it must count every tick the scheduler has no row for
	// a job we believe exists, whichever rule ends up matching.
	if rt.JobID != "" && !in.JobObserved {
		rt.UnknownStreak++
	} else {
		rt.UnknownStreak = 0
	}

	// Rule 0: a pending restart request (operator control surface). This
	// is not one of the ten numbered transitions below it — restart is
	// delivered out-of-band via a fresh requested_restart_token in
	// control.json, consumed here ahead of every other rule (including a
	// terminal run: the caller re-enters Step for a TERMINAL run only
	// when a restart token is pending). Keep cancelling until the
	// scheduler confirms the job gone; then clear the run's counters and
	// arm a fresh submission.
	if restartPending(rt, in.Control) {
		if !jobGone(run, in) {
			rt.State = types.StateCancelling
			return StepResult{Action: ActionCancel}
		}
		token := in.Control.RequestedRestartToken
		*rt = types.Runtime{ConsumedRestartToken: token, State: types.StateSubmitPending}
		return StepResult{Action: ActionSubmit, ClearEndedMarker: true}
	}

	// Rule 1: stop_requested. TERMINAL is written only once the
	// allocation is confirmed gone (scheduler terminal state, or the
	// lookup window exhausted with no observation at all).
	if in.Control != nil && in.Control.StopRequested {
		if !jobGone(run, in) {
			rt.State = types.StateCancelling
			return StepResult{Action: ActionCancel}
		}
		rt.State = types.StateTerminal
		return StepResult{Ended: true, EndedReason: types.EndStoppedManual}
	}

	// Rule 2: paused. Cancel whatever is still live and hold in BACKOFF
	// until unpaused. A job cancelled by the pause itself must not count
	// as a failure, so once the scheduler confirms it gone the job id is
	// dropped here — before rules 5/6 ever get to classify the CANCELLED
	// observation on a later (unpaused) tick.
	paused := in.Control != nil && in.Control.Paused
	if paused {
		if !jobGone(run, in) {
			rt.State = types.StateBackoff
			return StepResult{Action: ActionCancel}
		}
		rt.JobID = ""
		rt.State = types.StateBackoff
		return StepResult{Action: ActionNone}
	}

	// Rule 3: indefinite keep-alive window expiry.
	if run.RunMode == types.RunModeIndefinite && run.Policy.KeepAliveSec > 0 &&
		!rt.RunStartedAt.IsZero() && in.Now.Sub(rt.RunStartedAt) >= time.Duration(run.Policy.KeepAliveSec)*time.Second {
		if !jobGone(run, in) {
			rt.State = types.StateCancelling
			return StepResult{Action: ActionCancel}
		}
		rt.State = types.StateTerminal
		return StepResult{Ended: true, EndedReason: types.EndWindowExpired}
	}

	// Rule 4: run_once retry budget exhausted. Gated on job_id being
	// empty: submission_count is incremented at submit time, ahead of
	// that attempt's own outcome, so the budget-exhausting submission
	// must still be allowed to run and have its failure classified by
	// rules 5/6 (which clear job_id) before this rule ends the run.
	if run.RunMode == types.RunModeOnce && rt.SubmissionCount > run.Policy.MaxRetries && rt.JobID == "" {
		rt.State = types.StateTerminal
		return StepResult{Ended: true, EndedReason: types.EndMaxRetries}
	}

	// Rule 5: scheduler COMPLETED. The exit code is trusted only once
	// sacct has supplied the terminal row; squeue has no exit column, so
	// a zero SchedExit without AccountingOK proves nothing.
	if in.JobObserved && in.SchedState == types.SchedCompleted {
		if run.RunMode == types.RunModeOnce && in.HasFinalMarker && in.AccountingOK && in.SchedExit == 0 {
			rt.State = types.StateTerminal
			return StepResult{Ended: true, EndedReason: types.EndSuccess}
		}
		return classifyFailure(run, in)
	}

	// Rule 6: scheduler FAILED/CANCELLED/TIMEOUT/PREEMPTED.
	if in.JobObserved && isTerminalFailureState(in.SchedState) {
		return classifyFailure(run, in)
	}

	// Rule 7: scheduler RUNNING.
	if in.JobObserved && in.SchedState == types.SchedRunning {
		inStartupGrace := in.Now.Sub(rt.LastSubmitAt) < time.Duration(run.Policy.HeartbeatGraceSec)*time.Second
		if inStartupGrace {
			rt.State = types.StateRunning
			return StepResult{Action: ActionNone}
		}

		heartbeatStale := !in.HeartbeatPresent || in.Now.Sub(in.HeartbeatAt) > time.Duration(run.Policy.HeartbeatGraceSec)*time.Second
		progressStale := run.Policy.ProgressStallSec > 0 && in.ProgressPresent &&
			in.Now.Sub(in.ProgressAt) > time.Duration(run.Policy.ProgressStallSec)*time.Second

		if heartbeatStale || progressStale {
			rt.State = types.StateCancelling
			return StepResult{Action: ActionCancel, Failed: true, SoftFailure: true, FailureKind: types.FailureUnknown}
		}

		if rt.RunningSince.IsZero() {
			rt.RunningSince = in.Now
		}
		resetFailures(run, in.Now)
		rt.State = types.StateRunning
		return StepResult{Action: ActionNone}
	}

	// Rule 8: scheduler PENDING.
	if in.JobObserved && in.SchedState == types.SchedPending {
		rt.State = types.StateQueued
		return StepResult{Action: ActionNone}
	}

	// Rule 9: scheduler UNKNOWN past the lookup window. The streak was
	// already advanced at the top of Step.
	if rt.JobID != "" && !in.JobObserved {
		if rt.UnknownStreak >= lookupWindow(run.Policy) {
			return classifyFailure(run, in)
		}
		return StepResult{Action: ActionNone}
	}

	// Rule 10: BACKOFF and due for resubmission.
	if rt.State == types.StateBackoff && !in.Now.Before(rt.NextSubmitAt) {
		rt.State = types.StateSubmitPending
		return StepResult{Action: ActionSubmit}
	}

	if rt.State == "" {
		rt.State = types.StateInit
	}
	if rt.JobID == "" && (rt.State == types.StateInit || rt.State == types.StateSubmitPending) {
		rt.State = types.StateSubmitPending
		return StepResult{Action: ActionSubmit}
	}

	return StepResult{Action: ActionNone}
}

// restartPending reports whether control carries a requested_restart_token
// the run has not yet consumed.
func restartPending(rt *types.Runtime, control *types.ControlSignals) bool {
	return control != nil && control.RequestedRestartToken != "" &&
		control.RequestedRestartToken != rt.ConsumedRestartToken
}

// lookupWindow is the UNKNOWN give-up bound in ticks.
func lookupWindow(p types.Policy) int {
	if p.UnknownLookupWindowTicks > 0 {
		return p.UnknownLookupWindowTicks
	}
	return 10
}

// jobGone reports whether the run's allocation can be considered gone
// for good: no job id recorded, the scheduler reporting it in a terminal
// state, or the lookup window exhausted without any observation. Rules
// that must not act while an allocation may still be live (restart,
// stop, pause, window expiry) gate on this rather than on the
// supervisor's own state, since only the scheduler snapshot can confirm
// the job has actually left the queue.
func jobGone(run *types.Run, in TickInput) bool {
	rt := &run.Runtime
	if rt.JobID == "" {
		return true
	}
	if in.JobObserved {
		return in.SchedState == types.SchedCompleted || isTerminalFailureState(in.SchedState)
	}
	return rt.UnknownStreak >= lookupWindow(run.Policy)
}

func isTerminalFailureState(s types.SchedulerState) bool {
	switch s {
	case types.SchedFailed, types.SchedCancelled, types.SchedTimeout, types.SchedPreempted:
		return true
	default:
		return false
	}
}

// resetFailures implements the ResetOnHeartbeat/MinUptimeForResetSec
// policy: by default a fresh heartbeat after entering RUNNING
// immediately clears the streak; when
// ResetOnHeartbeat is false, MinUptimeForResetSec of continuous RUNNING
// must elapse first.
func resetFailures(run *types.Run, now time.Time) {
	rt := &run.Runtime
	if rt.ConsecutiveFailures == 0 {
		return
	}
	if run.Policy.ResetOnHeartbeat {
		rt.ConsecutiveFailures = 0
		return
	}
	if !rt.RunningSince.IsZero() && now.Sub(rt.RunningSince) >= time.Duration(run.Policy.MinUptimeForResetSec)*time.Second {
		rt.ConsecutiveFailures = 0
	}
}

// classifyFailure handles a terminal or scheduler-reported failure:
// increments counters, computes backoff with jitter, advances the
// partition, and reports the failure kind so the caller can decide
// whether to blacklist.
func classifyFailure(run *types.Run, in TickInput) StepResult {
	rt := &run.Runtime

	kind := types.FailureUnknown
	node := in.SchedNode
	if in.HasFailureRecord {
		kind = in.FailureRecord.Kind
		if in.FailureRecord.Node != "" {
			node = in.FailureRecord.Node
		}
	}

	rt.ConsecutiveFailures++
	if rt.PartitionFailureCounts == nil {
		rt.PartitionFailureCounts = map[string]int{}
	}
	if rt.Partition != "" {
		rt.PartitionFailureCounts[rt.Partition]++
	}

	delay := backoffDelay(run.Policy, rt.ConsecutiveFailures)
	rt.NextSubmitAt = in.Now.Add(delay)
	rt.State = types.StateBackoff
	rt.JobID = ""
	rt.UnknownStreak = 0
	rt.RunningSince = time.Time{}

	advancePartition(run, in.Now)

	return StepResult{
		Failed:      true,
		FailureKind: kind,
		FailureNode: node,
	}
}

// backoffDelay computes min(backoff_max_sec, backoff_base_sec *
// 2^(consecutive_failures-1)) with +/-20% jitter.
func backoffDelay(p types.Policy, consecutiveFailures int) time.Duration {
	if consecutiveFailures < 1 {
		consecutiveFailures = 1
	}
	base := p.BackoffBaseSec
	maxSec := p.BackoffMaxSec
	exp := consecutiveFailures - 1
	if exp > 32 {
		exp = 32 // guard against overflow; backoff is already capped below
	}
	delaySec := base
	for i := 0; i < exp; i++ {
		delaySec *= 2
		if delaySec >= maxSec {
			delaySec = maxSec
			break
		}
	}
	if delaySec > maxSec {
		delaySec = maxSec
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2) // +/-20%
	return time.Duration(float64(delaySec)*jitter) * time.Second
}
