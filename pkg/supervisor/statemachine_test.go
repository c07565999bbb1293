package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiwanchung/shepherd/pkg/types"
)

func baseRun(mode types.RunMode) *types.Run {
	return &types.Run{
		RunID:   "run-x",
		RunMode: mode,
		Submission: types.Submission{
			ScriptPath: "/job.sh",
			Partitions: []string{"gpu"},
		},
		Policy: types.DefaultPolicy(),
	}
}

func TestStepFreshRunSubmits(t *testing.T) {
	run := baseRun(types.RunModeOnce)
	result := Step(run, TickInput{Now: time.Now()})
	assert.Equal(t, ActionSubmit, result.Action)
	assert.Equal(t, types.StateSubmitPending, run.Runtime.State)
}

func TestStepStopRequestedCancelsLiveJob(t *testing.T) {
	run := baseRun(types.RunModeOnce)
	run.Runtime.JobID = "1"
	run.Runtime.State = types.StateRunning

	result := Step(run, TickInput{Now: time.Now(), Control: &types.ControlSignals{StopRequested: true}})
	assert.Equal(t, ActionCancel, result.Action)
	assert.Equal(t, types.StateCancelling, run.Runtime.State)
	assert.False(t, result.Ended)
}

func TestStepStopRequestedEndsOnceJobGone(t *testing.T) {
	run := baseRun(types.RunModeOnce)
	run.Runtime.State = types.StateCancelling

	result := Step(run, TickInput{Now: time.Now(), Control: &types.ControlSignals{StopRequested: true}})
	assert.True(t, result.Ended)
	assert.Equal(t, types.EndStoppedManual, result.EndedReason)
	assert.Equal(t, types.StateTerminal, run.Runtime.State)
}

func TestStepStopKeepsCancellingWhileJobStillObserved(t *testing.T) {
	// A stop must not terminalize the run while the scheduler still
	// reports the allocation live: keep issuing the cancel instead.
	run := baseRun(types.RunModeOnce)
	run.Runtime.JobID = "1"
	run.Runtime.State = types.StateCancelling

	result := Step(run, TickInput{
		Now:         time.Now(),
		JobObserved: true,
		SchedState:  types.SchedRunning,
		Control:     &types.ControlSignals{StopRequested: true},
	})
	assert.Equal(t, ActionCancel, result.Action)
	assert.False(t, result.Ended)
	assert.Equal(t, types.StateCancelling, run.Runtime.State)
}

func TestStepStopEndsOnceSchedulerConfirmsCancelled(t *testing.T) {
	run := baseRun(types.RunModeOnce)
	run.Runtime.JobID = "1"
	run.Runtime.State = types.StateCancelling

	result := Step(run, TickInput{
		Now:         time.Now(),
		JobObserved: true,
		SchedState:  types.SchedCancelled,
		Control:     &types.ControlSignals{StopRequested: true},
	})
	assert.True(t, result.Ended)
	assert.Equal(t, types.EndStoppedManual, result.EndedReason)
}

func TestStepPausedCancelsAndHoldsWithoutFailure(t *testing.T) {
	run := baseRun(types.RunModeIndefinite)
	run.Runtime.JobID = "1"
	run.Runtime.State = types.StateRunning
	run.Runtime.ConsecutiveFailures = 0

	result := Step(run, TickInput{Now: time.Now(), Control: &types.ControlSignals{Paused: true}})
	assert.Equal(t, ActionCancel, result.Action)
	assert.Equal(t, types.StateBackoff, run.Runtime.State)
	assert.False(t, result.Failed)
	assert.Equal(t, 0, run.Runtime.ConsecutiveFailures)
}

func TestStepPausedWithNoLiveJobStaysBackoffWithoutAction(t *testing.T) {
	run := baseRun(types.RunModeIndefinite)
	run.Runtime.State = types.StateBackoff

	result := Step(run, TickInput{Now: time.Now(), Control: &types.ControlSignals{Paused: true}})
	assert.Equal(t, ActionNone, result.Action)
	assert.Equal(t, types.StateBackoff, run.Runtime.State)
}

func TestStepPausedAbsorbsItsOwnCancelledJob(t *testing.T) {
	// The CANCELLED observation of a job the pause itself cancelled is
	// consumed while paused, so it is never classified as a failure by
	// rules 5/6 once the run is unpaused.
	run := baseRun(types.RunModeIndefinite)
	run.Runtime.JobID = "1"
	run.Runtime.State = types.StateBackoff

	result := Step(run, TickInput{
		Now:         time.Now(),
		JobObserved: true,
		SchedState:  types.SchedCancelled,
		Control:     &types.ControlSignals{Paused: true},
	})
	assert.False(t, result.Failed)
	assert.Equal(t, "", run.Runtime.JobID)
	assert.Equal(t, 0, run.Runtime.ConsecutiveFailures)

	// Unpaused tick: nothing left to classify, the run just resubmits.
	result = Step(run, TickInput{Now: time.Now()})
	assert.False(t, result.Failed)
	assert.Equal(t, ActionSubmit, result.Action)
}

func TestStepIndefiniteKeepAliveWindowExpires(t *testing.T) {
	run := baseRun(types.RunModeIndefinite)
	run.Policy.KeepAliveSec = 3600
	run.Runtime.RunStartedAt = time.Now().Add(-2 * time.Hour)
	run.Runtime.State = types.StateBackoff

	result := Step(run, TickInput{Now: time.Now()})
	assert.True(t, result.Ended)
	assert.Equal(t, types.EndWindowExpired, result.EndedReason)
}

func TestStepIndefiniteKeepAliveZeroDisablesWindowCheck(t *testing.T) {
	// keep_alive_sec = 0 disables the window check entirely: rule 3 never
	// ends such a run. Its terminal scheduler observations go to the
	// COMPLETED/failure rules, which classify a failure and resubmit; they
	// do not end the run.
	run := baseRun(types.RunModeIndefinite)
	run.Policy.KeepAliveSec = 0
	run.Runtime.RunStartedAt = time.Now().Add(-10 * time.Hour)
	run.Runtime.JobID = "1"
	run.Runtime.State = types.StateRunning

	result := Step(run, TickInput{Now: time.Now()})
	assert.False(t, result.Ended, "rule 3 must not fire when keep_alive_sec is 0")
}

func TestStepRunOnceMaxRetriesExhausted(t *testing.T) {
	run := baseRun(types.RunModeOnce)
	run.Policy.MaxRetries = 3
	run.Runtime.SubmissionCount = 4

	result := Step(run, TickInput{Now: time.Now()})
	assert.True(t, result.Ended)
	assert.Equal(t, types.EndMaxRetries, result.EndedReason)
}

func TestStepMaxRetriesZeroMakesFirstFailureTerminal(t *testing.T) {
	run := baseRun(types.RunModeOnce)
	run.Policy.MaxRetries = 0
	run.Runtime.SubmissionCount = 1
	run.Runtime.JobID = "1"
	run.Runtime.Partition = "gpu"
	run.Runtime.State = types.StateRunning

	// The sole attempt is still live (submission_count already exceeds
	// max_retries=0, but the job hasn't failed yet): it must be allowed
	// to run and be classified as a failure by rule 6, not killed
	// out from under itself by the retry-budget rule.
	result := Step(run, TickInput{
		Now:         time.Now(),
		JobObserved: true,
		SchedState:  types.SchedFailed,
	})
	require.True(t, result.Failed)
	assert.False(t, result.Ended)
	assert.Equal(t, types.StateBackoff, run.Runtime.State)

	// Next tick: the failing attempt has finished (no live job), so the
	// exhausted budget now ends the run rather than resubmitting.
	result = Step(run, TickInput{Now: time.Now()})
	assert.True(t, result.Ended)
	assert.Equal(t, types.EndMaxRetries, result.EndedReason)
}

func TestStepCompletedRunOnceSuccess(t *testing.T) {
	run := baseRun(types.RunModeOnce)
	run.Runtime.JobID = "1"
	run.Runtime.State = types.StateRunning

	result := Step(run, TickInput{
		Now:            time.Now(),
		JobObserved:    true,
		SchedState:     types.SchedCompleted,
		SchedExit:      0,
		AccountingOK:   true,
		HasFinalMarker: true,
	})
	assert.True(t, result.Ended)
	assert.Equal(t, types.EndSuccess, result.EndedReason)
	assert.Equal(t, types.StateTerminal, run.Runtime.State)
}

func TestStepCompletedWithoutFinalMarkerIsFailure(t *testing.T) {
	// Exit 0 alone is not success: final.json must also be present.
	run := baseRun(types.RunModeOnce)
	run.Runtime.JobID = "1"
	run.Runtime.Partition = "gpu"
	run.Runtime.State = types.StateRunning

	result := Step(run, TickInput{
		Now:            time.Now(),
		JobObserved:    true,
		SchedState:     types.SchedCompleted,
		SchedExit:      0,
		HasFinalMarker: false,
	})
	assert.False(t, result.Ended)
	assert.True(t, result.Failed)
	assert.Equal(t, types.StateBackoff, run.Runtime.State)
}

func TestStepIndefiniteCompletedIsAlwaysFailure(t *testing.T) {
	run := baseRun(types.RunModeIndefinite)
	run.Runtime.JobID = "1"
	run.Runtime.Partition = "gpu"
	run.Runtime.State = types.StateRunning

	result := Step(run, TickInput{
		Now:         time.Now(),
		JobObserved: true,
		SchedState:  types.SchedCompleted,
		SchedExit:   0,
	})
	assert.True(t, result.Failed)
	assert.False(t, result.Ended)
}

func TestStepTerminalSchedulerStatesClassifyAsFailure(t *testing.T) {
	for _, sched := range []types.SchedulerState{types.SchedFailed, types.SchedCancelled, types.SchedTimeout, types.SchedPreempted} {
		run := baseRun(types.RunModeOnce)
		run.Runtime.JobID = "1"
		run.Runtime.Partition = "gpu"
		run.Runtime.State = types.StateRunning

		result := Step(run, TickInput{Now: time.Now(), JobObserved: true, SchedState: sched})
		assert.True(t, result.Failed, "sched state %s should classify as failure", sched)
		assert.Equal(t, types.StateBackoff, run.Runtime.State)
		assert.Equal(t, "", run.Runtime.JobID, "job id must be cleared so a fresh submission can occur")
	}
}

func TestStepHeartbeatStaleExactlyAtGraceIsNotStale(t *testing.T) {
	// Staleness is a strict ">": age exactly equal to
	// heartbeat_grace_sec is NOT stale.
	run := baseRun(types.RunModeOnce)
	run.Runtime.JobID = "1"
	run.Runtime.State = types.StateRunning
	run.Runtime.LastSubmitAt = time.Now().Add(-time.Hour)

	now := time.Now()
	hbAt := now.Add(-time.Duration(run.Policy.HeartbeatGraceSec) * time.Second)

	result := Step(run, TickInput{
		Now:              now,
		JobObserved:      true,
		SchedState:       types.SchedRunning,
		HeartbeatPresent: true,
		HeartbeatAt:      hbAt,
	})
	assert.Equal(t, ActionNone, result.Action)
	assert.False(t, result.Failed)
	assert.Equal(t, types.StateRunning, run.Runtime.State)
}

func TestStepHeartbeatStaleOneSecondPastGraceCancels(t *testing.T) {
	run := baseRun(types.RunModeOnce)
	run.Runtime.JobID = "1"
	run.Runtime.State = types.StateRunning
	run.Runtime.LastSubmitAt = time.Now().Add(-time.Hour)

	now := time.Now()
	hbAt := now.Add(-time.Duration(run.Policy.HeartbeatGraceSec+1) * time.Second)

	result := Step(run, TickInput{
		Now:              now,
		JobObserved:      true,
		SchedState:       types.SchedRunning,
		HeartbeatPresent: true,
		HeartbeatAt:      hbAt,
	})
	assert.Equal(t, ActionCancel, result.Action)
	assert.True(t, result.Failed)
	assert.True(t, result.SoftFailure, "a stall failure must never blacklist")
	assert.Equal(t, types.StateCancelling, run.Runtime.State)
}

func TestStepHeartbeatStartupGraceTolerated(t *testing.T) {
	run := baseRun(types.RunModeOnce)
	run.Runtime.JobID = "1"
	run.Runtime.State = types.StateQueued
	run.Runtime.LastSubmitAt = time.Now().Add(-1 * time.Second)

	result := Step(run, TickInput{
		Now:              time.Now(),
		JobObserved:      true,
		SchedState:       types.SchedRunning,
		HeartbeatPresent: false,
	})
	assert.Equal(t, ActionNone, result.Action)
	assert.False(t, result.Failed)
	assert.Equal(t, types.StateRunning, run.Runtime.State)
}

func TestStepProgressStallCancelsWhenConfigured(t *testing.T) {
	run := baseRun(types.RunModeOnce)
	run.Policy.ProgressStallSec = 60
	run.Runtime.JobID = "1"
	run.Runtime.State = types.StateRunning
	run.Runtime.LastSubmitAt = time.Now().Add(-time.Hour)

	now := time.Now()
	result := Step(run, TickInput{
		Now:              now,
		JobObserved:      true,
		SchedState:       types.SchedRunning,
		HeartbeatPresent: true,
		HeartbeatAt:      now,
		ProgressPresent:  true,
		ProgressAt:       now.Add(-120 * time.Second),
	})
	assert.True(t, result.Failed)
	assert.True(t, result.SoftFailure)
}

func TestStepProgressStallIgnoredWhenStallSecIsZero(t *testing.T) {
	run := baseRun(types.RunModeOnce)
	run.Policy.ProgressStallSec = 0
	run.Runtime.JobID = "1"
	run.Runtime.State = types.StateRunning
	run.Runtime.LastSubmitAt = time.Now().Add(-time.Hour)

	now := time.Now()
	result := Step(run, TickInput{
		Now:              now,
		JobObserved:      true,
		SchedState:       types.SchedRunning,
		HeartbeatPresent: true,
		HeartbeatAt:      now,
		ProgressPresent:  true,
		ProgressAt:       now.Add(-100000 * time.Second),
	})
	assert.False(t, result.Failed)
	assert.Equal(t, types.StateRunning, run.Runtime.State)
}

func TestStepRunningResetsConsecutiveFailuresOnFreshHeartbeat(t *testing.T) {
	run := baseRun(types.RunModeOnce)
	run.Runtime.JobID = "1"
	run.Runtime.State = types.StateRunning
	run.Runtime.LastSubmitAt = time.Now().Add(-time.Hour)
	run.Runtime.ConsecutiveFailures = 2

	now := time.Now()
	Step(run, TickInput{
		Now:              now,
		JobObserved:      true,
		SchedState:       types.SchedRunning,
		HeartbeatPresent: true,
		HeartbeatAt:      now,
	})
	assert.Equal(t, 0, run.Runtime.ConsecutiveFailures)
}

func TestStepRunningDoesNotResetFailuresBeforeMinUptime(t *testing.T) {
	run := baseRun(types.RunModeOnce)
	run.Policy.ResetOnHeartbeat = false
	run.Policy.MinUptimeForResetSec = 300
	run.Runtime.JobID = "1"
	run.Runtime.State = types.StateRunning
	run.Runtime.LastSubmitAt = time.Now().Add(-time.Hour)
	run.Runtime.RunningSince = time.Now().Add(-10 * time.Second)
	run.Runtime.ConsecutiveFailures = 2

	now := time.Now()
	Step(run, TickInput{
		Now:              now,
		JobObserved:      true,
		SchedState:       types.SchedRunning,
		HeartbeatPresent: true,
		HeartbeatAt:      now,
	})
	assert.Equal(t, 2, run.Runtime.ConsecutiveFailures, "streak must not reset before min uptime elapses")
}

func TestStepPendingMovesToQueued(t *testing.T) {
	run := baseRun(types.RunModeOnce)
	run.Runtime.JobID = "1"
	run.Runtime.State = types.StateSubmitPending

	result := Step(run, TickInput{Now: time.Now(), JobObserved: true, SchedState: types.SchedPending})
	assert.Equal(t, ActionNone, result.Action)
	assert.Equal(t, types.StateQueued, run.Runtime.State)
}

func TestStepUnknownStaysPutUntilLookupWindowElapses(t *testing.T) {
	run := baseRun(types.RunModeOnce)
	run.Policy.UnknownLookupWindowTicks = 3
	run.Runtime.JobID = "1"
	run.Runtime.Partition = "gpu"
	run.Runtime.State = types.StateRunning

	for i := 0; i < 2; i++ {
		result := Step(run, TickInput{Now: time.Now(), JobObserved: false})
		assert.False(t, result.Failed, "tick %d should not yet classify as failure", i+1)
	}
	result := Step(run, TickInput{Now: time.Now(), JobObserved: false})
	assert.True(t, result.Failed, "third consecutive UNKNOWN should hit the lookup window")
}

func TestStepBackoffResubmitsOnceDue(t *testing.T) {
	run := baseRun(types.RunModeOnce)
	run.Runtime.State = types.StateBackoff
	run.Runtime.NextSubmitAt = time.Now().Add(-time.Second)

	result := Step(run, TickInput{Now: time.Now()})
	assert.Equal(t, ActionSubmit, result.Action)
	assert.Equal(t, types.StateSubmitPending, run.Runtime.State)
}

func TestStepBackoffWaitsUntilDue(t *testing.T) {
	run := baseRun(types.RunModeOnce)
	run.Runtime.State = types.StateBackoff
	run.Runtime.NextSubmitAt = time.Now().Add(time.Hour)

	result := Step(run, TickInput{Now: time.Now()})
	assert.Equal(t, ActionNone, result.Action)
	assert.Equal(t, types.StateBackoff, run.Runtime.State)
}

func TestStepNodeFaultFailureCarriesKindAndNode(t *testing.T) {
	run := baseRun(types.RunModeOnce)
	run.Runtime.JobID = "1"
	run.Runtime.Partition = "gpu"
	run.Runtime.State = types.StateRunning

	result := Step(run, TickInput{
		Now:              time.Now(),
		JobObserved:      true,
		SchedState:       types.SchedFailed,
		HasFailureRecord: true,
		FailureRecord:    types.FailureRecord{Kind: types.FailureNodeFault, Node: "node09"},
	})
	assert.True(t, result.Failed)
	assert.False(t, result.SoftFailure)
	assert.Equal(t, types.FailureNodeFault, result.FailureKind)
	assert.Equal(t, "node09", result.FailureNode)
	assert.Equal(t, 1, run.Runtime.ConsecutiveFailures)
	assert.Equal(t, 1, run.Runtime.PartitionFailureCounts["gpu"])
}

func TestStepRestartPendingConsumesTokenAndClearsRuntime(t *testing.T) {
	run := baseRun(types.RunModeOnce)
	run.Runtime.State = types.StateTerminal
	run.Runtime.ConsecutiveFailures = 7
	run.Runtime.ConsumedRestartToken = "old-token"

	result := Step(run, TickInput{
		Now:     time.Now(),
		Control: &types.ControlSignals{RequestedRestartToken: "new-token"},
	})
	assert.Equal(t, ActionSubmit, result.Action)
	assert.True(t, result.ClearEndedMarker)
	assert.Equal(t, types.StateSubmitPending, run.Runtime.State)
	assert.Equal(t, "new-token", run.Runtime.ConsumedRestartToken)
	assert.Equal(t, 0, run.Runtime.ConsecutiveFailures)
}

func TestStepRestartPendingCancelsLiveJobFirst(t *testing.T) {
	run := baseRun(types.RunModeOnce)
	run.Runtime.JobID = "1"
	run.Runtime.State = types.StateRunning

	result := Step(run, TickInput{
		Now:         time.Now(),
		JobObserved: true,
		SchedState:  types.SchedRunning,
		Control:     &types.ControlSignals{RequestedRestartToken: "tok"},
	})
	assert.Equal(t, ActionCancel, result.Action)
	assert.Equal(t, types.StateCancelling, run.Runtime.State)
}

func TestStepRestartConsumedOnceSchedulerConfirmsCancelled(t *testing.T) {
	// sacct reports a cancelled job's CANCELLED row forever; that row is
	// confirmation the allocation is gone, so the restart must consume
	// the token and resubmit rather than keep cancelling.
	run := baseRun(types.RunModeOnce)
	run.Runtime.JobID = "1"
	run.Runtime.State = types.StateCancelling

	result := Step(run, TickInput{
		Now:         time.Now(),
		JobObserved: true,
		SchedState:  types.SchedCancelled,
		Control:     &types.ControlSignals{RequestedRestartToken: "tok"},
	})
	assert.Equal(t, ActionSubmit, result.Action)
	assert.True(t, result.ClearEndedMarker)
	assert.Equal(t, "", run.Runtime.JobID)
	assert.Equal(t, "tok", run.Runtime.ConsumedRestartToken)
}

func TestStepRestartSameTokenIsNotReconsumed(t *testing.T) {
	run := baseRun(types.RunModeOnce)
	run.Runtime.State = types.StateTerminal
	run.Runtime.ConsumedRestartToken = "tok"

	result := Step(run, TickInput{
		Now:     time.Now(),
		Control: &types.ControlSignals{RequestedRestartToken: "tok"},
	})
	assert.False(t, result.Ended)
	assert.False(t, result.ClearEndedMarker)
	assert.Equal(t, ActionNone, result.Action)
}

func TestBackoffDelayMonotonicUntilCap(t *testing.T) {
	p := types.DefaultPolicy()
	p.BackoffBaseSec = 10
	p.BackoffMaxSec = 100

	// Allow for jitter by checking one sample per failure count against
	// [0.8x, 1.2x] of the expected unjittered value; the expected sequence
	// itself is non-decreasing up to the cap.
	expected := []int64{10, 20, 40, 80, 100, 100}
	for i, want := range expected {
		n := i + 1
		d := backoffDelay(p, n)
		lo := time.Duration(float64(want)*0.8) * time.Second
		hi := time.Duration(float64(want)*1.2) * time.Second
		assert.GreaterOrEqualf(t, d, lo, "failures=%d", n)
		assert.LessOrEqualf(t, d, hi, "failures=%d", n)
	}
}

func TestBackoffDelayNeverExceedsMax(t *testing.T) {
	p := types.DefaultPolicy()
	p.BackoffBaseSec = 30
	p.BackoffMaxSec = 1800
	d := backoffDelay(p, 50)
	assert.LessOrEqual(t, d, time.Duration(float64(p.BackoffMaxSec)*1.2)*time.Second)
}
