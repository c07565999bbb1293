// Package slurm wraps the Slurm CLI (sbatch, squeue, sacct, scancel) as
// the only scheduler binding Shepherd ships. Every call goes through
// exec.CommandContext with a bounded timeout and captures stdout/stderr
// into buffers, classifying each invocation into an
// {ok, timeout, transient_error, fatal_error} outcome so the
// supervisor's state machine can tell "the scheduler is having a bad
// day, retry" apart from "this job will never run, give up." Query and
// Accounting are batched across every job id the supervisor is
// currently watching, per tick, so a tick never issues more than one
// squeue and one sacct call regardless of run count.
package slurm

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jiwanchung/shepherd/pkg/metrics"
	"github.com/jiwanchung/shepherd/pkg/types"
)

// Outcome classifies how a scheduler CLI invocation went, independent of
// whatever domain-level parsing follows.
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeTransientError Outcome = "transient_error"
	OutcomeFatalError     Outcome = "fatal_error"
)

// Client issues Slurm CLI commands on behalf of the supervisor.
type Client struct {
	SbatchBin  string
	SqueueBin  string
	SacctBin   string
	ScancelBin string
	Timeout    time.Duration
}

// NewClient builds a Client from resolved binary paths and a per-call
// timeout.
func NewClient(sbatch, squeue, sacct, scancel string, timeout time.Duration) *Client {
	return &Client{
		SbatchBin:  sbatch,
		SqueueBin:  squeue,
		SacctBin:   sacct,
		ScancelBin: scancel,
		Timeout:    timeout,
	}
}

// run executes name with args under the client's timeout, recording
// duration and outcome metrics under the given command label.
func (c *Client) run(ctx context.Context, label, name string, args ...string) (stdout string, outcome Outcome, err error) {
	runCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	timer := metrics.NewTimer()
	cmd := exec.CommandContext(runCtx, name, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	timer.ObserveDurationVec(metrics.SchedulerCallDuration, label)

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		outcome = OutcomeTimeout
		err = fmt.Errorf("slurm: %s timed out after %s", label, c.Timeout)
	case runErr == nil:
		outcome = OutcomeOK
	default:
		outcome, err = classifyExitError(label, runErr, errBuf.String())
	}

	metrics.SchedulerCallsTotal.WithLabelValues(label, string(outcome)).Inc()
	return outBuf.String(), outcome, err
}

// classifyExitError distinguishes a transient scheduler hiccup (daemon
// unreachable, connection refused, temporarily unavailable) from a fatal
// one (bad script, unknown partition, invalid argument) by stderr text,
// which is all exec.Cmd gives us from a CLI scheduler.
func classifyExitError(label string, runErr error, stderr string) (Outcome, error) {
	lower := strings.ToLower(stderr)
	transientMarkers := []string{
		"unable to contact", "connection refused", "socket timed out",
		"temporarily unavailable", "slurmctld", "communication connection failure",
	}
	for _, m := range transientMarkers {
		if strings.Contains(lower, m) {
			return OutcomeTransientError, fmt.Errorf("slurm: %s transient failure: %s", label, strings.TrimSpace(stderr))
		}
	}
	return OutcomeFatalError, fmt.Errorf("slurm: %s failed: %s (%v)", label, strings.TrimSpace(stderr), runErr)
}

var submittedJobRe = regexp.MustCompile(`Submitted batch job (\d+)`)

// SubmitResult is the outcome of an sbatch invocation.
type SubmitResult struct {
	JobID   string
	Outcome Outcome
}

// Submit runs sbatch against scriptPath for the given partition, excluding
// excludeNodes (the blacklist's current top-K, already capped by the
// caller), and returns the assigned job id on success. Output is parsed
// per the "Submitted batch job <N>" contract rather than --parsable, to
// match the exact scheduler invocation the operator's cluster expects.
func (c *Client) Submit(ctx context.Context, scriptPath, partition string, excludeNodes, extraArgs []string) (SubmitResult, error) {
	var args []string
	if partition != "" {
		args = append(args, "--partition="+partition)
	}
	if len(excludeNodes) > 0 {
		args = append(args, "--exclude="+strings.Join(excludeNodes, ","))
	}
	args = append(args, extraArgs...)
	args = append(args, scriptPath)

	out, outcome, err := c.run(ctx, "sbatch", c.SbatchBin, args...)
	if err != nil {
		return SubmitResult{Outcome: outcome}, err
	}
	m := submittedJobRe.FindStringSubmatch(out)
	if m == nil {
		return SubmitResult{Outcome: OutcomeFatalError}, fmt.Errorf("slurm: sbatch returned unrecognized output: %q", out)
	}
	return SubmitResult{JobID: m[1], Outcome: OutcomeOK}, nil
}

// QueueStatus is one job's state as reported by squeue while it is still
// queued or running.
type QueueStatus struct {
	State     SchedulerState
	Reason    string
	Partition string
	Node      string
}

// Query runs a single batched squeue call covering every jobID. A job
// squeue doesn't know about (already left the queue) is simply absent
// from the returned map — the caller's cue to fall back to Accounting —
// not an error.
func (c *Client) Query(ctx context.Context, jobIDs []string) (map[string]QueueStatus, Outcome, error) {
	result := make(map[string]QueueStatus, len(jobIDs))
	if len(jobIDs) == 0 {
		return result, OutcomeOK, nil
	}
	out, outcome, err := c.run(ctx, "squeue", c.SqueueBin,
		"--noheader", "-o", "%i|%T|%R|%P|%N", "--jobs="+strings.Join(jobIDs, ","))
	if err != nil {
		return nil, outcome, err
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "|", 5)
		if len(fields) < 5 {
			continue
		}
		result[fields[0]] = QueueStatus{
			State:     mapSlurmState(fields[1]),
			Reason:    fields[2],
			Partition: fields[3],
			Node:      fields[4],
		}
	}
	return result, OutcomeOK, nil
}

// AccountingStatus is a completed job's final state as reported by sacct.
type AccountingStatus struct {
	State    SchedulerState
	ExitCode int
	Node     string
}

// Accounting runs a single batched sacct call for every jobID that has
// left squeue's view, which is the authority on a job's final state.
func (c *Client) Accounting(ctx context.Context, jobIDs []string) (map[string]AccountingStatus, Outcome, error) {
	result := make(map[string]AccountingStatus, len(jobIDs))
	if len(jobIDs) == 0 {
		return result, OutcomeOK, nil
	}
	out, outcome, err := c.run(ctx, "sacct", c.SacctBin,
		"-P", "-n", "-o", "JobID,State,ExitCode,NodeList", "-j", strings.Join(jobIDs, ","))
	if err != nil {
		return nil, outcome, err
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 4 {
			continue
		}
		jobID := fields[0]
		// sacct emits one line per job step (e.g. "123", "123.batch",
		// "123.extern"); only the bare job id line carries the job's
		// own terminal state, the step lines are ignored.
		if strings.Contains(jobID, ".") {
			continue
		}
		if _, exists := result[jobID]; exists {
			continue
		}
		result[jobID] = AccountingStatus{
			State:    mapSlurmState(strings.Fields(fields[1])[0]),
			ExitCode: parseExitCode(fields[2]),
			Node:     fields[3],
		}
	}
	return result, OutcomeOK, nil
}

// Cancel runs scancel for jobID. Cancelling an already-finished job is not
// an error as far as the supervisor is concerned.
func (c *Client) Cancel(ctx context.Context, jobID string) (Outcome, error) {
	_, outcome, err := c.run(ctx, "scancel", c.ScancelBin, jobID)
	return outcome, err
}

func parseExitCode(raw string) int {
	// sacct ExitCode is formatted "<code>:<signal>".
	parts := strings.SplitN(raw, ":", 2)
	code, err := strconv.Atoi(parts[0])
	if err != nil {
		return -1
	}
	return code
}

// SchedulerState is an alias so callers outside this package don't need
// to import both slurm and types for the same concept; the mapping
// target is the canonical enum in pkg/types.
type SchedulerState = types.SchedulerState

func mapSlurmState(raw string) SchedulerState {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PENDING", "PD", "CONFIGURING", "CF":
		return types.SchedPending
	case "RUNNING", "R", "COMPLETING", "CG":
		return types.SchedRunning
	case "COMPLETED", "CD":
		return types.SchedCompleted
	case "FAILED", "F", "NODE_FAIL", "NF", "BOOT_FAIL", "BF", "OUT_OF_MEMORY", "OOM":
		return types.SchedFailed
	case "CANCELLED", "CA":
		return types.SchedCancelled
	case "TIMEOUT", "TO", "DEADLINE", "DL":
		return types.SchedTimeout
	case "PREEMPTED", "PR":
		return types.SchedPreempted
	default:
		return types.SchedUnknown
	}
}
