// Package wrapper implements the compute-side half of Shepherd: the
// process launched inside a scheduler allocation that runs preflight
// probes, spawns the workload, emits heartbeats, and writes the
// structured markers the supervisor reads back. The only in-wrapper
// concurrency is the heartbeat goroutine running alongside the workload
// subprocess; the heartbeat file has a single writer, so no state is
// shared beyond the file itself.
package wrapper

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/jiwanchung/shepherd/pkg/log"
	"github.com/jiwanchung/shepherd/pkg/store"
	"github.com/jiwanchung/shepherd/pkg/types"
)

// Options configures one wrapper invocation.
type Options struct {
	RunID               string
	RunMode             types.RunMode
	HeartbeatInterval   time.Duration
	Workload            []string
	MIGExpectedDevices  int
	NvidiaSMIBin        string
	CUDASmokeHelperBin  string
}

// Run executes the full wrapper sequence and returns the process exit
// code the caller (cmd/shepherd-wrapper) should use.
func Run(ctx context.Context, st store.Store, opts Options) int {
	l := log.WithRunID(opts.RunID)

	if len(opts.Workload) == 0 {
		l.Error().Msg("no workload command given")
		return ExitWorkloadFailure
	}

	if code, failed := runPreflight(ctx, st, opts, l); failed {
		return code
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		heartbeatLoop(hbCtx, st, opts, l)
	}()

	exitCode, workloadErr := runWorkload(opts, l)

	stopHeartbeat()
	<-hbDone

	return finalize(st, opts, exitCode, workloadErr, l)
}

// runPreflight runs every probe in order, stopping at the first
// hard failure. BestEffort probes log and continue on a plain error
// instead of stopping the sequence.
func runPreflight(ctx context.Context, st store.Store, opts Options, l zerolog.Logger) (int, bool) {
	probes := []Prober{
		&GPUVisibilityProbe{NvidiaSMIBin: opts.NvidiaSMIBin},
		&CUDASmokeTestProbe{HelperBin: opts.CUDASmokeHelperBin},
		&MIGSanityProbe{NvidiaSMIBin: opts.NvidiaSMIBin, ExpectedDevices: opts.MIGExpectedDevices},
		&TrespasserProbe{NvidiaSMIBin: opts.NvidiaSMIBin},
	}

	for _, p := range probes {
		err := p.Check(ctx)
		if err == nil {
			continue
		}
		var pf *ProbeFailure
		if asProbeFailure(err, &pf) {
			rec := newFailureRecord(pf.ExitCode, kindForExitCode(pf.ExitCode), pf.Message)
			_ = st.WriteFailureRecord(opts.RunID, rec)
			return pf.ExitCode, true
		}
		if be, ok := p.(BestEffort); ok && be.BestEffort() {
			l.Warn().Err(err).Str("probe", p.Name()).Msg("best-effort probe inconclusive, continuing")
			continue
		}
		// A non-ProbeFailure error from a non-best-effort probe still
		// must not let the workload start against an unverified node.
		rec := newFailureRecord(ExitNodeFault, types.FailureNodeFault, err.Error())
		_ = st.WriteFailureRecord(opts.RunID, rec)
		return ExitNodeFault, true
	}
	return ExitOK, false
}

func asProbeFailure(err error, target **ProbeFailure) bool {
	pf, ok := err.(*ProbeFailure)
	if ok {
		*target = pf
	}
	return ok
}

func kindForExitCode(code int) types.FailureKind {
	switch code {
	case ExitNodeFault:
		return types.FailureNodeFault
	case ExitTrespasser:
		return types.FailureTrespasser
	case ExitCUDAFailure:
		return types.FailureCUDA
	default:
		return types.FailureWorkload
	}
}

// heartbeatLoop atomically overwrites the heartbeat file every interval
// until ctx is cancelled. The first beat is written immediately so the
// supervisor sees liveness before a full interval has elapsed.
func heartbeatLoop(ctx context.Context, st store.Store, opts Options, l zerolog.Logger) {
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	beat := func() {
		if err := st.WriteHeartbeat(opts.RunID, time.Now().Unix()); err != nil {
			l.Warn().Msg(fmt.Sprintf("heartbeat write failed: %v", err))
		}
	}
	beat()
	for {
		select {
		case <-ticker.C:
			beat()
		case <-ctx.Done():
			return
		}
	}
}

// runWorkload spawns the workload as a subprocess, forwarding SIGINT and
// SIGTERM to it so an external cancellation (e.g. scancel reaching the
// allocation) propagates, and waits for it to exit. The command is
// deliberately not bound to the wrapper's signal-cancelled context:
// that would add a second, hard-kill delivery path (exec.Cmd's default
// Cancel sends SIGKILL) racing the graceful relay below on the same
// signal. A workload that ignores the relayed signal is the scheduler's
// to clean up when it tears the allocation down.
func runWorkload(opts Options, l zerolog.Logger) (int, error) {
	cmd := exec.Command(opts.Workload[0], opts.Workload[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	if err := cmd.Start(); err != nil {
		return ExitWorkloadFailure, fmt.Errorf("starting workload: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigCh:
				if cmd.Process != nil {
					cmd.Process.Signal(sig)
				}
			case <-done:
				return
			}
		}
	}()

	err := cmd.Wait()
	close(done)

	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), err
	}
	return ExitWorkloadFailure, err
}

// finalize writes the terminal markers and returns the
// wrapper's own process exit code.
func finalize(st store.Store, opts Options, workloadExit int, workloadErr error, l zerolog.Logger) int {
	if workloadExit == 0 {
		if opts.RunMode == types.RunModeOnce {
			if err := st.WriteFinalMarker(opts.RunID); err != nil {
				fmt.Fprintf(os.Stderr, "shepherd-wrapper: writing final marker: %v\n", err)
			}
		}
		return ExitOK
	}

	// The workload is an arbitrary user program: its exit code carries
	// no probe semantics, so every nonzero value folds to the workload-
	// failure code. Only runPreflight may emit 42/43/44 — a workload
	// that happens to exit 42 must never blacklist a healthy node.
	detail := fmt.Sprintf("workload exited %d", workloadExit)
	if workloadErr != nil {
		detail = workloadErr.Error()
	}
	rec := newFailureRecord(ExitWorkloadFailure, types.FailureWorkload, detail)
	if err := st.WriteFailureRecord(opts.RunID, rec); err != nil {
		fmt.Fprintf(os.Stderr, "shepherd-wrapper: writing failure record: %v\n", err)
	}
	return ExitWorkloadFailure
}

// newFailureRecord fills in the node and job id from the environment Slurm
// sets inside every allocation, so failure.json carries the evidence the
// supervisor's blacklist decision (and an operator reading it by hand)
// needs without the wrapper having to shell out to query its own identity.
func newFailureRecord(exitCode int, kind types.FailureKind, detail string) *types.FailureRecord {
	return &types.FailureRecord{
		ExitCode:  exitCode,
		Kind:      kind,
		Node:      slurmNodeName(),
		JobID:     os.Getenv("SLURM_JOB_ID"),
		Timestamp: time.Now(),
		Detail:    detail,
	}
}

func slurmNodeName() string {
	if n := os.Getenv("SLURMD_NODENAME"); n != "" {
		return n
	}
	if n := os.Getenv("HOSTNAME"); n != "" {
		return n
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return ""
}
