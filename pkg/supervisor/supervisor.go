// Package supervisor is the daemon's core: a ticker-driven loop that
// walks every known run, reconciles it against one batched scheduler
// snapshot per tick, and drives the pure state machine in
// statemachine.go. The loop is deliberately poll-based — Slurm exposes
// no event stream, so a tick is both the unit of progress and the unit
// of per-run ordering.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jiwanchung/shepherd/pkg/metrics"
	"github.com/jiwanchung/shepherd/pkg/slurm"
	"github.com/jiwanchung/shepherd/pkg/status"
	"github.com/jiwanchung/shepherd/pkg/store"
	"github.com/jiwanchung/shepherd/pkg/types"
)

// Config is the subset of pkg/config.Config the supervisor needs; kept
// narrow so tests can construct one without the viper machinery.
type Config struct {
	TickInterval     time.Duration
	WorkerPoolSize   int
	SchedulerTimeout time.Duration
}

// Supervisor owns the tick loop. It is safe for concurrent use: the tick
// loop runs on its own goroutine, and ControlSurface/RunLister methods
// may be called from an HTTP handler or CLI subcommand concurrently.
type Supervisor struct {
	store store.Store
	slurm *slurm.Client
	cfg   Config
	log   zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu                 sync.RWMutex
	statusCache        map[string]types.Status
	blacklistSizeCache int
}

// New builds a Supervisor. It performs no I/O beyond what's handed in.
func New(st store.Store, client *slurm.Client, cfg Config, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		store:       st,
		slurm:       client,
		cfg:         cfg,
		log:         logger,
		stopCh:      make(chan struct{}),
		statusCache: map[string]types.Status{},
	}
}

// Start launches the tick loop in the background. Call Stop to unwind it.
func (s *Supervisor) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop signals the tick loop to exit and waits for it to finish.
func (s *Supervisor) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Supervisor) run(ctx context.Context) {
	defer s.wg.Done()
	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.log.Error().Err(err).Msg("tick failed")
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tickSnapshot is the one batched scheduler read a tick performs, shared
// read-only across every run's Step call.
type tickSnapshot struct {
	now   time.Time
	queue map[string]slurm.QueueStatus
	acct  map[string]slurm.AccountingStatus
}

func (s *Supervisor) tick(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.TickDuration)
		metrics.TicksTotal.Inc()
	}()

	runs, err := s.store.ListRuns()
	if err != nil {
		return err
	}

	var jobIDs []string
	for _, r := range runs {
		if r.Runtime.JobID != "" {
			jobIDs = append(jobIDs, r.Runtime.JobID)
		}
	}

	snap := s.gatherSnapshot(ctx, jobIDs)

	g, gctx := errgroup.WithContext(ctx)
	limit := s.cfg.WorkerPoolSize
	if limit <= 0 {
		limit = 8
	}
	g.SetLimit(limit)
	for _, run := range runs {
		run := run
		g.Go(func() error {
			s.processRun(gctx, run, snap)
			return nil
		})
	}
	_ = g.Wait()

	s.refreshCaches(runs)
	return nil
}

// gatherSnapshot issues at most one squeue and one sacct call for the
// whole tick: squeue covers jobs still known to the queue, sacct is
// queried only for the jobs squeue no longer reports, since sacct is the
// authority on a job's terminal state once it has left the queue.
func (s *Supervisor) gatherSnapshot(ctx context.Context, jobIDs []string) tickSnapshot {
	timeout := s.cfg.SchedulerTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	queueCtx, cancel := context.WithTimeout(ctx, timeout)
	queue, _, err := s.slurm.Query(queueCtx, jobIDs)
	cancel()
	if err != nil {
		s.log.Warn().Err(err).Msg("squeue query failed, treating all jobs as unobserved this tick")
		queue = map[string]slurm.QueueStatus{}
	}

	var missing []string
	for _, id := range jobIDs {
		if _, ok := queue[id]; !ok {
			missing = append(missing, id)
		}
	}

	acctCtx, cancel2 := context.WithTimeout(ctx, timeout)
	acct, _, err := s.slurm.Accounting(acctCtx, missing)
	cancel2()
	if err != nil {
		s.log.Warn().Err(err).Msg("sacct query failed, treating missing jobs as unobserved this tick")
		acct = map[string]slurm.AccountingStatus{}
	}

	return tickSnapshot{now: time.Now(), queue: queue, acct: acct}
}

func (s *Supervisor) processRun(ctx context.Context, run *types.Run, snap tickSnapshot) {
	l := s.log.With().Str("run_id", run.RunID).Logger()
	err := s.store.WithRunLock(run.RunID, func() error {
		return s.stepOne(ctx, run.RunID, snap, l)
	})
	if errors.Is(err, store.ErrLocked) {
		metrics.LockContentionTotal.Inc()
		return
	}
	if err != nil {
		l.Error().Err(err).Msg("processing run failed")
	}
}

// stepOne re-reads the run under its lock (another process may have
// mutated it since ListRuns), evaluates one state-machine step, executes
// the resulting action, and persists the result.
func (s *Supervisor) stepOne(ctx context.Context, runID string, snap tickSnapshot, l zerolog.Logger) error {
	run, err := s.store.GetRun(runID)
	if err != nil {
		return err
	}

	in := s.buildTickInput(run, snap)

	// A TERMINAL run is otherwise never re-stepped — except a pending
	// restart request, the one operator override that may act on an
	// ended run.
	if run.Runtime.State == types.StateTerminal && !restartPending(&run.Runtime, in.Control) {
		return nil
	}

	result := Step(run, in)

	if result.ClearEndedMarker {
		if err := s.store.RemoveEndedMarker(run.RunID); err != nil {
			l.Warn().Err(err).Msg("failed to clear ended marker on restart")
		}
	}

	switch result.Action {
	case ActionSubmit:
		s.doSubmit(ctx, run, l)
	case ActionCancel:
		s.doCancel(ctx, run, l)
	}

	if result.Failed {
		metrics.FailuresTotal.WithLabelValues(string(result.FailureKind)).Inc()
		if !result.SoftFailure && run.Policy.BlacklistEnabled && result.FailureNode != "" && shouldBlacklist(result.FailureKind) {
			ttl := blacklistTTL(run.Policy, result.FailureKind)
			if err := s.addToBlacklist(run.RunID, result.FailureNode, result.FailureKind, ttl); err != nil {
				l.Warn().Err(err).Str("node", result.FailureNode).Msg("failed to record blacklist entry")
			}
		}
	}

	if result.Ended {
		marker := &types.EndedMarker{Reason: result.EndedReason, At: in.Now, RunMode: run.RunMode}
		if err := s.store.WriteEndedMarker(run.RunID, marker); err != nil {
			return err
		}
		l.Info().Str("reason", string(result.EndedReason)).Msg("run ended")
	}

	return s.store.UpdateRun(run)
}

func (s *Supervisor) doSubmit(ctx context.Context, run *types.Run, l zerolog.Logger) {
	var exclude []string
	if bl, err := s.store.GetBlacklist(); err == nil {
		exclude = excludeList(bl, run.Policy.BlacklistLimit)
	}
	partition := choosePartitionForSubmit(run, time.Now())

	submitCtx, cancel := context.WithTimeout(ctx, s.schedulerTimeout())
	defer cancel()
	res, err := s.slurm.Submit(submitCtx, run.Submission.ScriptPath, partition, exclude, run.Submission.ExtraArgs)
	if err != nil {
		l.Warn().Err(err).Str("partition", partition).Msg("submission failed, will retry next tick")
		run.Runtime.State = types.StateSubmitPending
		return
	}

	now := time.Now()
	run.Runtime.JobID = res.JobID
	run.Runtime.Partition = partition
	run.Runtime.SubmissionCount++
	run.Runtime.LastSubmitAt = now
	if run.Runtime.RunStartedAt.IsZero() {
		run.Runtime.RunStartedAt = now
	}
	run.Runtime.State = types.StateQueued
	metrics.SubmissionsTotal.WithLabelValues(partition).Inc()
	l.Info().Str("job_id", res.JobID).Str("partition", partition).Msg("submitted")
}

func (s *Supervisor) doCancel(ctx context.Context, run *types.Run, l zerolog.Logger) {
	if run.Runtime.JobID == "" {
		return
	}
	cancelCtx, cancel := context.WithTimeout(ctx, s.schedulerTimeout())
	defer cancel()
	if _, err := s.slurm.Cancel(cancelCtx, run.Runtime.JobID); err != nil {
		l.Warn().Err(err).Str("job_id", run.Runtime.JobID).Msg("cancel failed")
	}
}

func (s *Supervisor) schedulerTimeout() time.Duration {
	if s.cfg.SchedulerTimeout <= 0 {
		return 15 * time.Second
	}
	return s.cfg.SchedulerTimeout
}

func (s *Supervisor) buildTickInput(run *types.Run, snap tickSnapshot) TickInput {
	in := TickInput{Now: snap.now}

	if ctrl, err := s.store.GetControlSignals(run.RunID); err == nil {
		in.Control = ctrl
	}
	if hb, err := s.store.ReadHeartbeat(run.RunID); err == nil {
		in.HeartbeatPresent = true
		in.HeartbeatAt = time.Unix(hb, 0)
	}
	if p, err := s.store.GetProgress(run.RunID); err == nil {
		in.ProgressPresent = true
		in.ProgressAt = time.Unix(p.Epoch, 0)
	}
	// failure.json is not cleaned up between attempts; a record written
	// before the current submission belongs to a previous attempt and
	// must not drive this one's blacklist decision.
	if fr, err := s.store.GetFailureRecord(run.RunID); err == nil && fr.Timestamp.After(run.Runtime.LastSubmitAt) {
		in.HasFailureRecord = true
		in.FailureRecord = *fr
	}
	if ok, err := s.store.HasFinalMarker(run.RunID); err == nil {
		in.HasFinalMarker = ok
	}

	jobID := run.Runtime.JobID
	if jobID == "" {
		return in
	}
	if qs, ok := snap.queue[jobID]; ok {
		in.JobObserved = true
		in.SchedState = qs.State
		in.SchedNode = qs.Node
		return in
	}
	if as, ok := snap.acct[jobID]; ok {
		in.JobObserved = true
		in.SchedState = as.State
		in.SchedNode = as.Node
		in.SchedExit = as.ExitCode
		in.AccountingOK = true
	}
	return in
}

// BuildStatusSnapshot assembles the evidence status.Normalize needs for
// one run from its persisted record and a best-effort read of the
// wrapper's marker files. Runtime.State stands in for the scheduler
// state (Step's rules 7/8 set RUNNING/QUEUED off a scheduler snapshot,
// and a successful sbatch sets QUEUED), so it doubles as
// SchedulerObserved/SchedulerState here without re-querying squeue/sacct.
func BuildStatusSnapshot(st store.Store, run *types.Run, now time.Time) status.Snapshot {
	snap := status.Snapshot{
		Now:                 now,
		RunMode:             run.RunMode,
		State:               run.Runtime.State,
		Policy:              run.Policy,
		ConsecutiveFailures: run.Runtime.ConsecutiveFailures,
		LastSubmitAt:        run.Runtime.LastSubmitAt,
	}
	switch run.Runtime.State {
	case types.StateRunning:
		snap.SchedulerObserved = true
		snap.SchedulerState = types.SchedRunning
	case types.StateQueued:
		snap.SchedulerObserved = true
		snap.SchedulerState = types.SchedPending
	}
	if hb, err := st.ReadHeartbeat(run.RunID); err == nil {
		snap.HeartbeatPresent = true
		snap.HeartbeatAt = time.Unix(hb, 0)
	}
	if p, err := st.GetProgress(run.RunID); err == nil {
		snap.ProgressPresent = true
		snap.ProgressAt = time.Unix(p.Epoch, 0)
	}
	if ctrl, err := st.GetControlSignals(run.RunID); err == nil && ctrl != nil {
		snap.Paused = ctrl.Paused
	}
	if marker, err := st.GetEndedMarker(run.RunID); err == nil {
		snap.EndedMarker = marker
	}
	return snap
}

// refreshCaches recomputes the normalized status of every run and the
// blacklist size, both read by RunLister for metrics collection and by
// ControlSurface.GetStatus.
func (s *Supervisor) refreshCaches(runs []*types.Run) {
	cache := make(map[string]types.Status, len(runs))
	now := time.Now()
	for _, run := range runs {
		cache[run.RunID] = status.Normalize(BuildStatusSnapshot(s.store, run, now))
	}

	blSize := 0
	if bl, err := s.store.GetBlacklist(); err == nil {
		now := time.Now()
		for _, e := range bl.Nodes {
			if !e.Expired(now) {
				blSize++
			}
		}
	}

	s.mu.Lock()
	s.statusCache = cache
	s.blacklistSizeCache = blSize
	s.mu.Unlock()
}

// ListStatuses implements metrics.RunLister.
func (s *Supervisor) ListStatuses() map[string]types.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]types.Status, len(s.statusCache))
	for k, v := range s.statusCache {
		out[k] = v
	}
	return out
}

// BlacklistSize implements metrics.RunLister.
func (s *Supervisor) BlacklistSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blacklistSizeCache
}
