package supervisor

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jiwanchung/shepherd/pkg/store"
	"github.com/jiwanchung/shepherd/pkg/types"
)

// ControlSurface is the thin operator-facing API the CLI/TUI binds to.
// Every write here lands on a file the tick loop will pick up on its next
// pass; there is no synchronous coupling to the tick loop itself.
type ControlSurface interface {
	ListRuns() ([]*types.Run, error)
	GetStatus(runID string) (types.Status, bool)
	SubmitControl(runID string, op types.ControlOp) error
	BlacklistAdd(node string, kind types.FailureKind, ttlSec int64) error
	BlacklistRemove(node string) error
}

var _ ControlSurface = (*Supervisor)(nil)

// ListRuns returns every known run's persisted record.
func (s *Supervisor) ListRuns() ([]*types.Run, error) {
	return s.store.ListRuns()
}

// GetStatus returns the last computed normalized status for a run, and
// false if the run is not (yet) in the cache.
func (s *Supervisor) GetStatus(runID string) (types.Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statusCache[runID]
	return st, ok
}

// SubmitControl applies an operator control operation to a run by writing
// control.json; the tick loop consumes it on its next pass. Restart
// writes a fresh requested_restart_token rather than mutating the
// run directly, so the state machine (not this synchronous call) is what
// cancels the current allocation and clears counters — it is honored even
// if the run is mid-flight, not only once it reaches TERMINAL.
func (s *Supervisor) SubmitControl(runID string, op types.ControlOp) error {
	if _, err := s.store.GetRun(runID); err != nil {
		return err
	}

	return s.store.WithRunLock(runID, func() error {
		switch op {
		case types.ControlPause:
			return s.mergeControlSignals(runID, func(sig *types.ControlSignals) { sig.Paused = true })
		case types.ControlUnpause:
			return s.mergeControlSignals(runID, func(sig *types.ControlSignals) { sig.Paused = false })
		case types.ControlStop:
			return s.mergeControlSignals(runID, func(sig *types.ControlSignals) { sig.StopRequested = true })
		case types.ControlRestart:
			token := uuid.NewString()
			return s.mergeControlSignals(runID, func(sig *types.ControlSignals) {
				sig.RequestedRestartToken = token
			})
		default:
			return fmt.Errorf("supervisor: unknown control op %q", op)
		}
	})
}

func (s *Supervisor) mergeControlSignals(runID string, mutate func(*types.ControlSignals)) error {
	sig, err := s.store.GetControlSignals(runID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		sig = &types.ControlSignals{}
	}
	mutate(sig)
	return s.store.PutControlSignals(runID, sig)
}

// BlacklistAdd implements the operator-facing blacklist_add operation: a
// manual addition, not tied to any run's failure record.
func (s *Supervisor) BlacklistAdd(node string, kind types.FailureKind, ttlSec int64) error {
	return s.addToBlacklist("", node, kind, ttlSec)
}

// BlacklistRemove implements the operator-facing blacklist_remove
// operation.
func (s *Supervisor) BlacklistRemove(node string) error {
	return s.removeFromBlacklist(node)
}
