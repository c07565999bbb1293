package wrapper

import "context"

// Exit codes the supervisor keys restart/blacklist decisions off. Any
// other nonzero wrapper exit is folded into ExitWorkloadFailure by the
// caller.
const (
	ExitOK                = 0
	ExitNodeFault         = 42
	ExitTrespasser        = 43
	ExitCUDAFailure       = 44
	ExitWorkloadFailure   = 50
)

// Prober is one preflight check. It must complete within its own budget
// and report a specific exit code on failure, never a generic error, so
// the wrapper's main sequence can exit immediately on the first failing
// probe without the workload ever starting.
type Prober interface {
	// Name identifies the probe in logs.
	Name() string
	// Check runs the probe. A non-nil ProbeFailure means "stop here and
	// exit with this code"; a non-nil plain error from a best-effort
	// probe is logged and treated as a pass (the probe couldn't
	// determine anything, which is not the same as detecting a fault).
	Check(ctx context.Context) error
}

// ProbeFailure is returned by a Prober to force a specific wrapper exit
// code, as opposed to an error that merely means the probe itself
// couldn't run.
type ProbeFailure struct {
	ExitCode int
	Message  string
}

func (f *ProbeFailure) Error() string { return f.Message }

// BestEffort marks a Prober whose own inconclusive errors (it could not
// determine pass/fail, as opposed to affirmatively detecting one) should
// not stop the sequence. GPU visibility and the CUDA smoke test are not
// best-effort: MIG sanity and the trespasser check are.
type BestEffort interface {
	BestEffort() bool
}
