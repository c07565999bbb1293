package wrapper

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// GPUVisibilityProbe enumerates visible GPUs via nvidia-smi. Zero GPUs or
// an enumeration error is a node fault (exit 42): the
// allocation promised GPUs and the node isn't delivering them.
type GPUVisibilityProbe struct {
	NvidiaSMIBin string
	Timeout      time.Duration
}

func (p *GPUVisibilityProbe) Name() string { return "gpu_visibility" }

func (p *GPUVisibilityProbe) Check(ctx context.Context) error {
	bin := p.NvidiaSMIBin
	if bin == "" {
		bin = "nvidia-smi"
	}
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(runCtx, bin, "--query-gpu=uuid", "--format=csv,noheader").Output()
	if err != nil {
		return &ProbeFailure{ExitCode: ExitNodeFault, Message: fmt.Sprintf("gpu enumeration failed: %v", err)}
	}
	count := 0
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	if count == 0 {
		return &ProbeFailure{ExitCode: ExitNodeFault, Message: "no GPUs visible to this allocation"}
	}
	return nil
}

// CUDASmokeTestProbe shells out to a small bundled helper binary that
// allocates a device tensor, launches a trivial kernel, and synchronizes
// — CUDA itself has no pure-Go binding, so the wrapper treats the smoke
// test as an exec-based check against a purpose-built helper binary
// rather than calling into CUDA directly.
type CUDASmokeTestProbe struct {
	HelperBin string
	Timeout   time.Duration
}

func (p *CUDASmokeTestProbe) Name() string { return "cuda_smoke_test" }

func (p *CUDASmokeTestProbe) Check(ctx context.Context) error {
	bin := p.HelperBin
	if bin == "" {
		bin = "shepherd-cuda-smoke"
	}
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, bin)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &ProbeFailure{
			ExitCode: ExitCUDAFailure,
			Message:  fmt.Sprintf("cuda smoke test failed: %v: %s", err, strings.TrimSpace(stderr.String())),
		}
	}
	return nil
}

// MIGSanityProbe compares the number of visible devices against what the
// allocation requested. A mismatch usually means a MIG/container device
// mapping is broken, which is a node fault (exit 42) rather
// than a workload bug. Best-effort: if ExpectedDevices is unset, it
// passes trivially rather than guessing.
type MIGSanityProbe struct {
	NvidiaSMIBin    string
	ExpectedDevices int
	Timeout         time.Duration
}

func (p *MIGSanityProbe) Name() string   { return "mig_sanity" }
func (p *MIGSanityProbe) BestEffort() bool { return true }

func (p *MIGSanityProbe) Check(ctx context.Context) error {
	if p.ExpectedDevices <= 0 {
		return nil
	}
	bin := p.NvidiaSMIBin
	if bin == "" {
		bin = "nvidia-smi"
	}
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(runCtx, bin, "--query-gpu=uuid", "--format=csv,noheader").Output()
	if err != nil {
		return fmt.Errorf("mig sanity: could not enumerate devices: %w", err)
	}
	count := 0
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	if count != p.ExpectedDevices {
		return &ProbeFailure{
			ExitCode: ExitNodeFault,
			Message:  fmt.Sprintf("mig sanity: expected %d visible devices, found %d", p.ExpectedDevices, count),
		}
	}
	return nil
}

// TrespasserProbe lists GPU compute processes and fails (without killing
// anything) if any PID does not belong to this allocation's own process
// tree — evidence that the scheduler double-booked the node (exit 43).
// Best-effort: nvidia-smi's absence is logged and tolerated, and
// unparseable lines in its output are skipped; neither is treated as a
// trespasser.
type TrespasserProbe struct {
	NvidiaSMIBin string
	OwnPIDs      map[int]bool
	Timeout      time.Duration
}

func (p *TrespasserProbe) Name() string     { return "trespasser_check" }
func (p *TrespasserProbe) BestEffort() bool { return true }

func (p *TrespasserProbe) Check(ctx context.Context) error {
	bin := p.NvidiaSMIBin
	if bin == "" {
		bin = "nvidia-smi"
	}
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(runCtx, bin, "--query-compute-apps=pid", "--format=csv,noheader").Output()
	if err != nil {
		return fmt.Errorf("trespasser check: could not list GPU processes: %w", err)
	}

	own := p.OwnPIDs
	if own == nil {
		own = map[int]bool{os.Getpid(): true}
	}

	var foreign []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		if !own[pid] {
			foreign = append(foreign, line)
		}
	}
	if len(foreign) > 0 {
		return &ProbeFailure{
			ExitCode: ExitTrespasser,
			Message:  fmt.Sprintf("foreign GPU processes present: pids %s", strings.Join(foreign, ",")),
		}
	}
	return nil
}
