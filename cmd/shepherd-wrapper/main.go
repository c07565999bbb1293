// Command shepherd-wrapper is the compute-side half of Shepherd: it runs
// inside a Slurm allocation, executes the preflight probes, spawns the
// workload, emits heartbeats, and writes the
// structured markers the supervisor reads back. Its own process exit
// code is the contract the supervisor keys restart/blacklist decisions
// off (pkg/wrapper).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jiwanchung/shepherd/pkg/log"
	"github.com/jiwanchung/shepherd/pkg/store"
	"github.com/jiwanchung/shepherd/pkg/types"
	"github.com/jiwanchung/shepherd/pkg/wrapper"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "shepherd-wrapper: %v\n", err)
		os.Exit(wrapper.ExitWorkloadFailure)
	}
}

var rootCmd = &cobra.Command{
	Use:   "shepherd-wrapper --run-id ID --run-mode {run_once|indefinite} --state-dir DIR -- <workload...>",
	Short: "Run preflight probes, a workload, and report its outcome to Shepherd",
	Args:  cobra.MinimumNArgs(1),
	// Cobra's own "--" handling lets flags precede the literal workload
	// command; ArgsLenAtDash tells us where it starts.
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, _ := cmd.Flags().GetString("run-id")
		runMode, _ := cmd.Flags().GetString("run-mode")
		stateDir, _ := cmd.Flags().GetString("state-dir")
		hbInterval, _ := cmd.Flags().GetInt64("heartbeat-interval")
		migExpected, _ := cmd.Flags().GetInt("mig-expected-devices")
		nvidiaSMIBin, _ := cmd.Flags().GetString("nvidia-smi-bin")
		cudaSmokeBin, _ := cmd.Flags().GetString("cuda-smoke-bin")
		logLevel, _ := cmd.Flags().GetString("log-level")
		logJSON, _ := cmd.Flags().GetBool("log-json")

		if runID == "" {
			return fmt.Errorf("--run-id is required")
		}
		mode := types.RunMode(runMode)
		if mode != types.RunModeOnce && mode != types.RunModeIndefinite {
			return fmt.Errorf("--run-mode must be run_once or indefinite, got %q", runMode)
		}
		if stateDir == "" {
			stateDir = os.Getenv("SHEPHERD_STATE_DIR")
		}
		if stateDir == "" {
			return fmt.Errorf("--state-dir (or SHEPHERD_STATE_DIR) is required")
		}

		dashAt := cmd.ArgsLenAtDash()
		var workload []string
		if dashAt >= 0 {
			workload = args[dashAt:]
		} else {
			workload = args
		}
		if len(workload) == 0 {
			return fmt.Errorf("no workload command given after --")
		}

		log.Init(log.Config{Level: logLevel, JSON: logJSON})

		st, err := store.New(stateDir)
		if err != nil {
			return fmt.Errorf("opening state store: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			cancel()
		}()

		code := wrapper.Run(ctx, st, wrapper.Options{
			RunID:              runID,
			RunMode:            mode,
			HeartbeatInterval:  time.Duration(hbInterval) * time.Second,
			Workload:           workload,
			MIGExpectedDevices: migExpected,
			NvidiaSMIBin:       nvidiaSMIBin,
			CUDASmokeHelperBin: cudaSmokeBin,
		})
		os.Exit(code)
		return nil
	},
}

func init() {
	rootCmd.Flags().String("run-id", "", "stable identifier of the run being executed (required)")
	rootCmd.Flags().String("run-mode", string(types.RunModeOnce), "run_once or indefinite")
	rootCmd.Flags().String("state-dir", "", "shared state root (defaults to SHEPHERD_STATE_DIR)")
	rootCmd.Flags().Int64("heartbeat-interval", 30, "seconds between heartbeat writes")
	rootCmd.Flags().Int("mig-expected-devices", 0, "expected visible device count for the MIG sanity probe (0 disables it)")
	rootCmd.Flags().String("nvidia-smi-bin", "nvidia-smi", "path to the nvidia-smi binary used by the GPU probes")
	rootCmd.Flags().String("cuda-smoke-bin", "shepherd-cuda-smoke", "path to the CUDA smoke-test helper binary")
	rootCmd.Flags().String("log-level", "info", "debug, info, warn, or error")
	rootCmd.Flags().Bool("log-json", false, "emit structured JSON logs instead of console output")
}
