package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jiwanchung/shepherd/pkg/config"
	"github.com/jiwanchung/shepherd/pkg/log"
	"github.com/jiwanchung/shepherd/pkg/metrics"
	"github.com/jiwanchung/shepherd/pkg/slurm"
	"github.com/jiwanchung/shepherd/pkg/status"
	"github.com/jiwanchung/shepherd/pkg/store"
	"github.com/jiwanchung/shepherd/pkg/supervisor"
	"github.com/jiwanchung/shepherd/pkg/types"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "shepherd",
	Short: "Shepherd keeps GPU allocations alive across a Slurm cluster",
	Long: `Shepherd is a supervisor daemon for long-running and one-shot GPU
jobs on a Slurm cluster. It resubmits after scheduler-visible failures,
fails over across partitions, and blacklists nodes that keep producing
hardware or trespasser failures, without requiring any change to the
cluster itself.`,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to shepherd.yaml's containing directory")
	rootCmd.PersistentFlags().String("log-level", "", "Override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(controlCmd)
	rootCmd.AddCommand(blacklistCmd)
}

// processAlive reports whether a pid from a stale-or-live daemon.pid
// still maps to a running process we can signal.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	return store.New(cfg.StateDir)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the supervisor daemon's tick loop and metrics server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: cfg.LogLevel, JSON: cfg.LogJSON})
		l := log.WithComponent("supervisor")

		st, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("opening state store: %w", err)
		}
		if pid, err := st.ReadPID(); err == nil && pid != os.Getpid() && processAlive(pid) {
			return fmt.Errorf("another supervisor (pid %d) already owns %s", pid, cfg.StateDir)
		}
		if err := st.WritePID(os.Getpid()); err != nil {
			return fmt.Errorf("writing pid file: %w", err)
		}
		defer func() { _ = st.RemovePID() }()

		client := slurm.NewClient(cfg.SbatchBin, cfg.SqueueBin, cfg.SacctBin, cfg.ScancelBin, cfg.SchedulerTimeout)
		sup := supervisor.New(st, client, supervisor.Config{
			TickInterval:     cfg.TickInterval,
			WorkerPoolSize:   cfg.WorkerPoolSize,
			SchedulerTimeout: cfg.SchedulerTimeout,
		}, l)

		collector := metrics.NewCollector(sup)
		collector.Start()
		defer collector.Stop()

		go func() {
			http.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil && err != http.ErrServerClosed {
				l.Error().Err(err).Msg("metrics server exited")
			}
		}()
		l.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")

		ctx, cancel := context.WithCancel(context.Background())
		sup.Start(ctx)
		l.Info().Str("state_dir", cfg.StateDir).Dur("tick_interval", cfg.TickInterval).Msg("supervisor running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		l.Info().Msg("shutting down")

		cancel()
		sup.Stop()
		return nil
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit <run-id|-> <script-path>",
	Short: "Register a new run for the supervisor to keep alive",
	Long: `Register a new run for the supervisor to keep alive. Pass "-" for
run-id to have one generated (github.com/google/uuid).`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}

		runMode, _ := cmd.Flags().GetString("mode")
		partitions, _ := cmd.Flags().GetStringSlice("partition")
		if len(partitions) == 0 {
			return fmt.Errorf("at least one --partition is required")
		}

		runID := args[0]
		if runID == "-" {
			runID = uuid.NewString()
		}

		run := &types.Run{
			RunID:   runID,
			RunMode: types.RunMode(runMode),
			Submission: types.Submission{
				ScriptPath: args[1],
				Partitions: partitions,
			},
			Policy:    types.DefaultPolicy(),
			CreatedAt: time.Now(),
		}
		if err := st.CreateRun(run); err != nil {
			return fmt.Errorf("registering run: %w", err)
		}
		fmt.Printf("run %s registered\n", run.RunID)
		return nil
	},
}

func init() {
	submitCmd.Flags().String("mode", string(types.RunModeOnce), "run_once or indefinite")
	submitCmd.Flags().StringSlice("partition", nil, "preferred partition(s), in fallback order")
}

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Print normalized status for one run, or all runs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		runs, err := st.ListRuns()
		if err != nil {
			return err
		}
		now := time.Now()
		for _, run := range runs {
			if len(args) == 1 && run.RunID != args[0] {
				continue
			}
			normalized := status.Normalize(supervisor.BuildStatusSnapshot(st, run, now))
			fmt.Printf("%-24s %-18s %-16s job=%s partition=%s failures=%d\n",
				run.RunID, normalized, run.Runtime.State, run.Runtime.JobID, run.Runtime.Partition, run.Runtime.ConsecutiveFailures)
		}
		return nil
	},
}

var controlCmd = &cobra.Command{
	Use:   "control <run-id> <pause|unpause|stop|restart>",
	Short: "Send a control operation to a run",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		sig, err := st.GetControlSignals(args[0])
		if err != nil {
			return err
		}
		switch types.ControlOp(args[1]) {
		case types.ControlPause:
			sig.Paused = true
		case types.ControlUnpause:
			sig.Paused = false
		case types.ControlStop:
			sig.StopRequested = true
		case types.ControlRestart:
			sig.RequestedRestartToken = uuid.NewString()
		default:
			return fmt.Errorf("unknown control operation %q", args[1])
		}
		return st.PutControlSignals(args[0], sig)
	},
}

var blacklistCmd = &cobra.Command{
	Use:   "blacklist",
	Short: "Inspect or edit the node blacklist",
}

var blacklistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List blacklisted nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		bl, err := st.GetBlacklist()
		if err != nil {
			return err
		}
		for node, entry := range bl.Nodes {
			fmt.Printf("%-20s reason=%-12s strikes=%d added_at=%s ttl=%ss\n",
				node, entry.Reason, entry.Strikes, entry.AddedAt.Format("2006-01-02T15:04:05"), strconv.FormatInt(entry.TTLSec, 10))
		}
		return nil
	},
}

var blacklistAddCmd = &cobra.Command{
	Use:   "add <node>",
	Short: "Manually add a node to the blacklist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		ttl, _ := cmd.Flags().GetInt64("ttl")
		reason, _ := cmd.Flags().GetString("reason")
		now := time.Now()
		return st.WithBlacklistLock(func(bl *types.Blacklist) (*types.Blacklist, error) {
			if bl.Nodes == nil {
				bl.Nodes = map[string]types.BlacklistEntry{}
			}
			strikes := 1
			if existing, ok := bl.Nodes[args[0]]; ok {
				strikes = existing.Strikes + 1
			}
			bl.Nodes[args[0]] = types.BlacklistEntry{
				Reason:  types.FailureKind(reason),
				AddedAt: now,
				TTLSec:  ttl,
				Strikes: strikes,
			}
			return bl, nil
		})
	},
}

func init() {
	blacklistAddCmd.Flags().Int64("ttl", 86400, "seconds before this entry expires")
	blacklistAddCmd.Flags().String("reason", string(types.FailureUnknown), "failure kind recorded against the node")
}

var blacklistRemoveCmd = &cobra.Command{
	Use:   "remove <node>",
	Short: "Remove a node from the blacklist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		return st.WithBlacklistLock(func(bl *types.Blacklist) (*types.Blacklist, error) {
			delete(bl.Nodes, args[0])
			return bl, nil
		})
	},
}

func init() {
	blacklistCmd.AddCommand(blacklistAddCmd)
	blacklistCmd.AddCommand(blacklistListCmd)
	blacklistCmd.AddCommand(blacklistRemoveCmd)
}
