// Package slurm is Shepherd's only scheduler binding: a thin exec wrapper
// around sbatch, squeue, sacct, and scancel. See slurm.go for the
// command-classification contract the supervisor's state machine depends
// on (pkg/supervisor never parses scheduler CLI output itself).
package slurm
