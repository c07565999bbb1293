// Package supervisor implements the daemon's reconciliation loop:
// statemachine.go holds the pure per-run transition rules, partition.go
// and blacklist.go hold the stateful side-effects those rules trigger,
// and supervisor.go wires the whole thing to the scheduler client and
// state store on a ticker.
package supervisor
