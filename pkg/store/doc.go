/*
Package store is the only channel through which the supervisor daemon and
the run wrapper exchange state. There is no RPC between them: the wrapper
(possibly on a different compute node) and the supervisor both read and
write files under a shared state directory, coordinating through atomic
renames and gofrs/flock advisory locks rather than a network protocol.

# Layout

	<state_dir>/
	  runs/<run_id>/meta.json            run definition + runtime state (supervisor-owned)
	  runs/<run_id>/control.json         operator-issued pause/stop/restart (external-owned)
	  runs/<run_id>/heartbeat            plain decimal epoch seconds (wrapper-owned)
	  runs/<run_id>/progress.json        optional workload progress (wrapper-owned)
	  runs/<run_id>/failure.json         classified failure record (wrapper-owned)
	  runs/<run_id>/final.json           empty success sentinel, run_once only (wrapper-owned)
	  runs/<run_id>/ended.json           terminal marker, written once (supervisor-owned)
	  runs/<run_id>/badnode_events.log   append-only audit trail for this run's blacklist hits
	  blacklist.json                     global node exclusion list
	  locks/<run_id>.lock                per-run advisory lock
	  locks/blacklist.lock                blacklist advisory lock
	  daemon.pid                         supervisor process id

A corrupt JSON document is quarantined next to itself rather than deleted
or fatal-erred on, since a half-written file from a torn NFS write is
expected background noise, not an operator emergency.
*/
package store
