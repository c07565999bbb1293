/*
Package log holds the process-wide zerolog logger shared by the
supervisor daemon, the wrapper, and the state store.

Init is called once from each binary's entrypoint; everything after
that obtains a child logger through WithComponent or WithRunID and
attaches further context (node, job id) with zerolog's own With()
chain at the call site:

	log.Init(log.Config{Level: cfg.LogLevel, JSON: cfg.LogJSON})

	l := log.WithComponent("supervisor")
	l.Warn().Str("node", node).Str("job_id", jobID).Msg("heartbeat stale")

Logs go to stderr so that stdout stays clean: the wrapper relays its
workload's stdout verbatim, and the CLI subcommands print their results
there. Use typed fields (.Str, .Int, .Err) rather than formatted
strings so the JSON output stays queryable, and keep secrets (tokens
smuggled through scheduler extra-args, if any) out of fields entirely.
*/
package log
