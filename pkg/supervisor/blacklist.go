package supervisor

import (
	"sort"
	"time"

	"github.com/jiwanchung/shepherd/pkg/metrics"
	"github.com/jiwanchung/shepherd/pkg/types"
)

// shouldBlacklist reports whether a failure kind is evidence against the
// node itself rather than the workload; workload_failure and unknown
// never blacklist.
func shouldBlacklist(kind types.FailureKind) bool {
	switch kind {
	case types.FailureNodeFault, types.FailureCUDA, types.FailureTrespasser:
		return true
	default:
		return false
	}
}

// blacklistTTL resolves the kind-specific TTL override: a trespasser is
// evicted quickly since it may be a lingering process from a prior
// allocation, a hardware fault is assumed to persist.
func blacklistTTL(p types.Policy, kind types.FailureKind) int64 {
	switch kind {
	case types.FailureTrespasser:
		if p.TrespasserTTLSec > 0 {
			return p.TrespasserTTLSec
		}
	case types.FailureNodeFault, types.FailureCUDA:
		if p.HardwareFaultTTLSec > 0 {
			return p.HardwareFaultTTLSec
		}
	}
	return p.BlacklistTTLSec
}

func (s *Supervisor) addToBlacklist(runID, node string, kind types.FailureKind, ttlSec int64) error {
	now := time.Now()
	err := s.store.WithBlacklistLock(func(bl *types.Blacklist) (*types.Blacklist, error) {
		pruneExpired(bl, now)
		strikes := 1
		if existing, ok := bl.Nodes[node]; ok {
			strikes = existing.Strikes + 1
		}
		bl.Nodes[node] = types.BlacklistEntry{
			Reason:  kind,
			AddedAt: now,
			TTLSec:  ttlSec,
			Strikes: strikes,
		}
		return bl, nil
	})
	if err != nil {
		return err
	}
	metrics.BlacklistAdditionsTotal.WithLabelValues(string(kind)).Inc()
	if runID == "" {
		// Manually added via the control surface, not attributable to
		// any one run's audit trail.
		return nil
	}
	return s.store.AppendBadNodeEvent(runID, &types.BadNodeEvent{
		Node: node, Action: "added", Reason: kind, At: now,
	})
}

// removeFromBlacklist services the operator-facing blacklist_remove
// control surface operation; it is not tied to any one run, so no
// per-run audit event is written (that log lives under runs/<run_id>/).
func (s *Supervisor) removeFromBlacklist(node string) error {
	return s.store.WithBlacklistLock(func(bl *types.Blacklist) (*types.Blacklist, error) {
		delete(bl.Nodes, node)
		return bl, nil
	})
}

func pruneExpired(bl *types.Blacklist, now time.Time) {
	for node, entry := range bl.Nodes {
		if entry.Expired(now) {
			delete(bl.Nodes, node)
		}
	}
}

// excludeList returns the non-expired blacklisted nodes, most recently
// added first, capped at limit nodes.
func excludeList(bl *types.Blacklist, limit int) []string {
	type entry struct {
		node string
		at   time.Time
	}
	now := time.Now()
	var entries []entry
	for node, e := range bl.Nodes {
		if e.Expired(now) {
			continue
		}
		entries = append(entries, entry{node, e.AddedAt})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.After(entries[j].at) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	nodes := make([]string, len(entries))
	for i, e := range entries {
		nodes[i] = e.node
	}
	return nodes
}
