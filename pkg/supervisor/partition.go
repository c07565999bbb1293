package supervisor

import (
	"time"

	"github.com/jiwanchung/shepherd/pkg/types"
)

// advancePartition implements partition failover: after a
// failure on the current partition, move to the next one in the
// preferred list once that partition's retry budget is exhausted,
// wrapping back to the first after the last.
func advancePartition(run *types.Run, now time.Time) {
	pf := run.Submission.PartitionFallback
	if pf == nil || len(pf.Partitions) == 0 {
		return
	}
	rt := &run.Runtime
	if rt.Partition == "" {
		rt.Partition = pf.Partitions[0]
		return
	}
	if rt.PartitionFailureCounts[rt.Partition] < pf.RetryPerPartition {
		return
	}
	idx := indexOfPartition(pf.Partitions, rt.Partition)
	next := (idx + 1) % len(pf.Partitions)
	rt.Partition = pf.Partitions[next]
}

// choosePartitionForSubmit implements reset-to-preferred partition
// selection, called once per submission: if enough time has elapsed
// since the preferred partition was last attempted, failure counters are
// cleared and the target snaps back to p0 regardless of where failover
// left it.
func choosePartitionForSubmit(run *types.Run, now time.Time) string {
	pf := run.Submission.PartitionFallback
	rt := &run.Runtime

	if pf == nil || len(pf.Partitions) == 0 {
		if rt.Partition != "" {
			return rt.Partition
		}
		if len(run.Submission.Partitions) > 0 {
			rt.Partition = run.Submission.Partitions[0]
		}
		return rt.Partition
	}

	if rt.Partition == "" {
		rt.Partition = pf.Partitions[0]
	}

	if pf.ResetToPreferredSec > 0 && now.Sub(rt.PreferredLastTriedAt) >= time.Duration(pf.ResetToPreferredSec)*time.Second {
		rt.PartitionFailureCounts = map[string]int{}
		rt.Partition = pf.Partitions[0]
		rt.PreferredLastTriedAt = now
	}

	return rt.Partition
}

func indexOfPartition(partitions []string, p string) int {
	for i, v := range partitions {
		if v == p {
			return i
		}
	}
	return 0
}
