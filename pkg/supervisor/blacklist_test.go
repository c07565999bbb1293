package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jiwanchung/shepherd/pkg/types"
)

func TestShouldBlacklistByKind(t *testing.T) {
	assert.True(t, shouldBlacklist(types.FailureNodeFault))
	assert.True(t, shouldBlacklist(types.FailureCUDA))
	assert.True(t, shouldBlacklist(types.FailureTrespasser))
	assert.False(t, shouldBlacklist(types.FailureWorkload))
	assert.False(t, shouldBlacklist(types.FailureUnknown))
}

func TestBlacklistTTLPerKind(t *testing.T) {
	p := types.DefaultPolicy()
	assert.Equal(t, p.TrespasserTTLSec, blacklistTTL(p, types.FailureTrespasser))
	assert.Equal(t, p.HardwareFaultTTLSec, blacklistTTL(p, types.FailureNodeFault))
	assert.Equal(t, p.HardwareFaultTTLSec, blacklistTTL(p, types.FailureCUDA))
	assert.Equal(t, p.BlacklistTTLSec, blacklistTTL(p, types.FailureWorkload))
}

func TestBlacklistTTLFallsBackToFlatValueWhenOverrideUnset(t *testing.T) {
	p := types.Policy{BlacklistTTLSec: 999}
	assert.Equal(t, int64(999), blacklistTTL(p, types.FailureTrespasser))
	assert.Equal(t, int64(999), blacklistTTL(p, types.FailureNodeFault))
}

func TestPruneExpiredRemovesOnlyStaleEntries(t *testing.T) {
	now := time.Now()
	bl := &types.Blacklist{Nodes: map[string]types.BlacklistEntry{
		"stale": {AddedAt: now.Add(-2 * time.Hour), TTLSec: 3600},
		"fresh": {AddedAt: now.Add(-10 * time.Second), TTLSec: 3600},
	}}
	pruneExpired(bl, now)
	_, staleStillPresent := bl.Nodes["stale"]
	_, freshStillPresent := bl.Nodes["fresh"]
	assert.False(t, staleStillPresent)
	assert.True(t, freshStillPresent)
}

func TestExcludeListCapsAtLimitMostRecentFirst(t *testing.T) {
	now := time.Now()
	bl := &types.Blacklist{Nodes: map[string]types.BlacklistEntry{
		"oldest": {AddedAt: now.Add(-3 * time.Minute), TTLSec: 3600},
		"middle": {AddedAt: now.Add(-2 * time.Minute), TTLSec: 3600},
		"newest": {AddedAt: now.Add(-1 * time.Minute), TTLSec: 3600},
	}}

	all := excludeList(bl, 0)
	assert.ElementsMatch(t, []string{"oldest", "middle", "newest"}, all)

	capped := excludeList(bl, 2)
	assert.Equal(t, []string{"newest", "middle"}, capped)
}

func TestExcludeListOmitsExpiredEntries(t *testing.T) {
	now := time.Now()
	bl := &types.Blacklist{Nodes: map[string]types.BlacklistEntry{
		"expired": {AddedAt: now.Add(-2 * time.Hour), TTLSec: 60},
		"active":  {AddedAt: now.Add(-10 * time.Second), TTLSec: 3600},
	}}
	got := excludeList(bl, 10)
	assert.Equal(t, []string{"active"}, got)
}

func TestBlacklistEntryExpiredBoundary(t *testing.T) {
	now := time.Now()
	// Age exactly equal to TTL is not expired (strict ">" matches the
	// heartbeat-grace boundary convention used elsewhere).
	entry := types.BlacklistEntry{AddedAt: now.Add(-60 * time.Second), TTLSec: 60}
	assert.False(t, entry.Expired(now))

	entry = types.BlacklistEntry{AddedAt: now.Add(-61 * time.Second), TTLSec: 60}
	assert.True(t, entry.Expired(now))
}
