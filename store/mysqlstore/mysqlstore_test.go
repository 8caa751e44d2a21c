package mysqlstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rtib/cassandra-reaper/store"
	"github.com/rtib/cassandra-reaper/store/mysqlstore"
)

// newTestStore requires a reachable MySQL instance named by
// REAPER_MYSQL_TEST_DSN; these tests have no embedded-server fallback the
// way sqlitestore's ":memory:" does, so they skip rather than fail when the
// env var is unset, the same way the teacher's cluster integration suite
// skips when its out-of-process fixtures aren't running.
func newTestStore(t *testing.T) *mysqlstore.Store {
	t.Helper()
	dsn := os.Getenv("REAPER_MYSQL_TEST_DSN")
	if dsn == "" {
		t.Skip("REAPER_MYSQL_TEST_DSN not set, skipping mysqlstore integration test")
	}

	s, err := mysqlstore.Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTakeLeadMutexOverLeaderID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	leaderID := uuid.New()
	holderA, holderB := uuid.New(), uuid.New()

	ok, err := s.TakeLead(ctx, leaderID, holderA, "10.0.0.1:9042", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.TakeLead(ctx, leaderID, holderB, "10.0.0.2:9042", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTakeLeadAfterExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	leaderID := uuid.New()
	holderA, holderB := uuid.New(), uuid.New()

	ok, err := s.TakeLead(ctx, leaderID, holderA, "10.0.0.1:9042", time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)

	ok, err = s.TakeLead(ctx, leaderID, holderB, "10.0.0.2:9042", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRenewLeadRequiresSelf(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	leaderID := uuid.New()
	holderA, holderB := uuid.New(), uuid.New()

	ok, err := s.TakeLead(ctx, leaderID, holderA, "10.0.0.1:9042", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.RenewLead(ctx, leaderID, holderB, "10.0.0.2:9042", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.RenewLead(ctx, leaderID, holderA, "10.0.0.1:9042", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLockRunningRepairsForNodesBatchAtomicity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repairID, segmentID := uuid.New(), uuid.New()
	holderA, holderB := uuid.New(), uuid.New()

	ok, conflicts, err := s.LockRunningRepairsForNodes(ctx, repairID, segmentID, []string{"n1", "n2"}, holderA, "10.0.0.1:9042", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, conflicts)

	otherSegment := uuid.New()
	ok, conflicts, err = s.LockRunningRepairsForNodes(ctx, repairID, otherSegment, []string{"n2", "n3"}, holderB, "10.0.0.2:9042", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
	require.NotEmpty(t, conflicts)

	nodes, err := s.GetLockedNodesForRun(ctx, repairID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"n1", "n2"}, nodes)
}

func TestReleaseThenRelockRunningRepairsForNodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repairID, segmentID := uuid.New(), uuid.New()
	holderA := uuid.New()

	ok, _, err := s.LockRunningRepairsForNodes(ctx, repairID, segmentID, []string{"n1"}, holderA, "10.0.0.1:9042", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, err = s.ReleaseRunningRepairsForNodes(ctx, repairID, segmentID, []string{"n1"}, holderA, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	holderB := uuid.New()
	newSegment := uuid.New()
	ok, _, err = s.LockRunningRepairsForNodes(ctx, repairID, newSegment, []string{"n1"}, holderB, "10.0.0.2:9042", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEmptyReplicasRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.LockRunningRepairsForNodes(ctx, uuid.New(), uuid.New(), nil, uuid.New(), "10.0.0.1:9042", time.Minute)
	require.ErrorIs(t, err, store.ErrEmptyReplicas)
}

func TestHeartbeatAndCountRunningReapers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, s.Heartbeat(ctx, id, "10.0.0.1:9042", time.Minute))

	reapers, err := s.GetRunningReapers(ctx)
	require.NoError(t, err)
	require.Contains(t, reapers, id)
}
