package sqlitestore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rtib/cassandra-reaper/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", 1000)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTakeLeadMutexOverLeaderID(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	leaderID := uuid.New()
	i1, i2 := uuid.New(), uuid.New()

	ok, err := s.TakeLead(ctx, leaderID, i1, "host-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.TakeLead(ctx, leaderID, i2, "host-2", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTakeLeadAfterExpiry(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	leaderID := uuid.New()
	i1, i2 := uuid.New(), uuid.New()

	ok, err := s.TakeLead(ctx, leaderID, i1, "host-1", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	ok, err = s.TakeLead(ctx, leaderID, i2, "host-2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRenewLeadRequiresSelf(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	leaderID := uuid.New()
	i1, i2 := uuid.New(), uuid.New()

	_, err := s.TakeLead(ctx, leaderID, i1, "host-1", time.Minute)
	require.NoError(t, err)

	ok, err := s.RenewLead(ctx, leaderID, i1, "host-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.RenewLead(ctx, leaderID, i2, "host-2", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReleaseLeadThenReacquire(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	leaderID := uuid.New()
	i1, i2 := uuid.New(), uuid.New()

	_, err := s.TakeLead(ctx, leaderID, i1, "host-1", time.Minute)
	require.NoError(t, err)

	ok, err := s.ReleaseLead(ctx, leaderID, i1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.TakeLead(ctx, leaderID, i2, "host-2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestGetLeadersExcludesExpired(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	live := uuid.New()
	expired := uuid.New()
	instance := uuid.New()

	_, err := s.TakeLead(ctx, live, instance, "host-1", time.Minute)
	require.NoError(t, err)
	_, err = s.TakeLead(ctx, expired, instance, "host-1", time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	leaders, err := s.GetLeaders(ctx)
	require.NoError(t, err)
	require.Contains(t, leaders, live)
	require.NotContains(t, leaders, expired)
}

func TestLockRunningRepairsForNodesBatchAtomicity(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	repairID := uuid.New()
	segmentA, segmentB := uuid.New(), uuid.New()
	i1, i2 := uuid.New(), uuid.New()

	ok, conflicts, err := s.LockRunningRepairsForNodes(ctx, repairID, segmentA, []string{"n1", "n2", "n3"}, i1, "host-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, conflicts)

	ok, conflicts, err = s.LockRunningRepairsForNodes(ctx, repairID, segmentB, []string{"n2"}, i2, "host-2", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
	require.Len(t, conflicts, 1)
	require.Equal(t, "n2", conflicts[0].Node)
	require.Equal(t, i1.String(), conflicts[0].HolderInstanceID)

	nodes, err := s.GetLockedNodesForRun(ctx, repairID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"n1", "n2", "n3"}, nodes)
}

func TestReleaseThenRelockRunningRepairsForNodes(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	repairID := uuid.New()
	segmentA, segmentB := uuid.New(), uuid.New()
	i1, i2 := uuid.New(), uuid.New()

	ok, _, err := s.LockRunningRepairsForNodes(ctx, repairID, segmentA, []string{"n1", "n2"}, i1, "host-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, conflicts, err := s.ReleaseRunningRepairsForNodes(ctx, repairID, segmentA, []string{"n1", "n2"}, i1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, conflicts)

	ok, _, err = s.LockRunningRepairsForNodes(ctx, repairID, segmentB, []string{"n1", "n2"}, i2, "host-2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRenewRunningRepairsForNodesProbesOwnership(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	repairID := uuid.New()
	segment := uuid.New()
	i1, i2 := uuid.New(), uuid.New()

	_, _, err := s.LockRunningRepairsForNodes(ctx, repairID, segment, []string{"n1"}, i1, "host-1", time.Minute)
	require.NoError(t, err)

	ok, _, err := s.RenewRunningRepairsForNodes(ctx, repairID, segment, []string{"n1"}, i1, "host-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, conflicts, err := s.RenewRunningRepairsForNodes(ctx, repairID, segment, []string{"n1"}, i2, "host-2", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
	require.Len(t, conflicts, 1)
}

func TestRenewRunningRepairsForNodesRejectsNeverLockedNode(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	repairID := uuid.New()
	segment := uuid.New()
	instance := uuid.New()

	ok, conflicts, err := s.RenewRunningRepairsForNodes(ctx, repairID, segment, []string{"n1"}, instance, "host-1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
	require.Len(t, conflicts, 1)
	require.Equal(t, "n1", conflicts[0].Node)
	require.Equal(t, "unknown", conflicts[0].HolderInstanceID)

	nodes, err := s.GetLockedNodesForRun(ctx, repairID)
	require.NoError(t, err)
	require.Empty(t, nodes, "renewing a never-locked node must not create a lock")
}

func TestGetLockedSegmentsForRun(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	repairID := uuid.New()
	segment := uuid.New()
	instance := uuid.New()

	_, _, err := s.LockRunningRepairsForNodes(ctx, repairID, segment, []string{"n1", "n2"}, instance, "host-1", time.Minute)
	require.NoError(t, err)

	segments, err := s.GetLockedSegmentsForRun(ctx, repairID)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{segment}, segments)
}

func TestCountViaRunningReapersHeartbeat(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	reapers, err := s.GetRunningReapers(ctx)
	require.NoError(t, err)
	require.Empty(t, reapers)

	id := uuid.New()
	require.NoError(t, s.Heartbeat(ctx, id, "host-1", time.Minute))

	reapers, err = s.GetRunningReapers(ctx)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{id}, reapers)
}

func TestEmptyReplicasRejected(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.LockRunningRepairsForNodes(ctx, uuid.New(), uuid.New(), nil, uuid.New(), "host", time.Minute)
	require.ErrorIs(t, err, store.ErrEmptyReplicas)
}
