package coordinator_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rtib/cassandra-reaper/coordinator"
	"github.com/rtib/cassandra-reaper/identity"
	"github.com/rtib/cassandra-reaper/store/sqlitestore"
)

func newNodeLockFixture(t *testing.T) (*sqlitestore.Store, identity.Identity, identity.Identity) {
	t.Helper()
	s, err := sqlitestore.Open(":memory:", 1000)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, identity.New("10.0.0.1:9042"), identity.New("10.0.0.2:9042")
}

func TestLockRunningRepairsForNodesBatchAtomicity(t *testing.T) {
	t.Parallel()

	s, i1, i2 := newNodeLockFixture(t)
	r1 := coordinator.NewNodeLockRegistry(s, i1)
	r2 := coordinator.NewNodeLockRegistry(s, i2)
	ctx := context.Background()
	repairID := uuid.New()

	seg := coordinator.Segment{RepairID: repairID, SegmentID: uuid.New(), Replicas: []string{"n1", "n2", "n3"}}
	ok, err := r1.LockRunningRepairsForNodes(ctx, seg, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	conflicting := coordinator.Segment{RepairID: repairID, SegmentID: uuid.New(), Replicas: []string{"n2"}}
	ok, err = r2.LockRunningRepairsForNodes(ctx, conflicting, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	nodes, err := r1.GetLockedNodesForRun(ctx, repairID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"n1", "n2", "n3"}, nodes)
}

func TestLockThenReleaseThenRelock(t *testing.T) {
	t.Parallel()

	s, i1, i2 := newNodeLockFixture(t)
	r1 := coordinator.NewNodeLockRegistry(s, i1)
	r2 := coordinator.NewNodeLockRegistry(s, i2)
	ctx := context.Background()
	repairID := uuid.New()

	seg := coordinator.Segment{RepairID: repairID, SegmentID: uuid.New(), Replicas: []string{"n1", "n2"}}
	ok, err := r1.LockRunningRepairsForNodes(ctx, seg, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r1.ReleaseRunningRepairsForNodes(ctx, seg, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Release is idempotent up to TTL: a second release no longer holds.
	ok, err = r1.ReleaseRunningRepairsForNodes(ctx, seg, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	newSeg := coordinator.Segment{RepairID: repairID, SegmentID: uuid.New(), Replicas: []string{"n1", "n2"}}
	ok, err = r2.LockRunningRepairsForNodes(ctx, newSeg, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestHasLeadOnSegmentProbesRenewal(t *testing.T) {
	t.Parallel()

	s, i1, i2 := newNodeLockFixture(t)
	r1 := coordinator.NewNodeLockRegistry(s, i1)
	r2 := coordinator.NewNodeLockRegistry(s, i2)
	ctx := context.Background()

	seg := coordinator.Segment{RepairID: uuid.New(), SegmentID: uuid.New(), Replicas: []string{"n1"}}
	ok, err := r1.LockRunningRepairsForNodes(ctx, seg, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r1.HasLead(ctx, seg)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r2.HasLead(ctx, seg)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHasLeadOnNeverLockedSegmentDoesNotAcquire(t *testing.T) {
	t.Parallel()

	s, i1, i2 := newNodeLockFixture(t)
	r1 := coordinator.NewNodeLockRegistry(s, i1)
	r2 := coordinator.NewNodeLockRegistry(s, i2)
	ctx := context.Background()
	repairID := uuid.New()

	seg := coordinator.Segment{RepairID: repairID, SegmentID: uuid.New(), Replicas: []string{"n1"}}

	ok, err := r1.HasLead(ctx, seg)
	require.NoError(t, err)
	require.False(t, ok)

	nodes, err := r1.GetLockedNodesForRun(ctx, repairID)
	require.NoError(t, err)
	require.Empty(t, nodes, "probing a never-locked segment must not create a lock")

	ok, err = r2.LockRunningRepairsForNodes(ctx, seg, time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "the node must still be free for a real acquisition")
}

func TestLockRunningRepairsRejectsEmptyReplicas(t *testing.T) {
	t.Parallel()

	s, i1, _ := newNodeLockFixture(t)
	r1 := coordinator.NewNodeLockRegistry(s, i1)

	seg := coordinator.Segment{RepairID: uuid.New(), SegmentID: uuid.New()}
	_, err := r1.LockRunningRepairsForNodes(context.Background(), seg, time.Minute)
	require.ErrorIs(t, err, coordinator.ErrEmptyReplicas)
}

func TestGetLockedSegmentsForRun(t *testing.T) {
	t.Parallel()

	s, i1, _ := newNodeLockFixture(t)
	r1 := coordinator.NewNodeLockRegistry(s, i1)
	ctx := context.Background()
	repairID := uuid.New()
	segmentID := uuid.New()

	seg := coordinator.Segment{RepairID: repairID, SegmentID: segmentID, Replicas: []string{"n1", "n2"}}
	ok, err := r1.LockRunningRepairsForNodes(ctx, seg, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	segments, err := r1.GetLockedSegmentsForRun(ctx, repairID)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{segmentID}, segments)
}
