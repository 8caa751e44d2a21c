package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rtib/cassandra-reaper/identity"
	"github.com/rtib/cassandra-reaper/store"
	"github.com/rtib/cassandra-reaper/telemetry"
)

func nodeLockOutcome(applied bool) string {
	if applied {
		return "applied"
	}
	return "conflict"
}

func observeNodeLockBatch(operation string, replicas int, start time.Time, applied bool) {
	telemetry.CoordinatorNodeLockBatchTotal.With(operation, nodeLockOutcome(applied)).Inc()
	telemetry.CoordinatorNodeLockBatchSize.Observe(float64(replicas))
	telemetry.CoordinatorNodeLockBatchSeconds.Observe(time.Since(start).Seconds())
}

// NodeLockRegistry serializes repairs by the data-owning nodes they touch.
// Acquisition, renewal, and release are each a single atomic batch over
// every (repair_id, node) row named by a Segment's replica set.
type NodeLockRegistry struct {
	client store.Client
	self   identity.Identity
}

// NewNodeLockRegistry builds a registry backed by client, acting as self.
func NewNodeLockRegistry(client store.Client, self identity.Identity) *NodeLockRegistry {
	return &NodeLockRegistry{client: client, self: self}
}

func validateSegment(s Segment) error {
	if s.RepairID == uuid.Nil || s.SegmentID == uuid.Nil {
		return ErrNilSegment
	}
	if len(s.Replicas) == 0 {
		return ErrEmptyReplicas
	}
	return nil
}

// LockRunningRepairsForNodes attempts to transition every
// (repair_id, node) row for node in segment.Replicas from unowned to
// owned by this instance, atomically as a batch. Applied iff every
// element of the batch satisfies its condition.
func (r *NodeLockRegistry) LockRunningRepairsForNodes(ctx context.Context, segment Segment, ttl time.Duration) (bool, error) {
	if err := validateSegment(segment); err != nil {
		return false, err
	}
	start := time.Now()
	applied, conflicts, err := r.client.LockRunningRepairsForNodes(ctx, segment.RepairID, segment.SegmentID, segment.Replicas, r.self.ID, r.self.Address, ttl)
	if err != nil {
		return false, err
	}
	observeNodeLockBatch("lock", len(segment.Replicas), start, applied)
	if !applied {
		logConflicts(segment.RepairID, conflicts)
	}
	return applied, nil
}

// LockRunningRepairsForNodesDefault calls LockRunningRepairsForNodes with
// store.DefaultTTL.
func (r *NodeLockRegistry) LockRunningRepairsForNodesDefault(ctx context.Context, segment Segment) (bool, error) {
	return r.LockRunningRepairsForNodes(ctx, segment, store.DefaultTTL)
}

// RenewRunningRepairsForNodes repeats the batch with each condition
// "prior holder equals self". Applied iff every row is still held by this
// instance for this repair run.
func (r *NodeLockRegistry) RenewRunningRepairsForNodes(ctx context.Context, segment Segment, ttl time.Duration) (bool, error) {
	if err := validateSegment(segment); err != nil {
		return false, err
	}
	start := time.Now()
	applied, conflicts, err := r.client.RenewRunningRepairsForNodes(ctx, segment.RepairID, segment.SegmentID, segment.Replicas, r.self.ID, r.self.Address, ttl)
	if err != nil {
		return false, err
	}
	observeNodeLockBatch("renew", len(segment.Replicas), start, applied)
	if !applied {
		logConflicts(segment.RepairID, conflicts)
	}
	return applied, nil
}

// RenewRunningRepairsForNodesDefault calls RenewRunningRepairsForNodes
// with store.DefaultTTL.
func (r *NodeLockRegistry) RenewRunningRepairsForNodesDefault(ctx context.Context, segment Segment) (bool, error) {
	return r.RenewRunningRepairsForNodes(ctx, segment, store.DefaultTTL)
}

// HasLead is a structural synonym for RenewRunningRepairsForNodes over
// segment's replica set: the node-lock registry's own probe-via-write.
func (r *NodeLockRegistry) HasLead(ctx context.Context, segment Segment) (bool, error) {
	return r.RenewRunningRepairsForNodesDefault(ctx, segment)
}

// ReleaseRunningRepairsForNodes resets every matching row's holder
// columns to null, conditional on the prior holder equaling this
// instance. Calling it twice with the same arguments yields at most one
// applied batch; the second call returns false because the first already
// cleared the holder.
func (r *NodeLockRegistry) ReleaseRunningRepairsForNodes(ctx context.Context, segment Segment, ttl time.Duration) (bool, error) {
	if err := validateSegment(segment); err != nil {
		return false, err
	}
	start := time.Now()
	applied, _, err := r.client.ReleaseRunningRepairsForNodes(ctx, segment.RepairID, segment.SegmentID, segment.Replicas, r.self.ID, ttl)
	if err != nil {
		return false, err
	}
	observeNodeLockBatch("release", len(segment.Replicas), start, applied)
	return applied, nil
}

// ReleaseRunningRepairsForNodesDefault calls
// ReleaseRunningRepairsForNodes with store.DefaultTTL.
func (r *NodeLockRegistry) ReleaseRunningRepairsForNodesDefault(ctx context.Context, segment Segment) (bool, error) {
	return r.ReleaseRunningRepairsForNodes(ctx, segment, store.DefaultTTL)
}

// GetLockedSegmentsForRun returns the set of segment UUIDs currently
// locked anywhere for repairID.
func (r *NodeLockRegistry) GetLockedSegmentsForRun(ctx context.Context, repairID uuid.UUID) ([]uuid.UUID, error) {
	return r.client.GetLockedSegmentsForRun(ctx, repairID)
}

// GetLockedNodesForRun returns the set of node strings with non-null
// holders for repairID.
func (r *NodeLockRegistry) GetLockedNodesForRun(ctx context.Context, repairID uuid.UUID) ([]string, error) {
	return r.client.GetLockedNodesForRun(ctx, repairID)
}

func logConflicts(repairID uuid.UUID, conflicts []store.ConflictRow) {
	for _, c := range conflicts {
		log.Debug().
			Str("repair_id", repairID.String()).
			Str("node", c.Node).
			Str("holder_instance_id", c.HolderInstanceID).
			Str("holder_instance_host", c.HolderInstanceHost).
			Str("segment_id", c.SegmentID).
			Msg("node-lock batch conflict")
	}
}
