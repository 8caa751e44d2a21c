package coordinator

import (
	"context"

	"github.com/google/uuid"

	"github.com/rtib/cassandra-reaper/store"
)

// InstanceDirectory enumerates peer coordinators and derives a safe
// minimum count for upstream concurrency budgeting. It is eventually
// consistent with peer heartbeats; callers must tolerate stale entries.
type InstanceDirectory struct {
	client store.Client
}

// NewInstanceDirectory builds a directory backed by client.
func NewInstanceDirectory(client store.Client) *InstanceDirectory {
	return &InstanceDirectory{client: client}
}

// GetRunningReapers enumerates every instance that has heart-beaten within
// its TTL, with no consistency guarantee beyond the store's default.
func (d *InstanceDirectory) GetRunningReapers(ctx context.Context) ([]uuid.UUID, error) {
	return d.client.GetRunningReapers(ctx)
}

// CountRunningReapers returns max(1, |running_reapers|). The clamp
// ensures an isolated instance never divides concurrency by zero.
func (d *InstanceDirectory) CountRunningReapers(ctx context.Context) (int, error) {
	reapers, err := d.client.GetRunningReapers(ctx)
	if err != nil {
		return 0, err
	}
	if len(reapers) < 1 {
		return 1, nil
	}
	return len(reapers), nil
}
