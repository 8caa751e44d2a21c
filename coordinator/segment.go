package coordinator

import "github.com/google/uuid"

// Segment is a unit of repair work: a run id, a segment id, and the set of
// replica hosts that own its data and must be serialized against other
// repairs touching the same nodes.
type Segment struct {
	RepairID  uuid.UUID
	SegmentID uuid.UUID
	Replicas  []string
}
