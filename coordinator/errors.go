package coordinator

import "errors"

// ErrNilLeaderID is returned when a caller passes the zero UUID as a
// leader_id; this is a programmer error, never a store-level condition
// failure, and fails immediately without a round trip.
var ErrNilLeaderID = errors.New("coordinator: leader id must not be nil")

// ErrNilSegment is returned when a Segment carries a zero run or segment
// ID.
var ErrNilSegment = errors.New("coordinator: segment id must not be nil")

// ErrEmptyReplicas is returned when a node-lock operation names an empty
// replica set.
var ErrEmptyReplicas = errors.New("coordinator: replica set must not be empty")
