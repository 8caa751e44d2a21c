package store

import (
	"errors"
	"fmt"
)

// ErrNilLeaderID is returned by the store backings when a leader_id
// argument is the zero UUID; it is a programmer error, not a store-level
// condition failure.
var ErrNilLeaderID = errors.New("store: leader id must not be nil")

// ErrNilSegment is returned when a node-lock batch names a zero repair or
// segment ID.
var ErrNilSegment = errors.New("store: segment id must not be nil")

// ErrEmptyReplicas is returned when a node-lock batch is attempted against
// an empty replica set; there is nothing to lock and no LWT to evaluate.
var ErrEmptyReplicas = errors.New("store: replica set must not be empty")

// BatchConflictError wraps the diagnostic rows of a non-applied node-lock
// batch as an error value. The store backings do not construct it: they
// return the rows as a plain []ConflictRow alongside applied == false.
type BatchConflictError struct {
	RepairID  string
	Conflicts []ConflictRow
}

func (e *BatchConflictError) Error() string {
	return fmt.Sprintf("node-lock batch for repair %s did not apply: %d conflicting row(s)", e.RepairID, len(e.Conflicts))
}
