// Package store defines the coordination-store session used by package
// coordinator. It is a thin adapter: prepare nothing beyond what a driver
// prepares internally, execute one linearizable statement per call, and
// report whether a conditional write's LWT-equivalent condition held.
//
// The three tables it fronts (leader, running_repairs, running_reapers)
// are named and shaped exactly as the coordination-store schema requires;
// a concrete backing lives under store/sqlitestore or store/mysqlstore.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is used by every registry method when the caller does not
// override it. The original schema uses one uniform 90 second lease for
// both leader rows and running-repair rows.
const DefaultTTL = 90 * time.Second

const unknownColumn = "unknown"

// ConflictRow describes one row that kept a node-lock batch from applying.
// A column a degenerate row is missing is reported as the literal
// "unknown" rather than omitted, so a log line always has the same shape.
type ConflictRow struct {
	Node                string
	HolderInstanceID    string
	HolderInstanceHost  string
	SegmentID           string
}

// NewUnknownConflictRow builds a ConflictRow for a node whose current
// holder could not be determined (e.g. the row was concurrently deleted
// between the failed write and the diagnostic read).
func NewUnknownConflictRow(node string) ConflictRow {
	return ConflictRow{
		Node:               node,
		HolderInstanceID:   unknownColumn,
		HolderInstanceHost: unknownColumn,
		SegmentID:          unknownColumn,
	}
}

// Coalesce substitutes "unknown" for an empty/NULL-scanned column, used by
// store backings when assembling a ConflictRow from a partially NULL row.
func Coalesce(v string) string {
	if v == "" {
		return unknownColumn
	}
	return v
}

// Client is the session handed to the coordinator registries at
// construction. Every method is one statement or one transaction against
// the coordination store (a batch runs one statement per node inside a
// single transaction, and store/mysqlstore's TakeLead reads the row before
// writing it in the same transaction); none of them retry. A Client implementation must never silently
// retry a conditional write: a replay after a successful apply would read
// back as a conflict and misreport success as failure.
type Client interface {
	// TakeLead attempts insert-if-absent of the leader row for leaderID,
	// naming holderID/holderHost as owner for ttl. Reports whether the
	// condition applied.
	TakeLead(ctx context.Context, leaderID, holderID uuid.UUID, holderHost string, ttl time.Duration) (bool, error)

	// RenewLead is a conditional update-if-holder-equals-self that rewrites
	// the heartbeat timestamp and resets the TTL. Structurally identical to
	// the probe performed by HasLead in package coordinator.
	RenewLead(ctx context.Context, leaderID, holderID uuid.UUID, holderHost string, ttl time.Duration) (bool, error)

	// ReleaseLead is a conditional delete-if-holder-equals-self.
	ReleaseLead(ctx context.Context, leaderID, holderID uuid.UUID) (bool, error)

	// GetLeaders enumerates all present, unexpired leader rows. Not
	// linearizable; used for observability and reconciliation only.
	GetLeaders(ctx context.Context) ([]uuid.UUID, error)

	// LockRunningRepairsForNodes atomically transitions every
	// (repairID, node) row for node in nodes from unowned to owned by
	// (holderID, segmentID). Applied iff every row in the batch satisfied
	// its condition; on failure, conflicts describes every row that did not.
	LockRunningRepairsForNodes(ctx context.Context, repairID, segmentID uuid.UUID, nodes []string, holderID uuid.UUID, holderHost string, ttl time.Duration) (applied bool, conflicts []ConflictRow, err error)

	// RenewRunningRepairsForNodes is the same batch as
	// LockRunningRepairsForNodes, but each condition requires the prior
	// holder to already equal holderID.
	RenewRunningRepairsForNodes(ctx context.Context, repairID, segmentID uuid.UUID, nodes []string, holderID uuid.UUID, holderHost string, ttl time.Duration) (applied bool, conflicts []ConflictRow, err error)

	// ReleaseRunningRepairsForNodes resets every matching row's holder
	// columns to NULL, conditional on the prior holder equaling holderID.
	// The TTL is rewritten even though the holder is cleared, so the
	// released row remains available as a sentinel.
	ReleaseRunningRepairsForNodes(ctx context.Context, repairID, segmentID uuid.UUID, nodes []string, holderID uuid.UUID, ttl time.Duration) (applied bool, conflicts []ConflictRow, err error)

	// GetLockedSegmentsForRun returns the set of segment IDs currently
	// locked anywhere for repairID.
	GetLockedSegmentsForRun(ctx context.Context, repairID uuid.UUID) ([]uuid.UUID, error)

	// GetLockedNodesForRun returns the set of nodes with a non-null holder
	// for repairID.
	GetLockedNodesForRun(ctx context.Context, repairID uuid.UUID) ([]string, error)

	// GetRunningReapers enumerates every instance that has heart-beaten
	// within its TTL. The running_reapers table itself is written by a
	// heartbeat loop owned outside this core.
	GetRunningReapers(ctx context.Context) ([]uuid.UUID, error)

	Close() error
}
