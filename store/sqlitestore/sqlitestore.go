// Package sqlitestore is the default store.Client backing: an embedded
// SQLite database standing in for the coordination store. It emulates a
// per-row TTL (SQLite has none natively) with an expires_at column that
// every conditional statement checks, and emulates an LWT's "was applied"
// signal with database/sql's RowsAffected, exactly the way
// db/meta_store_sqlite.go's TryAcquireDDLLock does for marmot's own DDL
// lock.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rtib/cassandra-reaper/store"

	_ "github.com/mattn/go-sqlite3"
)

// Store implements store.Client against an embedded SQLite database.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB
	logger  zerolog.Logger
}

var _ store.Client = (*Store)(nil)

// Open creates (or attaches to) the coordination database at path. A path
// containing ":memory:" gets a single shared connection, the same special
// case db/meta_store_sqlite.go carries for its own in-memory test mode.
func Open(path string, busyTimeoutMS int) (*Store, error) {
	isMemoryDB := strings.Contains(path, ":memory:")

	writeDSN := path
	if !isMemoryDB {
		writeDSN = withParams(writeDSN, fmt.Sprintf("_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", busyTimeoutMS))
	}
	writeDB, err := sql.Open("sqlite3", writeDSN)
	if err != nil {
		return nil, fmt.Errorf("open coordination write database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	readDB := writeDB
	if !isMemoryDB {
		readDSN := withParams(path, fmt.Sprintf("_journal_mode=WAL&_busy_timeout=%d", busyTimeoutMS))
		readDB, err = sql.Open("sqlite3", readDSN)
		if err != nil {
			writeDB.Close()
			return nil, fmt.Errorf("open coordination read database: %w", err)
		}
		readDB.SetMaxOpenConns(4)
		readDB.SetMaxIdleConns(4)
		readDB.SetConnMaxLifetime(0)
	}

	s := &Store{writeDB: writeDB, readDB: readDB, logger: log.Logger}
	if err := s.migrate(); err != nil {
		writeDB.Close()
		if readDB != writeDB {
			readDB.Close()
		}
		return nil, err
	}

	return s, nil
}

func withParams(dsn, params string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return dsn + "?" + params
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS leader (
			leader_id TEXT PRIMARY KEY,
			reaper_instance_id TEXT,
			reaper_instance_host TEXT,
			last_heartbeat INTEGER,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS running_repairs (
			repair_id TEXT NOT NULL,
			node TEXT NOT NULL,
			reaper_instance_id TEXT,
			reaper_instance_host TEXT,
			segment_id TEXT,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (repair_id, node)
		)`,
		`CREATE TABLE IF NOT EXISTS running_reapers (
			reaper_instance_id TEXT PRIMARY KEY,
			reaper_instance_host TEXT,
			last_heartbeat INTEGER,
			expires_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.writeDB.Exec(stmt); err != nil {
			return fmt.Errorf("migrate coordination schema: %w", err)
		}
	}
	return nil
}

// Close releases both connection pools.
func (s *Store) Close() error {
	err := s.writeDB.Close()
	if s.readDB != s.writeDB {
		if rerr := s.readDB.Close(); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}

func now() int64 { return time.Now().UnixNano() }

// TakeLead implements the insert-if-absent leader LWT. A leader row is
// also eligible for take-over once its expires_at has passed, which is how
// TTL expiry is emulated on a store without native row expiry.
func (s *Store) TakeLead(ctx context.Context, leaderID, holderID uuid.UUID, holderHost string, ttl time.Duration) (bool, error) {
	if leaderID == uuid.Nil {
		return false, store.ErrNilLeaderID
	}

	ts := now()
	expiresAt := ts + ttl.Nanoseconds()
	res, err := s.writeDB.ExecContext(ctx, `
		INSERT INTO leader (leader_id, reaper_instance_id, reaper_instance_host, last_heartbeat, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(leader_id) DO UPDATE SET
			reaper_instance_id = excluded.reaper_instance_id,
			reaper_instance_host = excluded.reaper_instance_host,
			last_heartbeat = excluded.last_heartbeat,
			expires_at = excluded.expires_at
		WHERE leader.expires_at <= ?
	`, leaderID.String(), holderID.String(), holderHost, ts, expiresAt, ts)
	if err != nil {
		return false, fmt.Errorf("take lead on %s: %w", leaderID, err)
	}
	return applied(res)
}

// RenewLead implements the update-if-holder-equals-self leader LWT. It is
// also the statement HasLead probes with: a write, never a plain read,
// because a read could observe a row whose TTL expires before the
// subsequent action uses the answer.
func (s *Store) RenewLead(ctx context.Context, leaderID, holderID uuid.UUID, holderHost string, ttl time.Duration) (bool, error) {
	if leaderID == uuid.Nil {
		return false, store.ErrNilLeaderID
	}

	ts := now()
	expiresAt := ts + ttl.Nanoseconds()
	res, err := s.writeDB.ExecContext(ctx, `
		UPDATE leader SET reaper_instance_id = ?, reaper_instance_host = ?, last_heartbeat = ?, expires_at = ?
		WHERE leader_id = ? AND reaper_instance_id = ? AND expires_at > ?
	`, holderID.String(), holderHost, ts, expiresAt, leaderID.String(), holderID.String(), ts)
	if err != nil {
		return false, fmt.Errorf("renew lead on %s: %w", leaderID, err)
	}
	applied, err := applied(res)
	if err != nil {
		return false, err
	}
	if !applied {
		s.logger.Error().Str("leader_id", leaderID.String()).Str("holder_id", holderID.String()).
			Msg("renew lead did not apply: row gone or held by another instance")
	}
	return applied, nil
}

// ReleaseLead implements the delete-if-holder-equals-self leader LWT.
func (s *Store) ReleaseLead(ctx context.Context, leaderID, holderID uuid.UUID) (bool, error) {
	if leaderID == uuid.Nil {
		return false, store.ErrNilLeaderID
	}

	res, err := s.writeDB.ExecContext(ctx, `
		DELETE FROM leader WHERE leader_id = ? AND reaper_instance_id = ?
	`, leaderID.String(), holderID.String())
	if err != nil {
		return false, fmt.Errorf("release lead on %s: %w", leaderID, err)
	}
	return applied(res)
}

// GetLeaders enumerates every present, unexpired leader row.
func (s *Store) GetLeaders(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.readDB.QueryContext(ctx, `SELECT leader_id FROM leader WHERE expires_at > ?`, now())
	if err != nil {
		return nil, fmt.Errorf("list leaders: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan leader row: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse leader id %q: %w", raw, err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// LockRunningRepairsForNodes attempts the whole batch inside one
// transaction, so the store guarantees no partial application: either
// every row commits or the transaction rolls back and no row changes. Each
// node's row is an insert-if-absent-or-update-if-released-or-expired upsert, because
// locking is the one operation allowed to create a row from nothing.
func (s *Store) LockRunningRepairsForNodes(ctx context.Context, repairID, segmentID uuid.UUID, nodes []string, holderID uuid.UUID, holderHost string, ttl time.Duration) (bool, []store.ConflictRow, error) {
	return s.batchWrite(ctx, repairID, segmentID, nodes, holderID, holderHost, ttl, false)
}

// RenewRunningRepairsForNodes repeats the batch with each row a plain
// conditional UPDATE instead of an upsert: a renew must never create a row.
// An absent row fails the UPDATE's WHERE clause exactly like a row held by
// someone else, so it is reported as a conflict rather than a fresh
// acquisition. Package coordinator's NodeLockRegistry uses this identical statement to
// implement HasLead (probe-via-write), so probing a node nobody has locked
// correctly returns false instead of silently locking it.
func (s *Store) RenewRunningRepairsForNodes(ctx context.Context, repairID, segmentID uuid.UUID, nodes []string, holderID uuid.UUID, holderHost string, ttl time.Duration) (bool, []store.ConflictRow, error) {
	return s.batchWrite(ctx, repairID, segmentID, nodes, holderID, holderHost, ttl, true)
}

// batchWrite is shared by Lock and Renew: they differ only in whether each
// node's row is an upsert (Lock, may create the row) or a plain conditional
// UPDATE (Renew, must already exist and be held by holderID).
func (s *Store) batchWrite(ctx context.Context, repairID, segmentID uuid.UUID, nodes []string, holderID uuid.UUID, holderHost string, ttl time.Duration, isRenew bool) (bool, []store.ConflictRow, error) {
	if repairID == uuid.Nil || segmentID == uuid.Nil {
		return false, nil, store.ErrNilSegment
	}
	if len(nodes) == 0 {
		return false, nil, store.ErrEmptyReplicas
	}

	ts := now()
	expiresAt := ts + ttl.Nanoseconds()

	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("begin node-lock batch for %s: %w", repairID, err)
	}
	defer tx.Rollback()

	var conflicts []store.ConflictRow
	for _, node := range nodes {
		var res sql.Result
		var err error
		if isRenew {
			res, err = tx.ExecContext(ctx, `
				UPDATE running_repairs
				SET reaper_instance_id = ?, reaper_instance_host = ?, segment_id = ?, expires_at = ?
				WHERE repair_id = ? AND node = ? AND reaper_instance_id = ? AND expires_at > ?
			`, holderID.String(), holderHost, segmentID.String(), expiresAt, repairID.String(), node, holderID.String(), ts)
		} else {
			res, err = tx.ExecContext(ctx, `
				INSERT INTO running_repairs (repair_id, node, reaper_instance_id, reaper_instance_host, segment_id, expires_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(repair_id, node) DO UPDATE SET
					reaper_instance_id = excluded.reaper_instance_id,
					reaper_instance_host = excluded.reaper_instance_host,
					segment_id = excluded.segment_id,
					expires_at = excluded.expires_at
				WHERE running_repairs.reaper_instance_id IS NULL OR running_repairs.expires_at <= ?
			`, repairID.String(), node, holderID.String(), holderHost, segmentID.String(), expiresAt, ts)
		}
		if err != nil {
			return false, nil, fmt.Errorf("lock node %s for repair %s: %w", node, repairID, err)
		}
		ok, err := applied(res)
		if err != nil {
			return false, nil, err
		}
		if !ok {
			row, ferr := s.fetchConflictRow(ctx, tx, repairID, node)
			if ferr != nil {
				return false, nil, ferr
			}
			conflicts = append(conflicts, row)
		}
	}

	if len(conflicts) > 0 {
		s.logFailedBatch(repairID, conflicts)
		return false, conflicts, nil
	}

	if err := tx.Commit(); err != nil {
		return false, nil, fmt.Errorf("commit node-lock batch for %s: %w", repairID, err)
	}
	return true, nil, nil
}

func (s *Store) fetchConflictRow(ctx context.Context, tx *sql.Tx, repairID uuid.UUID, node string) (store.ConflictRow, error) {
	var holderID, holderHost, segmentID sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT reaper_instance_id, reaper_instance_host, segment_id
		FROM running_repairs WHERE repair_id = ? AND node = ?
	`, repairID.String(), node).Scan(&holderID, &holderHost, &segmentID)
	if err == sql.ErrNoRows {
		return store.NewUnknownConflictRow(node), nil
	}
	if err != nil {
		return store.ConflictRow{}, fmt.Errorf("fetch conflict row for node %s: %w", node, err)
	}
	return store.ConflictRow{
		Node:               node,
		HolderInstanceID:   store.Coalesce(holderID.String),
		HolderInstanceHost: store.Coalesce(holderHost.String),
		SegmentID:          store.Coalesce(segmentID.String),
	}, nil
}

func (s *Store) logFailedBatch(repairID uuid.UUID, conflicts []store.ConflictRow) {
	for _, c := range conflicts {
		s.logger.Debug().
			Str("repair_id", repairID.String()).
			Str("node", c.Node).
			Str("holder_instance_id", c.HolderInstanceID).
			Str("holder_instance_host", c.HolderInstanceHost).
			Str("segment_id", c.SegmentID).
			Msg("node-lock batch conflict")
	}
}

// ReleaseRunningRepairsForNodes clears every matching row's holder
// columns, conditional on the prior holder equaling holderID, and
// rewrites expires_at so the cleared row survives as a sentinel that a
// future Lock can match against without racing row absence.
func (s *Store) ReleaseRunningRepairsForNodes(ctx context.Context, repairID, segmentID uuid.UUID, nodes []string, holderID uuid.UUID, ttl time.Duration) (bool, []store.ConflictRow, error) {
	if repairID == uuid.Nil || segmentID == uuid.Nil {
		return false, nil, store.ErrNilSegment
	}
	if len(nodes) == 0 {
		return false, nil, store.ErrEmptyReplicas
	}

	expiresAt := now() + ttl.Nanoseconds()

	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("begin release batch for %s: %w", repairID, err)
	}
	defer tx.Rollback()

	var conflicts []store.ConflictRow
	for _, node := range nodes {
		res, err := tx.ExecContext(ctx, `
			UPDATE running_repairs
			SET reaper_instance_id = NULL, reaper_instance_host = NULL, segment_id = NULL, expires_at = ?
			WHERE repair_id = ? AND node = ? AND reaper_instance_id = ?
		`, expiresAt, repairID.String(), node, holderID.String())
		if err != nil {
			return false, nil, fmt.Errorf("release node %s for repair %s: %w", node, repairID, err)
		}
		ok, err := applied(res)
		if err != nil {
			return false, nil, err
		}
		if !ok {
			row, ferr := s.fetchConflictRow(ctx, tx, repairID, node)
			if ferr != nil {
				return false, nil, ferr
			}
			conflicts = append(conflicts, row)
		}
	}

	if len(conflicts) > 0 {
		return false, conflicts, nil
	}

	if err := tx.Commit(); err != nil {
		return false, nil, fmt.Errorf("commit release batch for %s: %w", repairID, err)
	}
	return true, nil, nil
}

// GetLockedSegmentsForRun returns the distinct, unexpired segment IDs
// currently locked for repairID.
func (s *Store) GetLockedSegmentsForRun(ctx context.Context, repairID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT DISTINCT segment_id FROM running_repairs
		WHERE repair_id = ? AND reaper_instance_id IS NOT NULL AND expires_at > ?
	`, repairID.String(), now())
	if err != nil {
		return nil, fmt.Errorf("list locked segments for %s: %w", repairID, err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan locked segment row: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse segment id %q: %w", raw, err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetLockedNodesForRun returns the set of nodes with a non-null holder for
// repairID.
func (s *Store) GetLockedNodesForRun(ctx context.Context, repairID uuid.UUID) ([]string, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT node FROM running_repairs
		WHERE repair_id = ? AND reaper_instance_id IS NOT NULL AND expires_at > ?
	`, repairID.String(), now())
	if err != nil {
		return nil, fmt.Errorf("list locked nodes for %s: %w", repairID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var node string
		if err := rows.Scan(&node); err != nil {
			return nil, fmt.Errorf("scan locked node row: %w", err)
		}
		out = append(out, node)
	}
	return out, rows.Err()
}

// GetRunningReapers enumerates every instance that has heart-beaten within
// its TTL. running_reapers is written by a heartbeat loop owned outside
// this core; this method only ever reads it.
func (s *Store) GetRunningReapers(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.readDB.QueryContext(ctx, `SELECT reaper_instance_id FROM running_reapers WHERE expires_at > ?`, now())
	if err != nil {
		return nil, fmt.Errorf("list running reapers: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan running reaper row: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse reaper id %q: %w", raw, err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Heartbeat upserts this instance's own running_reapers row. It belongs to
// the process embedding this core, not to store.Client: spec.md calls
// running_reapers "read-only to this core" and leaves the heartbeat loop
// to an external owner (see cmd/reaper-coordinatord).
func (s *Store) Heartbeat(ctx context.Context, instanceID uuid.UUID, host string, ttl time.Duration) error {
	ts := now()
	_, err := s.writeDB.ExecContext(ctx, `
		INSERT INTO running_reapers (reaper_instance_id, reaper_instance_host, last_heartbeat, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(reaper_instance_id) DO UPDATE SET
			reaper_instance_host = excluded.reaper_instance_host,
			last_heartbeat = excluded.last_heartbeat,
			expires_at = excluded.expires_at
	`, instanceID.String(), host, ts, ts+ttl.Nanoseconds())
	if err != nil {
		return fmt.Errorf("heartbeat instance %s: %w", instanceID, err)
	}
	return nil
}

func applied(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
