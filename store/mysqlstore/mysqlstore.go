// Package mysqlstore is the alternate store.Client backing for
// deployments that already run a MySQL/Percona cluster instead of
// standing up an embedded SQLite file per instance. It cannot rely on
// "INSERT ... ON DUPLICATE KEY UPDATE ... WHERE": that clause's
// RowsAffected result is ambiguous between "row inserted" (1),
// "row updated and changed" (2), and "row matched but unchanged" (0), so a
// failed WHERE condition on an unchanged update cannot be told apart from
// a successful no-op update. Every write that may create a row (TakeLead
// and the lock/renew batches) instead opens an explicit transaction, reads
// the row with SELECT ... FOR UPDATE to take a row lock, decides insert vs.
// update vs. reject in Go, and commits only on success — the same "was
// applied" signal store/sqlitestore gets for free from ON CONFLICT, rebuilt
// by hand because MySQL's upsert affected-row count cannot carry it. The
// remaining conditional writes (RenewLead, ReleaseLead, the release batch)
// are plain conditional UPDATE/DELETE statements read via RowsAffected.
package mysqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rtib/cassandra-reaper/store"

	_ "github.com/go-sql-driver/mysql"
)

// Store implements store.Client against a MySQL/MariaDB database.
type Store struct {
	db      *sql.DB
	goqu    *goqu.Database
	logger  zerolog.Logger
}

var _ store.Client = (*Store)(nil)

// Open connects to the coordination database at dsn and ensures its schema
// exists. dsn follows go-sql-driver/mysql's DSN format
// (user:pass@tcp(host:port)/dbname?params).
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open coordination database: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, goqu: goqu.New("mysql", db), logger: log.Logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS leader (
			leader_id CHAR(36) PRIMARY KEY,
			reaper_instance_id CHAR(36),
			reaper_instance_host VARCHAR(255),
			last_heartbeat BIGINT,
			expires_at BIGINT NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS running_repairs (
			repair_id CHAR(36) NOT NULL,
			node VARCHAR(255) NOT NULL,
			reaper_instance_id CHAR(36),
			reaper_instance_host VARCHAR(255),
			segment_id CHAR(36),
			expires_at BIGINT NOT NULL,
			PRIMARY KEY (repair_id, node)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS running_reapers (
			reaper_instance_id CHAR(36) PRIMARY KEY,
			reaper_instance_host VARCHAR(255),
			last_heartbeat BIGINT,
			expires_at BIGINT NOT NULL
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate coordination schema: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func now() int64 { return time.Now().UnixNano() }

// TakeLead takes a row lock on the leader row for leaderID (if any), then
// inserts it if absent or updates it in place if its lease has already
// expired.
func (s *Store) TakeLead(ctx context.Context, leaderID, holderID uuid.UUID, holderHost string, ttl time.Duration) (bool, error) {
	if leaderID == uuid.Nil {
		return false, store.ErrNilLeaderID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin take lead on %s: %w", leaderID, err)
	}
	defer tx.Rollback()

	var expiresAt sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT expires_at FROM leader WHERE leader_id = ? FOR UPDATE`, leaderID.String()).Scan(&expiresAt)

	ts := now()
	newExpiry := ts + ttl.Nanoseconds()

	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO leader (leader_id, reaper_instance_id, reaper_instance_host, last_heartbeat, expires_at)
			VALUES (?, ?, ?, ?, ?)
		`, leaderID.String(), holderID.String(), holderHost, ts, newExpiry); err != nil {
			return false, fmt.Errorf("insert leader row for %s: %w", leaderID, err)
		}
	case err != nil:
		return false, fmt.Errorf("lock leader row for %s: %w", leaderID, err)
	case expiresAt.Valid && expiresAt.Int64 > ts:
		return false, nil
	default:
		if _, err := tx.ExecContext(ctx, `
			UPDATE leader SET reaper_instance_id = ?, reaper_instance_host = ?, last_heartbeat = ?, expires_at = ?
			WHERE leader_id = ?
		`, holderID.String(), holderHost, ts, newExpiry, leaderID.String()); err != nil {
			return false, fmt.Errorf("update leader row for %s: %w", leaderID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit take lead on %s: %w", leaderID, err)
	}
	return true, nil
}

// RenewLead is a plain conditional UPDATE: the WHERE clause's three
// predicates compose without the upsert ambiguity TakeLead has to avoid, so
// RowsAffected is a direct answer here.
func (s *Store) RenewLead(ctx context.Context, leaderID, holderID uuid.UUID, holderHost string, ttl time.Duration) (bool, error) {
	if leaderID == uuid.Nil {
		return false, store.ErrNilLeaderID
	}

	ts := now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE leader SET reaper_instance_id = ?, reaper_instance_host = ?, last_heartbeat = ?, expires_at = ?
		WHERE leader_id = ? AND reaper_instance_id = ? AND expires_at > ?
	`, holderID.String(), holderHost, ts, ts+ttl.Nanoseconds(), leaderID.String(), holderID.String(), ts)
	if err != nil {
		return false, fmt.Errorf("renew lead on %s: %w", leaderID, err)
	}
	ok, err := applied(res)
	if err != nil {
		return false, err
	}
	if !ok {
		s.logger.Error().Str("leader_id", leaderID.String()).Str("holder_id", holderID.String()).
			Msg("renew lead did not apply: row gone or held by another instance")
	}
	return ok, nil
}

// ReleaseLead implements the delete-if-holder-equals-self leader LWT.
func (s *Store) ReleaseLead(ctx context.Context, leaderID, holderID uuid.UUID) (bool, error) {
	if leaderID == uuid.Nil {
		return false, store.ErrNilLeaderID
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM leader WHERE leader_id = ? AND reaper_instance_id = ?`, leaderID.String(), holderID.String())
	if err != nil {
		return false, fmt.Errorf("release lead on %s: %w", leaderID, err)
	}
	return applied(res)
}

// GetLeaders enumerates every present, unexpired leader row.
func (s *Store) GetLeaders(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT leader_id FROM leader WHERE expires_at > ?`, now())
	if err != nil {
		return nil, fmt.Errorf("list leaders: %w", err)
	}
	defer rows.Close()
	return scanUUIDs(rows, "leader")
}

// LockRunningRepairsForNodes takes the whole batch's row locks inside one
// transaction and decides insert-vs-update-vs-reject per node, committing
// only if every node's row was eligible.
func (s *Store) LockRunningRepairsForNodes(ctx context.Context, repairID, segmentID uuid.UUID, nodes []string, holderID uuid.UUID, holderHost string, ttl time.Duration) (bool, []store.ConflictRow, error) {
	return s.lockOrRenew(ctx, repairID, segmentID, nodes, holderID, holderHost, ttl, false)
}

// RenewRunningRepairsForNodes is the same batch conditioned on the prior
// holder already equaling holderID for every row; package coordinator's
// NodeLockRegistry.HasLead uses this same statement to probe ownership.
func (s *Store) RenewRunningRepairsForNodes(ctx context.Context, repairID, segmentID uuid.UUID, nodes []string, holderID uuid.UUID, holderHost string, ttl time.Duration) (bool, []store.ConflictRow, error) {
	return s.lockOrRenew(ctx, repairID, segmentID, nodes, holderID, holderHost, ttl, true)
}

func (s *Store) lockOrRenew(ctx context.Context, repairID, segmentID uuid.UUID, nodes []string, holderID uuid.UUID, holderHost string, ttl time.Duration, isRenew bool) (bool, []store.ConflictRow, error) {
	if repairID == uuid.Nil || segmentID == uuid.Nil {
		return false, nil, store.ErrNilSegment
	}
	if len(nodes) == 0 {
		return false, nil, store.ErrEmptyReplicas
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("begin node-lock batch for %s: %w", repairID, err)
	}
	defer tx.Rollback()

	ts := now()
	newExpiry := ts + ttl.Nanoseconds()
	eligibleNodes := make([]string, 0, len(nodes))
	failedNodes := make([]string, 0, len(nodes))

	for _, node := range nodes {
		var curHolder, curHost, curSegment sql.NullString
		var curExpiry int64
		err := tx.QueryRowContext(ctx, `
			SELECT reaper_instance_id, reaper_instance_host, segment_id, expires_at
			FROM running_repairs WHERE repair_id = ? AND node = ? FOR UPDATE
		`, repairID.String(), node).Scan(&curHolder, &curHost, &curSegment, &curExpiry)

		switch {
		case err == sql.ErrNoRows:
			if isRenew {
				return false, []store.ConflictRow{store.NewUnknownConflictRow(node)}, nil
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO running_repairs (repair_id, node, reaper_instance_id, reaper_instance_host, segment_id, expires_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, repairID.String(), node, holderID.String(), holderHost, segmentID.String(), newExpiry); err != nil {
				return false, nil, fmt.Errorf("insert running_repairs row for node %s: %w", node, err)
			}
			eligibleNodes = append(eligibleNodes, node)
		case err != nil:
			return false, nil, fmt.Errorf("lock running_repairs row for node %s: %w", node, err)
		case eligible(isRenew, curHolder, holderID, curExpiry, ts):
			if _, err := tx.ExecContext(ctx, `
				UPDATE running_repairs
				SET reaper_instance_id = ?, reaper_instance_host = ?, segment_id = ?, expires_at = ?
				WHERE repair_id = ? AND node = ?
			`, holderID.String(), holderHost, segmentID.String(), newExpiry, repairID.String(), node); err != nil {
				return false, nil, fmt.Errorf("update running_repairs row for node %s: %w", node, err)
			}
			eligibleNodes = append(eligibleNodes, node)
		default:
			// row exists but fails its condition; the diagnostic read
			// below will describe it.
			failedNodes = append(failedNodes, node)
		}
	}

	if len(eligibleNodes) < len(nodes) {
		conflicts, cerr := s.fetchConflictRows(ctx, tx, repairID, failedNodes)
		if cerr != nil {
			return false, nil, cerr
		}
		s.logFailedBatch(repairID, conflicts)
		return false, conflicts, nil
	}

	if err := tx.Commit(); err != nil {
		return false, nil, fmt.Errorf("commit node-lock batch for %s: %w", repairID, err)
	}
	return true, nil, nil
}

func eligible(isRenew bool, curHolder sql.NullString, holderID uuid.UUID, curExpiry, ts int64) bool {
	if isRenew {
		return curHolder.Valid && curHolder.String == holderID.String() && curExpiry > ts
	}
	return !curHolder.Valid || curExpiry <= ts
}

// fetchConflictRows reads every named node's current row in a single
// goqu-built query, rather than one round trip per node: the batch already
// paid for N row locks, a diagnostic read should not cost N more queries.
func (s *Store) fetchConflictRows(ctx context.Context, tx *sql.Tx, repairID uuid.UUID, nodes []string) ([]store.ConflictRow, error) {
	nodeVals := make([]interface{}, len(nodes))
	for i, n := range nodes {
		nodeVals[i] = n
	}

	query, args, err := s.goqu.From("running_repairs").
		Select("node", "reaper_instance_id", "reaper_instance_host", "segment_id").
		Where(goqu.Ex{"repair_id": repairID.String(), "node": nodeVals}).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build conflict diagnostic query: %w", err)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch conflict rows for %s: %w", repairID, err)
	}
	defer rows.Close()

	found := make(map[string]store.ConflictRow, len(nodes))
	for rows.Next() {
		var node string
		var holder, host, segment sql.NullString
		if err := rows.Scan(&node, &holder, &host, &segment); err != nil {
			return nil, fmt.Errorf("scan conflict row: %w", err)
		}
		found[node] = store.ConflictRow{
			Node:               node,
			HolderInstanceID:   store.Coalesce(holder.String),
			HolderInstanceHost: store.Coalesce(host.String),
			SegmentID:          store.Coalesce(segment.String),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]store.ConflictRow, 0, len(nodes))
	for _, n := range nodes {
		if row, ok := found[n]; ok {
			out = append(out, row)
		} else {
			out = append(out, store.NewUnknownConflictRow(n))
		}
	}
	return out, nil
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

// ReleaseRunningRepairsForNodes is a plain conditional UPDATE per node,
// inside one transaction: no upsert involved, so RowsAffected is
// unambiguous and no row-locking reconnaissance pass is needed.
func (s *Store) ReleaseRunningRepairsForNodes(ctx context.Context, repairID, segmentID uuid.UUID, nodes []string, holderID uuid.UUID, ttl time.Duration) (bool, []store.ConflictRow, error) {
	if repairID == uuid.Nil || segmentID == uuid.Nil {
		return false, nil, store.ErrNilSegment
	}
	if len(nodes) == 0 {
		return false, nil, store.ErrEmptyReplicas
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("begin release batch for %s: %w", repairID, err)
	}
	defer tx.Rollback()

	expiresAt := now() + ttl.Nanoseconds()
	failedNodes := make([]string, 0)

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
			failedNodes = append(failedNodes, node)
		}
	}

	if len(failedNodes) > 0 {
		conflicts, cerr := s.fetchConflictRows(ctx, tx, repairID, failedNodes)
		if cerr != nil {
			return false, nil, cerr
		}
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT segment_id FROM running_repairs
		WHERE repair_id = ? AND reaper_instance_id IS NOT NULL AND expires_at > ?
	`, repairID.String(), now())
	if err != nil {
		return nil, fmt.Errorf("list locked segments for %s: %w", repairID, err)
	}
	defer rows.Close()
	return scanUUIDs(rows, "segment")
}

// GetLockedNodesForRun returns the set of nodes with a non-null holder for
// repairID.
func (s *Store) GetLockedNodesForRun(ctx context.Context, repairID uuid.UUID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
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
// its TTL.
func (s *Store) GetRunningReapers(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT reaper_instance_id FROM running_reapers WHERE expires_at > ?`, now())
	if err != nil {
		return nil, fmt.Errorf("list running reapers: %w", err)
	}
	defer rows.Close()
	return scanUUIDs(rows, "reaper")
}

// Heartbeat upserts this instance's own running_reapers row. MySQL's
// RowsAffected ambiguity does not matter here: the caller never inspects
// the boolean result of a heartbeat, only whether it errored.
func (s *Store) Heartbeat(ctx context.Context, instanceID uuid.UUID, host string, ttl time.Duration) error {
	ts := now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO running_reapers (reaper_instance_id, reaper_instance_host, last_heartbeat, expires_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			reaper_instance_host = VALUES(reaper_instance_host),
			last_heartbeat = VALUES(last_heartbeat),
			expires_at = VALUES(expires_at)
	`, instanceID.String(), host, ts, ts+ttl.Nanoseconds())
	if err != nil {
		return fmt.Errorf("heartbeat instance %s: %w", instanceID, err)
	}
	return nil
}

func scanUUIDs(rows *sql.Rows, label string) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", label, err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s id %q: %w", label, raw, err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func applied(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
