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

func leaseOutcome(applied bool) string {
	if applied {
		return "applied"
	}
	return "conflict"
}

// LeadRegistry acquires, renews, probes, and releases single-key leases
// keyed by an opaque leader_id, serializing a single action across
// coordinator instances. It owns no state beyond the store client and this
// instance's identity; concurrent calls naming distinct leader_ids are
// safe, and calls naming the same leader_id are serialized by the store's
// linearizable layer, not by any lock here.
type LeadRegistry struct {
	client store.Client
	self   identity.Identity
}

// NewLeadRegistry builds a registry backed by client, acting as self.
func NewLeadRegistry(client store.Client, self identity.Identity) *LeadRegistry {
	return &LeadRegistry{client: client, self: self}
}

// TakeLead attempts insert-if-absent of the leader row for leaderID. On
// apply, this instance holds the lease for at most ttl, extendable by
// RenewLead. On no-apply, returns false with no side effects on the row.
func (r *LeadRegistry) TakeLead(ctx context.Context, leaderID uuid.UUID, ttl time.Duration) (bool, error) {
	if leaderID == uuid.Nil {
		return false, ErrNilLeaderID
	}
	start := time.Now()
	applied, err := r.client.TakeLead(ctx, leaderID, r.self.ID, r.self.Address, ttl)
	telemetry.CoordinatorLeaseRoundTripSeconds.With("take").Observe(time.Since(start).Seconds())
	if err != nil {
		return false, err
	}
	telemetry.CoordinatorLeaseAcquireTotal.With(leaseOutcome(applied)).Inc()
	if !applied {
		log.Debug().Str("leader_id", leaderID.String()).Str("instance_id", r.self.ID.String()).
			Msg("take lead lost the race")
	}
	return applied, nil
}

// TakeLeadDefault calls TakeLead with store.DefaultTTL.
func (r *LeadRegistry) TakeLeadDefault(ctx context.Context, leaderID uuid.UUID) (bool, error) {
	return r.TakeLead(ctx, leaderID, store.DefaultTTL)
}

// RenewLead is a conditional update-if-holder-equals-self that rewrites
// the heartbeat and resets the TTL. A false return is a correctness
// anomaly (the row is gone or held by a peer) and is logged loudly, but it
// is never turned into an error: the caller's own false return is the
// authoritative signal.
func (r *LeadRegistry) RenewLead(ctx context.Context, leaderID uuid.UUID, ttl time.Duration) (bool, error) {
	if leaderID == uuid.Nil {
		return false, ErrNilLeaderID
	}
	start := time.Now()
	applied, err := r.client.RenewLead(ctx, leaderID, r.self.ID, r.self.Address, ttl)
	telemetry.CoordinatorLeaseRoundTripSeconds.With("renew").Observe(time.Since(start).Seconds())
	if err != nil {
		return false, err
	}
	telemetry.CoordinatorLeaseRenewTotal.With(leaseOutcome(applied)).Inc()
	return applied, nil
}

// RenewLeadDefault calls RenewLead with store.DefaultTTL.
func (r *LeadRegistry) RenewLeadDefault(ctx context.Context, leaderID uuid.UUID) (bool, error) {
	return r.RenewLead(ctx, leaderID, store.DefaultTTL)
}

// HasLead probes whether this instance still holds leaderID. It is
// structurally identical to RenewLead, on purpose: reading to probe
// ownership is insufficient because the TTL could elapse between a read
// and the action that depends on its answer. The act of probing is also
// the act of refreshing.
func (r *LeadRegistry) HasLead(ctx context.Context, leaderID uuid.UUID) (bool, error) {
	return r.RenewLeadDefault(ctx, leaderID)
}

// GetLeaders enumerates all present leader rows. Non-linearizable, for
// observability and reconciliation only.
func (r *LeadRegistry) GetLeaders(ctx context.Context) ([]uuid.UUID, error) {
	return r.client.GetLeaders(ctx)
}

// ReleaseLead is a conditional delete-if-holder-equals-self. An
// unsuccessful release is logged but is not an error to the caller: the
// lease will expire naturally.
func (r *LeadRegistry) ReleaseLead(ctx context.Context, leaderID uuid.UUID) error {
	if leaderID == uuid.Nil {
		return ErrNilLeaderID
	}
	start := time.Now()
	applied, err := r.client.ReleaseLead(ctx, leaderID, r.self.ID)
	telemetry.CoordinatorLeaseRoundTripSeconds.With("release").Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	if !applied {
		log.Debug().Str("leader_id", leaderID.String()).Str("instance_id", r.self.ID.String()).
			Msg("release lead did not apply, leaving lease to expire by ttl")
	}
	return nil
}
