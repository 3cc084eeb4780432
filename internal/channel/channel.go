// Package channel defines the pub/sub contract the sync engine runs on: one
// topic per room, member presence with authoritative sync snapshots, and
// fire-and-forget broadcast delivered at most once to every currently
// connected subscriber, including the sender.
package channel

import (
	"context"

	"challenge-sync-service/internal/domain"
)

// PresenceEventType distinguishes authoritative snapshots from delta hints.
type PresenceEventType string

const (
	// PresenceSync carries the full current member set. Consumers must treat
	// it as authoritative and rebuild their roster from it, never merge.
	PresenceSync PresenceEventType = "sync"
	// PresenceJoin is an incremental hint: a member appeared or re-tracked.
	PresenceJoin PresenceEventType = "join"
	// PresenceLeave is an incremental hint: a member disappeared.
	PresenceLeave PresenceEventType = "leave"
)

// PresenceEvent is one message on a subscription's presence stream.
type PresenceEvent struct {
	Type PresenceEventType
	// Members is set on sync only: member id → last tracked record.
	Members map[string]domain.PresenceRecord
	// MemberID and Record describe the delta on join/leave. Record is nil on
	// leave.
	MemberID string
	Record   *domain.PresenceRecord
}

// Subscription is a scoped handle on one room topic. Unsubscribe must run on
// every exit path; an orphaned subscription leaves a ghost presence entry
// behind for the other members.
type Subscription interface {
	Topic() string

	// Track idempotently upserts this member's presence record, replacing
	// the previous record entirely.
	Track(ctx context.Context, rec domain.PresenceRecord) error

	// Untrack removes this member's presence record without tearing down the
	// subscription.
	Untrack(ctx context.Context) error

	// Broadcast publishes an event to every currently-connected subscriber
	// of the topic, the sender included. FIFO per sender; no cross-sender
	// ordering and no delivery guarantee to a member mid-reconnect.
	Broadcast(ctx context.Context, ev domain.Event) error

	// Events streams broadcasts. Closed on Unsubscribe.
	Events() <-chan domain.Event

	// Presence streams sync snapshots and join/leave hints. Closed on
	// Unsubscribe.
	Presence() <-chan PresenceEvent

	Unsubscribe(ctx context.Context) error
}

// Channel hands out per-topic subscriptions. Subscribe fails with a
// *domain.ConnectionError when the backing infrastructure is unreachable;
// retrying is the caller's call, never done internally.
type Channel interface {
	Subscribe(ctx context.Context, topic, memberID string) (Subscription, error)
}
