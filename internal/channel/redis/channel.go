// Package redis implements the channel contract on redis pub/sub. Broadcasts
// ride a per-room events topic; presence lives in a hash that every hint
// re-reads in full, so the sync snapshots clients rebuild from are always
// authoritative even when individual hints were missed.
package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"challenge-sync-service/internal/channel"
	"challenge-sync-service/internal/domain"
)

const (
	eventBuffer    = 32
	presenceBuffer = 16
)

// Channel hands out redis-backed subscriptions, one pub/sub connection each.
type Channel struct {
	client *redis.Client
	ttl    time.Duration
}

// NewChannel wraps a redis client. ttl bounds how long an orphaned presence
// entry can outlive a crashed member.
func NewChannel(client *redis.Client, ttl time.Duration) *Channel {
	return &Channel{client: client, ttl: ttl}
}

// presenceHint is the delta message published alongside hash updates.
type presenceHint struct {
	Type     channel.PresenceEventType `json:"type"`
	MemberID string                    `json:"member_id"`
	Record   *domain.PresenceRecord    `json:"record,omitempty"`
}

func (c *Channel) Subscribe(ctx context.Context, topic, memberID string) (channel.Subscription, error) {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return nil, &domain.ConnectionError{Op: "subscribe", Err: err}
	}

	sub := &subscription{
		client:   c.client,
		topic:    topic,
		memberID: memberID,
		ttl:      c.ttl,
		events:   make(chan domain.Event, eventBuffer),
		presence: make(chan channel.PresenceEvent, presenceBuffer),
	}
	sub.pubsub = c.client.Subscribe(ctx, sub.eventsTopic(), sub.presenceTopic())
	if _, err := sub.pubsub.Receive(ctx); err != nil {
		_ = sub.pubsub.Close()
		return nil, &domain.ConnectionError{Op: "subscribe", Err: err}
	}
	go sub.pump()
	return sub, nil
}

type subscription struct {
	client   *redis.Client
	pubsub   *redis.PubSub
	topic    string
	memberID string
	ttl      time.Duration
	events   chan domain.Event
	presence chan channel.PresenceEvent
}

func (s *subscription) Topic() string { return s.topic }

func (s *subscription) eventsTopic() string   { return "challenge:" + s.topic + ":events" }
func (s *subscription) presenceTopic() string { return "challenge:" + s.topic + ":presence" }
func (s *subscription) membersKey() string    { return "challenge:" + s.topic + ":members" }

func (s *subscription) Track(ctx context.Context, rec domain.PresenceRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.membersKey(), s.memberID, raw)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.membersKey(), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &domain.ConnectionError{Op: "track", Err: err}
	}
	return s.publishHint(ctx, presenceHint{Type: channel.PresenceJoin, MemberID: s.memberID, Record: &rec})
}

func (s *subscription) Untrack(ctx context.Context) error {
	if err := s.client.HDel(ctx, s.membersKey(), s.memberID).Err(); err != nil {
		return &domain.ConnectionError{Op: "untrack", Err: err}
	}
	return s.publishHint(ctx, presenceHint{Type: channel.PresenceLeave, MemberID: s.memberID})
}

func (s *subscription) publishHint(ctx context.Context, hint presenceHint) error {
	raw, err := json.Marshal(hint)
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.presenceTopic(), raw).Err(); err != nil {
		return &domain.ConnectionError{Op: "presence publish", Err: err}
	}
	return nil
}

func (s *subscription) Broadcast(ctx context.Context, ev domain.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.eventsTopic(), raw).Err(); err != nil {
		return &domain.ConnectionError{Op: "broadcast", Err: err}
	}
	return nil
}

func (s *subscription) Events() <-chan domain.Event { return s.events }

func (s *subscription) Presence() <-chan channel.PresenceEvent { return s.presence }

func (s *subscription) Unsubscribe(ctx context.Context) error {
	// Best-effort: drop the presence entry before closing so the other
	// members see the leave instead of waiting out the TTL.
	_ = s.Untrack(ctx)
	return s.pubsub.Close()
}

// pump translates raw pub/sub messages into typed events until the
// subscription closes. Every presence hint is followed by a fresh read of
// the full member hash, emitted as an authoritative sync.
func (s *subscription) pump() {
	defer close(s.events)
	defer close(s.presence)

	ctx := context.Background()
	s.emitSync(ctx)

	for msg := range s.pubsub.Channel() {
		switch msg.Channel {
		case s.eventsTopic():
			var ev domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			sendDropOldest(s.events, ev)
		case s.presenceTopic():
			var hint presenceHint
			if err := json.Unmarshal([]byte(msg.Payload), &hint); err != nil {
				continue
			}
			sendDropOldest(s.presence, channel.PresenceEvent{
				Type:     hint.Type,
				MemberID: hint.MemberID,
				Record:   hint.Record,
			})
			s.emitSync(ctx)
		}
	}
}

func (s *subscription) emitSync(ctx context.Context) {
	raw, err := s.client.HGetAll(ctx, s.membersKey()).Result()
	if err != nil {
		return
	}
	members := make(map[string]domain.PresenceRecord, len(raw))
	for id, data := range raw {
		var rec domain.PresenceRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			continue
		}
		members[id] = rec
	}
	sendDropOldest(s.presence, channel.PresenceEvent{Type: channel.PresenceSync, Members: members})
}

// sendDropOldest keeps the pump from blocking on a slow consumer; the oldest
// pending message is sacrificed, consistent with at-most-once delivery.
func sendDropOldest[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}
