// Package memory provides an in-process implementation of the channel
// contract, used by tests and single-node deployments.
package memory

import (
	"context"
	"errors"
	"sync"

	"challenge-sync-service/internal/channel"
	"challenge-sync-service/internal/domain"
)

const (
	eventBuffer    = 32
	presenceBuffer = 16
)

// Broker is an in-process pub/sub hub keyed by topic.
type Broker struct {
	mu     sync.Mutex
	topics map[string]map[string]*subscription
	closed bool
}

func NewBroker() *Broker {
	return &Broker{topics: make(map[string]map[string]*subscription)}
}

// Close tears down the broker; subsequent subscribes fail with a
// ConnectionError.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, members := range b.topics {
		for _, sub := range members {
			sub.closeLocked()
		}
	}
	b.topics = make(map[string]map[string]*subscription)
}

// Subscribe registers a member on a topic and delivers an initial presence
// sync so the new member sees the current roster immediately.
func (b *Broker) Subscribe(_ context.Context, topic, memberID string) (channel.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, &domain.ConnectionError{Op: "subscribe", Err: errors.New("broker closed")}
	}

	members := b.topics[topic]
	if members == nil {
		members = make(map[string]*subscription)
		b.topics[topic] = members
	}
	if old, ok := members[memberID]; ok {
		// Re-subscribing the same member replaces the previous handle.
		old.closeLocked()
	}

	sub := &subscription{
		broker:   b,
		topic:    topic,
		memberID: memberID,
		events:   make(chan domain.Event, eventBuffer),
		presence: make(chan channel.PresenceEvent, presenceBuffer),
	}
	members[memberID] = sub
	sub.sendPresence(channel.PresenceEvent{Type: channel.PresenceSync, Members: b.snapshotLocked(topic)})
	return sub, nil
}

// snapshotLocked collects the tracked records on a topic. Members that have
// subscribed but never tracked do not appear.
func (b *Broker) snapshotLocked(topic string) map[string]domain.PresenceRecord {
	out := make(map[string]domain.PresenceRecord)
	for id, sub := range b.topics[topic] {
		if sub.record != nil {
			out[id] = *sub.record
		}
	}
	return out
}

// publishPresenceLocked fans a delta hint out to every member, followed by an
// authoritative sync of the full set.
func (b *Broker) publishPresenceLocked(topic string, delta channel.PresenceEvent) {
	snapshot := b.snapshotLocked(topic)
	for _, sub := range b.topics[topic] {
		sub.sendPresence(delta)
		sub.sendPresence(channel.PresenceEvent{Type: channel.PresenceSync, Members: snapshot})
	}
}

type subscription struct {
	broker   *Broker
	topic    string
	memberID string
	events   chan domain.Event
	presence chan channel.PresenceEvent
	record   *domain.PresenceRecord
	closed   bool
}

func (s *subscription) Topic() string { return s.topic }

func (s *subscription) Track(_ context.Context, rec domain.PresenceRecord) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if s.closed {
		return domain.ErrSessionClosed
	}
	s.record = &rec
	s.broker.publishPresenceLocked(s.topic, channel.PresenceEvent{
		Type:     channel.PresenceJoin,
		MemberID: s.memberID,
		Record:   &rec,
	})
	return nil
}

func (s *subscription) Untrack(_ context.Context) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if s.closed || s.record == nil {
		return nil
	}
	s.record = nil
	s.broker.publishPresenceLocked(s.topic, channel.PresenceEvent{
		Type:     channel.PresenceLeave,
		MemberID: s.memberID,
	})
	return nil
}

func (s *subscription) Broadcast(_ context.Context, ev domain.Event) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if s.closed {
		return domain.ErrSessionClosed
	}
	for _, sub := range s.broker.topics[s.topic] {
		sub.sendEvent(ev)
	}
	return nil
}

func (s *subscription) Events() <-chan domain.Event { return s.events }

func (s *subscription) Presence() <-chan channel.PresenceEvent { return s.presence }

func (s *subscription) Unsubscribe(_ context.Context) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	if s.closed {
		return nil
	}
	hadRecord := s.record != nil
	s.record = nil
	s.closeLocked()

	members := s.broker.topics[s.topic]
	if members[s.memberID] == s {
		delete(members, s.memberID)
	}
	if len(members) == 0 {
		delete(s.broker.topics, s.topic)
	} else if hadRecord {
		s.broker.publishPresenceLocked(s.topic, channel.PresenceEvent{
			Type:     channel.PresenceLeave,
			MemberID: s.memberID,
		})
	}
	return nil
}

func (s *subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
	close(s.presence)
}

// sendEvent never blocks: a slow consumer loses its oldest pending event,
// matching the at-most-once delivery contract.
func (s *subscription) sendEvent(ev domain.Event) {
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		select {
		case <-s.events:
		default:
		}
		s.events <- ev
	}
}

func (s *subscription) sendPresence(ev channel.PresenceEvent) {
	if s.closed {
		return
	}
	select {
	case s.presence <- ev:
	default:
		select {
		case <-s.presence:
		default:
		}
		s.presence <- ev
	}
}
