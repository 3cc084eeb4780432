package domain

import (
	"encoding/json"
	"fmt"
)

// EventType enumerates the broadcast vocabulary. The host is the sole sender
// of round-transition events (QUESTION, QUESTION_END, GAME_END); players only
// ever broadcast PLAYER_ANSWERED and PLAYER_LEFT.
type EventType string

const (
	EventGameStart      EventType = "GAME_START"
	EventQuestion       EventType = "QUESTION"
	EventPlayerAnswered EventType = "PLAYER_ANSWERED"
	EventQuestionEnd    EventType = "QUESTION_END"
	EventGameEnd        EventType = "GAME_END"
	EventPlayerLeft     EventType = "PLAYER_LEFT"
	EventHostCancelled  EventType = "HOST_CANCELLED"
)

// Event is the envelope broadcast on a room's topic. Delivery is
// at-most-once per currently-connected subscriber, FIFO per sender only.
type Event struct {
	Type     EventType       `json:"type"`
	RoomCode string          `json:"room_code"`
	SenderID string          `json:"sender_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an envelope with a marshalled payload.
func NewEvent(t EventType, roomCode, senderID string, payload any) (Event, error) {
	ev := Event{Type: t, RoomCode: roomCode, SenderID: senderID}
	if payload == nil {
		return ev, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	ev.Payload = raw
	return ev, nil
}

// Decode unmarshals the payload into the given struct.
func (e Event) Decode(into any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, into); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

type GameStartPayload struct {
	CountdownSeconds int `json:"countdown_seconds"`
}

type QuestionPayload struct {
	Question         PublicQuestion `json:"question"`
	TimeLimitSeconds int            `json:"time_limit_seconds"`
}

// PlayerAnsweredPayload carries identity only; never the answer or its
// correctness, so nothing leaks before the reveal.
type PlayerAnsweredPayload struct {
	PlayerID   string `json:"player_id"`
	PlayerName string `json:"player_name"`
}

type QuestionEndPayload struct {
	Results RoundResults `json:"results"`
}

type GameEndPayload struct {
	FinalScores []FinalScore `json:"final_scores"`
}

type PlayerLeftPayload struct {
	PlayerID string `json:"player_id"`
}
