package memory

import (
	"context"
	"fmt"
	"sync"

	"challenge-sync-service/internal/authority"
	"challenge-sync-service/internal/domain"
)

// RoomStore is the in-memory room registry: room state, answer records and
// running tallies, all behind one lock so answer recording is atomic.
type RoomStore struct {
	mu    sync.RWMutex
	rooms map[string]*roomState
}

type roomState struct {
	room    domain.Room
	answers map[string]map[string]domain.Answer // questionID → playerID
	tallies map[string]*domain.PlayerTally
}

var _ authority.RoomStore = (*RoomStore)(nil)

func NewRoomStore() *RoomStore {
	return &RoomStore{rooms: make(map[string]*roomState)}
}

func (s *RoomStore) CreateRoom(_ context.Context, room domain.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.Code]; ok {
		return fmt.Errorf("room %s already exists", room.Code)
	}
	s.rooms[room.Code] = &roomState{
		room:    room,
		answers: make(map[string]map[string]domain.Answer),
		tallies: make(map[string]*domain.PlayerTally),
	}
	return nil
}

func (s *RoomStore) Room(_ context.Context, code string) (domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.rooms[code]
	if !ok {
		return domain.Room{}, domain.NewAuthorityError(domain.CodeNotFound, "room %s not found", code)
	}
	return state.room, nil
}

func (s *RoomStore) UpdateRoom(_ context.Context, code string, fn func(*domain.Room) error) (domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.rooms[code]
	if !ok {
		return domain.Room{}, domain.NewAuthorityError(domain.CodeNotFound, "room %s not found", code)
	}
	updated := state.room
	if err := fn(&updated); err != nil {
		return domain.Room{}, err
	}
	state.room = updated
	return updated, nil
}

func (s *RoomStore) RecordAnswer(_ context.Context, code string, ans domain.Answer) (domain.Answer, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.rooms[code]
	if !ok {
		return domain.Answer{}, false, domain.NewAuthorityError(domain.CodeNotFound, "room %s not found", code)
	}

	byPlayer := state.answers[ans.QuestionID]
	if byPlayer == nil {
		byPlayer = make(map[string]domain.Answer)
		state.answers[ans.QuestionID] = byPlayer
	}
	if existing, ok := byPlayer[ans.PlayerID]; ok {
		return existing, true, nil
	}

	tally := state.ensureTally(ans.PlayerID, ans.PlayerName)
	tally.Score += ans.PointsEarned
	tally.TotalResponseMS += ans.ResponseTimeMS
	ans.NewTotalScore = tally.Score
	byPlayer[ans.PlayerID] = ans
	return ans, false, nil
}

func (s *RoomStore) Answers(_ context.Context, code, questionID string) ([]domain.Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.rooms[code]
	if !ok {
		return nil, domain.NewAuthorityError(domain.CodeNotFound, "room %s not found", code)
	}
	byPlayer := state.answers[questionID]
	out := make([]domain.Answer, 0, len(byPlayer))
	for _, a := range byPlayer {
		out = append(out, a)
	}
	return out, nil
}

func (s *RoomStore) EnsureTallies(_ context.Context, code string, players []domain.PlayerRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.rooms[code]
	if !ok {
		return domain.NewAuthorityError(domain.CodeNotFound, "room %s not found", code)
	}
	for _, p := range players {
		state.ensureTally(p.ID, p.Name)
	}
	return nil
}

func (s *RoomStore) AddToTally(_ context.Context, code, playerID, name string, points, responseMS int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.rooms[code]
	if !ok {
		return 0, domain.NewAuthorityError(domain.CodeNotFound, "room %s not found", code)
	}
	tally := state.ensureTally(playerID, name)
	tally.Score += points
	tally.TotalResponseMS += responseMS
	return tally.Score, nil
}

func (s *RoomStore) Tallies(_ context.Context, code string) ([]domain.PlayerTally, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.rooms[code]
	if !ok {
		return nil, domain.NewAuthorityError(domain.CodeNotFound, "room %s not found", code)
	}
	out := make([]domain.PlayerTally, 0, len(state.tallies))
	for _, t := range state.tallies {
		out = append(out, *t)
	}
	return out, nil
}

func (st *roomState) ensureTally(playerID, name string) *domain.PlayerTally {
	if tally, ok := st.tallies[playerID]; ok {
		if name != "" {
			tally.Name = name
		}
		return tally
	}
	tally := &domain.PlayerTally{PlayerID: playerID, Name: name}
	st.tallies[playerID] = tally
	return tally
}
