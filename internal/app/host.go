package app

import (
	"context"
	"time"

	"challenge-sync-service/internal/domain"
)

// Host authority logic. Exactly one member per room runs with RoleHost; it
// is the sole sender of round-transition broadcasts (QUESTION, QUESTION_END,
// GAME_END), so those stay FIFO-ordered for every subscriber. Each exported
// operation checks the role tag up front and fails NotHost instead of
// branching deeper in.

// Start begins the game: start-game RPC, then the GAME_START broadcast. The
// first question follows after the countdown elapses on the host's own
// clock.
func (s *Session) Start(ctx context.Context) error {
	if err := s.requireHost(); err != nil {
		return err
	}

	s.mu.Lock()
	present := s.roster.Refs()
	s.mu.Unlock()

	res, err := s.auth.StartGame(ctx, s.cfg.RoomCode, s.cfg.Self.PlayerID, present)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.timeLimit = res.TimePerQuestion
	s.mu.Unlock()

	ev, err := domain.NewEvent(domain.EventGameStart, s.cfg.RoomCode, s.cfg.Self.PlayerID, domain.GameStartPayload{
		CountdownSeconds: s.cfg.CountdownSeconds,
	})
	if err != nil {
		return err
	}
	return s.sub.Broadcast(ctx, ev)
}

// Cancel terminates the room for everyone; host only.
func (s *Session) Cancel(ctx context.Context) error {
	if err := s.requireHost(); err != nil {
		return err
	}
	if err := s.auth.CancelGame(ctx, s.cfg.RoomCode, s.cfg.Self.PlayerID); err != nil {
		return err
	}
	ev, err := domain.NewEvent(domain.EventHostCancelled, s.cfg.RoomCode, s.cfg.Self.PlayerID, nil)
	if err != nil {
		return err
	}
	return s.sub.Broadcast(ctx, ev)
}

func (s *Session) requireHost() error {
	if s.cfg.Role != domain.RoleHost {
		return domain.NewAuthorityError(domain.CodeNotHost, "player %s is not the host", s.cfg.Self.PlayerID)
	}
	return nil
}

// scheduleFirstQuestion arms the post-countdown timer on the host's client.
// Players ignore it; their countdown is display only.
func (s *Session) scheduleFirstQuestion(countdownSeconds int) {
	if s.cfg.Role != domain.RoleHost {
		return
	}
	t := s.clock.AfterFunc(time.Duration(countdownSeconds)*time.Second, func() {
		s.advance(context.Background(), 0)
	})
	s.addTimer(t)
}

// scheduleAdvance arms the results-display timer after QUESTION_END, driven
// by the host's own client.
func (s *Session) scheduleAdvance(endedIndex int) {
	if s.cfg.Role != domain.RoleHost {
		return
	}
	t := s.clock.AfterFunc(time.Duration(s.cfg.ResultsDisplaySeconds)*time.Second, func() {
		s.advance(context.Background(), endedIndex+1)
	})
	s.addTimer(t)
}

// advance moves the room to question nextIndex, or ends the game when no
// question remains. Duplicate timer fires and already-advanced states are
// silent no-ops, never errors.
func (s *Session) advance(ctx context.Context, nextIndex int) {
	if s.cfg.Role != domain.RoleHost {
		return
	}

	s.mu.Lock()
	if s.phase == PhaseCancelled || s.phase == PhaseGameOver {
		s.mu.Unlock()
		return
	}
	if s.advanceDone >= nextIndex {
		s.mu.Unlock()
		return
	}
	s.advanceDone = nextIndex
	timeLimit := s.timeLimit
	s.mu.Unlock()

	question, ok, err := s.auth.AdvanceQuestion(ctx, s.cfg.RoomCode, s.cfg.Self.PlayerID)
	if err != nil {
		s.log.Error().Err(err).Int("index", nextIndex).Msg("advance failed")
		return
	}
	if !ok {
		s.endGame(ctx)
		return
	}

	ev, err := domain.NewEvent(domain.EventQuestion, s.cfg.RoomCode, s.cfg.Self.PlayerID, domain.QuestionPayload{
		Question:         question.Public(),
		TimeLimitSeconds: timeLimit,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("QUESTION encode failed")
		return
	}
	if err := s.sub.Broadcast(ctx, ev); err != nil {
		s.log.Error().Err(err).Int("index", question.Index).Msg("QUESTION broadcast failed")
	}
}

func (s *Session) endGame(ctx context.Context) {
	final, err := s.auth.EndGame(ctx, s.cfg.RoomCode, s.cfg.Self.PlayerID)
	if err != nil {
		s.log.Error().Err(err).Msg("end-game failed")
		return
	}
	ev, err := domain.NewEvent(domain.EventGameEnd, s.cfg.RoomCode, s.cfg.Self.PlayerID, domain.GameEndPayload{
		FinalScores: final,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("GAME_END encode failed")
		return
	}
	if err := s.sub.Broadcast(ctx, ev); err != nil {
		s.log.Error().Err(err).Msg("GAME_END broadcast failed")
	}
}

// onRoundExpired is trigger (a): the host's own round clock reached zero.
func (s *Session) onRoundExpired(index int) {
	if s.cfg.Role != domain.RoleHost {
		return
	}
	s.tryEndRound(context.Background(), index)
}

// maybeAllAnswered is trigger (b): the roster shows every currently-present
// player answered.
func (s *Session) maybeAllAnswered() {
	if s.cfg.Role != domain.RoleHost {
		return
	}
	s.mu.Lock()
	ready := s.phase == PhaseAnswering && s.question != nil && s.roster.AllAnswered()
	index := -1
	if ready {
		index = s.question.Index
	}
	s.mu.Unlock()
	if ready {
		s.tryEndRound(context.Background(), index)
	}
}

// tryEndRound races the two round-end triggers behind one compare-and-set
// guard: whichever fires first computes and broadcasts the results, and the
// guard clears only after the broadcast completes, so QUESTION_END goes out
// exactly once even when both triggers fire in the same tick.
func (s *Session) tryEndRound(ctx context.Context, index int) {
	if !s.resultsFlight.CompareAndSwap(false, true) {
		return
	}
	defer s.resultsFlight.Store(false)

	s.mu.Lock()
	if s.phase != PhaseAnswering || s.question == nil || s.question.Index != index || s.resultsDone >= index {
		s.mu.Unlock()
		return
	}
	questionID := s.question.ID
	present := s.roster.Refs()
	s.mu.Unlock()

	results, err := s.auth.RoundResults(ctx, s.cfg.RoomCode, s.cfg.Self.PlayerID, questionID, present)
	if err != nil {
		s.log.Error().Err(err).Int("index", index).Msg("round results failed")
		return
	}
	ev, err := domain.NewEvent(domain.EventQuestionEnd, s.cfg.RoomCode, s.cfg.Self.PlayerID, domain.QuestionEndPayload{
		Results: results,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("QUESTION_END encode failed")
		return
	}
	if err := s.sub.Broadcast(ctx, ev); err != nil {
		s.log.Error().Err(err).Int("index", index).Msg("QUESTION_END broadcast failed")
		return
	}

	s.mu.Lock()
	s.resultsDone = index
	s.mu.Unlock()
}
