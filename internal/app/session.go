// Package app holds the synchronization engine every client runs: a session
// object owning the room's channel subscription, the presence-derived
// roster, the local round clock and the participation state machine. The
// elected host additionally runs the authority logic that drives rounds
// forward.
package app

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"challenge-sync-service/internal/authority"
	"challenge-sync-service/internal/channel"
	"challenge-sync-service/internal/domain"
)

// Phase is the participation state machine's current state.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseLobby     Phase = "lobby"
	PhaseCountdown Phase = "countdown"
	PhaseAnswering Phase = "answering_round"
	PhaseResults   Phase = "results_display"
	PhaseGameOver  Phase = "game_over"
	PhaseCancelled Phase = "cancelled"
)

// UpdateKind tags engine updates pushed to the rendering layer.
type UpdateKind string

const (
	UpdateRoster         UpdateKind = "roster"
	UpdateCountdown      UpdateKind = "countdown"
	UpdateQuestion       UpdateKind = "question"
	UpdatePlayerAnswered UpdateKind = "player_answered"
	UpdateResults        UpdateKind = "results"
	UpdateGameOver       UpdateKind = "game_over"
	UpdateCancelled      UpdateKind = "cancelled"
)

// Update is one engine-state change for the UI layer.
type Update struct {
	Kind    UpdateKind `json:"kind"`
	Payload any        `json:"payload,omitempty"`
}

// Config identifies this client within a room.
type Config struct {
	RoomCode string
	Role     domain.Role
	Self     domain.PresenceRecord

	// CountdownSeconds is broadcast in GAME_START; host-side only.
	CountdownSeconds int
	// ResultsDisplaySeconds is how long the host lets results sit before
	// advancing; host-side only.
	ResultsDisplaySeconds int
}

// Session is one client's connection to a challenge room. All coordination
// with other clients goes through the channel and the authority; there is no
// shared memory between sessions.
type Session struct {
	cfg   Config
	sub   channel.Subscription
	auth  authority.Authority
	clock clockwork.Clock
	log   zerolog.Logger

	mu          sync.Mutex
	phase       Phase
	roster      *Roster
	scores      map[string]int // optimistic; overwritten at QUESTION_END
	question    *domain.PublicQuestion
	timeLimit   int
	round       *RoundClock
	lastIndex   int // highest question index seen
	answered    bool
	lastSubmit  *authority.SubmitResult
	results     *domain.RoundResults
	final       []domain.FinalScore
	terminalErr error
	timers      []clockwork.Timer

	// Host-only round bookkeeping.
	advanceDone int // highest index advance() has run for
	resultsDone int // highest index results were broadcast for

	// Single-flight guard for the two round-end triggers. Held until the
	// QUESTION_END broadcast completes, never cleared early.
	resultsFlight atomic.Bool

	updates   chan Update
	closed    chan struct{}
	closeOnce sync.Once
}

// Join subscribes to the room's topic, publishes this member's presence and
// starts the event loop. The room is fetched first: it seeds the local phase
// so a client reconnecting mid-game lands in the right state before the
// first presence sync arrives, and a missing or cancelled room fails fast.
func Join(ctx context.Context, ch channel.Channel, auth authority.Authority, clock clockwork.Clock, log zerolog.Logger, cfg Config) (*Session, error) {
	room, err := auth.Room(ctx, cfg.RoomCode)
	if err != nil {
		return nil, err
	}
	if room.Status == domain.StatusCancelled {
		return nil, domain.ErrCancelled
	}

	sub, err := ch.Subscribe(ctx, cfg.RoomCode, cfg.Self.PlayerID)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:         cfg,
		sub:         sub,
		auth:        auth,
		clock:       clock,
		log:         log.With().Str("room", cfg.RoomCode).Str("player", cfg.Self.PlayerID).Logger(),
		phase:       phaseForStatus(room.Status),
		roster:      newRoster(),
		scores:      make(map[string]int),
		timeLimit:   room.TimePerQuestion,
		lastIndex:   room.CurrentQuestionIndex,
		advanceDone: room.CurrentQuestionIndex,
		resultsDone: room.CurrentQuestionIndex - 1,
		updates:     make(chan Update, 32),
		closed:      make(chan struct{}),
	}

	if err := sub.Track(ctx, cfg.Self); err != nil {
		_ = sub.Unsubscribe(ctx)
		return nil, err
	}
	go s.run()
	return s, nil
}

func phaseForStatus(status domain.RoomStatus) Phase {
	switch status {
	case domain.StatusLobby:
		return PhaseLobby
	case domain.StatusStarting:
		return PhaseCountdown
	case domain.StatusPlaying:
		return PhaseAnswering
	case domain.StatusResultsDisplay:
		return PhaseResults
	case domain.StatusFinished:
		return PhaseGameOver
	default:
		return PhaseIdle
	}
}

func (s *Session) run() {
	events := s.sub.Events()
	presence := s.sub.Presence()
	for events != nil || presence != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.handleEvent(ev)
		case pe, ok := <-presence:
			if !ok {
				presence = nil
				continue
			}
			s.handlePresence(pe)
		case <-s.closed:
			return
		}
	}
}

func (s *Session) handleEvent(ev domain.Event) {
	if ev.RoomCode != s.cfg.RoomCode {
		s.log.Warn().Str("event", string(ev.Type)).Str("got_room", ev.RoomCode).Msg("event for foreign room ignored")
		return
	}
	switch ev.Type {
	case domain.EventGameStart:
		s.handleGameStart(ev)
	case domain.EventQuestion:
		s.handleQuestion(ev)
	case domain.EventPlayerAnswered:
		s.handlePlayerAnswered(ev)
	case domain.EventQuestionEnd:
		s.handleQuestionEnd(ev)
	case domain.EventGameEnd:
		s.handleGameEnd(ev)
	case domain.EventPlayerLeft:
		s.handlePlayerLeft(ev)
	case domain.EventHostCancelled:
		s.handleCancelled()
	default:
		s.log.Warn().Str("event", string(ev.Type)).Msg("unknown event ignored")
	}
}

func (s *Session) handleGameStart(ev domain.Event) {
	var p domain.GameStartPayload
	if err := ev.Decode(&p); err != nil {
		s.logViolation(ev, err)
		return
	}

	s.mu.Lock()
	if s.phase != PhaseLobby {
		s.mu.Unlock()
		s.log.Warn().Str("phase", string(s.phase)).Msg("GAME_START outside lobby ignored")
		return
	}
	s.phase = PhaseCountdown
	if s.round != nil {
		s.round.Freeze()
	}
	s.round = startRoundClock(s.clock, p.CountdownSeconds, nil)
	s.mu.Unlock()

	s.pushUpdate(Update{Kind: UpdateCountdown, Payload: p})
	s.scheduleFirstQuestion(p.CountdownSeconds)
}

func (s *Session) handleQuestion(ev domain.Event) {
	var p domain.QuestionPayload
	if err := ev.Decode(&p); err != nil {
		s.logViolation(ev, err)
		return
	}

	s.mu.Lock()
	if s.phase == PhaseCancelled || s.phase == PhaseGameOver {
		s.mu.Unlock()
		return
	}
	if p.Question.Index <= s.lastIndex {
		s.mu.Unlock()
		s.log.Warn().Int("index", p.Question.Index).Int("last", s.lastIndex).Msg("stale QUESTION ignored")
		return
	}

	// New round: clear the latch and prior results before anything else.
	q := p.Question
	s.question = &q
	s.lastIndex = q.Index
	s.timeLimit = p.TimeLimitSeconds
	s.answered = false
	s.lastSubmit = nil
	s.results = nil
	s.roster.ResetAnswered()
	if s.round != nil {
		s.round.Freeze()
	}
	index := q.Index
	s.round = startRoundClock(s.clock, p.TimeLimitSeconds, func() {
		s.onRoundExpired(index)
	})
	s.phase = PhaseAnswering
	score := s.scores[s.cfg.Self.PlayerID]
	s.mu.Unlock()

	// The channel's presence record still carries has_answered from the
	// previous round; republish a clean one so the next sync does not
	// rebuild rosters from stale flags.
	rec := s.cfg.Self
	rec.Score = score
	if err := s.sub.Track(context.Background(), rec); err != nil {
		s.log.Warn().Err(err).Msg("presence refresh failed")
	}

	s.pushUpdate(Update{Kind: UpdateQuestion, Payload: p})
}

func (s *Session) handlePlayerAnswered(ev domain.Event) {
	var p domain.PlayerAnsweredPayload
	if err := ev.Decode(&p); err != nil {
		s.logViolation(ev, err)
		return
	}

	s.mu.Lock()
	s.roster.MarkAnswered(p.PlayerID)
	s.mu.Unlock()

	s.pushUpdate(Update{Kind: UpdatePlayerAnswered, Payload: p})
	s.maybeAllAnswered()
}

// handleQuestionEnd is the reconciliation point: the authoritative scores in
// the event overwrite the local map unconditionally, discarding any
// optimistic values.
func (s *Session) handleQuestionEnd(ev domain.Event) {
	var p domain.QuestionEndPayload
	if err := ev.Decode(&p); err != nil {
		s.logViolation(ev, err)
		return
	}

	s.mu.Lock()
	if s.phase == PhaseCancelled || s.phase == PhaseGameOver {
		s.mu.Unlock()
		return
	}
	if s.question != nil && p.Results.QuestionIndex != s.question.Index {
		s.mu.Unlock()
		s.log.Warn().Int("index", p.Results.QuestionIndex).Msg("QUESTION_END for unexpected question ignored")
		return
	}
	if s.round != nil {
		s.round.Freeze()
	}
	s.phase = PhaseResults
	results := p.Results
	s.results = &results
	s.scores = make(map[string]int, len(results.PerPlayer))
	for _, pr := range results.PerPlayer {
		s.scores[pr.PlayerID] = pr.NewTotalScore
		s.roster.SetScore(pr.PlayerID, pr.NewTotalScore)
	}
	index := results.QuestionIndex
	s.mu.Unlock()

	s.pushUpdate(Update{Kind: UpdateResults, Payload: p})
	s.scheduleAdvance(index)
}

func (s *Session) handleGameEnd(ev domain.Event) {
	var p domain.GameEndPayload
	if err := ev.Decode(&p); err != nil {
		s.logViolation(ev, err)
		return
	}

	s.mu.Lock()
	if s.phase == PhaseCancelled {
		s.mu.Unlock()
		return
	}
	if s.round != nil {
		s.round.Freeze()
	}
	s.phase = PhaseGameOver
	s.final = p.FinalScores
	s.mu.Unlock()

	s.pushUpdate(Update{Kind: UpdateGameOver, Payload: p})
}

func (s *Session) handlePlayerLeft(ev domain.Event) {
	var p domain.PlayerLeftPayload
	if err := ev.Decode(&p); err != nil {
		s.logViolation(ev, err)
		return
	}

	s.mu.Lock()
	s.roster.Remove(p.PlayerID)
	players := s.roster.Players()
	s.mu.Unlock()

	s.pushUpdate(Update{Kind: UpdateRoster, Payload: players})
	// One fewer player may complete the all-answered condition.
	s.maybeAllAnswered()
}

func (s *Session) handleCancelled() {
	s.mu.Lock()
	if s.phase == PhaseCancelled || s.phase == PhaseGameOver {
		s.mu.Unlock()
		return
	}
	if s.round != nil {
		s.round.Freeze()
	}
	s.phase = PhaseCancelled
	s.terminalErr = domain.ErrCancelled
	s.mu.Unlock()

	s.pushUpdate(Update{Kind: UpdateCancelled})
}

func (s *Session) handlePresence(pe channel.PresenceEvent) {
	s.mu.Lock()
	switch pe.Type {
	case channel.PresenceSync:
		// Authoritative: rebuild, never merge. The one exception is this
		// client's own optimistic answered flag, which stays set until the
		// next sync that confirms it.
		s.roster.Rebuild(pe.Members)
		if s.answered {
			s.roster.MarkAnswered(s.cfg.Self.PlayerID)
		}
	case channel.PresenceJoin, channel.PresenceLeave:
		s.roster.Apply(pe)
	}
	hostGone := s.cfg.Role == domain.RolePlayer &&
		s.phase != PhaseLobby && s.phase != PhaseGameOver && s.phase != PhaseCancelled &&
		s.roster.Len() > 0 && !s.roster.HostPresent()
	players := s.roster.Players()
	s.mu.Unlock()

	if hostGone {
		// Host loss stalls the room. Surfaced, not masked; no re-election.
		s.log.Warn().Msg("host no longer present; round advancement is stalled")
	}
	s.pushUpdate(Update{Kind: UpdateRoster, Payload: players})
	s.maybeAllAnswered()
}

// SubmitAnswer sends this player's answer for the active question. A second
// call after success returns the prior result without a new RPC. On success
// the local roster and score map update optimistically, then a
// PLAYER_ANSWERED notice (identity only) is broadcast and presence is
// republished with has_answered=true.
func (s *Session) SubmitAnswer(ctx context.Context, answer string) (authority.SubmitResult, error) {
	s.mu.Lock()
	if s.phase == PhaseCancelled {
		s.mu.Unlock()
		return authority.SubmitResult{}, domain.ErrCancelled
	}
	if s.answered && s.lastSubmit != nil {
		prior := *s.lastSubmit
		s.mu.Unlock()
		return prior, nil
	}
	if s.phase != PhaseAnswering || s.question == nil || s.round == nil || s.round.Expired() {
		s.mu.Unlock()
		return authority.SubmitResult{}, domain.ErrRoundClosed
	}
	questionID := s.question.ID
	responseMS := int(s.round.Elapsed().Milliseconds())
	s.mu.Unlock()

	res, err := s.auth.SubmitAnswer(ctx, s.cfg.RoomCode, questionID,
		s.cfg.Self.PlayerID, s.cfg.Self.DisplayName, answer, responseMS)
	if err != nil && !domain.IsAuthorityCode(err, domain.CodeAlreadyAnswered) {
		return authority.SubmitResult{}, err
	}
	// AlreadyAnswered resolves to the originally recorded result: success.

	s.mu.Lock()
	s.answered = true
	s.lastSubmit = &res
	s.scores[s.cfg.Self.PlayerID] = res.NewTotalScore
	s.roster.MarkAnswered(s.cfg.Self.PlayerID)
	s.roster.SetScore(s.cfg.Self.PlayerID, res.NewTotalScore)
	s.mu.Unlock()

	ev, evErr := domain.NewEvent(domain.EventPlayerAnswered, s.cfg.RoomCode, s.cfg.Self.PlayerID, domain.PlayerAnsweredPayload{
		PlayerID:   s.cfg.Self.PlayerID,
		PlayerName: s.cfg.Self.DisplayName,
	})
	if evErr == nil {
		if err := s.sub.Broadcast(ctx, ev); err != nil {
			s.log.Warn().Err(err).Msg("PLAYER_ANSWERED broadcast failed")
		}
	}

	rec := s.cfg.Self
	rec.HasAnswered = true
	rec.Score = res.NewTotalScore
	if err := s.sub.Track(ctx, rec); err != nil {
		s.log.Warn().Err(err).Msg("presence republish failed")
	}
	return res, nil
}

// Leave is a scoped teardown: stop timers, broadcast PLAYER_LEFT, untrack
// presence, unsubscribe. All steps run even when an earlier one fails; the
// first error is reported.
func (s *Session) Leave(ctx context.Context) error {
	var firstErr error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.round != nil {
			s.round.Freeze()
		}
		for _, t := range s.timers {
			t.Stop()
		}
		s.timers = nil
		s.mu.Unlock()

		ev, err := domain.NewEvent(domain.EventPlayerLeft, s.cfg.RoomCode, s.cfg.Self.PlayerID, domain.PlayerLeftPayload{
			PlayerID: s.cfg.Self.PlayerID,
		})
		if err == nil {
			err = s.sub.Broadcast(ctx, ev)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if err := s.sub.Untrack(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := s.sub.Unsubscribe(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		close(s.closed)
	})
	return firstErr
}

// Updates streams engine-state changes for the rendering layer. Slow
// consumers lose the oldest pending update.
func (s *Session) Updates() <-chan Update { return s.updates }

// Done closes when the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Err returns the terminal failure, if any (host cancellation).
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminalErr
}

func (s *Session) Players() []domain.PresenceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roster.Players()
}

func (s *Session) Scores() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.scores))
	for id, score := range s.scores {
		out[id] = score
	}
	return out
}

func (s *Session) Results() *domain.RoundResults {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.results == nil {
		return nil
	}
	results := *s.results
	return &results
}

func (s *Session) FinalScores() []domain.FinalScore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.FinalScore(nil), s.final...)
}

// RoundRemaining is this client's local view of the countdown.
func (s *Session) RoundRemaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.round == nil {
		return 0
	}
	return s.round.Remaining()
}

func (s *Session) pushUpdate(u Update) {
	select {
	case s.updates <- u:
	default:
		select {
		case <-s.updates:
		default:
		}
		select {
		case s.updates <- u:
		default:
		}
	}
}

func (s *Session) logViolation(ev domain.Event, err error) {
	// Stale or malformed events are expected under at-most-once delivery
	// and reconnects: logged, never fatal.
	s.log.Warn().Err(err).Str("event", string(ev.Type)).Msg("protocol violation ignored")
}

func (s *Session) addTimer(t clockwork.Timer) {
	s.mu.Lock()
	s.timers = append(s.timers, t)
	s.mu.Unlock()
}
