package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"challenge-sync-service/internal/authority"
	"challenge-sync-service/internal/channel"
	chmemory "challenge-sync-service/internal/channel/memory"
	"challenge-sync-service/internal/domain"
	inframem "challenge-sync-service/internal/infra/memory"
)

const testRoom = "ROOM42"

type engineFixture struct {
	t      *testing.T
	clock  *clockwork.FakeClock
	broker *chmemory.Broker
	store  *inframem.RoomStore
	auth   *authority.Service
}

func newEngineFixture(t *testing.T, questions []domain.Question) *engineFixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := inframem.NewRoomStore()
	loader := inframem.NewStaticQuestionLoader(map[string][]domain.Question{testRoom: questions})
	bank := inframem.NewQuestionBank(loader, time.Minute)
	auth := authority.NewService(store, bank, 2, clock, zerolog.Nop())
	if err := store.CreateRoom(context.Background(), domain.NewRoom(testRoom, "host-1", 10, clock.Now())); err != nil {
		t.Fatalf("create room: %v", err)
	}
	return &engineFixture{t: t, clock: clock, broker: chmemory.NewBroker(), store: store, auth: auth}
}

func (f *engineFixture) join(id, name string, role domain.Role) *Session {
	f.t.Helper()
	s, err := Join(context.Background(), f.broker, f.auth, f.clock, zerolog.Nop(), Config{
		RoomCode: testRoom,
		Role:     role,
		Self: domain.PresenceRecord{
			PlayerID:    id,
			DisplayName: name,
			IsHost:      role == domain.RoleHost,
		},
		CountdownSeconds:      3,
		ResultsDisplaySeconds: 5,
	})
	if err != nil {
		f.t.Fatalf("join %s: %v", id, err)
	}
	f.t.Cleanup(func() { _ = s.Leave(context.Background()) })
	return s
}

// advance moves the fake clock one second at a time so every ticker and
// timer goroutine observes each tick.
func (f *engineFixture) advance(seconds int) {
	for i := 0; i < seconds; i++ {
		f.clock.Advance(time.Second)
		time.Sleep(5 * time.Millisecond)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// eventLog records every broadcast on the room topic through a passive
// subscription that never tracks presence. It also keeps the latest presence
// sync so tests can observe the channel's member records.
type eventLog struct {
	mu       sync.Mutex
	events   []domain.Event
	lastSync map[string]domain.PresenceRecord
}

func observeEvents(t *testing.T, broker *chmemory.Broker) *eventLog {
	t.Helper()
	sub, err := broker.Subscribe(context.Background(), testRoom, "observer")
	if err != nil {
		t.Fatalf("observer subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe(context.Background()) })
	log := &eventLog{}
	go func() {
		for ev := range sub.Events() {
			log.mu.Lock()
			log.events = append(log.events, ev)
			log.mu.Unlock()
		}
	}()
	go func() {
		for pe := range sub.Presence() {
			if pe.Type != channel.PresenceSync {
				continue
			}
			log.mu.Lock()
			log.lastSync = pe.Members
			log.mu.Unlock()
		}
	}()
	return log
}

// syncedAnswered reports how many members the latest presence sync marks as
// having answered, or -1 before any sync with n members arrives.
func (l *eventLog) syncedAnswered(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.lastSync) != n {
		return -1
	}
	answered := 0
	for _, rec := range l.lastSync {
		if rec.HasAnswered {
			answered++
		}
	}
	return answered
}

func (l *eventLog) count(evType domain.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == evType {
			n++
		}
	}
	return n
}

func sampleQuestions(n int) []domain.Question {
	all := []domain.Question{
		{
			ID:            "q1",
			Index:         0,
			Type:          "multiple_choice",
			Prompt:        "What is 2 + 2?",
			Options:       []string{"3", "4", "5"},
			CorrectAnswer: "4",
			Explanation:   "Basic arithmetic.",
		},
		{
			ID:            "q2",
			Index:         1,
			Type:          "multiple_choice",
			Prompt:        "Which planet is closest to the sun?",
			Options:       []string{"Venus", "Mercury", "Mars"},
			CorrectAnswer: "Mercury",
		},
	}
	return all[:n]
}

func allInPhase(sessions []*Session, phase Phase) func() bool {
	return func() bool {
		for _, s := range sessions {
			if s.Phase() != phase {
				return false
			}
		}
		return true
	}
}

// startRound takes a freshly joined trio through GAME_START and the
// countdown to the first question.
func startRound(t *testing.T, f *engineFixture, sessions []*Session) {
	t.Helper()
	host := sessions[0]
	waitFor(t, "full roster", func() bool { return len(host.Players()) == len(sessions) })
	if err := host.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "countdown", allInPhase(sessions, PhaseCountdown))
	f.advance(3)
	waitFor(t, "first question", allInPhase(sessions, PhaseAnswering))
}

func TestAllAnsweredEndsRoundEarly(t *testing.T) {
	f := newEngineFixture(t, sampleQuestions(2))
	log := observeEvents(t, f.broker)
	host := f.join("host-1", "Ava", domain.RoleHost)
	p2 := f.join("p2", "Ben", domain.RolePlayer)
	p3 := f.join("p3", "Cal", domain.RolePlayer)
	sessions := []*Session{host, p2, p3}
	startRound(t, f, sessions)

	ctx := context.Background()
	res, err := p2.SubmitAnswer(ctx, "4")
	if err != nil {
		t.Fatalf("p2 submit: %v", err)
	}
	if !res.IsCorrect || res.PointsEarned <= 0 {
		t.Fatalf("expected correct answer with points, got %+v", res)
	}
	res, err = p3.SubmitAnswer(ctx, "5")
	if err != nil {
		t.Fatalf("p3 submit: %v", err)
	}
	if res.IsCorrect || res.PointsEarned != 0 {
		t.Fatalf("expected wrong answer with zero points, got %+v", res)
	}
	if _, err := host.SubmitAnswer(ctx, "4"); err != nil {
		t.Fatalf("host submit: %v", err)
	}

	// The round ends well before the 10s limit once everyone has answered.
	waitFor(t, "early round end", allInPhase(sessions, PhaseResults))

	results := p2.Results()
	if results == nil {
		t.Fatalf("expected round results")
	}
	if results.QuestionIndex != 0 || results.CorrectAnswer != "4" {
		t.Fatalf("unexpected results header: %+v", results)
	}
	if len(results.PerPlayer) != 3 {
		t.Fatalf("expected 3 per-player entries, got %d", len(results.PerPlayer))
	}
	for _, pr := range results.PerPlayer {
		if pr.PlayerID == "p3" && (pr.IsCorrect || pr.PointsEarned != 0) {
			t.Fatalf("expected p3 to score zero, got %+v", pr)
		}
	}
	if got := log.count(domain.EventQuestionEnd); got != 1 {
		t.Fatalf("expected exactly one QUESTION_END, got %d", got)
	}
}

func TestRoundTimeoutScoresSilentPlayers(t *testing.T) {
	f := newEngineFixture(t, sampleQuestions(1))
	log := observeEvents(t, f.broker)
	host := f.join("host-1", "Ava", domain.RoleHost)
	p2 := f.join("p2", "Ben", domain.RolePlayer)
	p3 := f.join("p3", "Cal", domain.RolePlayer)
	sessions := []*Session{host, p2, p3}
	startRound(t, f, sessions)

	ctx := context.Background()
	if _, err := host.SubmitAnswer(ctx, "4"); err != nil {
		t.Fatalf("host submit: %v", err)
	}
	if _, err := p2.SubmitAnswer(ctx, "4"); err != nil {
		t.Fatalf("p2 submit: %v", err)
	}
	if host.Phase() != PhaseAnswering {
		t.Fatalf("round must stay open while a player has not answered")
	}

	f.advance(10)
	waitFor(t, "round timeout", allInPhase(sessions, PhaseResults))

	results := host.Results()
	if results == nil || len(results.PerPlayer) != 3 {
		t.Fatalf("expected results for all present players, got %+v", results)
	}
	var silent *domain.PlayerResult
	for i := range results.PerPlayer {
		if results.PerPlayer[i].PlayerID == "p3" {
			silent = &results.PerPlayer[i]
		}
	}
	if silent == nil {
		t.Fatalf("expected an entry for the silent player")
	}
	if silent.IsCorrect || silent.PointsEarned != 0 || silent.ResponseTimeMS != 10000 {
		t.Fatalf("expected zero points and full limit charged, got %+v", silent)
	}
	if got := log.count(domain.EventQuestionEnd); got != 1 {
		t.Fatalf("expected exactly one QUESTION_END, got %d", got)
	}
}

func TestSecondRoundWaitsForFreshAnswers(t *testing.T) {
	f := newEngineFixture(t, sampleQuestions(2))
	log := observeEvents(t, f.broker)
	host := f.join("host-1", "Ava", domain.RoleHost)
	p2 := f.join("p2", "Ben", domain.RolePlayer)
	p3 := f.join("p3", "Cal", domain.RolePlayer)
	sessions := []*Session{host, p2, p3}
	startRound(t, f, sessions)

	ctx := context.Background()
	if _, err := host.SubmitAnswer(ctx, "4"); err != nil {
		t.Fatalf("host submit: %v", err)
	}
	if _, err := p2.SubmitAnswer(ctx, "4"); err != nil {
		t.Fatalf("p2 submit: %v", err)
	}
	if _, err := p3.SubmitAnswer(ctx, "5"); err != nil {
		t.Fatalf("p3 submit: %v", err)
	}
	waitFor(t, "first round end", allInPhase(sessions, PhaseResults))

	f.advance(5)
	waitFor(t, "second question", allInPhase(sessions, PhaseAnswering))
	// Every session republishes a clean presence record on the new question;
	// wait until the channel's member set reflects that.
	waitFor(t, "answered flags cleared", func() bool { return log.syncedAnswered(3) == 0 })

	// A single answer in round two must not complete the round: the flags
	// carried over from round one are stale, not current.
	if _, err := p2.SubmitAnswer(ctx, "Mercury"); err != nil {
		t.Fatalf("p2 round-two submit: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if host.Phase() != PhaseAnswering {
		t.Fatalf("round two ended after a single answer, host phase %s", host.Phase())
	}
	if got := log.count(domain.EventQuestionEnd); got != 1 {
		t.Fatalf("expected one QUESTION_END so far, got %d", got)
	}

	// Only the clock may end the round now; the silent players get charged.
	f.advance(10)
	waitFor(t, "second round timeout", allInPhase(sessions, PhaseResults))
	if got := log.count(domain.EventQuestionEnd); got != 2 {
		t.Fatalf("expected two QUESTION_END broadcasts, got %d", got)
	}

	results := host.Results()
	if results == nil || results.QuestionIndex != 1 {
		t.Fatalf("expected results for question 1, got %+v", results)
	}
	for _, pr := range results.PerPlayer {
		switch pr.PlayerID {
		case "p2":
			if !pr.IsCorrect || pr.PointsEarned <= 0 {
				t.Fatalf("expected p2 to score in round two, got %+v", pr)
			}
		default:
			if pr.IsCorrect || pr.PointsEarned != 0 || pr.ResponseTimeMS != 10000 {
				t.Fatalf("expected the full limit charged to %s, got %+v", pr.PlayerID, pr)
			}
		}
	}
}

func TestGameEndRanksPlayers(t *testing.T) {
	f := newEngineFixture(t, sampleQuestions(1))
	host := f.join("host-1", "Ava", domain.RoleHost)
	p2 := f.join("p2", "Ben", domain.RolePlayer)
	p3 := f.join("p3", "Cal", domain.RolePlayer)
	sessions := []*Session{host, p2, p3}
	startRound(t, f, sessions)

	ctx := context.Background()
	if _, err := host.SubmitAnswer(ctx, "4"); err != nil {
		t.Fatalf("host submit: %v", err)
	}
	f.advance(2) // slower answers earn a smaller speed bonus
	if _, err := p2.SubmitAnswer(ctx, "4"); err != nil {
		t.Fatalf("p2 submit: %v", err)
	}
	if _, err := p3.SubmitAnswer(ctx, "5"); err != nil {
		t.Fatalf("p3 submit: %v", err)
	}
	waitFor(t, "round end", allInPhase(sessions, PhaseResults))

	f.advance(5)
	waitFor(t, "game over", allInPhase(sessions, PhaseGameOver))

	final := p2.FinalScores()
	if len(final) != 3 {
		t.Fatalf("expected 3 final scores, got %d", len(final))
	}
	for i, fs := range final {
		if fs.Rank != i+1 {
			t.Fatalf("expected sequential ranks, got %+v", final)
		}
	}
	if final[0].PlayerID != "host-1" || final[1].PlayerID != "p2" || final[2].PlayerID != "p3" {
		t.Fatalf("unexpected ranking order: %+v", final)
	}
	if final[0].TotalScore <= final[1].TotalScore || final[1].TotalScore <= final[2].TotalScore {
		t.Fatalf("expected strictly descending scores: %+v", final)
	}
}

func TestReconnectDuringResultsCannotSubmit(t *testing.T) {
	f := newEngineFixture(t, sampleQuestions(2))
	host := f.join("host-1", "Ava", domain.RoleHost)
	p2 := f.join("p2", "Ben", domain.RolePlayer)
	p3 := f.join("p3", "Cal", domain.RolePlayer)
	startRound(t, f, []*Session{host, p2, p3})

	ctx := context.Background()
	if err := p3.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	waitFor(t, "roster shrink", func() bool { return len(host.Players()) == 2 })

	if _, err := host.SubmitAnswer(ctx, "4"); err != nil {
		t.Fatalf("host submit: %v", err)
	}
	if _, err := p2.SubmitAnswer(ctx, "4"); err != nil {
		t.Fatalf("p2 submit: %v", err)
	}
	waitFor(t, "round end", allInPhase([]*Session{host, p2}, PhaseResults))

	// Reconnect lands in results_display, seeded from room state, and the
	// closed round rejects a late answer.
	p3b := f.join("p3", "Cal", domain.RolePlayer)
	if p3b.Phase() != PhaseResults {
		t.Fatalf("expected reconnect to land in results_display, got %s", p3b.Phase())
	}
	if _, err := p3b.SubmitAnswer(ctx, "4"); !errors.Is(err, domain.ErrRoundClosed) {
		t.Fatalf("expected round closed, got %v", err)
	}
	waitFor(t, "rejoined roster", func() bool { return len(p3b.Players()) == 3 })
}

func TestDuplicateSubmitReturnsOriginalResult(t *testing.T) {
	f := newEngineFixture(t, sampleQuestions(1))
	host := f.join("host-1", "Ava", domain.RoleHost)
	p2 := f.join("p2", "Ben", domain.RolePlayer)
	startRound(t, f, []*Session{host, p2})

	ctx := context.Background()
	first, err := p2.SubmitAnswer(ctx, "4")
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := p2.SubmitAnswer(ctx, "5")
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second != first {
		t.Fatalf("expected the original result back, got %+v vs %+v", second, first)
	}
}

func TestHostCancelTerminatesEveryone(t *testing.T) {
	f := newEngineFixture(t, sampleQuestions(1))
	host := f.join("host-1", "Ava", domain.RoleHost)
	p2 := f.join("p2", "Ben", domain.RolePlayer)
	sessions := []*Session{host, p2}
	waitFor(t, "full roster", func() bool { return len(host.Players()) == 2 })

	ctx := context.Background()
	if err := host.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "countdown", allInPhase(sessions, PhaseCountdown))

	if err := host.Cancel(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitFor(t, "cancelled", allInPhase(sessions, PhaseCancelled))
	if !errors.Is(p2.Err(), domain.ErrCancelled) {
		t.Fatalf("expected terminal cancellation error, got %v", p2.Err())
	}
	if _, err := p2.SubmitAnswer(ctx, "4"); !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("expected submit to fail with cancellation, got %v", err)
	}

	// The armed first-question timer must not resurrect the game.
	f.advance(10)
	if host.Phase() != PhaseCancelled {
		t.Fatalf("expected room to stay cancelled, got %s", host.Phase())
	}

	if _, err := Join(ctx, f.broker, f.auth, f.clock, zerolog.Nop(), Config{
		RoomCode: testRoom,
		Role:     domain.RolePlayer,
		Self:     domain.PresenceRecord{PlayerID: "p9", DisplayName: "Dee"},
	}); !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("expected join on cancelled room to fail, got %v", err)
	}
}

func TestPlayerCannotDriveHostOperations(t *testing.T) {
	f := newEngineFixture(t, sampleQuestions(1))
	host := f.join("host-1", "Ava", domain.RoleHost)
	p2 := f.join("p2", "Ben", domain.RolePlayer)
	waitFor(t, "full roster", func() bool { return len(host.Players()) == 2 })

	ctx := context.Background()
	if err := p2.Start(ctx); !domain.IsAuthorityCode(err, domain.CodeNotHost) {
		t.Fatalf("expected NOT_HOST from player start, got %v", err)
	}
	if err := p2.Cancel(ctx); !domain.IsAuthorityCode(err, domain.CodeNotHost) {
		t.Fatalf("expected NOT_HOST from player cancel, got %v", err)
	}
}

func TestStartRequiresEnoughPlayers(t *testing.T) {
	f := newEngineFixture(t, sampleQuestions(1))
	host := f.join("host-1", "Ava", domain.RoleHost)
	waitFor(t, "own presence", func() bool { return len(host.Players()) == 1 })

	err := host.Start(context.Background())
	if !domain.IsAuthorityCode(err, domain.CodeNotEnoughPlayers) {
		t.Fatalf("expected NOT_ENOUGH_PLAYERS, got %v", err)
	}
	if host.Phase() != PhaseLobby {
		t.Fatalf("expected host to stay in lobby, got %s", host.Phase())
	}
}

func TestLeaveDuringRoundCompletesAllAnswered(t *testing.T) {
	f := newEngineFixture(t, sampleQuestions(1))
	log := observeEvents(t, f.broker)
	host := f.join("host-1", "Ava", domain.RoleHost)
	p2 := f.join("p2", "Ben", domain.RolePlayer)
	p3 := f.join("p3", "Cal", domain.RolePlayer)
	sessions := []*Session{host, p2}
	startRound(t, f, []*Session{host, p2, p3})

	ctx := context.Background()
	if _, err := host.SubmitAnswer(ctx, "4"); err != nil {
		t.Fatalf("host submit: %v", err)
	}
	if _, err := p2.SubmitAnswer(ctx, "4"); err != nil {
		t.Fatalf("p2 submit: %v", err)
	}
	// The last unanswered player leaving completes the all-answered
	// condition for the remaining roster.
	if err := p3.Leave(ctx); err != nil {
		t.Fatalf("leave: %v", err)
	}
	waitFor(t, "round end after leave", allInPhase(sessions, PhaseResults))

	results := host.Results()
	if results == nil || len(results.PerPlayer) != 2 {
		t.Fatalf("expected results for the 2 remaining players, got %+v", results)
	}
	if got := log.count(domain.EventQuestionEnd); got != 1 {
		t.Fatalf("expected exactly one QUESTION_END, got %d", got)
	}
}

func TestScoresReconciledFromQuestionEnd(t *testing.T) {
	f := newEngineFixture(t, sampleQuestions(1))
	host := f.join("host-1", "Ava", domain.RoleHost)
	p2 := f.join("p2", "Ben", domain.RolePlayer)
	sessions := []*Session{host, p2}
	startRound(t, f, sessions)

	ctx := context.Background()
	res, err := p2.SubmitAnswer(ctx, "4")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Optimistic local update lands before the authoritative broadcast.
	if got := p2.Scores()["p2"]; got != res.NewTotalScore {
		t.Fatalf("expected optimistic score %d, got %d", res.NewTotalScore, got)
	}
	if _, err := host.SubmitAnswer(ctx, "5"); err != nil {
		t.Fatalf("host submit: %v", err)
	}
	waitFor(t, "round end", allInPhase(sessions, PhaseResults))

	// After QUESTION_END every session holds the authority's score map.
	hostScores := host.Scores()
	p2Scores := p2.Scores()
	if hostScores["p2"] != res.NewTotalScore || p2Scores["p2"] != res.NewTotalScore {
		t.Fatalf("expected reconciled scores, host=%v p2=%v", hostScores, p2Scores)
	}
	if hostScores["host-1"] != 0 {
		t.Fatalf("expected zero for the wrong answer, got %d", hostScores["host-1"])
	}
}
