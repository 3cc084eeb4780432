package authority

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"challenge-sync-service/internal/domain"
)

const basePoints = 100

// Service is the reference Authority over a pluggable store and question
// bank.
type Service struct {
	store      RoomStore
	bank       QuestionBank
	minPlayers int
	clock      clockwork.Clock
	log        zerolog.Logger
}

func NewService(store RoomStore, bank QuestionBank, minPlayers int, clock clockwork.Clock, log zerolog.Logger) *Service {
	if minPlayers < 1 {
		minPlayers = 1
	}
	return &Service{
		store:      store,
		bank:       bank,
		minPlayers: minPlayers,
		clock:      clock,
		log:        log.With().Str("component", "authority").Logger(),
	}
}

func (s *Service) Room(ctx context.Context, code string) (domain.Room, error) {
	return s.store.Room(ctx, code)
}

func (s *Service) StartGame(ctx context.Context, code, callerID string, present []domain.PlayerRef) (StartResult, error) {
	room, err := s.hostRoom(ctx, code, callerID)
	if err != nil {
		return StartResult{}, err
	}
	if room.Status != domain.StatusLobby {
		return StartResult{}, domain.NewAuthorityError(domain.CodeAlreadyStarted, "room %s is %s", code, room.Status)
	}
	if len(present) < s.minPlayers {
		return StartResult{}, domain.NewAuthorityError(domain.CodeNotEnoughPlayers, "room %s has %d of %d players", code, len(present), s.minPlayers)
	}

	questions, err := s.bank.Questions(ctx, code)
	if err != nil {
		return StartResult{}, err
	}
	if len(questions) == 0 {
		return StartResult{}, domain.NewAuthorityError(domain.CodeNotFound, "room %s has no questions", code)
	}

	if err := s.store.EnsureTallies(ctx, code, present); err != nil {
		return StartResult{}, err
	}
	if _, err := s.store.UpdateRoom(ctx, code, func(r *domain.Room) error {
		r.Status = domain.StatusStarting
		r.QuestionCount = len(questions)
		return nil
	}); err != nil {
		return StartResult{}, err
	}

	s.log.Info().Str("room", code).Int("players", len(present)).Msg("game started")
	return StartResult{FirstQuestion: questions[0], TimePerQuestion: room.TimePerQuestion}, nil
}

func (s *Service) SubmitAnswer(ctx context.Context, code, questionID, playerID, playerName, answer string, responseTimeMS int) (SubmitResult, error) {
	room, err := s.store.Room(ctx, code)
	if err != nil {
		return SubmitResult{}, err
	}
	question, err := s.findQuestion(ctx, code, questionID)
	if err != nil {
		return SubmitResult{}, err
	}
	if room.Status != domain.StatusPlaying || question.Index != room.CurrentQuestionIndex {
		return SubmitResult{}, domain.NewAuthorityError(domain.CodeQuestionClosed, "question %s is not open in room %s", questionID, code)
	}

	correct := gradeAnswer(question, answer)
	points := 0
	if correct {
		points = scorePoints(room.TimePerQuestion, responseTimeMS)
	}
	stored, already, err := s.store.RecordAnswer(ctx, code, domain.Answer{
		PlayerID:       playerID,
		PlayerName:     playerName,
		QuestionID:     questionID,
		Value:          answer,
		IsCorrect:      correct,
		ResponseTimeMS: responseTimeMS,
		PointsEarned:   points,
		SubmittedAt:    s.clock.Now(),
	})
	if err != nil {
		return SubmitResult{}, err
	}

	result := SubmitResult{
		IsCorrect:     stored.IsCorrect,
		PointsEarned:  stored.PointsEarned,
		NewTotalScore: stored.NewTotalScore,
		CorrectAnswer: question.CorrectAnswer,
	}
	if already {
		// Idempotent: the original record comes back, no second award.
		return result, domain.NewAuthorityError(domain.CodeAlreadyAnswered, "player %s already answered %s", playerID, questionID)
	}
	return result, nil
}

func (s *Service) AdvanceQuestion(ctx context.Context, code, callerID string) (domain.Question, bool, error) {
	room, err := s.hostRoom(ctx, code, callerID)
	if err != nil {
		return domain.Question{}, false, err
	}
	if room.Status.Terminal() {
		return domain.Question{}, false, domain.NewAuthorityError(domain.CodeQuestionClosed, "room %s is %s", code, room.Status)
	}

	questions, err := s.bank.Questions(ctx, code)
	if err != nil {
		return domain.Question{}, false, err
	}
	next := room.CurrentQuestionIndex + 1
	if next >= len(questions) {
		return domain.Question{}, false, nil
	}

	if _, err := s.store.UpdateRoom(ctx, code, func(r *domain.Room) error {
		r.CurrentQuestionIndex = next
		r.Status = domain.StatusPlaying
		return nil
	}); err != nil {
		return domain.Question{}, false, err
	}
	return questions[next], true, nil
}

func (s *Service) RoundResults(ctx context.Context, code, callerID, questionID string, present []domain.PlayerRef) (domain.RoundResults, error) {
	room, err := s.hostRoom(ctx, code, callerID)
	if err != nil {
		return domain.RoundResults{}, err
	}
	question, err := s.findQuestion(ctx, code, questionID)
	if err != nil {
		return domain.RoundResults{}, err
	}

	// Close the question first so a racing submit cannot slip in after the
	// results are assembled. Only the call that performs the close may charge
	// absentees; a repeat call reads the tallies as they stand.
	firstClose := room.Status == domain.StatusPlaying
	if firstClose {
		if _, err := s.store.UpdateRoom(ctx, code, func(r *domain.Room) error {
			r.Status = domain.StatusResultsDisplay
			return nil
		}); err != nil {
			return domain.RoundResults{}, err
		}
	}

	answers, err := s.store.Answers(ctx, code, questionID)
	if err != nil {
		return domain.RoundResults{}, err
	}
	byPlayer := make(map[string]domain.Answer, len(answers))
	for _, a := range answers {
		byPlayer[a.PlayerID] = a
	}

	totals := map[string]int{}
	if !firstClose {
		tallies, err := s.store.Tallies(ctx, code)
		if err != nil {
			return domain.RoundResults{}, err
		}
		for _, t := range tallies {
			totals[t.PlayerID] = t.Score
		}
	}

	limitMS := room.TimePerQuestion * 1000
	results := domain.RoundResults{
		QuestionID:    question.ID,
		QuestionIndex: question.Index,
		QuestionText:  question.Prompt,
		CorrectAnswer: question.CorrectAnswer,
		Explanation:   question.Explanation,
	}
	for _, p := range present {
		if a, ok := byPlayer[p.ID]; ok {
			results.PerPlayer = append(results.PerPlayer, domain.PlayerResult{
				PlayerID:       a.PlayerID,
				Name:           a.PlayerName,
				Answer:         a.Value,
				IsCorrect:      a.IsCorrect,
				ResponseTimeMS: a.ResponseTimeMS,
				PointsEarned:   a.PointsEarned,
				NewTotalScore:  a.NewTotalScore,
			})
			continue
		}
		// Present but silent: zero points, the full limit counts against
		// the response-time tie-breaker.
		total := totals[p.ID]
		if firstClose {
			total, err = s.store.AddToTally(ctx, code, p.ID, p.Name, 0, limitMS)
			if err != nil {
				return domain.RoundResults{}, err
			}
		}
		results.PerPlayer = append(results.PerPlayer, domain.PlayerResult{
			PlayerID:       p.ID,
			Name:           p.Name,
			IsCorrect:      false,
			ResponseTimeMS: limitMS,
			NewTotalScore:  total,
		})
	}

	sort.Slice(results.PerPlayer, func(i, j int) bool {
		a, b := results.PerPlayer[i], results.PerPlayer[j]
		if a.PointsEarned != b.PointsEarned {
			return a.PointsEarned > b.PointsEarned
		}
		return a.Name < b.Name
	})
	return results, nil
}

func (s *Service) EndGame(ctx context.Context, code, callerID string) ([]domain.FinalScore, error) {
	if _, err := s.hostRoom(ctx, code, callerID); err != nil {
		return nil, err
	}
	tallies, err := s.store.Tallies(ctx, code)
	if err != nil {
		return nil, err
	}

	// Score descending, then faster cumulative response time, then name, so
	// the ordering is total and ties resolve deterministically.
	sort.Slice(tallies, func(i, j int) bool {
		a, b := tallies[i], tallies[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.TotalResponseMS != b.TotalResponseMS {
			return a.TotalResponseMS < b.TotalResponseMS
		}
		return a.Name < b.Name
	})

	final := make([]domain.FinalScore, 0, len(tallies))
	for i, t := range tallies {
		final = append(final, domain.FinalScore{
			PlayerID:   t.PlayerID,
			Name:       t.Name,
			TotalScore: t.Score,
			Rank:       i + 1,
		})
	}

	if _, err := s.store.UpdateRoom(ctx, code, func(r *domain.Room) error {
		r.Status = domain.StatusFinished
		return nil
	}); err != nil {
		return nil, err
	}
	s.log.Info().Str("room", code).Int("players", len(final)).Msg("game ended")
	return final, nil
}

func (s *Service) CancelGame(ctx context.Context, code, callerID string) error {
	room, err := s.hostRoom(ctx, code, callerID)
	if err != nil {
		return err
	}
	if room.Status.Terminal() {
		return nil
	}
	_, err = s.store.UpdateRoom(ctx, code, func(r *domain.Room) error {
		r.Status = domain.StatusCancelled
		return nil
	})
	return err
}

func (s *Service) hostRoom(ctx context.Context, code, callerID string) (domain.Room, error) {
	room, err := s.store.Room(ctx, code)
	if err != nil {
		return domain.Room{}, err
	}
	if room.HostID != callerID {
		return domain.Room{}, domain.NewAuthorityError(domain.CodeNotHost, "player %s is not the host of %s", callerID, code)
	}
	return room, nil
}

func (s *Service) findQuestion(ctx context.Context, code, questionID string) (domain.Question, error) {
	questions, err := s.bank.Questions(ctx, code)
	if err != nil {
		return domain.Question{}, err
	}
	for _, q := range questions {
		if q.ID == questionID {
			return q, nil
		}
	}
	return domain.Question{}, domain.NewAuthorityError(domain.CodeNotFound, "question %s not in room %s", questionID, code)
}

func gradeAnswer(q domain.Question, answer string) bool {
	return strings.EqualFold(strings.TrimSpace(answer), strings.TrimSpace(q.CorrectAnswer))
}

// scorePoints awards a flat base plus a speed bonus scaled by remaining
// time: an instant answer is worth 2x base, one at the buzzer 1x.
func scorePoints(limitSeconds, responseMS int) int {
	limitMS := limitSeconds * 1000
	if limitMS <= 0 {
		return basePoints
	}
	if responseMS < 0 {
		responseMS = 0
	}
	if responseMS > limitMS {
		responseMS = limitMS
	}
	bonus := int(math.Round(basePoints * float64(limitMS-responseMS) / float64(limitMS)))
	return basePoints + bonus
}
