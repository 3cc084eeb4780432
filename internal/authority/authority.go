// Package authority holds the answer authority: the stateless RPC surface
// the host drives the game through, and the only place correctness, points
// and rankings are ever computed. Clients render what it returns; they never
// score anything themselves.
package authority

import (
	"context"

	"challenge-sync-service/internal/domain"
)

// StartResult is the start_game response.
type StartResult struct {
	FirstQuestion   domain.Question `json:"first_question"`
	TimePerQuestion int             `json:"time_per_question"`
}

// SubmitResult is the submit_answer response. On AlreadyAnswered the
// originally recorded values come back unchanged; points are never awarded
// twice.
type SubmitResult struct {
	IsCorrect     bool   `json:"is_correct"`
	PointsEarned  int    `json:"points_earned"`
	NewTotalScore int    `json:"new_total_score"`
	CorrectAnswer string `json:"correct_answer"`
}

// Authority is the request/response surface between the sync engine and the
// persisted room state. Host-only calls verify callerID against the stored
// host id and fail with NotHost. The host passes its roster snapshot where
// the authority needs to know who is currently present; the authority has no
// presence view of its own.
type Authority interface {
	// Room is the external query fallback a reconnecting client reconciles
	// from. Fails NotFound.
	Room(ctx context.Context, code string) (domain.Room, error)

	// StartGame flips the room out of the lobby and returns the first
	// question. Fails NotHost, AlreadyStarted, NotEnoughPlayers.
	StartGame(ctx context.Context, code, callerID string, present []domain.PlayerRef) (StartResult, error)

	// SubmitAnswer grades and records one answer. Fails AlreadyAnswered
	// (carrying the original result, which callers treat as success),
	// QuestionClosed, NotFound.
	SubmitAnswer(ctx context.Context, code, questionID, playerID, playerName, answer string, responseTimeMS int) (SubmitResult, error)

	// AdvanceQuestion marks the next question shown and moves
	// current_question_index. ok is false when no question remains.
	AdvanceQuestion(ctx context.Context, code, callerID string) (q domain.Question, ok bool, err error)

	// RoundResults reads back every recorded answer for the question, fills
	// zero-point entries for present players who never answered, closes the
	// question for further submits and flips the room to results_display.
	RoundResults(ctx context.Context, code, callerID, questionID string, present []domain.PlayerRef) (domain.RoundResults, error)

	// EndGame ranks the final scores and finishes the room. Fails NotFound.
	EndGame(ctx context.Context, code, callerID string) ([]domain.FinalScore, error)

	// CancelGame marks the room cancelled; a no-op once the room is
	// terminal.
	CancelGame(ctx context.Context, code, callerID string) error
}

// RoomStore persists room state, answers and running tallies. Concurrent
// RecordAnswer calls for the same (player, question) pair must resolve to a
// single stored answer; the first write wins and everyone else reads it back.
type RoomStore interface {
	CreateRoom(ctx context.Context, room domain.Room) error
	Room(ctx context.Context, code string) (domain.Room, error)
	// UpdateRoom applies fn to the stored room and persists the result.
	UpdateRoom(ctx context.Context, code string, fn func(*domain.Room) error) (domain.Room, error)

	// RecordAnswer stores ans unless the (player, question) pair already has
	// one. It awards the tally and fills NewTotalScore on a fresh record;
	// otherwise it returns the existing answer with already=true.
	RecordAnswer(ctx context.Context, code string, ans domain.Answer) (stored domain.Answer, already bool, err error)
	Answers(ctx context.Context, code, questionID string) ([]domain.Answer, error)

	// EnsureTallies seeds zero entries for players the store has not seen.
	EnsureTallies(ctx context.Context, code string, players []domain.PlayerRef) error
	// AddToTally adjusts one player's running score and cumulative response
	// time, returning the new total score.
	AddToTally(ctx context.Context, code, playerID, name string, points, responseMS int) (int, error)
	Tallies(ctx context.Context, code string) ([]domain.PlayerTally, error)
}

// QuestionBank loads the ordered questions behind a room code.
type QuestionBank interface {
	Questions(ctx context.Context, roomCode string) ([]domain.Question, error)
}
