package domain

import "time"

// RoomStatus tracks the lifecycle of a challenge room. Transitions are
// one-directional: lobby → starting → playing ⇄ results_display → finished,
// with cancelled reachable from any state before finished.
type RoomStatus string

const (
	StatusLobby          RoomStatus = "lobby"
	StatusStarting       RoomStatus = "starting"
	StatusPlaying        RoomStatus = "playing"
	StatusResultsDisplay RoomStatus = "results_display"
	StatusFinished       RoomStatus = "finished"
	StatusCancelled      RoomStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s RoomStatus) Terminal() bool {
	return s == StatusFinished || s == StatusCancelled
}

// Room is the persisted state of one challenge, keyed by its shareable code.
// The store behind the answer authority is the source of truth for
// CurrentQuestionIndex; clients only ever see it through RPC results.
type Room struct {
	Code                 string     `json:"code"`
	Status               RoomStatus `json:"status"`
	HostID               string     `json:"host_id"`
	TimePerQuestion      int        `json:"time_per_question"`
	CurrentQuestionIndex int        `json:"current_question_index"` // -1 until the first question is shown
	QuestionCount        int        `json:"question_count"`
	CreatedAt            time.Time  `json:"created_at"`
}

// NewRoom builds a lobby-state room. CurrentQuestionIndex starts at -1; it
// only moves when the host marks a question shown.
func NewRoom(code, hostID string, timePerQuestion int, now time.Time) Room {
	return Room{
		Code:                 code,
		Status:               StatusLobby,
		HostID:               hostID,
		TimePerQuestion:      timePerQuestion,
		CurrentQuestionIndex: -1,
		CreatedAt:            now,
	}
}

// Question is immutable once created. CorrectAnswer and Explanation are only
// revealed inside QUESTION_END results, never in the QUESTION broadcast.
type Question struct {
	ID            string   `json:"id"`
	Index         int      `json:"index"`
	Type          string   `json:"type"`
	Prompt        string   `json:"prompt"`
	Options       []string `json:"options,omitempty"`
	CorrectAnswer string   `json:"correct_answer"`
	Explanation   string   `json:"explanation,omitempty"`
}

// PublicQuestion is the pre-reveal view of a question, safe to broadcast.
type PublicQuestion struct {
	ID      string   `json:"id"`
	Index   int      `json:"index"`
	Type    string   `json:"type"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options,omitempty"`
}

// Public strips the answer and explanation for broadcasting.
func (q Question) Public() PublicQuestion {
	return PublicQuestion{
		ID:      q.ID,
		Index:   q.Index,
		Type:    q.Type,
		Prompt:  q.Prompt,
		Options: q.Options,
	}
}

// PresenceRecord is the structured state each member publishes on the
// channel. Track replaces the previous record entirely.
type PresenceRecord struct {
	PlayerID    string `json:"player_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	IsReady     bool   `json:"is_ready"`
	IsHost      bool   `json:"is_host"`
	HasAnswered bool   `json:"has_answered"`
	Score       int    `json:"score"`
}

// PlayerRef identifies a currently-present player when the host reports its
// roster to the authority.
type PlayerRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Answer is the ephemeral record the authority creates on submit, one per
// player per question, read back once to build RoundResults.
type Answer struct {
	PlayerID       string    `json:"player_id"`
	PlayerName     string    `json:"player_name"`
	QuestionID     string    `json:"question_id"`
	Value          string    `json:"value"`
	IsCorrect      bool      `json:"is_correct"`
	ResponseTimeMS int       `json:"response_time_ms"`
	PointsEarned   int       `json:"points_earned"`
	NewTotalScore  int       `json:"new_total_score"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// PlayerResult is one player's line in a round's results.
type PlayerResult struct {
	PlayerID       string `json:"player_id"`
	Name           string `json:"name"`
	Answer         string `json:"answer"`
	IsCorrect      bool   `json:"is_correct"`
	ResponseTimeMS int    `json:"response_time_ms"`
	PointsEarned   int    `json:"points_earned"`
	NewTotalScore  int    `json:"new_total_score"`
}

// RoundResults aggregates every present player's outcome for one question.
// Broadcast once per question, never persisted by the sync engine.
type RoundResults struct {
	QuestionID    string         `json:"question_id"`
	QuestionIndex int            `json:"question_index"`
	QuestionText  string         `json:"question_text"`
	CorrectAnswer string         `json:"correct_answer"`
	Explanation   string         `json:"explanation,omitempty"`
	PerPlayer     []PlayerResult `json:"per_player"`
}

// FinalScore is one ranked leaderboard entry produced at game end.
type FinalScore struct {
	PlayerID   string `json:"player_id"`
	Name       string `json:"name"`
	TotalScore int    `json:"total_score"`
	Rank       int    `json:"rank"`
}

// PlayerTally is the authority-side running total for one player.
// TotalResponseMS accumulates response latency and is the ranking
// tie-breaker: faster players sort first on equal scores.
type PlayerTally struct {
	PlayerID        string `json:"player_id"`
	Name            string `json:"name"`
	Score           int    `json:"score"`
	TotalResponseMS int    `json:"total_response_ms"`
}

// Role tags which state machine a session runs. Host-only operations check
// it up front and fail with NotHost instead of branching deep in the logic.
type Role string

const (
	RoleHost   Role = "host"
	RolePlayer Role = "player"
)
