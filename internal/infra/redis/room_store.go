package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"challenge-sync-service/internal/authority"
	"challenge-sync-service/internal/domain"
)

// RoomStore keeps room state, answer records and tallies in redis so several
// engine instances can share one authority. Answer dedupe rides HSETNX: the
// first submit for a (player, question) pair wins, later ones read it back.
type RoomStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ authority.RoomStore = (*RoomStore)(nil)

func NewRoomStore(client *redis.Client, ttl time.Duration) *RoomStore {
	return &RoomStore{client: client, ttl: ttl}
}

func (s *RoomStore) roomKey(code string) string    { return "room:" + code }
func (s *RoomStore) answersKey(code, questionID string) string {
	return "room:" + code + ":answers:" + questionID
}
func (s *RoomStore) scoresKey(code string) string   { return "room:" + code + ":scores" }
func (s *RoomStore) responseKey(code string) string { return "room:" + code + ":response" }
func (s *RoomStore) namesKey(code string) string    { return "room:" + code + ":names" }

func (s *RoomStore) CreateRoom(ctx context.Context, room domain.Room) error {
	raw, err := json.Marshal(room)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.roomKey(room.Code), raw, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("room %s already exists", room.Code)
	}
	return nil
}

func (s *RoomStore) Room(ctx context.Context, code string) (domain.Room, error) {
	raw, err := s.client.Get(ctx, s.roomKey(code)).Bytes()
	if err == redis.Nil {
		return domain.Room{}, domain.NewAuthorityError(domain.CodeNotFound, "room %s not found", code)
	}
	if err != nil {
		return domain.Room{}, err
	}
	var room domain.Room
	if err := json.Unmarshal(raw, &room); err != nil {
		return domain.Room{}, fmt.Errorf("unmarshal room %s: %w", code, err)
	}
	return room, nil
}

// UpdateRoom is read-modify-write. The host is the only writer of room
// transitions, so no stronger coordination is needed here.
func (s *RoomStore) UpdateRoom(ctx context.Context, code string, fn func(*domain.Room) error) (domain.Room, error) {
	room, err := s.Room(ctx, code)
	if err != nil {
		return domain.Room{}, err
	}
	if err := fn(&room); err != nil {
		return domain.Room{}, err
	}
	raw, err := json.Marshal(room)
	if err != nil {
		return domain.Room{}, err
	}
	if err := s.client.Set(ctx, s.roomKey(code), raw, s.ttl).Err(); err != nil {
		return domain.Room{}, err
	}
	return room, nil
}

func (s *RoomStore) RecordAnswer(ctx context.Context, code string, ans domain.Answer) (domain.Answer, bool, error) {
	key := s.answersKey(code, ans.QuestionID)
	raw, err := json.Marshal(ans)
	if err != nil {
		return domain.Answer{}, false, err
	}

	set, err := s.client.HSetNX(ctx, key, ans.PlayerID, raw).Result()
	if err != nil {
		return domain.Answer{}, false, err
	}
	if !set {
		existing, err := s.client.HGet(ctx, key, ans.PlayerID).Bytes()
		if err != nil {
			return domain.Answer{}, false, err
		}
		var prior domain.Answer
		if err := json.Unmarshal(existing, &prior); err != nil {
			return domain.Answer{}, false, err
		}
		return prior, true, nil
	}

	total, err := s.AddToTally(ctx, code, ans.PlayerID, ans.PlayerName, ans.PointsEarned, ans.ResponseTimeMS)
	if err != nil {
		return domain.Answer{}, false, err
	}
	ans.NewTotalScore = total

	// Rewrite the record with the awarded total; we own the field now that
	// HSETNX succeeded.
	raw, err = json.Marshal(ans)
	if err != nil {
		return domain.Answer{}, false, err
	}
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, ans.PlayerID, raw)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.Answer{}, false, err
	}
	return ans, false, nil
}

func (s *RoomStore) Answers(ctx context.Context, code, questionID string) ([]domain.Answer, error) {
	raw, err := s.client.HGetAll(ctx, s.answersKey(code, questionID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.Answer, 0, len(raw))
	for _, data := range raw {
		var a domain.Answer
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *RoomStore) EnsureTallies(ctx context.Context, code string, players []domain.PlayerRef) error {
	pipe := s.client.Pipeline()
	for _, p := range players {
		pipe.HSetNX(ctx, s.scoresKey(code), p.ID, 0)
		pipe.HSetNX(ctx, s.responseKey(code), p.ID, 0)
		pipe.HSet(ctx, s.namesKey(code), p.ID, p.Name)
	}
	if s.ttl > 0 {
		pipe.Expire(ctx, s.scoresKey(code), s.ttl)
		pipe.Expire(ctx, s.responseKey(code), s.ttl)
		pipe.Expire(ctx, s.namesKey(code), s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RoomStore) AddToTally(ctx context.Context, code, playerID, name string, points, responseMS int) (int, error) {
	total, err := s.client.HIncrBy(ctx, s.scoresKey(code), playerID, int64(points)).Result()
	if err != nil {
		return 0, err
	}
	pipe := s.client.Pipeline()
	pipe.HIncrBy(ctx, s.responseKey(code), playerID, int64(responseMS))
	if name != "" {
		pipe.HSet(ctx, s.namesKey(code), playerID, name)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(total), nil
}

func (s *RoomStore) Tallies(ctx context.Context, code string) ([]domain.PlayerTally, error) {
	scores, err := s.client.HGetAll(ctx, s.scoresKey(code)).Result()
	if err != nil {
		return nil, err
	}
	responses, _ := s.client.HGetAll(ctx, s.responseKey(code)).Result()
	names, _ := s.client.HGetAll(ctx, s.namesKey(code)).Result()

	out := make([]domain.PlayerTally, 0, len(scores))
	for playerID, rawScore := range scores {
		score, _ := strconv.Atoi(rawScore)
		response, _ := strconv.Atoi(responses[playerID])
		out = append(out, domain.PlayerTally{
			PlayerID:        playerID,
			Name:            names[playerID],
			Score:           score,
			TotalResponseMS: response,
		})
	}
	return out, nil
}
