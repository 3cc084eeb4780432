package redis

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"challenge-sync-service/internal/domain"
	"challenge-sync-service/internal/infra/memory"
)

// QuestionBank caches a room's question set in redis (one JSON blob per
// room) and falls back to a loader on miss. Concurrent fills collapse.
type QuestionBank struct {
	client *redis.Client
	loader memory.QuestionLoader
	ttl    time.Duration
	sf     singleflight.Group
	rnd    *rand.Rand
}

func NewQuestionBank(client *redis.Client, loader memory.QuestionLoader, ttl time.Duration) *QuestionBank {
	return &QuestionBank{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *QuestionBank) key(roomCode string) string {
	return "room:" + roomCode + ":questions"
}

func (b *QuestionBank) Questions(ctx context.Context, roomCode string) ([]domain.Question, error) {
	if questions, ok := b.fromCache(ctx, roomCode); ok {
		return questions, nil
	}

	result, err, _ := b.sf.Do(roomCode, func() (interface{}, error) {
		// Re-check in case another goroutine filled the cache.
		if questions, ok := b.fromCache(ctx, roomCode); ok {
			return questions, nil
		}

		questions, err := b.loader.LoadQuestions(ctx, roomCode)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(questions)
		if err != nil {
			return nil, err
		}
		_ = b.client.Set(ctx, b.key(roomCode), raw, b.ttlWithJitter()).Err()
		return questions, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Question), nil
}

func (b *QuestionBank) fromCache(ctx context.Context, roomCode string) ([]domain.Question, bool) {
	raw, err := b.client.Get(ctx, b.key(roomCode)).Bytes()
	if err != nil {
		return nil, false
	}
	var questions []domain.Question
	if err := json.Unmarshal(raw, &questions); err != nil {
		return nil, false
	}
	return questions, true
}

func (b *QuestionBank) ttlWithJitter() time.Duration {
	if b.ttl <= 0 {
		return 0
	}
	jitterMax := int64(b.ttl) / 10
	return b.ttl + time.Duration(b.rnd.Int63n(jitterMax+1))
}
