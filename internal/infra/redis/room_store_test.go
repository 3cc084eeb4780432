package redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"challenge-sync-service/internal/domain"
)

func newTestStore(t *testing.T) *RoomStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return NewRoomStore(client, time.Minute)
}

func TestRedisRoomLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	room := domain.NewRoom("ROOM42", "host-1", 10, time.Now().UTC())

	if err := store.CreateRoom(ctx, room); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreateRoom(ctx, room); err == nil {
		t.Fatalf("expected duplicate create to fail")
	}

	got, err := store.Room(ctx, "ROOM42")
	if err != nil {
		t.Fatalf("room: %v", err)
	}
	if got.HostID != "host-1" || got.CurrentQuestionIndex != -1 {
		t.Fatalf("unexpected room: %+v", got)
	}

	if _, err := store.UpdateRoom(ctx, "ROOM42", func(r *domain.Room) error {
		r.Status = domain.StatusPlaying
		r.CurrentQuestionIndex = 0
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = store.Room(ctx, "ROOM42")
	if got.Status != domain.StatusPlaying || got.CurrentQuestionIndex != 0 {
		t.Fatalf("expected persisted update, got %+v", got)
	}

	if _, err := store.Room(ctx, "NOPE"); !domain.IsAuthorityCode(err, domain.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestRedisRecordAnswerDeduplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, already, err := store.RecordAnswer(ctx, "ROOM42", domain.Answer{
		PlayerID:       "p2",
		PlayerName:     "Ben",
		QuestionID:     "q1",
		Value:          "4",
		IsCorrect:      true,
		ResponseTimeMS: 1200,
		PointsEarned:   188,
	})
	if err != nil || already {
		t.Fatalf("first record: already=%v err=%v", already, err)
	}
	if first.NewTotalScore != 188 {
		t.Fatalf("expected the awarded total on the record, got %+v", first)
	}

	dup, already, err := store.RecordAnswer(ctx, "ROOM42", domain.Answer{
		PlayerID:     "p2",
		QuestionID:   "q1",
		Value:        "5",
		PointsEarned: 999,
	})
	if err != nil || !already {
		t.Fatalf("dup record: already=%v err=%v", already, err)
	}
	if dup.Value != "4" || dup.NewTotalScore != 188 {
		t.Fatalf("expected the original answer back, got %+v", dup)
	}

	tallies, err := store.Tallies(ctx, "ROOM42")
	if err != nil || len(tallies) != 1 {
		t.Fatalf("tallies: %+v err=%v", tallies, err)
	}
	if tallies[0].Score != 188 || tallies[0].TotalResponseMS != 1200 || tallies[0].Name != "Ben" {
		t.Fatalf("unexpected tally: %+v", tallies[0])
	}
}

func TestRedisTalliesAccumulate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.EnsureTallies(ctx, "ROOM42", []domain.PlayerRef{
		{ID: "p2", Name: "Ben"},
		{ID: "p3", Name: "Cal"},
	}); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	if _, err := store.AddToTally(ctx, "ROOM42", "p2", "Ben", 150, 2000); err != nil {
		t.Fatalf("add: %v", err)
	}
	total, err := store.AddToTally(ctx, "ROOM42", "p2", "Ben", 30, 1000)
	if err != nil || total != 180 {
		t.Fatalf("expected accumulated total 180, got %d err=%v", total, err)
	}

	tallies, err := store.Tallies(ctx, "ROOM42")
	if err != nil || len(tallies) != 2 {
		t.Fatalf("tallies: %+v err=%v", tallies, err)
	}
	for _, tally := range tallies {
		switch tally.PlayerID {
		case "p2":
			if tally.Score != 180 || tally.TotalResponseMS != 3000 {
				t.Fatalf("unexpected p2 tally: %+v", tally)
			}
		case "p3":
			if tally.Score != 0 || tally.TotalResponseMS != 0 {
				t.Fatalf("expected zeroed p3 tally: %+v", tally)
			}
		}
	}
}
