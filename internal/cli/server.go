package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"challenge-sync-service/internal/authority"
	"challenge-sync-service/internal/channel"
	chmemory "challenge-sync-service/internal/channel/memory"
	chredis "challenge-sync-service/internal/channel/redis"
	"challenge-sync-service/internal/config"
	"challenge-sync-service/internal/domain"
	"challenge-sync-service/internal/infra/memory"
	pgloader "challenge-sync-service/internal/infra/postgres"
	redisinfra "challenge-sync-service/internal/infra/redis"
	transport "challenge-sync-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the challenge sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	redisTTL := config.TTLDuration(cfg.Redis.TTL, 10*time.Minute)

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
	}

	var loader memory.QuestionLoader = memory.NewStaticQuestionLoader(sampleChallenges())
	if pool != nil {
		loader = pgloader.NewQuestionLoader(pool)
	}

	questionTTL := config.TTLDuration(cfg.Questions.TTL, 10*time.Minute)
	var bank authority.QuestionBank
	if redisClient != nil {
		bank = redisinfra.NewQuestionBank(redisClient, loader, questionTTL)
	} else {
		bank = memory.NewQuestionBank(loader, questionTTL)
	}

	var store authority.RoomStore
	if redisClient != nil {
		store = redisinfra.NewRoomStore(redisClient, redisTTL)
	} else {
		store = memory.NewRoomStore()
	}

	clock := clockwork.NewRealClock()
	auth := authority.NewService(store, bank, cfg.Game.MinPlayers, clock, log)

	if pool == nil {
		// Demo wiring: the static question set needs a matching room.
		_ = store.CreateRoom(ctx, domain.NewRoom("DEMO01", "host", cfg.Game.TimePerQuestion, clock.Now()))
	}

	wsHandler := transport.NewWSHandler(channelFor(redisClient, redisTTL), auth, clock, log, transport.GameSettings{
		CountdownSeconds:      cfg.Game.CountdownSeconds,
		ResultsDisplaySeconds: cfg.Game.ResultsDisplaySeconds,
	})

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      wsHandler.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("port", finalPort).Msg("starting challenge sync service")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("failed to start server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info().Msg("shutting down server")
	case <-ctx.Done():
		log.Info().Msg("context canceled, shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// channelFor picks the distributed channel when redis is configured, the
// in-process broker otherwise.
func channelFor(redisClient *redis.Client, ttl time.Duration) channel.Channel {
	if redisClient != nil {
		return chredis.NewChannel(redisClient, ttl)
	}
	return chmemory.NewBroker()
}

// sampleChallenges provides a minimal question set for running without a
// database.
func sampleChallenges() map[string][]domain.Question {
	return map[string][]domain.Question{
		"DEMO01": {
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
		},
	}
}
