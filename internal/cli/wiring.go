package cli

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"

	"tournament-engine/internal/app"
	"tournament-engine/internal/config"
	"tournament-engine/internal/domain"
	"tournament-engine/internal/infra/discord"
	"tournament-engine/internal/infra/memory"
	mongostore "tournament-engine/internal/infra/mongo"
	"tournament-engine/internal/infra/postgres"
	redisstore "tournament-engine/internal/infra/redis"
	"tournament-engine/internal/infra/telegram"
)

// runtime is an assembled engine plus the connections it owns.
type runtime struct {
	engine   *app.Engine
	messages app.MessageSender
	closers  []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// buildRuntime picks an adapter per port: postgres, redis and mongo when configured,
// in-memory otherwise.
func buildRuntime(ctx context.Context, cfg config.Config) (*runtime, error) {
	appCfg, err := cfg.App()
	if err != nil {
		return nil, err
	}
	rt := &runtime{}
	deps := app.Deps{}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.closers = append(rt.closers, func() { redisClient.Close() })
	}
	cacheTTL := config.TTLDuration(cfg.Redis.CacheTTL, 10*time.Minute)

	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("connect question banks: %w", err)
		}
		rt.closers = append(rt.closers, pool.Close)
		for _, source := range postgres.NewQuestionSources(pool) {
			if redisClient != nil {
				source = redisstore.NewQuestionCache(redisClient, source, cacheTTL)
			} else {
				source = memory.NewCachedQuestionSource(source, cacheTTL)
			}
			deps.Sources = append(deps.Sources, source)
		}

		db := postgres.OpenDB(cfg.Postgres.URL)
		rt.closers = append(rt.closers, func() { db.Close() })
		store := postgres.NewStore(db)
		deps.Events = store
		deps.Progress = store
		deps.Notifications = store
		deps.Preferences = postgres.NewPreferenceStore(db)
		deps.Mappings = postgres.NewMappingStore(db)
	} else {
		log.Printf("postgres not configured, using in-memory stores with sample questions")
		store := memory.NewEventStore()
		deps.Events = store
		deps.Progress = store
		deps.Notifications = store
		deps.Preferences = memory.NewPreferenceStore()
		deps.Mappings = memory.NewMappingStore()
		deps.Sources = []app.QuestionSource{memory.NewQuestionSource(domain.SourceValidated, sampleQuestions())}
	}

	if redisClient != nil {
		deps.Mappings = redisstore.NewPollMappingStore(redisClient, config.TTLDuration(cfg.Redis.TTL, 7*24*time.Hour))
		deps.Quota = redisstore.NewQuotaCounter(redisClient)
	} else {
		deps.Quota = memory.NewQuotaCounter()
	}

	if cfg.Mongo.URI != "" {
		dbName := cfg.Mongo.Database
		if dbName == "" {
			dbName = "tournament_engine"
		}
		alerts, err := mongostore.NewAlertStore(ctx, cfg.Mongo.URI, dbName)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, func() { alerts.Close(context.Background()) })
		deps.AlertSink = alerts
	} else {
		deps.AlertSink = memory.NewAlertLog()
	}

	if cfg.Telegram.Token != "" {
		var opts []telegram.Option
		if cfg.Telegram.BaseURL != "" {
			opts = append(opts, telegram.WithBaseURL(cfg.Telegram.BaseURL))
		}
		client := telegram.NewClient(cfg.Telegram.Token, opts...)
		deps.Polls = client
		deps.Messages = client
	} else {
		log.Printf("telegram token not configured, deliveries are only logged")
		deps.Polls = logSender{}
		deps.Messages = logSender{}
	}
	rt.messages = deps.Messages

	if cfg.Discord.Token != "" && cfg.Discord.ChannelID != "" {
		sender, err := discord.Open(cfg.Discord.Token)
		if err != nil {
			rt.Close()
			return nil, err
		}
		deps.Mirrors = append(deps.Mirrors, app.Mirror{Name: "discord", Sender: sender, ChatID: cfg.Discord.ChannelID})
	}

	open := cfg.Entitlements.Open
	if open == nil {
		// without an entitlements section every feature is available
		open = []string{app.FeatureTournaments, app.FeatureSimulations}
	}
	entitlements := memory.NewEntitlements(open...)
	for userID, features := range cfg.Entitlements.Grants {
		entitlements.Grant(userID, features...)
	}
	deps.Entitlements = entitlements

	rt.engine = app.NewEngine(deps, appCfg)
	return rt, nil
}

// loadRuntime reads the config at path and assembles the engine.
func loadRuntime(ctx context.Context, path string) (*runtime, config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, cfg, err
	}
	rt, err := buildRuntime(ctx, cfg)
	return rt, cfg, err
}

// logSender stands in for the provider when no bot token is configured.
type logSender struct{}

var localIDs atomic.Int64

func localID() string {
	return fmt.Sprintf("local-%d-%d", time.Now().Unix(), localIDs.Add(1))
}

func (logSender) SendPoll(_ context.Context, chatID string, poll app.Poll) (string, error) {
	id := localID()
	log.Printf("poll id=%s chat=%s question=%q options=%d", id, chatID, poll.Question, len(poll.Options))
	return id, nil
}

func (logSender) SendMessage(_ context.Context, chatID, text string) (string, error) {
	log.Printf("message chat=%s text=%q", chatID, text)
	return localID(), nil
}

// sampleQuestions is a small validated bank for running without postgres.
func sampleQuestions() []domain.Question {
	return []domain.Question{
		{ID: "sample-1", Prompt: "¿Cuánto es 2 + 2?", Options: []string{"3", "4", "5"}, CorrectIndex: 1, Category: "aritmética"},
		{ID: "sample-2", Prompt: "¿Cuál es la capital de Francia?", Options: []string{"Madrid", "Roma", "París", "Lisboa"}, CorrectIndex: 2, Category: "geografía"},
		{ID: "sample-3", Prompt: "¿Qué planeta es conocido como el planeta rojo?", Options: []string{"Marte", "Venus", "Júpiter"}, CorrectIndex: 0, Category: "ciencia"},
		{ID: "sample-4", Prompt: "¿Cuántos lados tiene un hexágono?", Options: []string{"5", "6", "8"}, CorrectIndex: 1, Category: "geometría"},
		{ID: "sample-5", Prompt: "¿En qué año llegó el ser humano a la Luna?", Options: []string{"1965", "1969", "1972"}, CorrectIndex: 1, Category: "historia"},
	}
}
