package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fernwood-labs/lorekeeper/internal/queue"
	mid "github.com/fernwood-labs/lorekeeper/internal/server/middleware"
	"github.com/fernwood-labs/lorekeeper/internal/util"
	"github.com/fernwood-labs/lorekeeper/pkg/ai"
	oai "github.com/fernwood-labs/lorekeeper/pkg/ai/ollama"
	gai "github.com/fernwood-labs/lorekeeper/pkg/ai/openai"
	"github.com/fernwood-labs/lorekeeper/pkg/dedupe"
	"github.com/fernwood-labs/lorekeeper/pkg/leaselock"
	"github.com/fernwood-labs/lorekeeper/pkg/logger"
	"github.com/fernwood-labs/lorekeeper/pkg/notes"
	pgstore "github.com/fernwood-labs/lorekeeper/pkg/store/pgx"
	"github.com/fernwood-labs/lorekeeper/pkg/track"

	"github.com/go-playground/validator"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

// Init builds and runs the whole service: database, queue, AI client,
// deduplication coordinator, note pipeline, HTTP server, and the queue
// consumer. The consumer runs in the same process because the pending
// decision registry is in-memory state that the resolve endpoint must see.
func Init() {
	e := echo.New()
	e.Validator = &CustomValidator{validator: validator.New()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runMigrations()

	conn, err := pgxpool.New(ctx, util.GetEnv("DATABASE_URL"))
	if err != nil {
		logger.Fatal("Failed to connect to database", "err", err)
	}
	defer conn.Close()
	conn.Config().AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	aiClient := newAIClient()
	tracker := newTracker()
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tracker.Flush(flushCtx)
	}()

	storage := pgstore.NewStorage(conn)
	dedupeCfg := dedupe.ConfigFromEnv()
	sessions := dedupe.NewSessionManager(dedupeCfg.SessionTTL)
	defer sessions.Close()
	coordinator := dedupe.NewCoordinator(dedupeCfg, aiClient, storage, storage, sessions, tracker)
	noteService := notes.NewService(aiClient, coordinator, storage, storage)

	que := queue.Init()
	defer que.Close()
	ch, err := que.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	if err := queue.SetupQueues(ch); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}

	consumer := queue.NewConsumer(noteService, leaselock.New(conn))
	go func() {
		if err := consumer.Run(ctx, que); err != nil {
			logger.Fatal("Consumer stopped", "err", err)
		}
	}()

	e.Use(mid.AppContextMiddleware(&mid.App{
		DBConn:      conn,
		Queue:       ch,
		Notes:       noteService,
		Coordinator: coordinator,
		Graph:       storage,
	}))
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())

	RegisterRoutes(e)

	go func() {
		port := util.GetEnvString("PORT", "8080")
		logger.Info("Starting server", "port", port)
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed shutting down server", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown server", "err", err)
	}
}

func runMigrations() {
	source := util.GetEnvString("MIGRATIONS_URL", "file://migrations")
	m, err := migrate.New(source, util.GetEnv("DATABASE_URL"))
	if err != nil {
		logger.Fatal("Failed to init migrations", "err", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatal("Failed to run migrations", "err", err)
	}
}

func newAIClient() ai.AIClient {
	adapter := util.GetEnv("AI_ADAPTER")

	switch adapter {
	case "ollama":
		client, err := oai.NewLoreOllamaClient(oai.NewLoreOllamaClientParams{
			EmbeddingModel: util.GetEnv("AI_EMBED_MODEL"),
			ChatModel:      util.GetEnv("AI_CHAT_MODEL"),

			BaseURL: util.GetEnv("AI_CHAT_URL"),
			ApiKey:  util.GetEnv("AI_CHAT_KEY"),

			MaxConcurrentRequests: int64(util.GetEnvNumeric("AI_PARALLEL_REQ", 4)),
		})
		if err != nil {
			logger.Fatal("Failed to create Ollama client", "err", err)
		}
		return client
	default:
		return gai.NewLoreOpenAIClient(gai.NewLoreOpenAIClientParams{
			EmbeddingModel: util.GetEnv("AI_EMBED_MODEL"),
			ChatModel:      util.GetEnv("AI_CHAT_MODEL"),

			EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
			EmbeddingKey: util.GetEnv("AI_EMBED_KEY"),
			ChatURL:      util.GetEnv("AI_CHAT_URL"),
			ChatKey:      util.GetEnv("AI_CHAT_KEY"),

			RequestsPerSecond: util.GetEnvFloat("AI_REQ_PER_SEC", 0),
		})
	}
}

func newTracker() track.Tracker {
	host := util.GetEnv("LANGFUSE_HOST")
	if host == "" {
		return track.Noop{}
	}
	return track.NewLangfuseTracker(track.NewLangfuseTrackerParams{
		Host:      host,
		PublicKey: util.GetEnv("LANGFUSE_PUBLIC_KEY"),
		SecretKey: util.GetEnv("LANGFUSE_SECRET_KEY"),
	})
}
