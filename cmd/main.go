package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"chatbridge/internal/config"
	"chatbridge/internal/entities"
	"chatbridge/internal/infrastructure"
	"chatbridge/internal/interfaces"
	httpapi "chatbridge/internal/interfaces/http"
	"chatbridge/internal/repository"
	"chatbridge/internal/usecases"
)

const pruneInterval = 10 * time.Minute

func main() {
	root := &cobra.Command{
		Use:   "chatbridge",
		Short: "Bridge Telegram chats to Chatwoot and an AI backend",
	}
	root.AddCommand(newServeCommand(), newMigrateCommand(), newTokenCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and Telegram bots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newMigrateCommand() *cobra.Command {
	var seedPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the bridge tables and optionally seed bridge mappings",
		Example: `  chatbridge migrate
  chatbridge migrate --seed mappings.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd.Context(), seedPath)
		},
	}
	cmd.Flags().StringVar(&seedPath, "seed", "", "JSON file with an array of bridge mappings to upsert")
	return cmd
}

func newTokenCommand() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a bearer token for the /api admin routes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := usecases.NewAdminTokenIssuer(cfg.AdminJWTSecret).Issue(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func runMigrate(ctx context.Context, seedPath string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := infrastructure.NewLogger(cfg.Log)
	if err != nil {
		return err
	}

	pg, err := infrastructure.NewPostgresClient(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pg.Close()

	if err := pg.Migrate(ctx); err != nil {
		return err
	}
	log.Info("postgres schema is up to date")

	if cfg.UsesSQLite() {
		db, err := infrastructure.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return err
		}
		db.Close()
		log.WithField("path", cfg.SQLitePath).Info("sqlite schema is up to date")
	}

	if seedPath == "" {
		return nil
	}
	raw, err := os.ReadFile(seedPath)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var mappings []entities.Mapping
	if err := json.Unmarshal(raw, &mappings); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}
	repo := repository.NewMappingRepository(pg.Pool)
	for _, m := range mappings {
		if m.ID == "" || m.TelegramBotID == "" {
			return fmt.Errorf("seed mapping needs id and telegramBotId: %+v", m)
		}
		if err := repo.Upsert(ctx, m); err != nil {
			return err
		}
	}
	log.WithField("count", len(mappings)).Info("bridge mappings seeded")
	return nil
}

type pruner interface {
	Prune(ctx context.Context) (int64, error)
}

// stateBackend bundles the chosen dedup/cooldown store with its extras.
type stateBackend struct {
	store  interfaces.StateStore
	stats  httpapi.StatsProvider
	pruner pruner
	close  func()
}

func openStateBackend(cfg *config.Config, pg *infrastructure.PostgresClient, sqliteDB *sql.DB) *stateBackend {
	switch cfg.StateBackend {
	case config.StateMemory:
		s := infrastructure.NewMemoryStateStore(cfg.DedupTTL, cfg.CooldownPeriod())
		return &stateBackend{store: s, stats: s, close: s.Close}
	case config.StateSQLite:
		s := repository.NewSQLiteStateStore(sqliteDB, cfg.DedupTTL, cfg.CooldownPeriod())
		return &stateBackend{store: s, pruner: s, close: func() {}}
	default:
		s := repository.NewPostgresStateStore(pg.Pool, cfg.DedupTTL, cfg.CooldownPeriod())
		return &stateBackend{store: s, pruner: s, close: func() {}}
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := infrastructure.NewLogger(cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := infrastructure.NewPostgresClient(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pg.Close()
	if err := pg.Migrate(ctx); err != nil {
		return err
	}

	var sqliteDB *sql.DB
	if cfg.UsesSQLite() {
		sqliteDB, err = infrastructure.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return err
		}
		defer sqliteDB.Close()
	}

	state := openStateBackend(cfg, pg, sqliteDB)
	defer state.close()

	tgManager := infrastructure.NewTelegramBotManager(cfg.Telegram.Rate, cfg.AdapterTimeout, log)
	for _, token := range cfg.Telegram.BotTokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if _, err := tgManager.Connect(token); err != nil {
			log.WithError(err).Error("telegram bot connect failed")
		}
	}
	defer tgManager.DisconnectAll()

	deskClient := infrastructure.NewChatwootClient(cfg.Chatwoot.BaseURL, cfg.Chatwoot.APIToken, cfg.AdapterTimeout, cfg.Chatwoot.Rate)

	var aiClient interfaces.AIClient
	switch cfg.AIProvider {
	case "openai":
		aiClient = infrastructure.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.SystemPrompt, cfg.AdapterTimeout)
	default:
		aiClient = infrastructure.NewDifyClient(cfg.Dify.BaseURL, cfg.Dify.AppKeys, cfg.AdapterTimeout)
	}

	var conversations interfaces.ConversationStore = repository.NewConversationRepository(pg.Pool)
	if cfg.ConversationBackend == config.StateSQLite {
		conversations = repository.NewSQLiteConversationRepository(sqliteDB)
	}
	usage := repository.NewUsageRepository(pg.Pool)
	resolver := usecases.NewRoutingResolver(repository.NewMappingRepository(pg.Pool), log)
	router := usecases.NewMessageRouter(usecases.RouterDeps{
		Conversations: conversations,
		Resolver:      resolver,
		Dedup:         usecases.NewDedupController(state.store, time.Now),
		Locks:         infrastructure.NewConversationLocks(),
		Source:        tgManager,
		Desk:          deskClient,
		AI:            aiClient,
		Usage:         usage,
	}, usecases.RouterOptions{
		Cooldown:      cfg.CooldownPeriod(),
		CooldownScope: cfg.CooldownScope,
		FallbackReply: cfg.FallbackReply,
	}, log)

	polled := usecases.NewRedelivery(router, cfg.Telegram.RouteAttempts, cfg.Telegram.RetryBackoff, log)
	tgManager.MessageHandler = func(ctx context.Context, msg entities.Message) {
		if _, err := polled.Route(ctx, msg); err != nil {
			log.WithError(err).WithField("message_id", msg.ID).Error("telegram message dropped after retries")
		}
	}

	if log.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	httpapi.SetupRoutes(engine, httpapi.Deps{
		Router:            router,
		Conversations:     conversations,
		Routing:           resolver,
		Bots:              tgManager,
		Stats:             state.stats,
		Usage:             usage,
		DifyCallbackToken: cfg.Dify.CallbackToken,
		Log:               log,
	}, httpapi.NewMiddleware(cfg.AdminJWTSecret).AllowOrigins(cfg.CORSAllowedOrigins...), cfg.WebhookRate, cfg.WebhookBurst)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	switch cfg.Telegram.Mode {
	case "webhook":
		if err := tgManager.SetWebhooks(cfg.Telegram.WebhookURL); err != nil {
			log.WithError(err).Error("failed to register telegram webhooks")
		}
	default:
		tgManager.StartPolling(ctx)
	}

	if state.pruner != nil {
		go pruneLoop(ctx, state.pruner, log)
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func pruneLoop(ctx context.Context, p pruner, log logrus.FieldLogger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Prune(ctx)
			if err != nil {
				log.WithError(err).Warn("state prune failed")
				continue
			}
			if n > 0 {
				log.WithField("removed", n).Debug("state pruned")
			}
		}
	}
}
