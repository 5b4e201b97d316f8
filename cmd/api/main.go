package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/bandroom-chat/internal/config"
	"github.com/noah-isme/bandroom-chat/internal/database"
	"github.com/noah-isme/bandroom-chat/internal/handler"
	"github.com/noah-isme/bandroom-chat/internal/middleware"
	"github.com/noah-isme/bandroom-chat/internal/models"
	"github.com/noah-isme/bandroom-chat/internal/repository"
	"github.com/noah-isme/bandroom-chat/internal/router"
	"github.com/noah-isme/bandroom-chat/internal/service"
	cloud "github.com/noah-isme/bandroom-chat/pkg/cloudinary"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 10*time.Second)
	redisClient, err := database.ConnectRedis(startupCtx, cfg.RedisURL)
	cancelStartup()
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	natsConn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName)
	if err != nil {
		log.Fatalf("failed to connect to nats: %v", err)
	}
	if natsConn != nil {
		defer natsConn.Drain()
	}

	var blobs service.BlobStorage
	if cfg.CloudinaryCloudName != "" {
		images, err := cloud.New(cloud.Config{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryUploadFolder,
		}, logger)
		if err != nil {
			log.Fatalf("failed to create cloudinary client: %v", err)
		}
		blobs = images
	} else {
		logger.Warn().Msg("cloudinary not configured, image messages disabled")
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	settings := cfg.Chat

	bus := service.NewEventBus(redisClient, natsConn, service.EventBusOptions{
		ChannelBase:  cfg.ChannelBase,
		MaxRetries:   settings.ListenerMaxRetries,
		InitialDelay: settings.ListenerInitialDelay,
	}, logger)
	busCtx, stopBus := context.WithCancel(context.Background())
	defer stopBus()
	bus.Start(busCtx)

	roster := service.NewRosterDirectory(repository.NewRosterRepository(db))
	permissions := service.NewPermissionCache(roster, settings.PermissionCacheTTL, logger)
	go permissions.WatchRoster(busCtx, redisClient, service.RosterChannel(cfg.ChannelBase))

	chats := service.NewChatDirectory(repository.NewChatRepository(db), permissions, roster, roster, roster, logger)
	fanChats := service.NewFanChatDirectory(repository.NewFanChatRepository(db), permissions, roster, logger)

	messageRepo := repository.NewMessageRepository(db, models.NamespaceBand)
	storeOpts := service.MessageStoreOptions{PageSize: settings.PageSize, ImageMaxSizeMB: cfg.ImageMaxSizeMB}
	messages := service.NewMessageStore(messageRepo, chats, roster, blobs, storeOpts, logger)
	fanMessages := service.NewMessageStore(repository.NewMessageRepository(db, models.NamespaceFan), fanChats, roster, blobs, storeOpts, logger)

	unread := service.NewUnreadTracker(repository.NewWatermarkRepository(db), messageRepo, service.UnreadOptions{
		Backlog:     settings.UnreadBacklog,
		Suppression: settings.UnreadSuppression,
		Recompute:   settings.BadgeRecompute,
	}, logger)
	presence := service.NewPresenceTracker(redisClient, cfg.ChannelBase, roster, settings.TypingTTL, logger)
	moderation := service.NewModerationEngine(fanMessages, fanChats, permissions,
		repository.NewReportRepository(db), repository.NewModerationLogRepository(db), repository.NewBanRepository(db), repository.NewTransactor(db),
		settings.TemporaryBan, logger)

	deps := service.ChatDependencies{
		Chats:       chats,
		FanChats:    fanChats,
		Messages:    messages,
		FanMessages: fanMessages,
		Unread:      unread,
		Presence:    presence,
		Moderation:  moderation,
		Permissions: permissions,
		Bus:         bus,
		Push:        service.NewNATSPushNotifier(natsConn, cfg.ChannelBase, logger),
		Users:       roster,
		Validator:   validate,
		TypingIdle:  settings.TypingIdle,
		TypingTTL:   settings.TypingTTL,
		Logger:      logger,
	}

	maxImageBytes := int64(cfg.ImageMaxSizeMB) * 1024 * 1024
	chatHandler := handler.NewChatHandler(service.NewChatService(deps), validate, maxImageBytes, logger)
	fanChatHandler := handler.NewFanChatHandler(service.NewFanChatService(deps), validate, maxImageBytes, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    int(maxImageBytes) + 1024*1024,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AllowOrigins: cfg.CORSOrigins})

	healthChecks := []handler.DependencyCheck{
		{Name: "postgres", Check: database.PingPostgres(db)},
		{Name: "redis", Check: database.PingRedis(redisClient)},
	}
	if natsConn != nil {
		healthChecks = append(healthChecks, handler.DependencyCheck{Name: "nats", Check: database.PingNATS(natsConn)})
	}

	router.Register(app, cfg, router.Dependencies{
		ChatHandler:    chatHandler,
		FanChatHandler: fanChatHandler,
		JWTMiddleware:  middleware.JWTProtected(cfg.JWTSecret),
		RequestsPerMin: 240,
		HealthChecks:   healthChecks,
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, bus, logger)
}

func waitForShutdown(app *fiber.App, bus service.EventBus, logger zerolog.Logger) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if err := bus.Close(); err != nil {
		logger.Error().Err(err).Msg("event bus close failed")
	}

	logger.Info().Msg("server stopped")
}
