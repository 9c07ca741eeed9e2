package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"gorm.io/gorm"

	"teamsbridge/config"
	"teamsbridge/internal/adapters/graph"
	"teamsbridge/internal/archive"
	"teamsbridge/internal/db"
	"teamsbridge/internal/events"
	"teamsbridge/internal/models"
	"teamsbridge/internal/repository"
	"teamsbridge/internal/services"
	"teamsbridge/pkg/logger"
)

// app is the wired application shared by every command.
type app struct {
	cfg       *config.Config
	store     *repository.Store
	tokens    *services.TokenProvider
	graph     *graph.Client
	auth      *services.AuthService
	identity  *services.IdentityResolver
	documents *services.DocumentService
	chats     *services.ConversationSyncService
	meetings  *services.MeetingSyncService
	messages  *services.MessageSyncService
	stats     *services.StatsService
	events    *events.Manager
	archiver  *archive.S3Archiver

	close func()
}

// bootstrap loads configuration, opens the database and builds the services.
// withEvents starts the event delivery manager; one-shot commands leave it off.
func bootstrap(c *cli.Context, withEvents bool) (*app, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	logger.InitLogger(cfg.LogLevel, cfg.LogFormat)
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	loc, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid default timezone: %w", err)
	}
	kinds, err := models.NewKindAllowList(cfg.EnabledDocumentTypes)
	if err != nil {
		return nil, err
	}

	log.Info().Msg("Initializing database...")
	gdb, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	closeDB := func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	}
	if err := db.Migrate(gdb, models.All()...); err != nil {
		closeDB()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	a := &app{cfg: cfg, close: closeDB}
	if err := a.wire(c.Context, gdb, kinds, loc, withEvents); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, gdb *gorm.DB, kinds models.KindAllowList, loc *time.Location, withEvents bool) error {
	cfg := a.cfg
	var err error

	if a.store, err = repository.NewStore(gdb); err != nil {
		return err
	}

	// Client settings from the environment seed the stored registration.
	seed := repository.ClientConfig{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TenantID:     cfg.TenantID,
		RedirectURI:  cfg.RedirectURI,
	}
	if seed != (repository.ClientConfig{}) {
		if err := a.store.SaveClientConfig(ctx, seed); err != nil {
			return fmt.Errorf("failed to store client configuration: %w", err)
		}
	}

	if a.tokens, err = services.NewTokenProvider(a.store, cfg.AuthorityURL, cfg.RequestTimeout); err != nil {
		return err
	}
	a.graph, err = graph.NewClient(cfg.GraphBaseURL, a.tokens, graph.Options{
		Timeout:   cfg.RequestTimeout,
		RateLimit: cfg.GraphRateLimit,
		Burst:     cfg.GraphRateBurst,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize Graph client: %w", err)
	}

	var publisher services.Publisher
	if withEvents {
		a.events, err = events.NewManager(events.Options{
			WebhookURL: cfg.WebhookURL,
			Rabbit: events.RabbitOptions{
				URL:            cfg.RabbitMQURL,
				Queue:          cfg.RabbitMQQueue,
				QueuePrefix:    cfg.RabbitMQQueuePrefix,
				SpecificEvents: cfg.AMQPSpecificEvents,
			},
		})
		if err != nil {
			return fmt.Errorf("failed to initialize event delivery: %w", err)
		}
		publisher = a.events
	}

	if cfg.S3Enabled {
		a.archiver, err = archive.NewS3Archiver(archive.Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PathStyle: cfg.S3PathStyle,
			PublicURL: cfg.S3PublicURL,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize S3 archiver: %w", err)
		}
	}

	if a.identity, err = services.NewIdentityResolver(a.store, a.graph, publisher); err != nil {
		return err
	}
	if a.auth, err = services.NewAuthService(a.store, a.tokens, a.graph, publisher); err != nil {
		return err
	}
	if a.documents, err = services.NewDocumentService(a.store, kinds, loc); err != nil {
		return err
	}
	if a.chats, err = services.NewConversationSyncService(a.store, a.graph, a.identity, a.auth, kinds, publisher); err != nil {
		return err
	}
	if a.meetings, err = services.NewMeetingSyncService(a.store, a.graph, a.identity, a.auth, kinds, loc, publisher); err != nil {
		return err
	}
	if a.messages, err = services.NewMessageSyncService(a.store, a.graph, a.auth, publisher); err != nil {
		return err
	}
	var archiver services.Archiver
	if a.archiver != nil {
		archiver = a.archiver
	}
	if a.stats, err = services.NewStatsService(a.store, archiver); err != nil {
		return err
	}

	log.Info().Msg("Services initialized")
	return nil
}

// Close stops event delivery and closes the database.
func (a *app) Close() {
	if a.events != nil {
		a.events.Stop()
	}
	if a.close != nil {
		a.close()
	}
}
