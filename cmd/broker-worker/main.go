// Command broker-worker consumes the broker's central subscription, serves a
// health endpoint and optionally archives dead-lettered messages.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	"github.com/illmade-knight/go-messagebroker/pkg/archive"
	"github.com/illmade-knight/go-messagebroker/pkg/cache"
	"github.com/illmade-knight/go-messagebroker/pkg/command"
	"github.com/illmade-knight/go-messagebroker/pkg/config"
	"github.com/illmade-knight/go-messagebroker/pkg/messagebroker"
	"github.com/illmade-knight/go-messagebroker/pkg/microservice"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

const shutdownTimeout = 30 * time.Second

type workerConfig struct {
	microservice.BaseConfig
	ConfigPath          string
	DotEnvPath          string
	SubscriptionRole    string
	ReplyTopic          string
	Dedup               string
	RedisAddr           string
	ClaimsCollection    string
	ArchiveBucket       string
	ArchivePrefix       string
	ArchiveSubscription string
}

func parseFlags() *workerConfig {
	cfg := &workerConfig{}
	flag.StringVar(&cfg.LogLevel, "log-level", envOr("LOG_LEVEL", "info"), "zerolog level")
	flag.StringVar(&cfg.HTTPPort, "http-port", envOr("HTTP_PORT", ":8080"), "health endpoint address")
	flag.StringVar(&cfg.ServiceName, "service-name", "broker-worker", "service name used in logs")
	flag.StringVar(&cfg.ConfigPath, "config", "config/message_broker.yml", "YAML file with a message_broker section")
	flag.StringVar(&cfg.DotEnvPath, "dotenv", ".env", "dotenv file with BROKER_* keys")
	flag.StringVar(&cfg.SubscriptionRole, "subscription", "central", "subscription role, resolved through the subscriptions map")
	flag.StringVar(&cfg.ReplyTopic, "reply-topic", "", "topic that receives pong events for ping commands")
	flag.StringVar(&cfg.Dedup, "dedup", "memory", "redelivery deduplication: none, memory, redis or firestore")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", envOr("REDIS_ADDR", "localhost:6379"), "redis address for -dedup=redis")
	flag.StringVar(&cfg.ClaimsCollection, "claims-collection", "message-claims", "firestore collection for -dedup=firestore")
	flag.StringVar(&cfg.ArchiveBucket, "archive-bucket", "", "GCS bucket for dead-lettered messages; empty disables archiving")
	flag.StringVar(&cfg.ArchivePrefix, "archive-prefix", "dead-letters", "object prefix for archived messages")
	flag.StringVar(&cfg.ArchiveSubscription, "archive-subscription", "dead_letter_archive", "subscription on the dead-letter topic")
	flag.Parse()
	return cfg
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func setupLogger(cfg *workerConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.ServiceName).Logger()
	if config.ResolveEnvironment("") == config.Development {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger
}

func main() {
	cfg := parseFlags()
	logger := setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("broker-worker failed")
	}
	logger.Info().Msg("broker-worker shut down cleanly")
}

func run(ctx context.Context, cfg *workerConfig, logger zerolog.Logger) error {
	brokerCfg, err := config.Load(logger,
		config.YAMLFile(cfg.ConfigPath),
		config.DotEnvFile(cfg.DotEnvPath, config.DefaultEnvPrefix),
		config.Environ(config.DefaultEnvPrefix),
	)
	if err != nil {
		return err
	}

	server := microservice.NewBaseServer(logger, cfg.HTTPPort)
	if err := server.Start(); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if !brokerCfg.Enabled {
		logger.Warn().Str("source", brokerCfg.Source).Msg("Message broker disabled, serving health checks only")
		<-ctx.Done()
		return nil
	}

	var clientOpts []option.ClientOption
	if brokerCfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(brokerCfg.CredentialsFile))
	}

	// Opened before the broker so that it is closed after the subscription stops.
	store, err := newClaimStore(ctx, cfg, brokerCfg, clientOpts, logger)
	if err != nil {
		return err
	}
	if store != nil {
		defer func() { _ = store.Close() }()
	}

	pubsubClient, err := messagebroker.NewGoogleClient(ctx, brokerCfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = pubsubClient.Close() }()

	transport, err := messagebroker.NewGoogleTransport(pubsubClient, logger)
	if err != nil {
		return err
	}
	broker, err := messagebroker.NewBroker(brokerCfg, transport, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := broker.Close(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error closing broker")
		}
	}()

	subscriptionName, ok := brokerCfg.SubscriptionName(cfg.SubscriptionRole)
	if !ok {
		subscriptionName = cfg.SubscriptionRole
	}
	sub := broker.GetSubscription(subscriptionName)
	server.RegisterHealthCheck("subscription", sub.Ready)

	if store != nil {
		sub.Use(messagebroker.Deduplicate(store, logger))
	}

	registerHandlers(sub, broker, cfg, logger)

	if err := sub.Start(ctx, messagebroker.ListenOptions{}); err != nil {
		return err
	}

	if cfg.ArchiveBucket != "" {
		archiver, closeStorage, err := newArchiver(ctx, cfg, broker, clientOpts, logger)
		if err != nil {
			return err
		}
		defer closeStorage()
		server.RegisterHealthCheck("archiver", archiver.Ready)
		if err := archiver.Start(ctx, messagebroker.ListenOptions{}); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = archiver.Stop(shutdownCtx)
		}()
	}

	logger.Info().Str("subscription_name", sub.Name()).Msg("broker-worker running")
	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received")
	return nil
}

// registerHandlers binds the worker's event handlers. ping replies with a pong
// event when a reply topic is configured.
func registerHandlers(sub *messagebroker.Subscription, broker *messagebroker.Broker, cfg *workerConfig, logger zerolog.Logger) {
	sub.RegisterCallback("ping", func(ctx context.Context, msg *messagebroker.Message) (any, error) {
		var result any
		err := command.Run(ctx, "ping", logger, func(ctx context.Context) error {
			result = map[string]any{"pong": true, "msg_id": msg.ID()}
			if cfg.ReplyTopic == "" {
				return nil
			}
			publishResult, err := broker.GetTopic(cfg.ReplyTopic).Publish(ctx, "pong", map[string]any{
				"ping_id":     msg.ID(),
				"received_at": time.Now().UTC().Format(time.RFC3339),
			})
			if err != nil {
				return err
			}
			_, err = publishResult.Get(ctx)
			return err
		})
		return result, err
	})
}

func newClaimStore(ctx context.Context, cfg *workerConfig, brokerCfg *config.BrokerConfig, opts []option.ClientOption, logger zerolog.Logger) (cache.ClaimStore, error) {
	switch cfg.Dedup {
	case "", "none":
		return nil, nil
	case "memory":
		return cache.NewInMemoryClaimStore(cache.DefaultClaimTTL), nil
	case "redis":
		return cache.NewRedisClaimStore(ctx, &cache.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  os.Getenv("REDIS_PASSWORD"),
			KeyPrefix: "claims:",
		}, logger)
	case "firestore":
		client, err := firestore.NewClient(ctx, brokerCfg.ProjectID, opts...)
		if err != nil {
			return nil, fmt.Errorf("firestore.NewClient: %w", err)
		}
		store, err := cache.NewFirestoreClaimStore(client, cfg.ClaimsCollection, cache.DefaultClaimTTL)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &firestoreClaimStore{FirestoreClaimStore: store, client: client}, nil
	default:
		return nil, fmt.Errorf("unknown dedup backend %q", cfg.Dedup)
	}
}

// firestoreClaimStore closes the Firestore client the worker created for it.
type firestoreClaimStore struct {
	*cache.FirestoreClaimStore
	client *firestore.Client
}

func (s *firestoreClaimStore) Close() error {
	return errors.Join(s.FirestoreClaimStore.Close(), s.client.Close())
}

func newArchiver(ctx context.Context, cfg *workerConfig, broker *messagebroker.Broker, opts []option.ClientOption, logger zerolog.Logger) (*archive.DeadLetterArchiver, func(), error) {
	storageClient, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	archiver, err := archive.NewDeadLetterArchiver(
		broker.SubscriptionHandle(cfg.ArchiveSubscription),
		archive.NewGCSClientAdapter(storageClient),
		archive.Config{BucketName: cfg.ArchiveBucket, ObjectPrefix: cfg.ArchivePrefix},
		logger,
	)
	if err != nil {
		_ = storageClient.Close()
		return nil, nil, err
	}
	return archiver, func() { _ = storageClient.Close() }, nil
}
