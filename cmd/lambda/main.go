// Package main is the entry point for the AI generation Lambda function.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	lambdasdk "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/repvault/ai-backend/internal/config"
	"github.com/repvault/ai-backend/internal/generator"
	"github.com/repvault/ai-backend/internal/handler"
	"github.com/repvault/ai-backend/internal/identity"
	"github.com/repvault/ai-backend/internal/logging"
	"github.com/repvault/ai-backend/internal/quota"
	"github.com/repvault/ai-backend/internal/secrets"
	"github.com/repvault/ai-backend/internal/store/dynamo"
	"github.com/repvault/ai-backend/internal/store/memstore"
	"github.com/repvault/ai-backend/internal/store/redisstore"
	"github.com/repvault/ai-backend/internal/telemetry"
)

// function holds everything built once per process and reused across
// invocations.
type function struct {
	handler *handler.Handler
	warmer  *Warmer
	logger  *zap.Logger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Console: cfg.IsDevelopment()})
	defer func() { _ = logger.Sync() }()

	fn, err := newFunction(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise function", zap.Error(err))
	}

	lambda.Start(fn.handleRequest)
}

func newFunction(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*function, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	deps, err := buildStores(cfg, awsCfg)
	if err != nil {
		return nil, err
	}

	clock := quartz.NewReal()
	keys := secrets.NewKeyCache(secretsmanager.NewFromConfig(awsCfg), secrets.Options{
		SecretID: cfg.Gemini.SecretID,
		Field:    cfg.Gemini.SecretKey,
		TTL:      cfg.Gemini.SecretCacheTTL,
		Clock:    clock,
		Logger:   logger,
	})

	h := handler.New(handler.Deps{
		Resolver: identity.NewResolver(deps.profiles, cfg.Auth.RequireTrustedIdentity, logger),
		Quota: quota.NewLedger(deps.usage, quota.Limits{
			Window:  cfg.RateLimit.Window,
			Free:    cfg.RateLimit.FreeLimit,
			Premium: cfg.RateLimit.PremiumLimit,
		}, clock, logger),
		Ingestor:   telemetry.NewIngestor(deps.migration, cfg.Telemetry.TTLDays, logger),
		Aggregator: telemetry.NewAggregator(deps.migration, clock, logger),
		Generator:  generator.New(keys, cfg.Gemini.Model, cfg.Gemini.Endpoint, logger),
		Logger:     logger,
	})

	warmer := NewWarmer(lambdasdk.NewFromConfig(awsCfg), os.Getenv("AWS_LAMBDA_FUNCTION_NAME"), logger)
	return &function{handler: h, warmer: warmer, logger: logger}, nil
}

// migrationStore is implemented by every migration status backend.
type migrationStore interface {
	telemetry.Writer
	telemetry.Scanner
}

type stores struct {
	usage     quota.Store
	profiles  identity.ProfileStore
	migration migrationStore
}

func buildStores(cfg *config.Config, awsCfg aws.Config) (stores, error) {
	if cfg.UsageStore.Backend == config.BackendMemory {
		mem := memstore.New()
		return stores{usage: mem, profiles: mem, migration: mem}, nil
	}

	client := dynamo.NewClient(awsCfg)
	s := stores{
		usage:     dynamo.NewUsageStore(client, cfg.Tables.UserUsage),
		profiles:  dynamo.NewProfileStore(client, cfg.Tables.UserProfile),
		migration: dynamo.NewMigrationStore(client, cfg.Tables.MigrationStatus),
	}

	if cfg.UsageStore.Backend == config.BackendRedis {
		rdb, err := redisstore.NewClient(cfg.UsageStore.RedisURL)
		if err != nil {
			return stores{}, err
		}
		s.usage = redisstore.NewUsageStore(rdb, cfg.RateLimit.Window)
	}
	return s, nil
}

func (f *function) handleRequest(ctx context.Context, event json.RawMessage) (interface{}, error) {
	// Keep-warm events are not API Gateway requests and never reach the handler.
	if warmup, ok := IsWarmupEvent(event); ok {
		return f.warmer.Handle(ctx, warmup)
	}

	var req events.APIGatewayProxyRequest
	if err := json.Unmarshal(event, &req); err != nil {
		return nil, fmt.Errorf("failed to decode API Gateway event: %w", err)
	}

	start := time.Now()
	resp, err := f.handler.Handle(ctx, req)
	f.logger.Debug("request handled",
		zap.Int("statusCode", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))
	return resp, err
}
