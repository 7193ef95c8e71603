// Package secrets caches provider credentials read from AWS Secrets Manager.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/coder/quartz"
	"go.uber.org/zap"
)

// DefaultTTL bounds how long a fetched key is served from memory.
const DefaultTTL = 15 * time.Minute

// ErrKeyNotConfigured is returned when the secret exists but does not carry
// a usable key under the configured field.
var ErrKeyNotConfigured = errors.New("provider api key is not configured correctly")

// API is the subset of the Secrets Manager client used by KeyCache.
type API interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// KeyCache holds one API key for the lifetime of the process. The key is
// fetched lazily, refetched after the TTL, and dropped on Invalidate. Failed
// fetches are not cached.
type KeyCache struct {
	api      API
	secretID string
	field    string
	ttl      time.Duration
	clock    quartz.Clock
	logger   *zap.Logger

	mu        sync.Mutex
	key       string
	expiresAt time.Time
}

// Options configure a KeyCache.
type Options struct {
	SecretID string
	Field    string
	TTL      time.Duration
	Clock    quartz.Clock
	Logger   *zap.Logger
}

// NewKeyCache creates a KeyCache.
func NewKeyCache(api API, opts Options) *KeyCache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &KeyCache{
		api:      api,
		secretID: opts.SecretID,
		field:    opts.Field,
		ttl:      opts.TTL,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("secrets"),
	}
}

// Get returns the cached key, fetching it when absent or expired.
// Concurrent callers share one fetch.
func (c *KeyCache) Get(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.key != "" && c.clock.Now().Before(c.expiresAt) {
		return c.key, nil
	}

	key, err := c.fetch(ctx)
	if err != nil {
		c.key = ""
		return "", err
	}
	c.key = key
	c.expiresAt = c.clock.Now().Add(c.ttl)
	c.logger.Debug("provider key refreshed", zap.String("secretId", maskID(c.secretID)))
	return key, nil
}

// Invalidate drops the cached key so the next Get refetches it.
func (c *KeyCache) Invalidate() {
	c.mu.Lock()
	c.key = ""
	c.mu.Unlock()
	c.logger.Info("provider key invalidated", zap.String("secretId", maskID(c.secretID)))
}

func (c *KeyCache) fetch(ctx context.Context) (string, error) {
	out, err := c.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(c.secretID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", maskID(c.secretID), err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", maskID(c.secretID))
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(*out.SecretString), &fields); err != nil {
		return "", fmt.Errorf("failed to parse secret %s: %w", maskID(c.secretID), err)
	}
	key, _ := fields[c.field].(string)
	if strings.TrimSpace(key) == "" {
		return "", ErrKeyNotConfigured
	}
	return key, nil
}

// maskID keeps only the tail of a secret id for logs.
func maskID(id string) string {
	if len(id) <= 12 {
		return "***"
	}
	return "..." + id[len(id)-8:]
}
