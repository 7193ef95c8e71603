package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	lambdasdk "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/repvault/ai-backend/internal/config"
	"github.com/repvault/ai-backend/internal/handler"
	"github.com/repvault/ai-backend/internal/identity"
	"github.com/repvault/ai-backend/internal/store/dynamo"
	"github.com/repvault/ai-backend/internal/store/memstore"
	"github.com/repvault/ai-backend/internal/store/redisstore"
	"github.com/repvault/ai-backend/internal/telemetry"
)

type fakeInvoker struct {
	mu    sync.Mutex
	calls []*lambdasdk.InvokeInput
	err   error
}

func (f *fakeInvoker) Invoke(_ context.Context, in *lambdasdk.InvokeInput, _ ...func(*lambdasdk.Options)) (*lambdasdk.InvokeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in)
	return &lambdasdk.InvokeOutput{}, f.err
}

func TestIsWarmupEvent(t *testing.T) {
	tests := []struct {
		name            string
		event           string
		wantOK          bool
		wantConcurrency int
	}{
		{"warmup without concurrency", `{"source":"warmup"}`, true, 0},
		{"warmup with concurrency", `{"source":"warmup","concurrency":3}`, true, 3},
		{"concurrency is capped", `{"source":"warmup","concurrency":1000}`, true, maxWarmupConcurrency},
		{"negative concurrency", `{"source":"warmup","concurrency":-2}`, true, 0},
		{"other source", `{"source":"aws.events"}`, false, 0},
		{"api gateway event", `{"body":"{}","httpMethod":"POST"}`, false, 0},
		{"not json", `nope`, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			warmup, ok := IsWarmupEvent(json.RawMessage(tt.event))
			if ok != tt.wantOK {
				t.Fatalf("IsWarmupEvent() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && warmup.Concurrency != tt.wantConcurrency {
				t.Errorf("IsWarmupEvent() concurrency = %d, want %d", warmup.Concurrency, tt.wantConcurrency)
			}
		})
	}
}

func TestWarmerHandle(t *testing.T) {
	invoker := &fakeInvoker{}
	w := NewWarmer(invoker, "ai-backend", nil)
	w.delay = 0

	resp, err := w.Handle(context.Background(), &WarmupEvent{Source: WarmupSource, Concurrency: 3})
	require.NoError(t, err)
	body := resp.(map[string]interface{})["body"].(WarmupResponse)
	assert.Equal(t, WarmupResponse{Status: "warm", InstancesWarmed: 4}, body)

	require.Len(t, invoker.calls, 3)
	for _, call := range invoker.calls {
		assert.Equal(t, "ai-backend", aws.ToString(call.FunctionName))
		assert.Equal(t, types.InvocationTypeEvent, call.InvocationType)
		assert.JSONEq(t, `{"source":"warmup","concurrency":0}`, string(call.Payload))
	}
}

func TestWarmerHandle_InvokeFailure(t *testing.T) {
	invoker := &fakeInvoker{err: errors.New("TooManyRequestsException")}
	w := NewWarmer(invoker, "ai-backend", nil)
	w.delay = 0

	resp, err := w.Handle(context.Background(), &WarmupEvent{Source: WarmupSource, Concurrency: 2})
	require.NoError(t, err)
	body := resp.(map[string]interface{})["body"].(WarmupResponse)
	assert.Equal(t, 1, body.InstancesWarmed)
}

func TestWarmerHandle_NoFunctionName(t *testing.T) {
	invoker := &fakeInvoker{}
	w := NewWarmer(invoker, "", nil)
	w.delay = 0

	resp, err := w.Handle(context.Background(), &WarmupEvent{Source: WarmupSource, Concurrency: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.(map[string]interface{})["body"].(WarmupResponse).InstancesWarmed)
	assert.Empty(t, invoker.calls)
}

func TestHandleRequest(t *testing.T) {
	mem := memstore.New()
	fn := &function{
		handler: handler.New(handler.Deps{
			Resolver:   identity.NewResolver(mem, false, nil),
			Ingestor:   telemetry.NewIngestor(mem, 0, nil),
			Aggregator: telemetry.NewAggregator(mem, nil, nil),
		}),
		warmer: &Warmer{client: &fakeInvoker{}, functionName: "ai-backend"},
		logger: zap.NewNop(),
	}
	ctx := context.Background()

	resp, err := fn.handleRequest(ctx, json.RawMessage(`{"source":"warmup"}`))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.(map[string]interface{})["statusCode"])

	event, err := json.Marshal(events.APIGatewayProxyRequest{
		HTTPMethod: "POST",
		Body:       `{"action":"getMigrationStats"}`,
	})
	require.NoError(t, err)
	resp, err = fn.handleRequest(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, 403, resp.(events.APIGatewayProxyResponse).StatusCode)

	_, err = fn.handleRequest(ctx, json.RawMessage(`[1,2,3]`))
	assert.Error(t, err)
}

func TestBuildStores(t *testing.T) {
	base := config.Config{
		Tables: config.TableConfig{UserUsage: "u", UserProfile: "p", MigrationStatus: "m"},
	}

	cfg := base
	cfg.UsageStore.Backend = config.BackendMemory
	s, err := buildStores(&cfg, aws.Config{Region: "us-east-1"})
	require.NoError(t, err)
	assert.IsType(t, &memstore.Store{}, s.usage)
	assert.Same(t, s.usage, s.profiles)

	cfg = base
	cfg.UsageStore.Backend = config.BackendDynamoDB
	s, err = buildStores(&cfg, aws.Config{Region: "us-east-1"})
	require.NoError(t, err)
	assert.IsType(t, &dynamo.UsageStore{}, s.usage)
	assert.IsType(t, &dynamo.MigrationStore{}, s.migration)

	cfg = base
	cfg.UsageStore = config.UsageStoreConfig{Backend: config.BackendRedis, RedisURL: "redis://localhost:6379/0"}
	s, err = buildStores(&cfg, aws.Config{Region: "us-east-1"})
	require.NoError(t, err)
	assert.IsType(t, &redisstore.UsageStore{}, s.usage)
	assert.IsType(t, &dynamo.ProfileStore{}, s.profiles)

	cfg.UsageStore.RedisURL = "ftp://nope"
	_, err = buildStores(&cfg, aws.Config{Region: "us-east-1"})
	assert.Error(t, err)
}
