package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	lambdasdk "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// WarmupSource is the source field value of a scheduled keep-warm event.
	WarmupSource = "warmup"

	// WarmupDelay is how long a warmed instance stays busy so that the
	// asynchronous invocations land on other instances.
	WarmupDelay = 75 * time.Millisecond

	// maxWarmupConcurrency caps self-invocations per warmup event
	maxWarmupConcurrency = 50
)

// WarmupEvent is the payload of a keep-warm event. Concurrency is the
// number of extra instances to start.
type WarmupEvent struct {
	Source      string `json:"source"`
	Concurrency int    `json:"concurrency"`
}

// WarmupResponse is the body returned for a keep-warm event.
type WarmupResponse struct {
	Status          string `json:"status"`
	InstancesWarmed int    `json:"instancesWarmed"`
}

// Invoker is the subset of the Lambda client used for self-invocation.
type Invoker interface {
	Invoke(ctx context.Context, params *lambdasdk.InvokeInput, optFns ...func(*lambdasdk.Options)) (*lambdasdk.InvokeOutput, error)
}

// Warmer answers warmup events and fans out asynchronous self-invocations.
type Warmer struct {
	client       Invoker
	functionName string
	delay        time.Duration
	logger       *zap.Logger
}

// NewWarmer creates a Warmer invoking functionName.
func NewWarmer(client Invoker, functionName string, logger *zap.Logger) *Warmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Warmer{client: client, functionName: functionName, delay: WarmupDelay, logger: logger.Named("warmup")}
}

// IsWarmupEvent decodes event as a keep-warm event. Concurrency is clamped
// to [0, maxWarmupConcurrency].
func IsWarmupEvent(event json.RawMessage) (*WarmupEvent, bool) {
	var eventMap map[string]interface{}
	if err := json.Unmarshal(event, &eventMap); err != nil {
		return nil, false
	}

	source, ok := eventMap["source"].(string)
	if !ok || source != WarmupSource {
		return nil, false
	}

	warmup := &WarmupEvent{Source: source}
	if concurrency, ok := eventMap["concurrency"].(float64); ok && concurrency > 0 {
		warmup.Concurrency = min(int(concurrency), maxWarmupConcurrency)
	}
	return warmup, true
}

// Handle answers a keep-warm event. Failed self-invocations are logged and
// only reduce the reported instance count.
func (w *Warmer) Handle(ctx context.Context, warmup *WarmupEvent) (interface{}, error) {
	instancesWarmed := 1

	if warmup.Concurrency > 0 {
		if err := w.selfInvoke(ctx, warmup.Concurrency); err != nil {
			w.logger.Warn("self invocation failed", zap.Int("concurrency", warmup.Concurrency), zap.Error(err))
		} else {
			instancesWarmed += warmup.Concurrency
		}
	}

	select {
	case <-time.After(w.delay):
	case <-ctx.Done():
	}

	return map[string]interface{}{
		"statusCode": 200,
		"body": WarmupResponse{
			Status:          "warm",
			InstancesWarmed: instancesWarmed,
		},
	}, nil
}

// selfInvoke sends count Event invocations of functionName in parallel and
// returns the first failure.
func (w *Warmer) selfInvoke(ctx context.Context, count int) error {
	if w.client == nil || w.functionName == "" {
		return errors.New("self invocation is not configured")
	}

	// Concurrency 0 keeps the invoked instances from fanning out again.
	payload, err := json.Marshal(WarmupEvent{Source: WarmupSource})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < count; i++ {
		g.Go(func() error {
			_, err := w.client.Invoke(gctx, &lambdasdk.InvokeInput{
				FunctionName:   aws.String(w.functionName),
				InvocationType: types.InvocationTypeEvent,
				Payload:        payload,
			})
			return err
		})
	}
	return g.Wait()
}
