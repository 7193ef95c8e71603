// Package handler provides the API Gateway handler for the generation backend.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/repvault/ai-backend/internal/apierr"
	"github.com/repvault/ai-backend/internal/domain"
	"github.com/repvault/ai-backend/internal/identity"
)

// Telemetry actions carried in the request body.
const (
	ActionReportMigrationStatus = "reportMigrationStatus"
	ActionGetMigrationStats     = "getMigrationStats"
)

// GenerationType selects what the model is asked to produce.
type GenerationType string

const (
	WorkoutTemplate GenerationType = "workout_template"
	WorkoutInsights GenerationType = "workout_insights"
)

// Resolver derives the caller identity.
type Resolver interface {
	Resolve(ctx context.Context, claims identity.Claims, callerID string) (domain.Identity, error)
}

// Quota spends one unit of an identity's request allowance.
type Quota interface {
	CheckAndConsume(ctx context.Context, id string, tier domain.Tier) error
}

// Ingestor records migration status reports.
type Ingestor interface {
	Ingest(ctx context.Context, claims identity.Claims, fields map[string]any) error
}

// Aggregator answers migration statistics queries.
type Aggregator interface {
	Stats(ctx context.Context, claims identity.Claims, fields map[string]any) (domain.MigrationStats, error)
}

// Generator produces model output for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Deps are the collaborators of a Handler.
type Deps struct {
	Resolver   Resolver
	Quota      Quota
	Ingestor   Ingestor
	Aggregator Aggregator
	Generator  Generator
	Logger     *zap.Logger
}

// Handler serves one API Gateway proxy request per call. It holds no
// per-request state.
type Handler struct {
	deps   Deps
	logger *zap.Logger
}

// New creates a Handler.
func New(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{deps: deps, logger: logger.Named("handler")}
}

// requestSummary is logged once per generation request.
type requestSummary struct {
	userID         string
	generationType GenerationType
	schemaVersion  *float64
}

// Handle processes a request. Failures are returned as error envelopes with
// the matching status code, never as a Go error.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	body, err := parseBody(req)
	if err != nil {
		return errorResponse(err), nil
	}

	claims := claimsFromRequest(req)
	if action, _ := body["action"].(string); action != "" {
		if resp, ok := h.handleTelemetry(ctx, action, claims, body); ok {
			return resp, nil
		}
	}

	summary := requestSummary{userID: "unknown", generationType: WorkoutTemplate}
	status, shape, out, err := h.generate(ctx, claims, body, &summary)
	if err != nil {
		apiErr := apierr.From(err)
		if apiErr.Code == apierr.CodeInternal {
			h.logger.Error("unhandled error", zap.Error(err))
		}
		h.logSummary(summary, apiErr.Status, "error")
		return errorResponse(apiErr), nil
	}
	h.logSummary(summary, status, shape)
	return jsonResponse(status, map[string]any{"output": out}), nil
}

func (h *Handler) handleTelemetry(ctx context.Context, action string, claims identity.Claims, body map[string]any) (events.APIGatewayProxyResponse, bool) {
	var (
		payload any
		err     error
	)
	switch action {
	case ActionReportMigrationStatus:
		err = h.deps.Ingestor.Ingest(ctx, claims, body)
		payload = map[string]bool{"ok": true}
	case ActionGetMigrationStats:
		payload, err = h.deps.Aggregator.Stats(ctx, claims, body)
	default:
		return events.APIGatewayProxyResponse{}, false
	}

	if err != nil {
		if apierr.From(err).Code == apierr.CodeInternal {
			h.logger.Error("telemetry_action_failed", zap.String("action", action), zap.Error(err))
		}
		return errorResponse(err), true
	}
	return jsonResponse(http.StatusOK, payload), true
}

func (h *Handler) generate(ctx context.Context, claims identity.Claims, body map[string]any, summary *requestSummary) (int, string, any, error) {
	genType, err := generationType(body)
	if err != nil {
		return 0, "", nil, err
	}
	summary.generationType = genType

	prompt, _ := body["prompt"].(string)
	if strings.TrimSpace(prompt) == "" {
		return 0, "", nil, apierr.InvalidInput("Missing required field: prompt.")
	}

	callerID, _ := body["userId"].(string)
	ident, err := h.deps.Resolver.Resolve(ctx, claims, callerID)
	if err != nil {
		return 0, "", nil, err
	}
	h.logger.Info("user_context_resolved",
		zap.String("userId", ident.ID),
		zap.String("tier", string(ident.Tier)),
		zap.String("tierSource", string(ident.TierSource)))

	var payload map[string]any
	if genType == WorkoutInsights {
		var ok bool
		if payload, ok = body["payload"].(map[string]any); !ok {
			return 0, "", nil, apierr.New(http.StatusBadRequest, apierr.CodeInvalidPayload, "payload is required for workout_insights.")
		}
		if v, ok := payload["schemaVersion"].(float64); ok {
			summary.schemaVersion = &v
		}
	}
	summary.userID = ident.ID

	if err := h.deps.Quota.CheckAndConsume(ctx, ident.ID, ident.Tier); err != nil {
		return 0, "", nil, err
	}

	if genType == WorkoutInsights {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, "", nil, apierr.Internal(err)
		}
		text, err := h.deps.Generator.Generate(ctx, prompt+"\n\nPayload:\n"+string(encoded))
		if err != nil {
			return 0, "", nil, err
		}
		return http.StatusOK, "insights_object", map[string]any{"insights": decodeOutput(text)}, nil
	}

	text, err := h.deps.Generator.Generate(ctx, prompt)
	if err != nil {
		return 0, "", nil, err
	}
	var template []json.RawMessage
	if err := json.Unmarshal([]byte(text), &template); err != nil {
		return 0, "", nil, apierr.Provider("Error parsing Gemini response JSON.", err)
	}
	return http.StatusOK, "exercise_template_array", template, nil
}

func generationType(body map[string]any) (GenerationType, error) {
	raw, present := body["generationType"]
	if !present || raw == nil {
		return WorkoutTemplate, nil
	}
	switch s, _ := raw.(string); GenerationType(s) {
	case WorkoutTemplate, WorkoutInsights:
		return GenerationType(s), nil
	}
	return "", apierr.New(http.StatusBadRequest, apierr.CodeInvalidGenerationType,
		"generationType must be workout_template or workout_insights.")
}

// decodeOutput returns text as raw JSON when it parses, otherwise as a string.
func decodeOutput(text string) any {
	if json.Valid([]byte(text)) {
		return json.RawMessage(text)
	}
	return text
}

func (h *Handler) logSummary(s requestSummary, status int, shape string) {
	fields := []zap.Field{
		zap.String("userId", s.userID),
		zap.String("generationType", string(s.generationType)),
		zap.Int("statusCode", status),
		zap.String("outputShape", shape),
	}
	if s.schemaVersion != nil {
		fields = append(fields, zap.Float64("schemaVersion", *s.schemaVersion))
	}
	h.logger.Info("generate_request", fields...)
}

func parseBody(req events.APIGatewayProxyRequest) (map[string]any, error) {
	raw := req.Body
	if raw == "" {
		return map[string]any{}, nil
	}
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, invalidJSON()
		}
		raw = string(decoded)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return nil, invalidJSON()
	}
	if body == nil {
		body = map[string]any{}
	}
	return body, nil
}

func invalidJSON() error {
	return apierr.New(http.StatusBadRequest, apierr.CodeInvalidJSON, "Request body must be valid JSON.")
}

// claimsFromRequest reads authorizer claims in the HTTP API (jwt.claims) or
// REST API (claims) shape.
func claimsFromRequest(req events.APIGatewayProxyRequest) identity.Claims {
	authorizer := req.RequestContext.Authorizer
	if authorizer == nil {
		return nil
	}
	if jwt, ok := authorizer["jwt"].(map[string]any); ok {
		if claims, ok := jwt["claims"].(map[string]any); ok {
			return claims
		}
	}
	if claims, ok := authorizer["claims"].(map[string]any); ok {
		return claims
	}
	return nil
}

type errorBody struct {
	OK    bool        `json:"ok"`
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    apierr.Code       `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func errorResponse(err error) events.APIGatewayProxyResponse {
	apiErr := apierr.From(err)
	return jsonResponse(apiErr.Status, errorBody{
		Error: errorDetail{Code: apiErr.Code, Message: apiErr.Message, Details: apiErr.Details},
	})
}

func jsonResponse(status int, payload any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"ok":false,"error":{"code":"INTERNAL_ERROR","message":"An unexpected internal error occurred."}}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}
