// Package generator calls the Gemini generative language API.
package generator

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/api/generativelanguage/v1beta"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/repvault/ai-backend/internal/apierr"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = "gemini-2.0-flash"
	// DefaultEndpoint is the public Gemini API root.
	DefaultEndpoint = "https://generativelanguage.googleapis.com/"
)

// KeySource supplies the provider API key. Invalidate is called when the
// provider rejects the key.
type KeySource interface {
	Get(ctx context.Context) (string, error)
	Invalidate()
}

// Client generates text for a single prompt.
type Client struct {
	keys     KeySource
	model    string
	endpoint string
	logger   *zap.Logger
}

// New creates a Client.
func New(keys KeySource, model, endpoint string, logger *zap.Logger) *Client {
	if model == "" {
		model = DefaultModel
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{keys: keys, model: model, endpoint: endpoint, logger: logger.Named("generator")}
}

// Generate sends prompt to the model and returns the first candidate's text
// with any markdown code fence removed.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	key, err := c.keys.Get(ctx)
	if err != nil {
		return "", apierr.Internal(err)
	}

	svc, err := generativelanguage.NewService(ctx,
		option.WithAPIKey(key),
		option.WithEndpoint(c.endpoint))
	if err != nil {
		return "", apierr.Internal(err)
	}

	resp, err := svc.Models.GenerateContent("models/"+c.model, &generativelanguage.GenerateContentRequest{
		Contents: []*generativelanguage.Content{{
			Parts: []*generativelanguage.Part{{Text: prompt}},
		}},
	}).Context(ctx).Do()
	if err != nil {
		if isKeyRejected(err) {
			c.keys.Invalidate()
		}
		c.logger.Warn("generate content failed", zap.String("model", c.model), zap.Error(err))
		return "", apierr.Provider("Gemini API error.", err)
	}

	text := CleanOutput(candidateText(resp))
	if text == "" {
		return "", apierr.Provider("Gemini returned no content.", nil)
	}
	return text, nil
}

func candidateText(resp *generativelanguage.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	content := resp.Candidates[0].Content
	if content == nil || len(content.Parts) == 0 {
		return ""
	}
	return content.Parts[0].Text
}

func isKeyRejected(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	switch gerr.Code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return true
	case http.StatusBadRequest:
		return strings.Contains(gerr.Message, "API key") || strings.Contains(gerr.Body, "API_KEY_INVALID")
	}
	return false
}

var (
	openFence = regexp.MustCompile("(?i)```(json)?")
	anyFence  = regexp.MustCompile("```")
)

// CleanOutput strips the first fence marker, optionally tagged json, then
// any remaining fence markers, and trims surrounding whitespace.
func CleanOutput(text string) string {
	loc := openFence.FindStringIndex(text)
	if loc != nil {
		text = text[:loc[0]] + text[loc[1]:]
	}
	return strings.TrimSpace(anyFence.ReplaceAllString(text, ""))
}
