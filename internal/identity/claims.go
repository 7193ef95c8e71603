package identity

import (
	"encoding/json"
	"strings"

	"github.com/repvault/ai-backend/internal/domain"
)

// Claims are the trusted claims attached to a request by the API Gateway
// authorizer. A nil Claims means the request is unauthenticated.
type Claims map[string]any

// Extractor reads one optional typed value out of Claims.
type Extractor[T any] struct {
	Name    string
	Extract func(Claims) (T, bool)
}

// FirstMatch evaluates extractors in order and returns the first value found
// along with the extractor name.
func FirstMatch[T any](claims Claims, extractors []Extractor[T]) (T, string, bool) {
	var zero T
	if claims == nil {
		return zero, "", false
	}
	for _, e := range extractors {
		if v, ok := e.Extract(claims); ok {
			return v, e.Name, true
		}
	}
	return zero, "", false
}

// SubjectExtractors locate the caller id, highest priority first.
var SubjectExtractors = []Extractor[string]{
	stringClaim("sub"),
	stringClaim("cognito:username"),
	stringClaim("username"),
	stringClaim("user_id"),
}

// TierExtractors locate an entitlement tier claim, highest priority first.
var TierExtractors = []Extractor[domain.Tier]{
	tierClaim("custom:tier"),
	tierClaim("tier"),
	tierClaim("plan"),
	tierClaim("custom:plan"),
	tierClaim("isPremium"),
	tierClaim("custom:isPremium"),
}

// AdminExtractors report a positive administrator signal.
var AdminExtractors = []Extractor[bool]{
	{Name: "cognito:groups", Extract: adminGroup},
	adminFlag("custom:role"),
	adminFlag("role"),
	adminFlag("isAdmin"),
	adminFlag("custom:isAdmin"),
}

// Subject returns the trimmed caller id from claims.
func Subject(claims Claims) (string, bool) {
	id, _, ok := FirstMatch(claims, SubjectExtractors)
	return id, ok
}

// IsAdmin reports whether claims grant administrator privilege.
func IsAdmin(claims Claims) bool {
	_, _, ok := FirstMatch(claims, AdminExtractors)
	return ok
}

// NormalizeTier maps a tier synonym to a Tier. Strings are compared
// case-insensitively; booleans map true to premium and false to free.
func NormalizeTier(value any) (domain.Tier, bool) {
	switch v := value.(type) {
	case bool:
		if v {
			return domain.TierPremium, true
		}
		return domain.TierFree, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "premium", "pro", "plus", "paid", "gold", "true":
			return domain.TierPremium, true
		case "free", "basic", "false":
			return domain.TierFree, true
		}
	}
	return "", false
}

func stringClaim(key string) Extractor[string] {
	return Extractor[string]{
		Name: key,
		Extract: func(c Claims) (string, bool) {
			s, ok := c[key].(string)
			if !ok {
				return "", false
			}
			s = strings.TrimSpace(s)
			return s, s != ""
		},
	}
}

func tierClaim(key string) Extractor[domain.Tier] {
	return Extractor[domain.Tier]{
		Name: key,
		Extract: func(c Claims) (domain.Tier, bool) {
			return NormalizeTier(c[key])
		},
	}
}

func adminFlag(key string) Extractor[bool] {
	return Extractor[bool]{
		Name: key,
		Extract: func(c Claims) (bool, bool) {
			switch v := c[key].(type) {
			case bool:
				return true, v
			case string:
				switch strings.ToLower(strings.TrimSpace(v)) {
				case "admin", "true", "1", "yes":
					return true, true
				}
			}
			return false, false
		},
	}
}

// adminGroup accepts the group list as a JSON array, a comma or space
// separated string, or the bracketed "[a b]" form HTTP API authorizers emit.
func adminGroup(c Claims) (bool, bool) {
	for _, g := range groups(c["cognito:groups"]) {
		if strings.EqualFold(g, "admin") {
			return true, true
		}
	}
	return false, false
}

func groups(raw any) []string {
	switch v := raw.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, g := range v {
			if s, ok := g.(string); ok {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case []string:
		return v
	case string:
		s := strings.TrimSpace(v)
		if strings.HasPrefix(s, "[\"") {
			var list []string
			if err := json.Unmarshal([]byte(s), &list); err == nil {
				return list
			}
		}
		s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
		return strings.FieldsFunc(s, func(r rune) bool {
			return r == ',' || r == ' '
		})
	}
	return nil
}
