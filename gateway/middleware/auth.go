package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// AuthConfig secures operator routes with HS256 bearer tokens. Issuer and
// Audience are enforced when set; exp is always required.
type AuthConfig struct {
	Enabled    bool
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

type contextKey string

const (
	ContextKeySubject contextKey = "referrald.subject"
	ContextKeyScopes  contextKey = "referrald.scopes"
)

// scopeList accepts both the space separated OAuth form and a JSON array.
type scopeList []string

func (s *scopeList) UnmarshalJSON(data []byte) error {
	var joined string
	if err := json.Unmarshal(data, &joined); err == nil {
		*s = strings.Fields(joined)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return errors.New("scope must be a string or array of strings")
	}
	*s = list
	return nil
}

type operatorClaims struct {
	jwt.RegisteredClaims
	Scope scopeList `json:"scope"`
}

// Authenticator validates operator bearer tokens.
type Authenticator struct {
	enabled bool
	secret  []byte
	parser  *jwt.Parser
	logger  *slog.Logger
}

func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(skew),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Authenticator{
		enabled: cfg.Enabled,
		secret:  []byte(strings.TrimSpace(cfg.HMACSecret)),
		parser:  jwt.NewParser(opts...),
		logger:  logger.With("component", "auth"),
	}
}

// Middleware rejects requests without a valid token carrying every required scope.
func (a *Authenticator) Middleware(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.enabled {
				next.ServeHTTP(w, r)
				return
			}
			raw := extractBearer(r.Header.Get("Authorization"))
			if raw == "" {
				WriteError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token", false)
				return
			}
			claims, err := a.verify(raw)
			if err != nil {
				a.logger.Warn("operator token rejected", "error", err, "path", r.URL.Path)
				WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid token", false)
				return
			}
			for _, scope := range requiredScopes {
				if !slices.Contains(claims.Scope, scope) {
					WriteError(w, http.StatusForbidden, "forbidden", "insufficient scope", false)
					return
				}
			}
			ctx := context.WithValue(r.Context(), ContextKeySubject, claims.Subject)
			ctx = context.WithValue(ctx, ContextKeyScopes, []string(claims.Scope))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Subject returns the authenticated token subject, if any.
func Subject(ctx context.Context) string {
	subject, _ := ctx.Value(ContextKeySubject).(string)
	return subject
}

func (a *Authenticator) verify(raw string) (*operatorClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	claims := &operatorClaims{}
	if _, err := a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		return nil, err
	}
	return claims, nil
}

func extractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
