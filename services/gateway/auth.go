package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// ScopeAdmin is required on every admin route.
const ScopeAdmin = "admin"

type contextKey string

const contextKeySubject contextKey = "gateway.subject"

// Authenticator validates HS256 bearer tokens for the admin API.
type Authenticator struct {
	secret   []byte
	issuer   string
	audience string
	skew     time.Duration
	logger   *slog.Logger
}

// NewAuthenticator builds an authenticator from the admin configuration.
func NewAuthenticator(cfg AdminConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		secret:   []byte(strings.TrimSpace(cfg.HMACSecret)),
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		skew:     2 * time.Minute,
		logger:   logger,
	}
}

// Middleware rejects requests lacking a valid token carrying every required
// scope.
func (a *Authenticator) Middleware(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r.Header.Get("Authorization"))
			if raw == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing bearer token", "unauthorized")
				return
			}
			claims, err := a.parseToken(raw)
			if err != nil {
				a.logger.Warn("admin token rejected", "error", err)
				writeJSONError(w, http.StatusUnauthorized, "invalid token", "unauthorized")
				return
			}
			if !hasScopes(extractScopes(claims), requiredScopes) {
				writeJSONError(w, http.StatusForbidden, "insufficient scope", "forbidden")
				return
			}
			subject, _ := claims.GetSubject()
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeySubject, subject)))
		})
	}
}

func (a *Authenticator) parseToken(raw string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.skew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

func extractScopes(claims jwt.MapClaims) []string {
	switch v := claims["scope"].(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func hasScopes(scopes []string, required []string) bool {
	set := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		set[scope] = struct{}{}
	}
	for _, req := range required {
		if _, ok := set[req]; !ok {
			return false
		}
	}
	return true
}

func extractBearer(header string) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// IssueAdminToken signs an admin-scoped token for subject that the
// authenticator built from cfg accepts until ttl elapses.
func IssueAdminToken(cfg AdminConfig, subject string, ttl time.Duration) (string, error) {
	secret := strings.TrimSpace(cfg.HMACSecret)
	if secret == "" {
		return "", errors.New("auth secret not configured")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   subject,
		"scope": ScopeAdmin,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	if iss := strings.TrimSpace(cfg.Issuer); iss != "" {
		claims["iss"] = iss
	}
	if aud := strings.TrimSpace(cfg.Audience); aud != "" {
		claims["aud"] = aud
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
