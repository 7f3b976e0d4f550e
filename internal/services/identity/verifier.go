package identity

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"fathom/internal/config"
	"fathom/internal/services"
)

// Identity is the authenticated caller derived from a bearer token.
type Identity struct {
	UserID string
	Token  string
}

// Verifier validates end-user bearer tokens against the shared JWT secret.
type Verifier struct {
	secret   []byte
	audience string
}

// NewVerifier constructs a verifier from the auth configuration.
func NewVerifier(cfg config.Auth) *Verifier {
	return &Verifier{
		secret:   []byte(strings.TrimSpace(cfg.JWTSecret)),
		audience: strings.TrimSpace(cfg.JWTAudience),
	}
}

// Configured reports whether a JWT secret is present.
func (v *Verifier) Configured() bool {
	return len(v.secret) > 0
}

// Verify validates an HS256 token and returns the caller identity.
func (v *Verifier) Verify(raw string) (*Identity, error) {
	if len(v.secret) == 0 {
		return nil, services.Wrap(services.ErrConfiguration, "identity", "verify", "JWT secret is not configured", nil)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, services.Wrap(services.ErrUnauthorized, "identity", "verify", "Missing or invalid Authorization header", nil)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, services.Wrap(services.ErrUnauthorized, "identity", "verify", "Auth token has expired", err)
		}
		return nil, services.Wrap(services.ErrUnauthorized, "identity", "verify", "Invalid auth token", err)
	}

	userID := subjectClaim(claims)
	if userID == "" {
		return nil, services.Wrap(services.ErrUnauthorized, "identity", "verify", "Invalid auth token", nil)
	}
	return &Identity{UserID: userID, Token: raw}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}

func subjectClaim(claims jwt.MapClaims) string {
	if sub, err := claims.GetSubject(); err == nil && strings.TrimSpace(sub) != "" {
		return strings.TrimSpace(sub)
	}
	if legacy, ok := claims["user_id"].(string); ok {
		return strings.TrimSpace(legacy)
	}
	return ""
}
