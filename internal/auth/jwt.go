package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/amillerrr/media-pipeline/internal/metrics"
)

// Token configuration
const (
	TokenLifetime = 24 * time.Hour
	TokenIssuer   = "media-pipeline"
)

// Authentication errors
var (
	ErrMissingSecret     = errors.New("jwt secret is required")
	ErrEmptyUsername     = errors.New("username is required")
	ErrMissingAuthHeader = errors.New("authorization header missing")
	ErrInvalidAuthFormat = errors.New("invalid authorization format")
	ErrInvalidToken      = errors.New("invalid or expired token")
)

// Claims identifies the authenticated user of a request.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTService issues and validates HS256 tokens.
type JWTService struct {
	secret []byte
	now    func() time.Time
}

// NewJWTService creates a token service signing with secret.
func NewJWTService(secret []byte) (*JWTService, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	return &JWTService{secret: secret, now: time.Now}, nil
}

// GenerateToken issues a token for username valid for TokenLifetime.
func (s *JWTService) GenerateToken(username string) (string, error) {
	if username == "" {
		return "", ErrEmptyUsername
	}

	now := s.now()
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			Issuer:    TokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenLifetime)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken parses a token and returns its claims.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(TokenIssuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ExtractTokenFromRequest returns the bearer token of the Authorization header.
func ExtractTokenFromRequest(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingAuthHeader
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrInvalidAuthFormat
	}
	return strings.TrimSpace(token), nil
}

type claimsKey struct{}

// SetClaimsInContext attaches claims to ctx.
func SetClaimsInContext(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// GetClaimsFromContext returns the claims attached by a middleware.
func GetClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok && claims != nil
}

// UserID returns the authenticated username, or "" for anonymous requests.
func UserID(ctx context.Context) string {
	if claims, ok := GetClaimsFromContext(ctx); ok {
		return claims.Username
	}
	return ""
}

// Middleware rejects requests without a valid token. Clients that keep
// presenting bad tokens are locked out by rl.
func (s *JWTService) Middleware(rl *RateLimiter) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			ip := GetClientIP(r)
			if rl != nil && rl.IsLimited(ip) {
				metrics.AuthFailures.WithLabelValues("rate_limited").Inc()
				http.Error(w, "Too many failed attempts", http.StatusTooManyRequests)
				return
			}

			tokenString, err := ExtractTokenFromRequest(r)
			if err != nil {
				metrics.AuthFailures.WithLabelValues("missing_token").Inc()
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			claims, err := s.ValidateToken(tokenString)
			if err != nil {
				metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
				if rl != nil {
					rl.RecordFailure(ip)
				}
				http.Error(w, ErrInvalidToken.Error(), http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(SetClaimsInContext(r.Context(), claims)))
		}
	}
}

// OptionalMiddleware attaches claims when a valid token is present and
// otherwise lets the request through anonymously.
func (s *JWTService) OptionalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tokenString, err := ExtractTokenFromRequest(r); err == nil {
			if claims, err := s.ValidateToken(tokenString); err == nil {
				r = r.WithContext(SetClaimsInContext(r.Context(), claims))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Handler adapts Middleware to the http.Handler chain used by routers.
func (s *JWTService) Handler(rl *RateLimiter) func(http.Handler) http.Handler {
	mw := s.Middleware(rl)
	return func(next http.Handler) http.Handler {
		return mw(next.ServeHTTP)
	}
}
