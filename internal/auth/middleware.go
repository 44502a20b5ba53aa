package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/otpauth/otpauth-api/internal/httputil"
	"github.com/otpauth/otpauth-api/internal/logging"
)

var (
	ErrMissingAuth         = errors.New("missing authentication")
	ErrAuthHeaderMalformed = errors.New("invalid authorization header format")
)

// ContextKey is a type for context keys to avoid collisions
type ContextKey string

const UserEmailContextKey ContextKey = "user_email"

// Middleware handles authentication for protected routes
type Middleware struct {
	tokens *TokenIssuer
}

func NewMiddleware(tokens *TokenIssuer) *Middleware {
	return &Middleware{tokens: tokens}
}

// RequireAuth is a middleware that validates the access token
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := logging.GetLoggerFromContext(r.Context())

		token, err := bearerToken(r)
		if err != nil {
			logger.Warn("rejected request without bearer token", "error", err.Error())
			respondTokenError(w, err)
			return
		}

		email, err := m.tokens.Verify(token, TokenTypeAccess)
		if err != nil {
			logger.Warn("rejected access token", "error", err.Error())
			respondTokenError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), UserEmailContextKey, email)
		ctx = logging.WithLogger(ctx, logger.WithFields(map[string]any{"subject": email}))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserEmailFromContext extracts the authenticated email from the request context
func GetUserEmailFromContext(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(UserEmailContextKey).(string)
	return email, ok
}

// bearerToken returns the token from an "Authorization: Bearer <token>" header
func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ErrMissingAuth
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", ErrAuthHeaderMalformed
	}

	return parts[1], nil
}

// respondTokenError maps authentication failures to 401 responses
func respondTokenError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrMissingAuth):
		httputil.RespondErrorWithCode(w, "missing authentication", httputil.CodeMissingAuth, http.StatusUnauthorized)
	case errors.Is(err, ErrAuthHeaderMalformed):
		httputil.RespondErrorWithCode(w, "invalid authorization header format", httputil.CodeInvalidAuthHeader, http.StatusUnauthorized)
	case errors.Is(err, ErrExpiredToken):
		httputil.RespondErrorWithCode(w, "token has expired", httputil.CodeTokenExpired, http.StatusUnauthorized)
	case errors.Is(err, ErrTokenTypeMismatch):
		httputil.RespondErrorWithCode(w, "wrong token type", httputil.CodeTokenTypeMismatch, http.StatusUnauthorized)
	default:
		httputil.RespondErrorWithCode(w, "invalid token", httputil.CodeInvalidToken, http.StatusUnauthorized)
	}
}
