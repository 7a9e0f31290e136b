package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/fasciatrack/fasciatrack/pkg/log"
)

// authMiddleware validates the bearer token on every API request and
// checks the resulting email against the admin allowlist. Tokens are
// accepted either as Google-signed ID tokens (Cloud Scheduler) or, when
// an issuer is configured, through the OIDC verifier.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("reqPath", r.URL.Path)))

		if s.bypassAuth {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeJSONError(w, "missing authorization header", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			writeJSONError(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}
		token := parts[1]

		email, err := s.authenticateToken(ctx, token)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "token validation failed", slog.Any("error", err))
			writeJSONError(w, "invalid token", http.StatusUnauthorized)
			return
		}
		if email == "" {
			log.Ctx(ctx).WarnContext(ctx, "no email claim in token")
			writeJSONError(w, "invalid token claims", http.StatusForbidden)
			return
		}

		var allowed bool
		for _, admin := range s.adminEmails {
			if email == admin {
				allowed = true
				break
			}
		}
		if !allowed {
			log.Ctx(ctx).WarnContext(ctx, "unauthorized email", slog.String("email", email))
			writeJSONError(w, "unauthorized email", http.StatusForbidden)
			return
		}

		ctx = context.WithValue(ctx, emailContextKey, email)
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("authEmail", email)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticateToken returns the verified email claim of a bearer token.
func (s *Server) authenticateToken(ctx context.Context, token string) (string, error) {
	payload, idErr := s.tokenValidator(ctx, token, s.oidcAudience)
	if idErr == nil {
		email, _ := payload.Claims["email"].(string)
		return email, nil
	}

	if s.oidcVerifier != nil {
		idToken, err := s.oidcVerifier(ctx, token)
		if err == nil {
			var claims struct {
				Email string `json:"email"`
			}
			if err := idToken.Claims(&claims); err != nil {
				return "", err
			}
			return claims.Email, nil
		}
	}
	return "", idErr
}
