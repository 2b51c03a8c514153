package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JasSra/henchmen/internal/auth"
)

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const (
	// contextKeyAgent holds the verified *auth.AgentClaims for requests on
	// agent-facing routes.
	contextKeyAgent contextKey = iota
)

// AuthenticateAgent validates the Bearer token on agent-facing routes and
// checks that it belongs to the agent addressed by the {id} path
// parameter. A token for a different agent yields 403, everything else
// malformed yields 401.
func AuthenticateAgent(tokens *auth.TokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			agentID, err := uuid.Parse(chi.URLParam(r, "id"))
			if err != nil {
				ErrNotFound(w)
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				ErrUnauthorized(w)
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				ErrUnauthorized(w)
				return
			}

			claims, err := tokens.VerifyAgentToken(parts[1], agentID)
			if err != nil {
				if errors.Is(err, auth.ErrTokenMismatch) {
					ErrForbidden(w)
					return
				}
				ErrUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyAgent, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// using the provided zap logger. Chi's middleware.RequestID is expected to
// run before this middleware so the request ID is available in context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// agentClaimsFromCtx retrieves the claims stored by AuthenticateAgent.
// Returns nil on routes where the middleware did not run.
func agentClaimsFromCtx(ctx context.Context) *auth.AgentClaims {
	claims, _ := ctx.Value(contextKeyAgent).(*auth.AgentClaims)
	return claims
}
