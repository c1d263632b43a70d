package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/meshrelay/dvmcore/internal/app/domain/agent"
	"github.com/meshrelay/dvmcore/internal/app/storage"
	"github.com/meshrelay/dvmcore/pkg/logger"
)

// publicPaths never require a bearer token.
var publicPaths = map[string]struct{}{
	"/api/auth/register":      {},
	"/.well-known/nostr.json": {},
	"/healthz":                {},
}

type ctxKey string

const (
	ctxAgentKey ctxKey = "httpapi.agent"
	ctxRoleKey  ctxKey = "httpapi.role"
)

var adminPrefixes = []string{"/admin"}

func isAdminPath(path string) bool {
	for _, p := range adminPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func roleFromContext(ctx context.Context) string {
	role, _ := ctx.Value(ctxRoleKey).(string)
	return role
}

// JWTValidator authenticates an operator token that is not a plain agent
// API key (an admin path, typically).
type JWTValidator interface {
	Validate(token string) (role string, err error)
}

// HashAPIKey returns the SHA-256 hex digest stored alongside an agent
// row; callers never persist the plaintext key.
func HashAPIKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// agentFromContext returns the authenticated agent attached by
// wrapWithAuth, or false if the request reached a public path.
func agentFromContext(ctx context.Context) (agent.Agent, bool) {
	a, ok := ctx.Value(ctxAgentKey).(agent.Agent)
	return a, ok
}

// wrapWithAuth resolves the Authorization bearer token to a registered
// agent by the SHA-256 hash of the token, attaching the resolved agent to
// the request context. A token that fails agent lookup but validates
// against the optional JWTValidator is treated as an authenticated
// request carrying no agent identity (an operator token).
func wrapWithAuth(next http.Handler, agents storage.AgentStore, validator JWTValidator, log *logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if _, ok := publicPaths[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		token := extractToken(r)
		if token == "" {
			unauthorised(w)
			return
		}

		a, err := agents.GetByAPIKeyHash(r.Context(), HashAPIKey(token))
		if err == nil {
			if isAdminPath(r.URL.Path) {
				writeError(w, http.StatusForbidden, errForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), ctxAgentKey, a)
			ctx = context.WithValue(ctx, ctxRoleKey, "agent")
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		if !errors.Is(err, storage.ErrNotFound) && log != nil {
			log.WithError(err).Warn("agent lookup by api key failed")
		}

		if validator != nil {
			if role, verr := validator.Validate(token); verr == nil {
				ctx := context.WithValue(r.Context(), ctxRoleKey, role)
				if isAdminPath(r.URL.Path) && role != "admin" {
					writeError(w, http.StatusForbidden, errForbidden)
					return
				}
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}

		unauthorised(w)
	})
}

// extractToken supports the standard Authorization header only.
func extractToken(r *http.Request) string {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.Fields(authHeader)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func unauthorised(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, errUnauthorised)
}

var (
	errUnauthorised = errors.New("unauthorised")
	errForbidden    = errors.New("forbidden: admin only")
)
