package identity

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/veriaccess/veriaccess/internal/platform/httpx"
)

// Middleware authenticates bearer tokens and enforces capability roles.
type Middleware struct {
	Tokens *TokenManager
	Logger *slog.Logger
}

// Authenticate resolves the Authorization header into a subject and
// stores it in the request context. Requests without a valid token are
// rejected.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		subject, err := m.Tokens.Resolve(r.Context(), token)
		if err != nil {
			httpx.RespondError(w, httpx.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithSubject(r.Context(), subject)))
	})
}

// RequireRole allows only subjects holding one of the given roles.
// Administrators pass every check.
func (m Middleware) RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, ok := SubjectFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			if subject.Role == RoleAdministrator {
				next.ServeHTTP(w, r)
				return
			}
			for _, role := range roles {
				if subject.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			if m.Logger != nil {
				m.Logger.Warn("role check failed",
					slog.String("path", r.URL.Path),
					slog.String("role", string(subject.Role)))
			}
			httpx.RespondError(w, httpx.ErrForbidden)
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
