package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/giantswarm/kubedeck/internal/audit"
	"github.com/giantswarm/kubedeck/internal/auth"
)

// CredentialResolver turns presented credentials into a request auth
// context. *auth.Resolver satisfies it.
type CredentialResolver interface {
	FromToken(ctx context.Context, token string) (*auth.Context, error)
	FromAPIKey(ctx context.Context, key string) (*auth.Context, error)
}

// Authenticator resolves the request's credentials and stores the resulting
// auth context plus the audit request metadata on the request context.
// Requests without valid credentials are answered with 401 and never reach
// the handler.
//
// Credentials are accepted as "Authorization: Bearer <jwt>", "X-API-Key",
// or — for the WebSocket handshake, where browsers cannot set headers — a
// "token" query parameter carrying the same JWT.
func Authenticator(resolver CredentialResolver, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actx, err := resolve(r, resolver)
			if err != nil {
				logger.Debug("Authentication refused",
					slog.String("path", r.URL.Path),
					slog.String("request_id", GetRequestID(r.Context())))
				w.Header().Set("WWW-Authenticate", `Bearer realm="kubedeck"`)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"` + err.Error() + `"}`))
				return
			}

			ctx := auth.WithContext(r.Context(), actx)
			ctx = audit.WithRequestMeta(ctx, audit.RequestMeta{
				IP:        ClientIP(r),
				UserAgent: r.UserAgent(),
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// resolve extracts and verifies whichever credential the request carries.
func resolve(r *http.Request, resolver CredentialResolver) (*auth.Context, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return nil, auth.ErrUnauthorized
		}
		return resolver.FromToken(r.Context(), strings.TrimSpace(token))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return resolver.FromAPIKey(r.Context(), key)
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return resolver.FromToken(r.Context(), token)
	}
	return nil, auth.ErrUnauthorized
}

// ClientIP extracts the originating address, honoring X-Forwarded-For from
// the nearest proxy.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
