package access

import (
	"context"
	"net/http"
	"path"
	"strings"

	"meterpay/backend/services/meter-server/internal/session"
)

type contextKey string

const claimsKey contextKey = "accessClaims"

// SessionLookup reports live sessions by id.
type SessionLookup interface {
	ActiveSession(id string) (session.Snapshot, bool)
}

// Middleware admits requests carrying a valid token whose session is still active, so
// ending a session revokes its token. The path below mount must name the resource the
// session paid for: the resource itself, a file under it, or the resource with an extension.
func Middleware(tokens *TokenService, sessions SessionLookup, mount string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr, ok := bearerToken(r)
			if !ok {
				http.Error(w, "missing access token", http.StatusUnauthorized)
				return
			}
			claims, err := tokens.Validate(tokenStr)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if _, active := sessions.ActiveSession(claims.SessionID); !active {
				http.Error(w, "session ended", http.StatusForbidden)
				return
			}
			if !covers(claims.ResourceID, strings.TrimPrefix(r.URL.Path, mount)) {
				http.Error(w, "resource not covered by session", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func covers(resourceID, requested string) bool {
	resourceID = strings.Trim(resourceID, "/")
	if resourceID == "" {
		return false
	}
	requested = strings.TrimPrefix(path.Clean("/"+requested), "/")
	if requested == resourceID || strings.HasPrefix(requested, resourceID+"/") {
		return true
	}
	return strings.TrimSuffix(requested, path.Ext(requested)) == resourceID
}

func bearerToken(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", false
		}
		token := strings.TrimSpace(parts[1])
		return token, token != ""
	}
	token := strings.TrimSpace(r.URL.Query().Get("access_token"))
	return token, token != ""
}

// ClaimsFromContext retrieves the token claims of an admitted request.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok
}
