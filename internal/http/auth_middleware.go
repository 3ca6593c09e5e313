package httpx

import (
	"context"
	"net/http"
	"strings"

	"github.com/splax/modhost/internal/domain"
	"github.com/splax/modhost/pkg/jwt"
)

type authContextKey string

const authInfoKey authContextKey = "auth_info"

type authInfo struct {
	PrincipalID string
	Role        string
}

type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth rejects requests without a valid bearer token and stores the
// principal in the request context for handlers downstream.
func (rt *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, ok := rt.ensureAuth(w, r)
		if !ok {
			return
		}
		ctx := context.WithValue(r.Context(), authInfoKey, info)
		ctx = domain.WithCallerAddr(ctx, clientIP(r))
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, r.WithContext(ctx))
	}
}

// Roles are ordered; the privileged threshold admits the configured role and
// everything above it. Unknown roles rank below every known one.
const (
	roleViewer   = "viewer"
	roleOperator = "operator"
	roleAdmin    = "admin"
)

var roleTiers = map[string]int{
	roleViewer:   1,
	roleOperator: 2,
	roleAdmin:    3,
}

func roleTier(role string) int { return roleTiers[role] }

// requirePrivileged layers the privileged-role check on top of requireAuth.
// Every mutating route goes through here.
func (rt *Router) requirePrivileged(next http.HandlerFunc) http.HandlerFunc {
	return rt.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		required := roleTier(rt.privilegedRole)
		if required == 0 {
			required = roleTier(roleOperator)
		}
		info, ok := authInfoFromContext(r.Context())
		if !ok || roleTier(info.Role) < required {
			writeError(w, http.StatusForbidden, "privileged role required")
			return
		}
		next(w, r)
	})
}

func (rt *Router) ensureAuth(w http.ResponseWriter, r *http.Request) (authInfo, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return authInfo{}, false
	}
	claims, err := jwt.Parse(token, rt.jwtSecret)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return authInfo{}, false
	}
	return authInfo{PrincipalID: claims.PrincipalID, Role: claims.Role}, true
}

func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	info, ok := ctx.Value(authInfoKey).(authInfo)
	return info, ok
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
