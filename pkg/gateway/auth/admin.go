package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/machinehub/platform/pkg/common/logger"
	"github.com/machinehub/platform/pkg/common/models"
	"github.com/machinehub/platform/pkg/gateway/middleware"
)

// AdminGuard protects the operator endpoints with a static bearer token.
type AdminGuard struct {
	digest   []byte
	allowAll bool
}

// NewAdminGuard builds the guard. With an empty token the admin API is
// closed, except in development where it is open.
func NewAdminGuard(token string, development bool) *AdminGuard {
	g := &AdminGuard{allowAll: token == "" && development}
	if token != "" {
		g.digest = digest(token)
	}
	return g
}

func (g *AdminGuard) Authorize(r *http.Request) bool {
	if g.allowAll {
		return true
	}
	if g.digest == nil {
		return false
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	// comparing digests keeps the comparison constant-time regardless of length
	return hmac.Equal(digest(strings.TrimPrefix(header, "Bearer ")), g.digest)
}

func (g *AdminGuard) Middleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !g.Authorize(r) {
				logger.Log.WithFields(map[string]interface{}{
					"path":        r.URL.Path,
					"remote_addr": r.RemoteAddr,
				}).Warn("Admin request rejected")
				middleware.WriteJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func digest(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}
