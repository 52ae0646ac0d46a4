package tenants

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/machinehub/platform/pkg/common/logger"
)

const (
	PathVar      = "tenant"
	QueryParam   = "tenant"
	HeaderName   = "X-Tenant"
	SourcePath   = "path"
	SourceQuery  = "query"
	SourceHeader = "header"
)

// Resolve finds the tenant of a webhook request from, in order, the
// {tenant} path segment, the tenant query parameter and the X-Tenant header.
// It returns the tenant and the source it was taken from.
func Resolve(r *http.Request) (string, string) {
	if tenant := clean(mux.Vars(r)[PathVar]); tenant != "" {
		return tenant, SourcePath
	}
	if tenant := clean(r.URL.Query().Get(QueryParam)); tenant != "" {
		return tenant, SourceQuery
	}
	if tenant := clean(r.Header.Get(HeaderName)); tenant != "" {
		return tenant, SourceHeader
	}

	logger.Log.WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
	}).Warn("No tenant resolved from request")
	return "", ""
}

// FromRequest is Resolve without the source.
func FromRequest(r *http.Request) string {
	tenant, _ := Resolve(r)
	return tenant
}

func clean(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
