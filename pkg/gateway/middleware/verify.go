package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/gorilla/mux"
	"github.com/machinehub/platform/pkg/common/logger"
	"github.com/machinehub/platform/pkg/observability/metrics"
	"github.com/machinehub/platform/pkg/suppliers"
	"github.com/machinehub/platform/pkg/tenants"
)

const SubscriptionHeader = "aeg-subscription-name"

const (
	GuardIP           = "ip_allowlist"
	GuardSubscription = "subscription_name"
	GuardRateLimit    = "rate_limit"
)

// Rejection is the structured result of a failed guard.
type Rejection struct {
	Guard   string
	Status  int
	Reason  string
	Message string
}

type SupplierLookup interface {
	Config(name string) (suppliers.SupplierConfig, error)
}

type guard func(r *http.Request, supplier, tenant string, cfg suppliers.SupplierConfig) *Rejection

// Verifier runs the webhook guard chain: source IP, subscription name, rate limit.
type Verifier struct {
	limiter           Limiter
	trustForwardedFor bool
}

func NewVerifier(limiter Limiter, trustForwardedFor bool) *Verifier {
	if limiter == nil {
		limiter = NewLocalLimiter()
	}
	return &Verifier{limiter: limiter, trustForwardedFor: trustForwardedFor}
}

// Check returns the first rejection of the chain, or nil.
func (v *Verifier) Check(r *http.Request, supplier, tenant string, cfg suppliers.SupplierConfig) *Rejection {
	for _, g := range []guard{v.checkIP, checkSubscription, v.checkRate} {
		rej := g(r, supplier, tenant, cfg)
		if rej == nil {
			continue
		}
		logger.Log.WithFields(map[string]interface{}{
			"supplier":    supplier,
			"tenant":      tenant,
			"guard":       rej.Guard,
			"reason":      rej.Reason,
			"remote_addr": r.RemoteAddr,
		}).Warn("Webhook request rejected")
		metrics.GuardRejections.WithLabelValues(supplier, rej.Guard).Inc()
		return rej
	}
	return nil
}

// VerifyWebhook applies the guard chain to routes carrying a {supplier}
// variable. Unknown suppliers pass through so the handler can answer 404.
func VerifyWebhook(v *Verifier, lookup SupplierLookup) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			supplier := strings.ToLower(mux.Vars(r)["supplier"])
			cfg, err := lookup.Config(supplier)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if rej := v.Check(r, supplier, tenants.FromRequest(r), cfg); rej != nil {
				WriteJSON(w, rej.Status, map[string]string{"error": rej.Message})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (v *Verifier) checkIP(r *http.Request, supplier, tenant string, cfg suppliers.SupplierConfig) *Rejection {
	if cfg.SkipIPCheck {
		return nil
	}
	forbidden := &Rejection{Guard: GuardIP, Status: http.StatusForbidden, Message: "Forbidden"}
	if len(cfg.AllowedIPs) == 0 {
		forbidden.Reason = "empty allow-list"
		return forbidden
	}
	addr, ok := clientIP(r, v.trustForwardedFor)
	if !ok {
		forbidden.Reason = "unparseable source address"
		return forbidden
	}
	if !ipAllowed(addr, cfg.AllowedIPs) {
		forbidden.Reason = "source " + addr.String() + " not allowed"
		return forbidden
	}
	return nil
}

func checkSubscription(r *http.Request, supplier, tenant string, cfg suppliers.SupplierConfig) *Rejection {
	// the OPTIONS preflight carries no subscription header
	if r.Method != http.MethodPost {
		return nil
	}
	if cfg.SubscriptionName == "" {
		logger.Log.WithField("supplier", supplier).Warn("No subscription name configured, skipping check")
		return nil
	}
	if r.Header.Get(SubscriptionHeader) != cfg.SubscriptionName {
		return &Rejection{
			Guard:   GuardSubscription,
			Status:  http.StatusForbidden,
			Reason:  "subscription name mismatch",
			Message: "Invalid subscription name",
		}
	}
	return nil
}

func (v *Verifier) checkRate(r *http.Request, supplier, tenant string, cfg suppliers.SupplierConfig) *Rejection {
	allowed, err := v.limiter.Allow(r.Context(), supplier+":"+tenant, cfg.Limit())
	if err != nil {
		logger.Log.WithError(err).WithField("supplier", supplier).Warn("Rate limiter unavailable, allowing request")
		return nil
	}
	if !allowed {
		return &Rejection{
			Guard:   GuardRateLimit,
			Status:  http.StatusTooManyRequests,
			Reason:  "rate limit exceeded",
			Message: "Too many requests",
		}
	}
	return nil
}

func clientIP(r *http.Request, trustForwardedFor bool) (netip.Addr, bool) {
	if trustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if addr, err := netip.ParseAddr(first); err == nil {
				return addr.Unmap(), true
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func ipAllowed(addr netip.Addr, allowList []string) bool {
	for _, entry := range allowList {
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err == nil && prefix.Contains(addr) {
				return true
			}
			continue
		}
		if allowed, err := netip.ParseAddr(entry); err == nil && allowed.Unmap() == addr {
			return true
		}
	}
	return false
}
