package httpclient

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const UserAgent = "MachineHub/1.0"

// New creates an HTTP client tuned for outbound calls to vendors and tenants.
func New(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: newTransport(),
	}
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// NewBearer returns a client that sends a static bearer token.
func NewBearer(token string, timeout time.Duration) *http.Client {
	return withTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}), timeout)
}

// NewClientCredentials returns a client that obtains and refreshes tokens
// through the OAuth2 client-credentials grant.
func NewClientCredentials(cfg clientcredentials.Config, timeout time.Duration) *http.Client {
	base := New(timeout)
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	return withTokenSource(cfg.TokenSource(ctx), timeout)
}

func withTokenSource(ts oauth2.TokenSource, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.ReuseTokenSource(nil, ts),
			Base:   newTransport(),
		},
	}
}

// IsTimeout reports whether err came from a deadline rather than a refused
// or reset connection.
func IsTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
