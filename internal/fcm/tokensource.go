package fcm

import (
	"context"
	"sync"
	"time"

	"github.com/lusky3/underseerr-sub002/internal/telemetry"
)

// expirySkew is how long before a token's expiry we treat it as stale, so
// a send never goes out with a token about to lapse mid-request.
const expirySkew = time.Minute

// TokenSource yields a bearer token valid for at least the next minute.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// CachedTokenSource wraps a Signer and reuses minted tokens until they near
// expiry. The refresh is held under the mutex, so concurrent callers that
// arrive during a mint block and then share the fresh token instead of each
// hitting the token endpoint.
type CachedTokenSource struct {
	signer *Signer
	now    func() time.Time

	mu      sync.Mutex
	current AccessToken
}

func NewCachedTokenSource(signer *Signer) *CachedTokenSource {
	return &CachedTokenSource{signer: signer, now: time.Now}
}

func (c *CachedTokenSource) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current.Token != "" && c.now().Add(expirySkew).Before(c.current.ExpiresAt) {
		return c.current.Token, nil
	}

	token, err := c.signer.Mint(ctx)
	if err != nil {
		telemetry.TokenExchangesTotal.WithLabelValues("error").Inc()
		return "", err
	}
	telemetry.TokenExchangesTotal.WithLabelValues("success").Inc()
	c.current = token
	return token.Token, nil
}
