package fcm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestSource(t *testing.T, mints *atomic.Int64, expiresIn int64) *CachedTokenSource {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := mints.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"token-%d","expires_in":%d}`, n, expiresIn)
	}))
	t.Cleanup(srv.Close)

	raw, _ := testCredentialJSON(t, srv.URL)
	cred, err := ParseCredential(raw)
	if err != nil {
		t.Fatalf("ParseCredential() error: %v", err)
	}
	return NewCachedTokenSource(NewSigner(cred, srv.Client()))
}

func TestCachedTokenSource_ReusesToken(t *testing.T) {
	var mints atomic.Int64
	src := newTestSource(t, &mints, 3600)
	ctx := context.Background()

	first, err := src.AccessToken(ctx)
	if err != nil {
		t.Fatalf("AccessToken() error: %v", err)
	}
	second, err := src.AccessToken(ctx)
	if err != nil {
		t.Fatalf("AccessToken() error: %v", err)
	}

	if first != second {
		t.Errorf("tokens differ across calls: %q vs %q", first, second)
	}
	if got := mints.Load(); got != 1 {
		t.Errorf("token endpoint hit %d times, want 1", got)
	}
}

func TestCachedTokenSource_RefreshesNearExpiry(t *testing.T) {
	var mints atomic.Int64
	src := newTestSource(t, &mints, 3600)
	ctx := context.Background()

	if _, err := src.AccessToken(ctx); err != nil {
		t.Fatalf("AccessToken() error: %v", err)
	}

	// Move the clock to within the expiry skew of the cached token.
	src.now = func() time.Time { return src.current.ExpiresAt.Add(-30 * time.Second) }

	if _, err := src.AccessToken(ctx); err != nil {
		t.Fatalf("AccessToken() error: %v", err)
	}
	if got := mints.Load(); got != 2 {
		t.Errorf("token endpoint hit %d times, want 2 after forced staleness", got)
	}
}

func TestCachedTokenSource_ConcurrentCallersShareMint(t *testing.T) {
	var mints atomic.Int64
	src := newTestSource(t, &mints, 3600)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := src.AccessToken(context.Background()); err != nil {
				t.Errorf("AccessToken() error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := mints.Load(); got != 1 {
		t.Errorf("token endpoint hit %d times, want 1 for concurrent callers", got)
	}
}
