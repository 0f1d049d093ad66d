package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLimiter(t *testing.T) (*RateLimiter, *time.Time) {
	t.Helper()
	rl := NewRateLimiter(DefaultBucketCapacity, DefaultRefillRate, zap.NewNop())
	t.Cleanup(rl.Stop)

	clock := time.Unix(1700000000, 0).UTC()
	rl.now = func() time.Time { return clock }
	return rl, &clock
}

func doRequest(handler http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiter_AllowsBurstThenRejects(t *testing.T) {
	rl, _ := newTestLimiter(t)
	handler := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < DefaultBucketCapacity; i++ {
		rec := doRequest(handler, "10.0.0.1:1234")
		require.Equal(t, http.StatusOK, rec.Code, "request %d should pass", i+1)
		require.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := doRequest(handler, "10.0.0.1:1234")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	// On rejection the reset header carries the wait for one token, not
	// the time to a full bucket
	require.Equal(t, "1", rec.Header().Get("X-RateLimit-Reset"))
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
	require.JSONEq(t, `{"error":"too many requests","retryAfter":1}`, rec.Body.String())
}

func TestRateLimiter_RefillRestoresWholeTokens(t *testing.T) {
	rl, clock := newTestLimiter(t)
	handler := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Drain the bucket
	for i := 0; i < DefaultBucketCapacity; i++ {
		doRequest(handler, "10.0.0.1:1234")
	}
	require.Equal(t, http.StatusTooManyRequests, doRequest(handler, "10.0.0.1:1234").Code)

	// Half a second earns nothing
	*clock = clock.Add(500 * time.Millisecond)
	require.Equal(t, http.StatusTooManyRequests, doRequest(handler, "10.0.0.1:1234").Code)

	// A full second earns exactly one token
	*clock = clock.Add(500 * time.Millisecond)
	require.Equal(t, http.StatusOK, doRequest(handler, "10.0.0.1:1234").Code)
	require.Equal(t, http.StatusTooManyRequests, doRequest(handler, "10.0.0.1:1234").Code)
}

func TestRateLimiter_BucketsAreIndependentPerClient(t *testing.T) {
	rl, _ := newTestLimiter(t)
	handler := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < DefaultBucketCapacity; i++ {
		doRequest(handler, "10.0.0.1:1234")
	}
	require.Equal(t, http.StatusTooManyRequests, doRequest(handler, "10.0.0.1:1234").Code)

	// A different client still has a full bucket
	rec := doRequest(handler, "10.0.0.2:1234")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "9", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimiter_RemainingHeaderCountsDown(t *testing.T) {
	rl, _ := newTestLimiter(t)
	handler := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		rec := doRequest(handler, "10.0.0.1:1234")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, strconv.Itoa(9-i), rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimiter_EvictsIdleBuckets(t *testing.T) {
	rl, clock := newTestLimiter(t)
	handler := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	doRequest(handler, "10.0.0.1:1234")
	doRequest(handler, "10.0.0.2:1234")

	rl.mu.Lock()
	require.Len(t, rl.buckets, 2)
	rl.mu.Unlock()

	*clock = clock.Add(bucketIdleTTL + time.Second)
	rl.evictStale()

	rl.mu.Lock()
	require.Empty(t, rl.buckets)
	rl.mu.Unlock()
}
