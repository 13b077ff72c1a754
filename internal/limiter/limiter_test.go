package limiter

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowPerIP(t *testing.T) {
	rl := NewRateLimiter(Config{PerIPRPS: 0.001, PerIPBurst: 2})

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))

	// other clients have their own bucket
	assert.True(t, rl.Allow("10.0.0.2"))
}

func TestAllowGlobal(t *testing.T) {
	rl := NewRateLimiter(Config{GlobalRPS: 1})

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))
	assert.False(t, rl.Allow("c"))
}

func TestDisabled(t *testing.T) {
	rl := NewRateLimiter(Config{})
	for i := 0; i < 100; i++ {
		assert.True(t, rl.Allow("10.0.0.1"))
	}
}

func TestMiddleware(t *testing.T) {
	rl := NewRateLimiter(Config{PerIPRPS: 0.001, PerIPBurst: 1})
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/run", nil)
	req.RemoteAddr = "192.0.2.1:1234"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// same host, different source port
	req.RemoteAddr = "192.0.2.1:5678"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "Too many requests")
}

func TestPrune(t *testing.T) {
	rl := NewRateLimiter(Config{PerIPRPS: 1, PerIPBurst: 1})
	rl.Allow("a")
	rl.Allow("b")

	assert.Equal(t, 0, rl.Prune(time.Hour))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, rl.Prune(time.Millisecond))
	assert.Empty(t, rl.clients)
}
