package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestGlobalRateLimiterBlocksAfterBurst(t *testing.T) {
	h := GlobalRateLimiter(Window{Max: 2, Period: time.Minute})(okHandler())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/analyze", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/analyze", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGlobalRateLimiterExemptsProgressAndQueuePaths(t *testing.T) {
	h := GlobalRateLimiter(Window{Max: 1, Period: time.Minute})(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/progress/abc", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/queue", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestPerIPRateLimiterIsolatesByIP(t *testing.T) {
	h := PerIPRateLimiter(Window{Max: 1, Period: time.Minute})(okHandler())

	req1 := httptest.NewRequest(http.MethodGet, "/download", nil)
	req1.RemoteAddr = "1.1.1.1:5555"
	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, req1)
	assert.Equal(t, http.StatusOK, rec1.Code)

	req1b := httptest.NewRequest(http.MethodGet, "/download", nil)
	req1b.RemoteAddr = "1.1.1.1:5556"
	rec1b := httptest.NewRecorder()
	h.ServeHTTP(rec1b, req1b)
	assert.Equal(t, http.StatusTooManyRequests, rec1b.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/download", nil)
	req2.RemoteAddr = "2.2.2.2:6000"
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestAPIKeyRejectsUnknownKeyWhenRequired(t *testing.T) {
	h := APIKey(true, map[string]struct{}{"secret": {}})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.Header.Set("X-API-Key", "secret")
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestAPIKeyPassThroughWhenNotRequired(t *testing.T) {
	h := APIKey(false, nil)(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIPAllowlistBlocksUnlisted(t *testing.T) {
	h := IPAllowlistMiddleware([]string{"9.9.9.9"})(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.RemoteAddr = "1.2.3.4:1111"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestIPAllowlistEmptyIsPassThrough(t *testing.T) {
	h := IPAllowlistMiddleware(nil)(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
