package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitechdev/ChatMux/pkg/errortracking"
	"github.com/bitechdev/ChatMux/pkg/logger"
)

func TestPanicRecovery(t *testing.T) {
	logger.Init(true)
	tracker := errortracking.NewMemoryProvider()
	logger.InitErrorTracking(tracker)
	defer logger.InitErrorTracking(nil)

	t.Run("recovers and answers 500", func(t *testing.T) {
		tracker.Reset()
		h := PanicRecovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("status snapshot failed")
		}))

		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.Contains(t, rr.Body.String(), "panic in StatusHandler /status: status snapshot failed")

		var panics int
		for _, ev := range tracker.Events() {
			if ev.Panic {
				panics++
			}
		}
		assert.Equal(t, 1, panics)
	})

	t.Run("passes through", func(t *testing.T) {
		tracker.Reset()
		h := PanicRecovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}))

		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		require.Equal(t, http.StatusTeapot, rr.Code)
		assert.Empty(t, tracker.Events())
	})
}
