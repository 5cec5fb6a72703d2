// Package middleware holds HTTP middleware for the local status server.
package middleware

import (
	"net/http"

	"github.com/bitechdev/ChatMux/pkg/logger"
)

const panicMiddlewareMethodName = "StatusHandler"

// PanicRecovery recovers a panicking handler, reports it through the logger
// and error tracker, and answers 500.
func PanicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rcv := recover(); rcv != nil {
				err := logger.HandlePanic(panicMiddlewareMethodName+" "+r.URL.Path, rcv)
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
