package xmiddleware

import (
	"net/http"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// RecoveryMiddleware recovers from panics, logs the error, and — if
// onPanic is non-nil — reports it against the request path (e.g. wired to
// obsmetrics.Metrics.RecordPanic, so a panic mid chunk encrypt/decrypt
// shows up in http_panics_total rather than only in the logs). onPanic may
// be nil, in which case only logging happens.
func RecoveryMiddleware(logger *logrus.Logger, onPanic func(path string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.WithFields(logrus.Fields{
						"error":  err,
						"method": r.Method,
						"path":   r.URL.Path,
						"stack":  string(debug.Stack()),
					}).Error("Panic recovered")

					if onPanic != nil {
						onPanic(r.URL.Path)
					}

					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}