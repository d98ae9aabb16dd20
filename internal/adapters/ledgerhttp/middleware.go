package ledgerhttp

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func logMiddleware(logger logrus.FieldLogger, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		h.ServeHTTP(sw, r)
		entry := logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"url":        r.URL.String(),
			"remoteAddr": r.RemoteAddr,
			"userAgent":  r.UserAgent(),
			"status":     sw.status,
			"duration":   time.Since(start),
		})
		if sw.status >= http.StatusInternalServerError {
			entry.Warn("request served")
			return
		}
		entry.Info("request served")
	})
}
