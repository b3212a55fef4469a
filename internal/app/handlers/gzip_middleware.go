package handlers

import (
	"compress/gzip"
	"net/http"

	"github.com/devkekops/dropship/internal/app/apperr"
	"github.com/devkekops/dropship/internal/app/logger"
)

// gzipHandle inflates gzip-encoded request bodies. Response compression is
// left to chi's Compress middleware.
func gzipHandle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") == "gzip" {
			gz, err := gzip.NewReader(r.Body)
			if err != nil {
				logger.Logger.Err(err).Msg("gzip request body")
				writeError(w, apperr.Wrap(apperr.Validation, apperr.CodeInvalidField, err, "body is not valid gzip"))
				return
			}
			defer gz.Close()
			r.Body = gz
			r.Header.Del("Content-Encoding")
		}
		next.ServeHTTP(w, r)
	})
}
