// logging.go -- Request-scoped logging helpers.
package webhook

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// logRequest logs msg at level with the request id, caller address and
// route attached, followed by args.
func logRequest(r *http.Request, level slog.Level, msg string, args ...any) {
	attrs := make([]any, 0, 8+len(args))
	attrs = append(attrs,
		"request_id", middleware.GetReqID(r.Context()),
		"remote", r.RemoteAddr,
		"route", r.Method+" "+r.URL.Path,
	)
	if r.ContentLength > 0 {
		attrs = append(attrs, "bytes", r.ContentLength)
	}
	slog.Log(r.Context(), level, msg, append(attrs, args...)...)
}
