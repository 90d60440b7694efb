package observability

import (
	"log/slog"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// Audit mirrors a security-relevant request event to the operational
// log. The durable trail lives in the audit store; this copy exists
// for live alerting. Never pass PHI values here, only identifiers.
func Audit(r *http.Request, event string, attrs ...any) {
	slog.InfoContext(r.Context(), "security_event",
		slog.String("event", event),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("request_id", chimiddleware.GetReqID(r.Context())),
		slog.Group("detail", attrs...),
	)
}
