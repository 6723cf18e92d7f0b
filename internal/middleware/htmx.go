package middleware

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/AY-49047/yumemi-test/internal/observability"
)

type contextKey string

const (
	htmxContextKey   contextKey = "htmx.info"
	localeContextKey contextKey = "locale"
)

// HTMXInfo captures request metadata from HX-* headers.
type HTMXInfo struct {
	IsHTMX         bool
	Target         string
	Trigger        string
	HistoryRestore bool
}

// HTMX inspects HX-* headers and annotates the context. For htmx requests the
// context logger gains the triggering element and swap target. Responses vary
// on HX-Request because the same route answers with a page or a fragment.
func HTMX(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := HTMXInfo{
			IsHTMX:         strings.EqualFold(r.Header.Get("HX-Request"), "true"),
			Target:         r.Header.Get("HX-Target"),
			Trigger:        r.Header.Get("HX-Trigger"),
			HistoryRestore: strings.EqualFold(r.Header.Get("HX-History-Restore-Request"), "true"),
		}
		w.Header().Add("Vary", "HX-Request")
		ctx := context.WithValue(r.Context(), htmxContextKey, info)
		if info.IsHTMX {
			logger := observability.FromContext(ctx).With(
				zap.String("hx_trigger", info.Trigger),
				zap.String("hx_target", info.Target),
			)
			ctx = observability.WithLogger(ctx, logger)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// HTMXInfoFromContext retrieves HTMX metadata; returns zero value if absent.
func HTMXInfoFromContext(ctx context.Context) HTMXInfo {
	info, _ := ctx.Value(htmxContextKey).(HTMXInfo)
	return info
}

// IsHTMX reports whether the request was issued by htmx. History restore
// requests want the full page and are not treated as fragment requests.
func IsHTMX(ctx context.Context) bool {
	info := HTMXInfoFromContext(ctx)
	return info.IsHTMX && !info.HistoryRestore
}

// NoStore disables caching for dynamic responses.
func NoStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
