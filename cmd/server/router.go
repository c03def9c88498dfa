package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/hush/internal/authmw"
	"github.com/linnemanlabs/hush/internal/eventapi"
	"github.com/linnemanlabs/hush/internal/postgres"
)

const maxRequestBody = 64 << 10

// apiDeps is everything the public listener needs.
type apiDeps struct {
	logger      log.Logger
	api         *eventapi.API
	token       string
	trustedHops int
	instrument  func(http.Handler) http.Handler // prometheus http metrics
	healthz     http.HandlerFunc
	readyz      http.HandlerFunc
}

// newAPIHandler builds the chi router for the command API and wraps it in the
// shared middleware stack. Wrappers are applied inside out: the last one added
// sees the raw request first.
func newAPIHandler(d apiDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Compress(5, "application/json"))

	// http.route on logger and span, taken from the matched chi pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// method label for hush_db_query_duration_seconds
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(postgres.WithHTTPMethod(req.Context(), req.Method)))
		})
	})

	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(maxRequestBody))

	r.Get("/-/healthy", d.healthz)
	r.Get("/-/ready", d.readyz)

	// bearer auth covers /api/v1 only, probes stay open
	d.api.RegisterRoutes(r, authmw.Optional(d.token))

	var h http.Handler = r
	h = httpmw.WithLogger(d.logger)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// renamed to the route pattern by AnnotateHTTPRoute
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)
	h = d.instrument(h)
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{TrustedHops: d.trustedHops})(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(d.logger, nil)(h)
	return httpmw.SecurityHeaders(h)
}
