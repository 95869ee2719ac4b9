package workspace

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jkaninda/buildbox/internal/observability"
)

// userAgentTransport sets a default User-Agent header on every request.
type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(req)
}

// newHTTPClient returns the client shared by every network call of the
// workspace. Requests are traced when tracing is enabled.
func newHTTPClient(userAgent string, obs *observability.Observability) *http.Client {
	var base http.RoundTripper = http.DefaultTransport.(*http.Transport).Clone()
	if tracer := obs.TracerOrNil(); tracer != nil {
		base = otelhttp.NewTransport(base, otelhttp.WithTracerProvider(tracer.Provider()))
	}
	return &http.Client{
		Transport: &userAgentTransport{base: base, userAgent: userAgent},
	}
}
