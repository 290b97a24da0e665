package observe

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/obobridge/obo-bridge/internal/config"
)

// HTTPTransport wraps the outgoing transport with OTel instrumentation
// when telemetry is enabled; otherwise the transport is returned as-is.
func HTTPTransport(base http.RoundTripper, cfg config.ObserveConfig) http.RoundTripper {
	if !cfg.Enabled {
		return base
	}
	return otelhttp.NewTransport(base)
}
