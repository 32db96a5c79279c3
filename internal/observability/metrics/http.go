package metrics

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HTTPMetrics records internal API latency by route and status class.
type HTTPMetrics struct {
	duration metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

func NewHTTPMetrics(cfg Config, provider metric.MeterProvider) (*HTTPMetrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "creditline"
	}
	meter := provider.Meter(name + "/http")

	duration, err := meter.Float64Histogram("creditline.http.server.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Internal API request latency."),
	)
	if err != nil {
		return nil, err
	}
	inFlight, err := meter.Int64UpDownCounter("creditline.http.server.in_flight",
		metric.WithDescription("Internal API requests being served."),
	)
	if err != nil {
		return nil, err
	}

	return &HTTPMetrics{duration: duration, inFlight: inFlight}, nil
}

// GinMiddleware records request latency. Unmatched paths share one route label.
func GinMiddleware(m *HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		route := attribute.String("route", routeLabel(c.FullPath()))
		m.inFlight.Add(ctx, 1, metric.WithAttributes(route))
		start := time.Now()

		c.Next()

		m.inFlight.Add(ctx, -1, metric.WithAttributes(route))
		attrs := FilterAttributes(
			route,
			attribute.String("method", c.Request.Method),
			attribute.String("status_class", statusClass(c.Writer.Status())),
		)
		m.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
	}
}

func routeLabel(fullPath string) string {
	if fullPath == "" {
		return "unmatched"
	}
	return fullPath
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
