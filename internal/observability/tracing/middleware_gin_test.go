package tracing

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestGinMiddlewareNamesSpanAfterRoute(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	setPropagator()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinMiddleware())
	r.POST("/internal/v1/users/:user_id/charges", func(c *gin.Context) {
		_ = c.Error(errors.New("pq: connection refused"))
		c.Status(http.StatusInternalServerError)
	})

	req := httptest.NewRequest(http.MethodPost, "/internal/v1/users/u-9/charges", nil)
	req.Header.Set("Idempotency-Key", "job-1")
	req.Header.Set("Authorization", "Bearer s3cret")
	r.ServeHTTP(httptest.NewRecorder(), req)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "POST /internal/v1/users/:user_id/charges", span.Name())
	assert.Equal(t, codes.Error, span.Status().Code)

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range span.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "u-9", attrs["creditline.user_id"].AsString())
	assert.True(t, attrs["creditline.idempotency_key_header"].AsBool())
	assert.Equal(t, int64(http.StatusInternalServerError), attrs["http.status_code"].AsInt64())

	require.Len(t, span.Events(), 1)
	for _, kv := range span.Events()[0].Attributes {
		assert.NotContains(t, kv.Value.Emit(), "connection refused")
	}
}
