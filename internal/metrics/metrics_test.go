package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	m := New(nil)
	m.ObserveConversion("context_menu", "success")
	m.ObserveConversion("context_menu", "success")
	m.ObserveIntercept("cancelled")
	m.ObserveDuration("jpg", 120*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Conversions.WithLabelValues("context_menu", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Intercepts.WithLabelValues("cancelled")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `webpconv_conversions_total{result="success",trigger="context_menu"} 2`)
	assert.Contains(t, string(body), "webpconv_conversion_duration_seconds_bucket")
}
