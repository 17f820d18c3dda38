package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_IndependentRegistries(t *testing.T) {
	// 每个实例使用独立的注册表，重复创建不会 panic
	a := NewMetrics()
	b := NewMetrics()

	a.RecordWebhook("form", "done", 200)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.WebhooksTotal.WithLabelValues("form", "done", "200")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.WebhooksTotal.WithLabelValues("form", "done", "200")))
}

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetrics()

	m.RecordIngest("json", 6.5, true, 20*time.Millisecond)
	m.RecordAttachment("blocked", 2048)
	m.RecordRateLimitDecision("denied")
	m.RecordReaperRun("success", 3, 1, 0, 4, 2, time.Second)
	m.RecordEventPublish("dropped")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SpamVerdicts.WithLabelValues("json", "spam")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AttachmentsTotal.WithLabelValues("blocked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitDecisions.WithLabelValues("denied")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ReaperBlobs.WithLabelValues("deleted")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ReaperRowsCleaned))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.InboxesExpired))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues("dropped")))
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordHTTPRequest("GET", "/health/live", 200, time.Millisecond)
		m.RecordWebhook("form", "rejected", 401)
		m.RecordEventPublish("failed")
		m.RecordPanic()
	})
}

func TestMetrics_HTTPHandler(t *testing.T) {
	m := NewMetrics()
	m.RecordHTTPRequest("POST", "/webhooks/form", 200, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `mailsink_http_requests_total{endpoint="/webhooks/form",method="POST",status_code="200"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
