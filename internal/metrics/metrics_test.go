package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Attempt("provider", "connected")
	m.PaymentOp("capture", errors.New("x"))
	m.BreakerOpen("stripe", true)
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New("consultline")
	m.Attempt("client", "no_answer")
	m.Attempt("client", "no_answer")
	m.PaymentOp("refund", nil)

	if got := testutil.ToFloat64(m.CallAttempts.WithLabelValues("client", "no_answer")); got != 2 {
		t.Fatalf("expected 2 attempts, got %v", got)
	}

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `consultline_payment_operations_total{op="refund",result="ok"} 1`) {
		t.Fatalf("payment counter missing from exposition")
	}
}
