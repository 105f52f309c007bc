package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.ATCommand(nil)
	m.ATCommand(nil)
	m.ATCommand(errors.New("boom"))
	m.Unsolicited("*E2GPSSTAT:")
	m.Unsolicited("")
	m.SetReady(true)

	if got := testutil.ToFloat64(m.atCommands.WithLabelValues("ok")); got != 2 {
		t.Fatalf("ok=%v", got)
	}
	if got := testutil.ToFloat64(m.atCommands.WithLabelValues("error")); got != 1 {
		t.Fatalf("error=%v", got)
	}
	if got := testutil.ToFloat64(m.unsolicited.WithLabelValues("other")); got != 1 {
		t.Fatalf("other=%v", got)
	}
	if got := testutil.ToFloat64(m.ready); got != 1 {
		t.Fatalf("ready=%v", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ATCommand(nil)
	m.Reconnect()
	m.SetReady(true)
	if m.Registry() != nil {
		t.Fatalf("nil metrics should have nil registry")
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Reconnect()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "mbmgps_reconnects_total 1") {
		t.Fatalf("body missing counter:\n%s", rec.Body.String())
	}
}
