package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCounter_SameNameSameInstance(t *testing.T) {
	c := NewMetricsCollector()
	a := c.Counter("x_total", "x")
	b := c.Counter("x_total", "ignored")
	a.Inc()
	b.Add(2)
	if a != b || a.Value() != 3 {
		t.Fatalf("expected shared counter with value 3, got %d", a.Value())
	}
}

func TestGauge(t *testing.T) {
	g := NewMetricsCollector().Gauge("g", "g")
	g.Set(5)
	g.Inc()
	g.Dec()
	g.Dec()
	if g.Value() != 4 {
		t.Fatalf("gauge = %d, want 4", g.Value())
	}
}

func TestHistogram_CumulativeBuckets(t *testing.T) {
	c := NewMetricsCollector()
	h := c.Histogram("lat_seconds", "latency", []float64{1, 0.1})
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(3)

	var sb strings.Builder
	if _, err := c.WriteTo(&sb); err != nil {
		t.Fatal(err)
	}
	out := sb.String()
	for _, want := range []string{
		`lat_seconds_bucket{le="0.1"} 1`,
		`lat_seconds_bucket{le="1"} 2`,
		`lat_seconds_bucket{le="+Inf"} 3`,
		"lat_seconds_count 3",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestHandler(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("b_total", "b").Inc()
	c.Counter("a_total", "a")

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "roomchat_uptime_seconds") {
		t.Fatal("missing uptime")
	}
	if strings.Index(body, "a_total") > strings.Index(body, "b_total") {
		t.Fatal("counters should be sorted by name")
	}
	if !strings.Contains(body, "b_total 1") {
		t.Fatalf("missing b_total value:\n%s", body)
	}
}
