package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Submission("form0", "records", "ok")
	m.Submission("form0", "records", "ok")
	m.UnknownToken("sex")
	m.Drift("form0", 3)
	m.Drift("form0", 0)
	m.Rebuilt("records")
	m.MirrorFailure("sqlite")
	m.Snapshot("ok")
	m.ObserveUpsert("records", 5*time.Millisecond)

	if got := testutil.ToFloat64(m.submissions.WithLabelValues("form0", "records", "ok")); got != 2 {
		t.Fatalf("submissions = %v", got)
	}
	if got := testutil.ToFloat64(m.driftColumns.WithLabelValues("form0")); got != 3 {
		t.Fatalf("drift = %v", got)
	}
	if got := testutil.CollectAndCount(m.unknownTokens); got != 1 {
		t.Fatalf("unknown token series = %d", got)
	}
	if got := testutil.CollectAndCount(m.upsertDur); got != 1 {
		t.Fatalf("histogram series = %d", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Submission("form0", "records", "ok")
	m.UnknownToken("sex")
	m.ObserveUpsert("records", time.Second)
	if _, err := m.Gatherer().Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.UnknownToken("housing_type")
	path := filepath.Join(t.TempDir(), "surveycore.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(raw), `surveycore_unknown_tokens_total{field="housing_type"} 1`) {
		t.Fatalf("textfile = %s", raw)
	}
}
