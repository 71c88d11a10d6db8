package metrics

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	switch {
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	case pb.Histogram != nil:
		return float64(pb.Histogram.GetSampleCount())
	}
	return 0
}

func TestHelpersNoopBeforeRegister(t *testing.T) {
	if regOK.Load() {
		t.Skip("already registered by another test")
	}
	IncDownload("ok")
	if got := value(t, artifactDownloads.WithLabelValues("ok")); got != 0 {
		t.Fatalf("expected no-op before Register, got %v", got)
	}
}

func TestRegisterAndRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second Register should be a no-op: %v", err)
	}

	IncDownload("ok")
	AddDownloadBytes(1024)
	IncCacheHit()
	ObserveExtraction("ok", 2*time.Second)
	IncStart("ok")
	ObserveStartupDuration(300 * time.Millisecond)
	IncStop("graceful")
	RecordStateTransition("Initialized", "Running")
	SetCurrentState("/tmp/d", "Initialized", "Running")
	AddMigrationsApplied(3)
	IncMigrationFailed()

	if got := value(t, artifactDownloadBytes); got != 1024 {
		t.Fatalf("download bytes = %v", got)
	}
	if got := value(t, currentStates.WithLabelValues("/tmp/d", "Running")); got != 1 {
		t.Fatalf("current state gauge = %v", got)
	}
	if got := value(t, migrationsApplied); got != 3 {
		t.Fatalf("migrations applied = %v", got)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var names []string
	for _, mf := range mfs {
		names = append(names, mf.GetName())
	}
	joined := strings.Join(names, ",")
	for _, want := range []string{"pgembed_server_starts_total", "pgembed_instance_state_transitions_total", "pgembed_archive_extraction_duration_seconds"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing %s in %s", want, joined)
		}
	}
}

func TestSampleSelf(t *testing.T) {
	u, err := Sample(os.Getpid())
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if u.Processes < 1 || u.MemoryRSS == 0 {
		t.Fatalf("implausible usage: %+v", u)
	}
}
