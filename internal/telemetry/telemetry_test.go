package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestCountersExported(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	ctx := context.Background()
	m.Recording(ctx, 2_400_000)
	m.Upload(ctx, "ok", 2_400_000)
	m.Upload(ctx, "server", 10)
	m.Poll(ctx, "processing")
	m.Poll(ctx, "completed")
	m.PollSkipped(ctx)

	out := scrape(t, m)
	for _, want := range []string{
		"fluentcap_recordings_total",
		"fluentcap_uploads_total",
		`result="ok"`,
		`result="server"`,
		`status="processing"`,
		"fluentcap_polls_skipped_total",
		"fluentcap_artifact_bytes",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestInstancesAreIndependent(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New()
	if err != nil {
		t.Fatalf("second New: %v", err)
	}
	a.PollSkipped(context.Background())
	if strings.Contains(scrape(t, b), "fluentcap_polls_skipped_total 1") {
		t.Error("second registry saw the first instance's counter")
	}
}
