package eventlog

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func TestCollectorFinalizesOnWindowBoundary(t *testing.T) {
	var buf bytes.Buffer
	clock := func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	log := NewMemoryLog(
		WithClock(clock),
		WithCollector(NewSummaryCollector(
			WithSummaryWindow(3),
			WithSummaryOutput(&buf),
			WithCollectorClock(clock),
		)),
	)
	defer log.Close()

	collector := log.Collector()
	for i := 0; i < 3; i++ {
		collector.RecordAction("alice", "write_artifact", true)
		collector.RecordArtifactCreated("alice")
		if _, err := log.Append("artifact_created", map[string]interface{}{"i": float64(i)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	records := collector.Records()
	if len(records) != 1 {
		t.Fatalf("got %d summary records, want 1", len(records))
	}
	rec := records[0]
	if rec.EventNumber != 3 {
		t.Fatalf("summary at event %d, want 3", rec.EventNumber)
	}
	if rec.ActionsExecuted != 3 {
		t.Fatalf("actions executed = %d, want 3", rec.ActionsExecuted)
	}
	if rec.ActionsByType["write_artifact"] != 3 {
		t.Fatalf("actions by type = %v", rec.ActionsByType)
	}
	if rec.ArtifactsCreated != 3 {
		t.Fatalf("artifacts created = %d", rec.ArtifactsCreated)
	}
	if rec.AgentsActive != 1 {
		t.Fatalf("agents active = %d", rec.AgentsActive)
	}
	if buf.Len() == 0 {
		t.Fatal("no summary line written")
	}
}

func TestCollectorWindowResets(t *testing.T) {
	clock := func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	collector := NewSummaryCollector(WithSummaryWindow(2), WithCollectorClock(clock))
	log := NewMemoryLog(WithClock(clock), WithCollector(collector))
	defer log.Close()

	collector.RecordAction("alice", "transfer_scrip", true)
	collector.RecordScrip("alice", 30)
	for i := 0; i < 2; i++ {
		if _, err := log.Append("tick", map[string]interface{}{}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	collector.RecordAction("bob", "invoke_artifact", false)
	collector.RecordError("bob")
	for i := 0; i < 2; i++ {
		if _, err := log.Append("tick", map[string]interface{}{}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	records := collector.Records()
	if len(records) != 2 {
		t.Fatalf("got %d summaries, want 2", len(records))
	}
	first, second := records[0], records[1]
	if first.TotalScripTransferred != 30 || second.TotalScripTransferred != 0 {
		t.Fatalf("scrip did not reset between windows: %d then %d", first.TotalScripTransferred, second.TotalScripTransferred)
	}
	if second.Errors != 1 {
		t.Fatalf("second window errors = %d, want 1", second.Errors)
	}
	if _, ok := first.PerAgent["alice"]; !ok {
		t.Fatalf("first window per-agent = %v", first.PerAgent)
	}
	if _, ok := second.PerAgent["alice"]; ok {
		t.Fatalf("alice leaked into second window: %v", second.PerAgent)
	}
}

func TestCollectorSummaryLineKeys(t *testing.T) {
	var buf bytes.Buffer
	clock := func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	collector := NewSummaryCollector(WithSummaryWindow(1), WithSummaryOutput(&buf), WithCollectorClock(clock))
	log := NewMemoryLog(WithClock(clock), WithCollector(collector))
	defer log.Close()

	collector.RecordAction("alice", "read_artifact", true)
	collector.RecordTokens("alice", 128)
	collector.Highlight("alice minted a library")
	if _, err := log.Append("tick", map[string]interface{}{}); err != nil {
		t.Fatalf("append: %v", err)
	}

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("summary line not JSON: %v", err)
	}
	for _, key := range []string{
		"event_number", "timestamp", "agents_active", "actions_executed",
		"actions_by_type", "total_llm_tokens", "total_scrip_transferred",
		"artifacts_created", "errors", "highlights", "per_agent",
	} {
		if _, ok := line[key]; !ok {
			t.Fatalf("summary line missing %q: %s", key, buf.Bytes())
		}
	}
	if line["total_llm_tokens"] != float64(128) {
		t.Fatalf("tokens = %v", line["total_llm_tokens"])
	}
	highlights, ok := line["highlights"].([]interface{})
	if !ok || len(highlights) != 1 {
		t.Fatalf("highlights = %v", line["highlights"])
	}
}

func TestCollectorHighlightsBounded(t *testing.T) {
	collector := NewSummaryCollector(WithSummaryWindow(100), WithMaxHighlights(2))
	for i := 0; i < 5; i++ {
		collector.Highlight("event")
	}
	collector.Finalize(100)
	records := collector.Records()
	if len(records) != 1 {
		t.Fatalf("got %d records", len(records))
	}
	if len(records[0].Highlights) != 2 {
		t.Fatalf("highlights = %d, want cap 2", len(records[0].Highlights))
	}
}

func TestReadSummaryFileRoundTrip(t *testing.T) {
	root := t.TempDir()
	clock := func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	log, err := NewRunLog(root, "run_sum",
		WithClock(clock),
		WithCollector(NewSummaryCollector(WithSummaryWindow(1), WithCollectorClock(clock))),
	)
	if err != nil {
		t.Fatalf("new run log: %v", err)
	}
	log.Collector().RecordAction("alice", "write_artifact", true)
	if _, err := log.Append("tick", map[string]interface{}{}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	records, err := ReadSummaryFile(log.RunDir() + "/" + SummaryFileName)
	if err != nil {
		t.Fatalf("read summaries: %v", err)
	}
	if len(records) != 1 || records[0].ActionsExecuted != 1 {
		t.Fatalf("summaries = %+v", records)
	}
	if err := VerifySummaries(records); err != nil {
		t.Fatalf("verify: %v", err)
	}
}
