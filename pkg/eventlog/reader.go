package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/agora-labs/agora/pkg/canonicalize"
)

// maxLineBytes bounds a single journal line when reading back. Events are
// small; a line near this size indicates corruption.
const maxLineBytes = 16 << 20

// ReadFile parses an events.jsonl file back into events, in file order.
func ReadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("eventlog: %s line %d: %w", path, lineNo, err)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: scan %s: %w", path, err)
	}
	return events, nil
}

// VerifyOrder checks that event numbers are strictly increasing.
func VerifyOrder(events []Event) error {
	var prev uint64
	for i, ev := range events {
		if ev.EventNumber <= prev {
			return fmt.Errorf("event %d (index %d, type %s) does not advance the counter past %d",
				ev.EventNumber, i, ev.EventType, prev)
		}
		prev = ev.EventNumber
	}
	return nil
}

// VerifyHashes recomputes every payload hash from the parsed line and
// compares it to the recorded one. Events without a recorded hash are
// skipped (legacy logs).
func VerifyHashes(events []Event) error {
	for _, ev := range events {
		if ev.PayloadHash == "" {
			continue
		}
		got, err := canonicalize.CanonicalHash(ev.Payload)
		if err != nil {
			return fmt.Errorf("event %d: recompute hash: %w", ev.EventNumber, err)
		}
		if got != ev.PayloadHash {
			return fmt.Errorf("event %d (type %s): payload hash mismatch: recorded %s, computed %s",
				ev.EventNumber, ev.EventType, ev.PayloadHash, got)
		}
	}
	return nil
}

// ReadSummaryFile parses a summary.jsonl file.
func ReadSummaryFile(path string) ([]SummaryRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	defer f.Close()

	var records []SummaryRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec SummaryRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("eventlog: %s line %d: %w", path, lineNo, err)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: scan %s: %w", path, err)
	}
	return records, nil
}

// VerifySummaries checks that summary rows advance the event counter.
func VerifySummaries(records []SummaryRecord) error {
	var prev uint64
	for i, rec := range records {
		if rec.EventNumber <= prev {
			return fmt.Errorf("summary row %d at event %d does not advance past %d", i, rec.EventNumber, prev)
		}
		prev = rec.EventNumber
	}
	return nil
}
