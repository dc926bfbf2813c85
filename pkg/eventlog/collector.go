package eventlog

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultSummaryWindow is the event-number interval between summary rows.
const DefaultSummaryWindow = 100

// DefaultMaxHighlights bounds the human-readable highlight list per window.
const DefaultMaxHighlights = 20

// AgentCounters accumulates per-agent activity within one window.
type AgentCounters struct {
	Actions          int64 `json:"actions"`
	Successes        int64 `json:"successes"`
	Failures         int64 `json:"failures"`
	LLMTokens        int64 `json:"llm_tokens"`
	ScripTransferred int64 `json:"scrip_transferred"`
	ArtifactsCreated int64 `json:"artifacts_created"`
	Errors           int64 `json:"errors"`
}

// SummaryRecord is one summary.jsonl line.
type SummaryRecord struct {
	EventNumber           uint64                    `json:"event_number"`
	Timestamp             time.Time                 `json:"timestamp"`
	AgentsActive          int                       `json:"agents_active"`
	ActionsExecuted       int64                     `json:"actions_executed"`
	ActionsByType         map[string]int64          `json:"actions_by_type"`
	TotalLLMTokens        int64                     `json:"total_llm_tokens"`
	TotalScripTransferred int64                     `json:"total_scrip_transferred"`
	ArtifactsCreated      int64                     `json:"artifacts_created"`
	Errors                int64                     `json:"errors"`
	Highlights            []string                  `json:"highlights"`
	PerAgent              map[string]*AgentCounters `json:"per_agent"`
}

// SummaryCollector accumulates windowed counters and emits one JSONL
// record per window. Windows are measured in event numbers, not wall
// time; a window closes as soon as an event lands on or past the
// boundary.
type SummaryCollector struct {
	mu            sync.Mutex
	window        uint64
	maxHighlights int
	clock         func() time.Time

	out     io.Writer
	ownsOut bool

	nextBoundary  uint64
	actionsByType map[string]int64
	perAgent      map[string]*AgentCounters
	highlights    []string
	emitted       []SummaryRecord
}

// CollectorOption configures a SummaryCollector.
type CollectorOption func(*SummaryCollector)

// WithSummaryWindow sets the event-number interval between records.
func WithSummaryWindow(n uint64) CollectorOption {
	return func(c *SummaryCollector) {
		if n > 0 {
			c.window = n
		}
	}
}

// WithMaxHighlights bounds the highlight list.
func WithMaxHighlights(n int) CollectorOption {
	return func(c *SummaryCollector) {
		if n > 0 {
			c.maxHighlights = n
		}
	}
}

// WithSummaryOutput directs records to w instead of the run dir file.
func WithSummaryOutput(w io.Writer) CollectorOption {
	return func(c *SummaryCollector) { c.out = w }
}

// WithCollectorClock overrides the clock for testing.
func WithCollectorClock(clock func() time.Time) CollectorOption {
	return func(c *SummaryCollector) { c.clock = clock }
}

// NewSummaryCollector creates a collector with an empty current window.
func NewSummaryCollector(opts ...CollectorOption) *SummaryCollector {
	c := &SummaryCollector{
		window:        DefaultSummaryWindow,
		maxHighlights: DefaultMaxHighlights,
		clock:         time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.nextBoundary = c.window
	c.reset()
	return c
}

func (c *SummaryCollector) reset() {
	c.actionsByType = make(map[string]int64)
	c.perAgent = make(map[string]*AgentCounters)
	c.highlights = nil
}

func (c *SummaryCollector) agent(id string) *AgentCounters {
	ac, ok := c.perAgent[id]
	if !ok {
		ac = &AgentCounters{}
		c.perAgent[id] = ac
	}
	return ac
}

// RecordAction counts one executed action for an agent.
func (c *SummaryCollector) RecordAction(agent, actionType string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actionsByType[actionType]++
	ac := c.agent(agent)
	ac.Actions++
	if success {
		ac.Successes++
	} else {
		ac.Failures++
	}
}

// RecordTokens counts LLM tokens consumed on behalf of an agent.
func (c *SummaryCollector) RecordTokens(agent string, n int64) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agent(agent).LLMTokens += n
}

// RecordScrip counts scrip moved by an agent's action.
func (c *SummaryCollector) RecordScrip(agent string, amount int64) {
	if amount <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agent(agent).ScripTransferred += amount
}

// RecordArtifactCreated counts one artifact creation.
func (c *SummaryCollector) RecordArtifactCreated(agent string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agent(agent).ArtifactsCreated++
}

// RecordError counts one error attributed to an agent.
func (c *SummaryCollector) RecordError(agent string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agent(agent).Errors++
}

// Highlight appends a human-readable note to the current window, bounded
// by the configured cap.
func (c *SummaryCollector) Highlight(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.highlights) < c.maxHighlights {
		c.highlights = append(c.highlights, s)
	}
}

// observe is called by the log on every append; it closes the window when
// the event counter crosses the boundary.
func (c *SummaryCollector) observe(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev.EventNumber >= c.nextBoundary {
		c.finalizeLocked(ev.EventNumber)
	}
}

// Finalize force-closes the current window at the given event number.
func (c *SummaryCollector) Finalize(eventNumber uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalizeLocked(eventNumber)
}

func (c *SummaryCollector) finalizeLocked(eventNumber uint64) error {
	rec := SummaryRecord{
		EventNumber:   eventNumber,
		Timestamp:     c.clock().UTC(),
		AgentsActive:  len(c.perAgent),
		ActionsByType: c.actionsByType,
		Highlights:    c.highlights,
		PerAgent:      c.perAgent,
	}
	if rec.Highlights == nil {
		rec.Highlights = []string{}
	}
	for _, ac := range c.perAgent {
		rec.ActionsExecuted += ac.Actions
		rec.TotalLLMTokens += ac.LLMTokens
		rec.TotalScripTransferred += ac.ScripTransferred
		rec.ArtifactsCreated += ac.ArtifactsCreated
		rec.Errors += ac.Errors
	}

	c.emitted = append(c.emitted, rec)
	c.nextBoundary = eventNumber + c.window
	c.reset()

	if c.out == nil {
		return nil
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("summary: marshal record: %w", err)
	}
	if _, err := c.out.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("summary: write record: %w", err)
	}
	return nil
}

// Records returns all finalized records, for inspection and tests.
func (c *SummaryCollector) Records() []SummaryRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SummaryRecord, len(c.emitted))
	copy(out, c.emitted)
	return out
}

// Close closes the summary output when the collector owns it.
func (c *SummaryCollector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ownsOut {
		if closer, ok := c.out.(io.Closer); ok {
			return closer.Close()
		}
	}
	return nil
}
