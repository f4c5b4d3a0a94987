package ripd

import (
	"encoding/json"
	"sync"

	"github.com/rip-run/rip/internal/kernel"
)

// RunMetrics is a passive summary observer over a session's frame stream:
// time-to-first-output and end-to-end wall time. It only folds in frames
// the session already emits; it adds no transport or scheduling surface of
// its own.
type RunMetrics struct {
	mu               sync.Mutex
	sessionStartedMs *int64
	sessionEndedMs   *int64
	sessionEndReason string
	firstOutputMs    *int64
}

// Observe folds one frame into the running summary. Only the first
// occurrence of each lifecycle event counts.
func (m *RunMetrics) Observe(frame *kernel.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := frame.TimestampMs
	switch kind := frame.Kind.(type) {
	case *kernel.SessionStarted:
		if m.sessionStartedMs == nil {
			m.sessionStartedMs = &ts
		}
	case *kernel.OutputTextDelta:
		if m.firstOutputMs == nil {
			m.firstOutputMs = &ts
		}
	case *kernel.SessionEnded:
		if m.sessionEndedMs == nil {
			m.sessionEndedMs = &ts
			m.sessionEndReason = kind.Reason
		}
	}
}

// Summary is a flat JSON object reporting the two derived deltas plus the
// raw timestamps they're computed from.
type Summary struct {
	SessionStartedMs *int64 `json:"session_started_ms,omitempty"`
	SessionEndedMs   *int64 `json:"session_ended_ms,omitempty"`
	SessionEndReason string `json:"session_end_reason,omitempty"`
	TTFTMs           *int64 `json:"ttft_ms,omitempty"`
	E2EMs            *int64 `json:"e2e_ms,omitempty"`
}

func delta(start, end *int64) *int64 {
	if start == nil || end == nil {
		return nil
	}
	d := *end - *start
	return &d
}

// ToJSON renders the summary.
func (m *RunMetrics) ToJSON() json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary := Summary{
		SessionStartedMs: m.sessionStartedMs,
		SessionEndedMs:   m.sessionEndedMs,
		SessionEndReason: m.sessionEndReason,
		TTFTMs:           delta(m.sessionStartedMs, m.firstOutputMs),
		E2EMs:            delta(m.sessionStartedMs, m.sessionEndedMs),
	}
	data, _ := json.Marshal(summary)
	return data
}
