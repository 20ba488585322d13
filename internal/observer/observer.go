package observer

import (
	"sync"
	"time"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/logparser"
)

// Observer aggregates the result entries engines report at the end of a run
type Observer struct {
	completions []completion
	mu          sync.RWMutex
	now         func() time.Time
}

type completion struct {
	AgentID      string
	Failed       bool
	Duration     time.Duration
	TokensInput  int
	TokensOutput int
	CostUSD      float64
	CompletedAt  time.Time
}

// Stats holds aggregated run statistics
type Stats struct {
	TotalCompleted    int           `json:"totalCompleted"`
	TotalFailed       int           `json:"totalFailed"`
	TotalTokensInput  int           `json:"totalTokensInput"`
	TotalTokensOutput int           `json:"totalTokensOutput"`
	TotalCostUSD      float64       `json:"totalCostUsd"`
	AvgDuration       time.Duration `json:"avgDurationNs"`
}

// New creates a new Observer
func New() *Observer {
	return &Observer{now: time.Now}
}

// OnEntries records every result entry. It satisfies logstream.Observer.
func (o *Observer) OnEntries(agentID string, entries []logparser.Entry) {
	for _, e := range entries {
		if e.Type != logparser.EntryResult || e.Result == nil {
			continue
		}
		r := e.Result
		o.RecordCompletion(agentID, r.IsError, time.Duration(r.DurationMs)*time.Millisecond, r.InputTokens, r.OutputTokens, r.CostUSD)
	}
}

// RecordCompletion records a finished run
func (o *Observer) RecordCompletion(agentID string, failed bool, duration time.Duration, tokensIn, tokensOut int, cost float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.completions = append(o.completions, completion{
		AgentID:      agentID,
		Failed:       failed,
		Duration:     duration,
		TokensInput:  tokensIn,
		TokensOutput: tokensOut,
		CostUSD:      cost,
		CompletedAt:  o.now(),
	})
}

// GetStats returns aggregated statistics
func (o *Observer) GetStats() Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var stats Stats
	var totalDuration time.Duration

	for _, c := range o.completions {
		if c.Failed {
			stats.TotalFailed++
		} else {
			stats.TotalCompleted++
		}
		stats.TotalTokensInput += c.TokensInput
		stats.TotalTokensOutput += c.TokensOutput
		stats.TotalCostUSD += c.CostUSD
		totalDuration += c.Duration
	}

	if n := len(o.completions); n > 0 {
		stats.AvgDuration = totalDuration / time.Duration(n)
	}

	return stats
}

// GetRecentCompletions returns the agents that finished within since
func (o *Observer) GetRecentCompletions(since time.Duration) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := o.now().Add(-since)
	var result []string

	for _, c := range o.completions {
		if c.CompletedAt.After(cutoff) {
			result = append(result, c.AgentID)
		}
	}

	return result
}
