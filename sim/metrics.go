// Tracks simulation-wide and per-request results for final reporting.

package sim

import (
	"encoding/json"
	"fmt"
	"os"
)

// RequestMetrics is the per-request completion record.
type RequestMetrics struct {
	ID              int   `json:"id"`
	InputSize       int   `json:"input_size"`
	OutputSize      int   `json:"output_size"`
	CompletionCycle int64 `json:"completion_cycle"`
}

// Metrics aggregates statistics about the simulation for final reporting.
type Metrics struct {
	CompletedRequests int                    `json:"completed_requests"`
	TotalInputTokens  int                    `json:"total_input_tokens"`
	TotalOutputTokens int                    `json:"total_output_tokens"`
	SimEndedCycle     int64                  `json:"sim_ended_cycle"`
	StageStats        []StageStat            `json:"stage_stats"`
	Requests          map[int]RequestMetrics `json:"requests"`
}

// NewMetrics creates an empty metrics sink.
func NewMetrics() *Metrics {
	return &Metrics{
		Requests: make(map[int]RequestMetrics),
	}
}

// RecordCompletion registers a finished request.
func (m *Metrics) RecordCompletion(req *InferRequest, cycle int64) {
	m.CompletedRequests++
	m.TotalInputTokens += req.InputSize
	m.TotalOutputTokens += req.OutputSize
	m.Requests[req.ID] = RequestMetrics{
		ID:              req.ID,
		InputSize:       req.InputSize,
		OutputSize:      req.OutputSize,
		CompletionCycle: cycle,
	}
}

// Finalize copies end-of-run state out of the scheduler.
func (m *Metrics) Finalize(s *Scheduler) {
	m.SimEndedCycle = s.Cycles()
	m.StageStats = append([]StageStat(nil), s.StageStats()...)
}

// SaveResults writes the metrics as JSON to the given path.
func (m *Metrics) SaveResults(path string) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling metrics: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("writing results to %s: %w", path, err)
	}
	return nil
}
