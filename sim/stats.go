// Write-only statistics sinks: per-operation execution windows, the running
// tile accounting the scheduler keeps per active operation, and per-stage
// cycle counts.

package sim

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// RunningStat tracks the tile accounting of one operation while its tiles are
// in flight.
type RunningStat struct {
	ID            int
	Name          string
	StartCycle    int64
	TotalTiles    int
	RemainTiles   int
	LaunchedTiles int
}

// OperationStat is the persisted record of one operation's execution.
type OperationStat struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	OpType      string `json:"op_type"`
	TotalTiles  int    `json:"total_tiles"`
	StartCycle  int64  `json:"start_cycle"`
	FinishCycle int64  `json:"finish_cycle"`
}

// StageStat records the cumulative cycle count at which a stage completed.
type StageStat struct {
	Stage  string `json:"stage"`
	Cycles int64  `json:"cycles"`
}

// WriteOperationStats persists a program's operation stats as JSON to
// {logDir}/{name}.
func WriteOperationStats(logDir, name string, stats []OperationStat) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("creating log dir: %w", err)
	}
	raw, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling operation stats: %w", err)
	}
	path := filepath.Join(logDir, name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// WriteStageStats persists the per-stage cumulative cycle counts as JSON to
// {logDir}/stage_stats.
func WriteStageStats(logDir string, stats []StageStat) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("creating log dir: %w", err)
	}
	raw, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling stage stats: %w", err)
	}
	path := filepath.Join(logDir, "stage_stats")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
