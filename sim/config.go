// Defines SimConfig, the immutable simulation parameters, and the constants
// derived from them once at startup (memory geometry, KV page layout).

package sim

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jgiriboy/NeuPIMs/sim/internal/util"
)

// SubBatchMode selects how the active request set is partitioned across the
// pipelined stage schedule.
type SubBatchMode string

const (
	TwoWay   SubBatchMode = "2-way" // two sub-batches over {SA, PIM}
	ThreeWay SubBatchMode = "3-way" // three sub-batches over {SA1, SA2, PIM}
)

// GiB in bytes.
const GiB = 1 << 30

// SimConfig holds all configuration for creating a Scheduler. Immutable after
// load; derived values live in Derived and are computed exactly once.
type SimConfig struct {
	// Memory spec
	DRAMChannels   int `yaml:"dram_channels"`     // number of DRAM channels (1 GiB each)
	DRAMPageSizeB  int `yaml:"dram_page_size"`    // DRAM page size in bytes
	DRAMBanksPerCh int `yaml:"dram_banks_per_ch"` // banks per channel
	PrecisionBytes int `yaml:"precision"`         // bytes per element

	// Model dimensions
	ModelNHead   int `yaml:"model_n_head"`
	ModelNEmbd   int `yaml:"model_n_embd"`
	NTP          int `yaml:"n_tp"`           // tensor parallelism degree
	ModelParamsB int `yaml:"model_params_b"` // parameter count in billions

	// Scheduling
	Mode            SubBatchMode `yaml:"sub_batch_mode"`
	ChLoadBalancing bool         `yaml:"ch_load_balancing"`
	MaxBatchSize    int          `yaml:"max_batch_size"`
	MaxActiveReqs   int          `yaml:"max_active_reqs"`

	LogDir string `yaml:"log_dir"`
}

// Validate rejects configurations the scheduler cannot run. Non-sub-batch
// operation is unreachable in this simulator, so Mode must name one of the
// two sub-batch schedules.
func (c SimConfig) Validate() error {
	if c.Mode != TwoWay && c.Mode != ThreeWay {
		return fmt.Errorf("sub_batch_mode must be %q or %q, got %q", TwoWay, ThreeWay, c.Mode)
	}
	if c.DRAMChannels <= 0 {
		return fmt.Errorf("dram_channels must be > 0, got %d", c.DRAMChannels)
	}
	if c.DRAMPageSizeB <= 0 || c.DRAMBanksPerCh <= 0 {
		return fmt.Errorf("dram_page_size and dram_banks_per_ch must be > 0, got %d / %d",
			c.DRAMPageSizeB, c.DRAMBanksPerCh)
	}
	if c.PrecisionBytes <= 0 {
		return fmt.Errorf("precision must be > 0, got %d", c.PrecisionBytes)
	}
	if c.ModelNHead <= 0 || c.ModelNEmbd <= 0 {
		return fmt.Errorf("model dimensions must be > 0, got n_head=%d n_embd=%d",
			c.ModelNHead, c.ModelNEmbd)
	}
	if c.NTP <= 0 {
		return fmt.Errorf("n_tp must be > 0, got %d", c.NTP)
	}
	if c.ModelNHead%c.NTP != 0 {
		return fmt.Errorf("model_n_head (%d) must be divisible by n_tp (%d)", c.ModelNHead, c.NTP)
	}
	if c.ModelNEmbd%c.ModelNHead != 0 {
		return fmt.Errorf("model_n_embd (%d) must be divisible by model_n_head (%d)",
			c.ModelNEmbd, c.ModelNHead)
	}
	return nil
}

// Derived holds the constants computed from a SimConfig: head geometry, KV
// page layout and the PIM tile budget.
type Derived struct {
	NH         int // heads per tensor-parallel worker
	DK         int // head dimension
	EffectiveE int // NH * DK

	PageSizeElems int // DRAM page size in elements

	// How often a page is created per number of tokens.
	KeyPeriod   int
	ValuePeriod int

	// How many PIM tiles compose a page.
	KeyPageSize   int
	ValuePageSize int

	TotalTiles      int
	TilesPerChannel int
}

// NewDerived computes the derived constants. The KV capacity is the channel
// capacity (1 GiB per channel) minus the model weights, expressed in PIM
// tiles of one page striped across the banks of a channel.
func NewDerived(c SimConfig) Derived {
	d := Derived{}
	d.NH = c.ModelNHead / c.NTP
	d.DK = c.ModelNEmbd / c.ModelNHead
	d.EffectiveE = d.NH * d.DK

	d.PageSizeElems = c.DRAMPageSizeB / c.PrecisionBytes

	d.KeyPeriod = c.DRAMBanksPerCh
	d.ValuePeriod = d.PageSizeElems
	d.KeyPageSize = util.CeilDiv(d.EffectiveE, d.ValuePeriod)
	d.ValuePageSize = util.CeilDiv(d.EffectiveE, d.KeyPeriod)

	modelWeightGB := c.ModelParamsB * c.PrecisionBytes / c.NTP
	availableForKV := c.DRAMChannels - modelWeightGB // GiB
	pimTileSize := c.DRAMPageSizeB * c.DRAMBanksPerCh
	if availableForKV > 0 {
		d.TotalTiles = int(int64(availableForKV) * GiB / int64(pimTileSize))
	}
	d.TilesPerChannel = d.TotalTiles / c.DRAMChannels
	return d
}

// LoadSimConfig reads a SimConfig from a YAML file. Values absent from the
// file keep their zero value; callers overlay CLI flags afterwards.
func LoadSimConfig(path string) (SimConfig, error) {
	var cfg SimConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// NumSubBatches returns 2 or 3 according to the scheduling mode.
func (c SimConfig) NumSubBatches() int {
	if c.Mode == ThreeWay {
		return 3
	}
	return 2
}
