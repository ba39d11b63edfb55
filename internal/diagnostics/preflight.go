package diagnostics

import (
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/cswartzvi/prefect/internal/logging"
)

// PreflightConfig configures pre-spawn resource checks.
type PreflightConfig struct {
	// Enabled turns the checks on. When false, Check always passes.
	Enabled bool
	// MinFreeMemoryMB is the hard floor of available memory below which a
	// spawn is refused.
	MinFreeMemoryMB uint64
	// MaxLoadPerCPU is the 1-minute load average per CPU above which a
	// warning is logged. Load never hard-fails a spawn; memory does.
	MaxLoadPerCPU float64
}

// DefaultPreflightConfig returns the default preflight thresholds.
func DefaultPreflightConfig() PreflightConfig {
	return PreflightConfig{
		Enabled:         true,
		MinFreeMemoryMB: 256,
		MaxLoadPerCPU:   4.0,
	}
}

// Preflight checks host resources before each process spawn. A failed
// check surfaces as a failed dispatch for that run; warnings only log.
type Preflight struct {
	cfg     PreflightConfig
	logger  *logging.Logger
	virtual func() (*mem.VirtualMemoryStat, error)
	loadAvg func() (*load.AvgStat, error)
}

// NewPreflight creates a preflight checker.
func NewPreflight(cfg PreflightConfig, logger *logging.Logger) *Preflight {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Preflight{
		cfg:     cfg,
		logger:  logger,
		virtual: mem.VirtualMemory,
		loadAvg: load.Avg,
	}
}

// Check returns an error when available memory is below the configured
// floor. Load pressure and probe failures are logged, never fatal.
func (p *Preflight) Check() error {
	if !p.cfg.Enabled {
		return nil
	}

	vm, err := p.virtual()
	if err != nil {
		p.logger.Warn("preflight: memory probe failed", "error", err)
	} else {
		availMB := vm.Available / (1 << 20)
		if p.cfg.MinFreeMemoryMB > 0 && availMB < p.cfg.MinFreeMemoryMB {
			return fmt.Errorf("insufficient memory: %d MB available (minimum: %d MB)",
				availMB, p.cfg.MinFreeMemoryMB)
		}
		if p.cfg.MinFreeMemoryMB > 0 && availMB < p.cfg.MinFreeMemoryMB*2 {
			p.logger.Warn("preflight: available memory approaching floor",
				"available_mb", availMB,
				"floor_mb", p.cfg.MinFreeMemoryMB,
			)
		}
	}

	if avg, err := p.loadAvg(); err == nil && p.cfg.MaxLoadPerCPU > 0 {
		perCPU := avg.Load1 / float64(runtime.NumCPU())
		if perCPU > p.cfg.MaxLoadPerCPU {
			p.logger.Warn("preflight: high load average",
				"load_1m", avg.Load1,
				"per_cpu", perCPU,
			)
		}
	}

	return nil
}
