package sandbox

import (
	"fmt"
	"strconv"

	"luau-runner/internal/config"
)

// ResourceLimits cap an interpreter container started by the docker launcher.
type ResourceLimits struct {
	CPUShares int64 `json:"cpu_shares"` // 1024 = 1 CPU core
	MemoryMB  int64 `json:"memory_mb"`  // Hard memory limit, swap disabled
	PidsLimit int64 `json:"pids_limit"` // Max processes
}

func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		CPUShares: 512, // 0.5 CPU
		MemoryMB:  128,
		PidsLimit: 16,
	}
}

// LimitsFromConfig falls back to DefaultLimits for unset fields.
func LimitsFromConfig(c config.LimitsConfig) ResourceLimits {
	l := DefaultLimits()
	if c.CPUShares > 0 {
		l.CPUShares = c.CPUShares
	}
	if c.MemoryMB > 0 {
		l.MemoryMB = c.MemoryMB
	}
	if c.PidsLimit > 0 {
		l.PidsLimit = c.PidsLimit
	}
	return l
}

func (rl ResourceLimits) Validate() error {
	if rl.CPUShares < 2 || rl.CPUShares > 4096 {
		return fmt.Errorf("%w: cpu_shares must be 2-4096, got %d", ErrInvalidRequest, rl.CPUShares)
	}
	if rl.MemoryMB < 16 || rl.MemoryMB > 2048 {
		return fmt.Errorf("%w: memory_mb must be 16-2048, got %d", ErrInvalidRequest, rl.MemoryMB)
	}
	if rl.PidsLimit < 1 || rl.PidsLimit > 500 {
		return fmt.Errorf("%w: pids_limit must be 1-500, got %d", ErrInvalidRequest, rl.PidsLimit)
	}
	return nil
}

// DockerArgs renders the limits as `docker run` flags.
func (rl ResourceLimits) DockerArgs() []string {
	mem := strconv.FormatInt(rl.MemoryMB, 10) + "m"
	return []string{
		"--memory", mem,
		"--memory-swap", mem,
		"--pids-limit", strconv.FormatInt(rl.PidsLimit, 10),
		"--cpus", fmt.Sprintf("%.2f", float64(rl.CPUShares)/1024.0),
	}
}
