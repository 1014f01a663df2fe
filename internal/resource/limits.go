package resource

import (
	"fmt"
)

// Limits are the runtime-mutable admission ceilings.
type Limits struct {
	MaxConcurrentTasks int     `json:"max_concurrent_tasks"`
	MaxCPUPct          float64 `json:"max_cpu_usage"`
	MaxMemPct          float64 `json:"max_memory_usage"`
	MaxDiskPct         float64 `json:"max_disk_usage"`
	MinFreeDiskBytes   int64   `json:"min_free_disk_bytes"`
}

// DefaultLimits returns the startup ceilings.
func DefaultLimits() Limits {
	return Limits{
		MaxConcurrentTasks: 3,
		MaxCPUPct:          80,
		MaxMemPct:          85,
		MaxDiskPct:         90,
		MinFreeDiskBytes:   5 << 30,
	}
}

const (
	minConcurrentTasks = 1
	maxConcurrentTasks = 10
	minPctCeiling      = 50
	maxPctCeiling      = 95
	minFreeDiskFloor   = 1 << 30
	maxFreeDiskFloor   = 100 << 30
)

// LimitPatch carries optional new values for UpdateLimits; nil fields keep
// the current setting.
type LimitPatch struct {
	MaxConcurrentTasks *int
	MaxCPUPct          *float64
	MaxMemPct          *float64
	MaxDiskPct         *float64
	MinFreeDiskBytes   *int64
}

// Apply validates and merges the patch into l.
func (l *Limits) Apply(p LimitPatch) error {
	if p.MaxConcurrentTasks != nil {
		v := *p.MaxConcurrentTasks
		if v < minConcurrentTasks || v > maxConcurrentTasks {
			return fmt.Errorf("max_concurrent_tasks must be in [%d, %d], got %d",
				minConcurrentTasks, maxConcurrentTasks, v)
		}
		l.MaxConcurrentTasks = v
	}
	for _, f := range []struct {
		name string
		val  *float64
		dst  *float64
	}{
		{"max_cpu_usage", p.MaxCPUPct, &l.MaxCPUPct},
		{"max_memory_usage", p.MaxMemPct, &l.MaxMemPct},
		{"max_disk_usage", p.MaxDiskPct, &l.MaxDiskPct},
	} {
		if f.val == nil {
			continue
		}
		if *f.val < minPctCeiling || *f.val > maxPctCeiling {
			return fmt.Errorf("%s must be in [%d, %d], got %.1f",
				f.name, minPctCeiling, maxPctCeiling, *f.val)
		}
		*f.dst = *f.val
	}
	if p.MinFreeDiskBytes != nil {
		v := *p.MinFreeDiskBytes
		if v < minFreeDiskFloor || v > maxFreeDiskFloor {
			return fmt.Errorf("min_free_disk_bytes must be in [1GiB, 100GiB], got %d", v)
		}
		l.MinFreeDiskBytes = v
	}
	return nil
}
