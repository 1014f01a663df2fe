// Package admission gates task creation against the latest resource sample.
// It holds no state across a task's lifetime; a rejected request never
// touches the registry.
package admission

import (
	"mediamill/internal/logging"
	"mediamill/internal/resource"
	"mediamill/internal/taskerr"
)

// Stats is the narrow sampler view the controller consumes.
type Stats interface {
	Latest() resource.Sample
	Limits() resource.Limits
}

// ActiveCounter reports non-terminal tasks in the registry.
type ActiveCounter interface {
	CountActive() int
}

// Controller decides whether a new task may be created.
type Controller struct {
	stats  Stats
	tasks  ActiveCounter
	logger logging.Logger
}

// NewController builds an admission controller.
func NewController(stats Stats, tasks ActiveCounter, logger logging.Logger) *Controller {
	return &Controller{stats: stats, tasks: tasks, logger: logging.OrNop(logger)}
}

// Check returns nil when a new task may be admitted, otherwise a
// resource-limit error naming the breached ceiling.
func (c *Controller) Check() error {
	limits := c.stats.Limits()
	sample := c.stats.Latest()

	if active := c.tasks.CountActive(); active >= limits.MaxConcurrentTasks {
		c.logger.Warn("admission rejected: %d active tasks at limit %d", active, limits.MaxConcurrentTasks)
		return taskerr.New(taskerr.KindResourceLimit,
			"too many concurrent tasks (%d active, limit %d)", active, limits.MaxConcurrentTasks)
	}
	if sample.MemPct > limits.MaxMemPct {
		return taskerr.New(taskerr.KindResourceLimit,
			"memory usage %.1f%% exceeds limit %.0f%%", sample.MemPct, limits.MaxMemPct)
	}
	if sample.DiskPct > limits.MaxDiskPct {
		return taskerr.New(taskerr.KindResourceLimit,
			"disk usage %.1f%% exceeds limit %.0f%%", sample.DiskPct, limits.MaxDiskPct)
	}
	if int64(sample.FreeDiskBytes) < limits.MinFreeDiskBytes {
		return taskerr.New(taskerr.KindResourceLimit,
			"free disk %d bytes below minimum %d", sample.FreeDiskBytes, limits.MinFreeDiskBytes)
	}
	if sample.CPUPct > limits.MaxCPUPct {
		return taskerr.New(taskerr.KindResourceLimit,
			"cpu usage %.1f%% exceeds limit %.0f%%", sample.CPUPct, limits.MaxCPUPct)
	}
	return nil
}
