package server

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"mediamill/internal/resource"
	"mediamill/internal/task"
)

func (s *Server) health(c *gin.Context) {
	sample := s.sampler.Latest()
	limits := s.sampler.Limits()

	status := "healthy"
	resourceStatus := "normal"
	if sample.CPUPct > limits.MaxCPUPct || sample.MemPct > limits.MaxMemPct ||
		sample.DiskPct > limits.MaxDiskPct {
		status = "degraded"
		resourceStatus = "constrained"
	}

	active := s.registry.CountActiveByFamily()
	c.JSON(http.StatusOK, gin.H{
		"status":                     status,
		"timestamp":                  time.Now().UTC(),
		"uptime_s":                   time.Since(s.startTime).Seconds(),
		"active_transcription_tasks": active[task.FamilyTranscription],
		"active_download_tasks":      active[task.FamilyDownload],
		"active_keyframe_tasks":      active[task.FamilyKeyframe],
		"active_composition_tasks":   active[task.FamilyComposition],
		"resource_status":            resourceStatus,
	})
}

func (s *Server) systemResources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"current": s.sampler.Latest(),
		"limits":  s.sampler.Limits(),
	})
}

func (s *Server) systemResourceHistory(c *gin.Context) {
	minutes, err := strconv.Atoi(c.DefaultQuery("duration_minutes", "5"))
	if err != nil || minutes < 1 || minutes > 60 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "duration_minutes must be in 1..60"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"duration_minutes": minutes,
		"samples":          s.sampler.History(time.Duration(minutes) * time.Minute),
	})
}

func (s *Server) systemResourceCleanup(c *gin.Context) {
	removed := s.sampler.ForceCleanup()
	c.JSON(http.StatusOK, gin.H{"removed_files": removed})
}

func (s *Server) systemUpdateLimits(c *gin.Context) {
	var patch resource.LimitPatch
	if v := c.Query("max_concurrent_tasks"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "max_concurrent_tasks must be an integer"})
			return
		}
		patch.MaxConcurrentTasks = &n
	}
	for q, dst := range map[string]**float64{
		"max_cpu_usage":    &patch.MaxCPUPct,
		"max_memory_usage": &patch.MaxMemPct,
		"max_disk_usage":   &patch.MaxDiskPct,
	} {
		v := c.Query(q)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": q + " must be a number"})
			return
		}
		*dst = &f
	}
	if v := c.Query("min_free_disk_bytes"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "min_free_disk_bytes must be an integer"})
			return
		}
		patch.MinFreeDiskBytes = &n
	}

	limits, err := s.sampler.UpdateLimits(patch)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"limits": limits})
}

func (s *Server) systemTasks(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.Summarize())
}

func (s *Server) systemCancelTask(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.registry.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown task id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": id, "cancelled": s.registry.Cancel(id)})
}

// systemForceCleanup cancels the task and sweeps every per-task directory it
// may have produced, without waiting for the janitor.
func (s *Server) systemForceCleanup(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.registry.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown task id"})
		return
	}
	cancelled := s.registry.Cancel(id)
	removed := 0
	for dir := range s.cfg.ScratchPolicies() {
		taskDir := filepath.Join(dir, id)
		if _, err := os.Stat(taskDir); err != nil {
			continue
		}
		if err := os.RemoveAll(taskDir); err != nil {
			s.logger.Warn("force-cleanup %s: %v", taskDir, err)
			continue
		}
		removed++
	}
	for _, p := range s.registry.TakeTempPaths(id) {
		if err := os.RemoveAll(p); err == nil {
			removed++
		}
	}
	c.JSON(http.StatusOK, gin.H{"task_id": id, "cancelled": cancelled, "removed_dirs": removed})
}

func (s *Server) systemErrorStats(c *gin.Context) {
	total, byKind := s.errors.Stats()
	c.JSON(http.StatusOK, gin.H{"total": total, "by_kind": byKind})
}

func (s *Server) systemErrorsRecent(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 || limit > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be in 1..100"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"errors": s.errors.Recent(limit)})
}

func (s *Server) systemCleanupStats(c *gin.Context) {
	stats := make(map[string]gin.H)
	for dir, maxAge := range s.cfg.ScratchPolicies() {
		entries, err := os.ReadDir(dir)
		count := 0
		if err == nil {
			count = len(entries)
		}
		stats[dir] = gin.H{"entries": count, "max_age_s": maxAge.Seconds()}
	}
	c.JSON(http.StatusOK, gin.H{"directories": stats})
}

func (s *Server) systemCleanupForce(c *gin.Context) {
	if err := s.janitor.Tick(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "swept"})
}

func (s *Server) systemPerformanceStats(c *gin.Context) {
	used, capacity := s.runner.SlotStats()
	c.JSON(http.StatusOK, gin.H{
		"uptime_s": time.Since(s.startTime).Seconds(),
		"cache":    s.cache.Stats(),
		"hardware": s.detector.Capabilities(c.Request.Context()),
		"slots":    gin.H{"used": used, "capacity": capacity},
		"tasks":    s.registry.Summarize(),
	})
}

func (s *Server) systemCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.cache.Stats())
}

func (s *Server) systemCacheClear(c *gin.Context) {
	s.cache.Clear()
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (s *Server) systemHardware(c *gin.Context) {
	c.JSON(http.StatusOK, s.detector.Capabilities(c.Request.Context()))
}

func (s *Server) systemMemory(c *gin.Context) {
	c.JSON(http.StatusOK, s.sampler.MemoryStats())
}

func (s *Server) systemMemoryCleanup(c *gin.Context) {
	before := s.sampler.MemoryStats()
	s.sampler.ForceCleanup()
	c.JSON(http.StatusOK, gin.H{"before": before, "after": s.sampler.MemoryStats()})
}

// systemOptimize runs every mitigation at once: memory reclaim, scratch
// sweep and cache expiry.
func (s *Server) systemOptimize(c *gin.Context) {
	removed := s.sampler.ForceCleanup()
	expired := s.cache.SweepExpired()
	c.JSON(http.StatusOK, gin.H{"removed_files": removed, "expired_cache_entries": expired})
}
