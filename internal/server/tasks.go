package server

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"

	"mediamill/internal/config"
	"mediamill/internal/executor"
	"mediamill/internal/task"
	"mediamill/internal/taskerr"
)

// accept runs the shared task-creation path: admission, registry insert,
// pipeline launch. The response carries the id for polling.
func (s *Server) accept(c *gin.Context, family task.Family, params any, submit func(taskID string)) {
	if err := s.admission.Check(); err != nil {
		if s.metrics != nil {
			s.metrics.AdmissionRejected.Inc()
		}
		s.abortError(c, err)
		return
	}
	rec := s.registry.Create(family, params)
	if s.metrics != nil {
		s.metrics.TaskCreated(family)
	}
	submit(rec.ID)
	c.JSON(http.StatusOK, gin.H{"task_id": rec.ID, "status": rec.Status})
}

func (s *Server) createTranscription(c *gin.Context) {
	var req executor.TranscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortError(c, taskerr.Wrap(taskerr.KindInputValidation, err, "malformed request"))
		return
	}
	s.accept(c, task.FamilyTranscription, req, func(id string) {
		s.executor.SubmitTranscription(id, req)
	})
}

func (s *Server) createDownload(c *gin.Context) {
	var req executor.DownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortError(c, taskerr.Wrap(taskerr.KindInputValidation, err, "malformed request"))
		return
	}
	if err := executor.ValidateDownload(&req); err != nil {
		s.abortError(c, err)
		return
	}
	s.accept(c, task.FamilyDownload, req, func(id string) {
		s.executor.SubmitDownload(id, req)
	})
}

func (s *Server) createKeyframes(c *gin.Context) {
	var req executor.KeyframeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortError(c, taskerr.Wrap(taskerr.KindInputValidation, err, "malformed request"))
		return
	}
	if err := executor.ValidateKeyframe(&req); err != nil {
		s.abortError(c, err)
		return
	}
	s.accept(c, task.FamilyKeyframe, req, func(id string) {
		s.executor.SubmitKeyframes(id, req)
	})
}

func (s *Server) createComposition(c *gin.Context) {
	var req executor.CompositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortError(c, taskerr.Wrap(taskerr.KindInputValidation, err, "malformed request"))
		return
	}
	if err := executor.ValidateComposition(&req); err != nil {
		s.abortError(c, err)
		return
	}
	s.accept(c, task.FamilyComposition, req, func(id string) {
		s.executor.SubmitComposition(id, req)
	})
}

// lookup finds the task and enforces the family the endpoint serves.
func (s *Server) lookup(c *gin.Context, family task.Family) (task.Record, bool) {
	rec, ok := s.registry.Get(c.Param("id"))
	if !ok || rec.Family != family {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown task id"})
		return task.Record{}, false
	}
	return rec, true
}

func (s *Server) statusHandler(family task.Family) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, ok := s.lookup(c, family)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

// resultHandler serves the result projection; polling before completion is
// a 404 so clients keep polling the status endpoint.
func (s *Server) resultHandler(family task.Family) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, ok := s.lookup(c, family)
		if !ok {
			return
		}
		if rec.Status != task.StatusCompleted {
			c.JSON(http.StatusNotFound, gin.H{
				"error":  "task not completed",
				"status": rec.Status,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"task_id": rec.ID, "result": rec.Result})
	}
}

func (s *Server) keyframeResult(c *gin.Context) (*executor.KeyframeResult, string, bool) {
	rec, ok := s.lookup(c, task.FamilyKeyframe)
	if !ok {
		return nil, "", false
	}
	if rec.Status != task.StatusCompleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not completed"})
		return nil, "", false
	}
	res, ok := rec.Result.(*executor.KeyframeResult)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "result unavailable"})
		return nil, "", false
	}
	return res, rec.ID, true
}

func (s *Server) keyframeImage(c *gin.Context) {
	res, id, ok := s.keyframeResult(c)
	if !ok {
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 || index >= len(res.Frames) {
		c.JSON(http.StatusNotFound, gin.H{"error": "frame index out of range"})
		return
	}
	c.File(filepath.Join(s.cfg.TaskDir(config.DirKeyframes, id), res.Frames[index].Filename))
}

func (s *Server) keyframeThumbnail(c *gin.Context) {
	res, id, ok := s.keyframeResult(c)
	if !ok {
		return
	}
	if res.Thumbnail == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no thumbnail produced"})
		return
	}
	c.File(filepath.Join(s.cfg.TaskDir(config.DirKeyframes, id), res.Thumbnail))
}

func (s *Server) compositionFile(c *gin.Context) {
	rec, ok := s.lookup(c, task.FamilyComposition)
	if !ok {
		return
	}
	if rec.Status != task.StatusCompleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not completed"})
		return
	}
	res, ok := rec.Result.(*executor.CompositionResult)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "result unavailable"})
		return
	}
	if _, err := os.Stat(res.OutputFile); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "output file swept"})
		return
	}
	c.File(res.OutputFile)
}
