// Package server wires the collaborators behind the HTTP surface: a gin
// engine with the task-creating endpoints, per-task polling endpoints and
// the /system control plane.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"mediamill/internal/admission"
	"mediamill/internal/cache"
	"mediamill/internal/config"
	"mediamill/internal/executor"
	"mediamill/internal/hwaccel"
	"mediamill/internal/janitor"
	"mediamill/internal/logging"
	"mediamill/internal/observability"
	"mediamill/internal/resource"
	"mediamill/internal/runner"
	"mediamill/internal/task"
	"mediamill/internal/taskerr"
)

// Server owns every collaborator; nothing else in the process holds global
// state.
type Server struct {
	cfg       *config.Config
	registry  *task.Registry
	executor  *executor.Executor
	admission *admission.Controller
	sampler   *resource.Sampler
	runner    *runner.Runner
	cache     *cache.Cache
	detector  *hwaccel.Detector
	janitor   *janitor.Janitor
	errors    *taskerr.Ring
	metrics   *observability.Metrics
	logger    logging.Logger

	engine    *gin.Engine
	startTime time.Time
}

// Deps are the constructed collaborators the server composes.
type Deps struct {
	Config    *config.Config
	Registry  *task.Registry
	Executor  *executor.Executor
	Admission *admission.Controller
	Sampler   *resource.Sampler
	Runner    *runner.Runner
	Cache     *cache.Cache
	Detector  *hwaccel.Detector
	Janitor   *janitor.Janitor
	Errors    *taskerr.Ring
	Metrics   *observability.Metrics
	Logger    logging.Logger
}

func New(d Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	engine.Use(cors.New(corsConfig))

	s := &Server{
		cfg:       d.Config,
		registry:  d.Registry,
		executor:  d.Executor,
		admission: d.Admission,
		sampler:   d.Sampler,
		runner:    d.Runner,
		cache:     d.Cache,
		detector:  d.Detector,
		janitor:   d.Janitor,
		errors:    d.Errors,
		metrics:   d.Metrics,
		logger:    logging.OrNop(d.Logger),
		engine:    engine,
		startTime: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.POST("/generate_text_from_video", s.createTranscription)
	s.engine.POST("/download_video", s.createDownload)
	s.engine.POST("/extract_keyframes", s.createKeyframes)
	s.engine.POST("/compose_video", s.createComposition)

	s.engine.GET("/transcription_status/:id", s.statusHandler(task.FamilyTranscription))
	s.engine.GET("/download_status/:id", s.statusHandler(task.FamilyDownload))
	s.engine.GET("/keyframe_status/:id", s.statusHandler(task.FamilyKeyframe))
	s.engine.GET("/composition_status/:id", s.statusHandler(task.FamilyComposition))

	s.engine.GET("/transcription_result/:id", s.resultHandler(task.FamilyTranscription))
	s.engine.GET("/download_result/:id", s.resultHandler(task.FamilyDownload))
	s.engine.GET("/keyframe_result/:id", s.resultHandler(task.FamilyKeyframe))
	s.engine.GET("/composition_result/:id", s.resultHandler(task.FamilyComposition))

	s.engine.GET("/keyframe_image/:id/:index", s.keyframeImage)
	s.engine.GET("/keyframe_thumbnail/:id", s.keyframeThumbnail)
	s.engine.GET("/composition_file/:id", s.compositionFile)

	s.engine.GET("/health", s.health)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	sys := s.engine.Group("/system")
	sys.GET("/resources", s.systemResources)
	sys.GET("/resources/history", s.systemResourceHistory)
	sys.POST("/resources/cleanup", s.systemResourceCleanup)
	sys.PUT("/resources/limits", s.systemUpdateLimits)
	sys.GET("/tasks", s.systemTasks)
	sys.POST("/tasks/:id/cancel", s.systemCancelTask)
	sys.POST("/tasks/:id/force-cleanup", s.systemForceCleanup)
	sys.GET("/errors/stats", s.systemErrorStats)
	sys.GET("/errors/recent", s.systemErrorsRecent)
	sys.GET("/cleanup/stats", s.systemCleanupStats)
	sys.POST("/cleanup/force", s.systemCleanupForce)
	sys.GET("/performance/stats", s.systemPerformanceStats)
	sys.GET("/performance/cache/stats", s.systemCacheStats)
	sys.POST("/performance/cache/clear", s.systemCacheClear)
	sys.GET("/performance/hardware", s.systemHardware)
	sys.GET("/performance/memory", s.systemMemory)
	sys.POST("/performance/memory/cleanup", s.systemMemoryCleanup)
	sys.POST("/performance/optimize", s.systemOptimize)
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is done, then drains with a 10-second grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("listening on %s", srv.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// abortError maps a classified error onto the HTTP surface: validation 400,
// saturation 503, everything else 500.
func (s *Server) abortError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch taskerr.KindOf(err) {
	case taskerr.KindInputValidation:
		status = http.StatusBadRequest
	case taskerr.KindResourceLimit:
		status = http.StatusServiceUnavailable
	}
	s.errors.Record(err, "", map[string]string{"path": c.FullPath()})
	c.JSON(status, gin.H{"error": err.Error()})
}
