package execution

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"repair-bench/internal/logging"
	"repair-bench/internal/task"

	"github.com/gin-gonic/gin"
)

// StatusServer exposes the progress of an invocation over HTTP.
type StatusServer struct {
	orchestrator *Orchestrator
	planned      int
	srv          *http.Server
}

type statusResponse struct {
	Iteration int                   `json:"iteration"`
	Planned   int                   `json:"planned"`
	Totals    map[task.RunState]int `json:"totals"`
	Failed    bool                  `json:"failed"`
	Running   []runningRun          `json:"running"`
	Started   time.Time             `json:"started"`
	Uptime    string                `json:"uptime"`
}

type runningRun struct {
	Identifier string    `json:"identifier"`
	Since      time.Time `json:"since"`
}

// NewStatusServer serves GET /status, GET /runs and GET /runs/:identifier
// on addr. planned is the total number of runs, zero when unknown.
func NewStatusServer(addr string, o *Orchestrator, planned int) *StatusServer {
	s := &StatusServer{orchestrator: o, planned: planned}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/status", s.getStatus)
	router.GET("/runs", s.getRuns)
	router.GET("/runs/:identifier", s.getRun)

	s.srv = &http.Server{Addr: addr, Handler: router}
	return s
}

func (s *StatusServer) Handler() http.Handler {
	return s.srv.Handler
}

// Start serves in the background until Shutdown.
func (s *StatusServer) Start() {
	logger := logging.GetLogger()
	logger.WithField("addr", s.srv.Addr).Info("Status server listening")
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Status server stopped")
		}
	}()
}

func (s *StatusServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *StatusServer) getStatus(c *gin.Context) {
	summary := s.orchestrator.Accountant().Summary()
	running := make([]runningRun, 0)
	for id, since := range s.orchestrator.Running() {
		running = append(running, runningRun{Identifier: id, Since: since})
	}
	sort.Slice(running, func(i, j int) bool { return running[i].Identifier < running[j].Identifier })

	c.JSON(http.StatusOK, statusResponse{
		Iteration: summary.Iterations,
		Planned:   s.planned,
		Totals:    summary.Totals,
		Failed:    summary.Failed,
		Running:   running,
		Started:   summary.Started,
		Uptime:    summary.Duration.Round(time.Second).String(),
	})
}

func (s *StatusServer) getRuns(c *gin.Context) {
	c.JSON(http.StatusOK, s.orchestrator.Accountant().Records())
}

func (s *StatusServer) getRun(c *gin.Context) {
	id := c.Param("identifier")
	for _, r := range s.orchestrator.Accountant().Records() {
		if r.Identifier == id {
			c.JSON(http.StatusOK, r)
			return
		}
	}
	c.AbortWithStatus(http.StatusNotFound)
}
