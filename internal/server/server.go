// Package server exposes the HTTP API: session lifecycle, command
// dispatch, rendering jobs, process inspection and the event feed.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/avendel/stagehand/internal/dispatch"
	"github.com/avendel/stagehand/internal/models"
	"github.com/avendel/stagehand/internal/render"
	"github.com/avendel/stagehand/internal/session"
	"github.com/avendel/stagehand/internal/supervisor"
)

// SessionService is the slice of the session registry the API needs.
type SessionService interface {
	Create(ctx context.Context) (session.Session, error)
	Get(id string) (session.Session, error)
	Close(id string) error
	List() []session.Session
}

// CommandService is the slice of the dispatcher the API needs.
type CommandService interface {
	Execute(ctx context.Context, sessionID string, cmd dispatch.Command, timeout time.Duration) (dispatch.Result, error)
	ExecuteSequence(ctx context.Context, sessionID string, cmds []dispatch.Command, continueOnError bool) ([]dispatch.Result, error)
}

// JobService is the slice of the rendering queue the API needs.
type JobService interface {
	Submit(sessionID string, params render.Params, priority int) (render.Job, error)
	Get(id string) (render.Job, error)
	Cancel(id string) (bool, error)
	List() []render.Job
}

// ProcessService is the slice of the supervisor the API needs.
type ProcessService interface {
	ListActive() []supervisor.Process
}

// History is the slice of the store the API needs.
type History interface {
	RecentJobs(limit int) ([]models.RenderJobRecord, error)
	EventsSince(afterID uint, limit int) ([]models.ProcessEvent, error)
	LatestEventID() (uint, error)
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Port      int
	Sessions  SessionService
	Commands  CommandService
	Jobs      JobService
	Processes ProcessService
	History   History // optional; history routes 404 without it
	Out       io.Writer
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Sessions == nil {
		return fmt.Errorf("server: session service is required")
	}
	if opts.Commands == nil {
		return fmt.Errorf("server: command service is required")
	}
	if opts.Jobs == nil {
		return fmt.Errorf("server: job service is required")
	}
	if opts.Processes == nil {
		return fmt.Errorf("server: process service is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	router := buildRouter(opts)

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// buildRouter assembles the gin router. Split from Start so tests can
// exercise handlers without binding a port.
func buildRouter(opts StartOpts) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router
}
