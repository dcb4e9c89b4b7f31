package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/avendel/stagehand/internal/dispatch"
	"github.com/avendel/stagehand/internal/fault"
	"github.com/avendel/stagehand/internal/render"
)

// registerRoutes sets up all API routes on the gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	api := router.Group("/api")

	api.POST("/sessions", handleCreateSession(opts.Sessions))
	api.GET("/sessions", handleListSessions(opts.Sessions))
	api.GET("/sessions/:id", handleGetSession(opts.Sessions))
	api.DELETE("/sessions/:id", handleCloseSession(opts.Sessions))
	api.POST("/sessions/:id/commands", handleCommands(opts.Commands))

	api.POST("/jobs", handleSubmitJob(opts.Jobs))
	api.GET("/jobs", handleListJobs(opts.Jobs))
	api.GET("/jobs/:id", handleGetJob(opts.Jobs))
	api.POST("/jobs/:id/cancel", handleCancelJob(opts.Jobs))

	api.GET("/processes", handleListProcesses(opts.Processes))

	if opts.History != nil {
		api.GET("/history/jobs", handleRecentJobs(opts.History))
		api.GET("/events", handleEvents(opts.History))
	}
}

// respond writes the success envelope.
func respond(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"ok": true, "data": data})
}

// respondError writes the error envelope with the HTTP status derived
// from the fault code.
func respondError(c *gin.Context, err error) {
	code := fault.CodeOf(err)
	msg := err.Error()
	if fe, ok := err.(*fault.Error); ok {
		msg = fe.Message
	}
	c.JSON(httpStatus(code), gin.H{
		"ok": false,
		"error": gin.H{
			"code":    string(code),
			"message": msg,
		},
	})
}

// respondPartial writes the error envelope plus the results accumulated
// before the failure, so a faulted sequence still reports what ran.
func respondPartial(c *gin.Context, err error, results []dispatch.Result) {
	code := fault.CodeOf(err)
	msg := err.Error()
	if fe, ok := err.(*fault.Error); ok {
		msg = fe.Message
	}
	if results == nil {
		results = []dispatch.Result{}
	}
	c.JSON(httpStatus(code), gin.H{
		"ok":   false,
		"data": results,
		"error": gin.H{
			"code":    string(code),
			"message": msg,
		},
	})
}

// httpStatus maps fault codes onto HTTP statuses.
func httpStatus(code fault.Code) int {
	switch code {
	case fault.CodeNotFound:
		return http.StatusNotFound
	case fault.CodeInvalidCommand:
		return http.StatusBadRequest
	case fault.CodeResourceExhausted, fault.CodeQueueFull:
		return http.StatusTooManyRequests
	case fault.CodeSessionNotReady:
		return http.StatusConflict
	case fault.CodeCommandTimeout, fault.CodeStartupTimeout:
		return http.StatusGatewayTimeout
	case fault.CodeEngineUnavailable:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func handleCreateSession(svc SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := svc.Create(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusCreated, sess)
	}
}

func handleListSessions(svc SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		respond(c, http.StatusOK, svc.List())
	}
}

func handleGetSession(svc SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := svc.Get(c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, sess)
	}
}

func handleCloseSession(svc SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.Close(c.Param("id")); err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, gin.H{"closed": true})
	}
}

// commandRequest is the body of POST /api/sessions/:id/commands.
type commandRequest struct {
	Commands        []dispatch.Command `json:"commands" binding:"required"`
	ContinueOnError bool               `json:"continue_on_error"`
	TimeoutSecs     int                `json:"timeout_secs"`
}

func handleCommands(svc CommandService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req commandRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, fault.New(fault.CodeInvalidCommand, "invalid request body: %v", err))
			return
		}
		if len(req.Commands) == 0 {
			respondError(c, fault.New(fault.CodeInvalidCommand, "at least one command is required"))
			return
		}

		sessionID := c.Param("id")
		if len(req.Commands) == 1 {
			timeout := time.Duration(req.TimeoutSecs) * time.Second
			res, err := svc.Execute(c.Request.Context(), sessionID, req.Commands[0], timeout)
			if err != nil {
				respondError(c, err)
				return
			}
			respond(c, http.StatusOK, []dispatch.Result{res})
			return
		}

		results, err := svc.ExecuteSequence(c.Request.Context(), sessionID, req.Commands, req.ContinueOnError)
		if err != nil {
			// A sequence can fault partway through; the caller still gets
			// the results of the commands that ran.
			respondPartial(c, err, results)
			return
		}
		respond(c, http.StatusOK, results)
	}
}

// jobRequest is the body of POST /api/jobs.
type jobRequest struct {
	SessionID string        `json:"session_id" binding:"required"`
	Priority  int           `json:"priority"`
	Params    render.Params `json:"params"`
}

func handleSubmitJob(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req jobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, fault.New(fault.CodeInvalidCommand, "invalid request body: %v", err))
			return
		}
		job, err := svc.Submit(req.SessionID, req.Params, req.Priority)
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusAccepted, job)
	}
}

func handleListJobs(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		respond(c, http.StatusOK, svc.List())
	}
}

func handleGetJob(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := svc.Get(c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, job)
	}
}

func handleCancelJob(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		cancelled, err := svc.Cancel(c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, gin.H{"cancelled": cancelled})
	}
}

func handleListProcesses(svc ProcessService) gin.HandlerFunc {
	return func(c *gin.Context) {
		respond(c, http.StatusOK, svc.ListActive())
	}
}

func handleRecentJobs(history History) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		rows, err := history.RecentJobs(limit)
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, rows)
	}
}
