// Package server exposes the agent subsystem over a small REST API: feature
// flags, backend capabilities, the task registry and conversation analysis.
package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/zyumo777/N.E.K.O/pkg/agent"
	"github.com/zyumo777/N.E.K.O/pkg/agent/executor"
	"github.com/zyumo777/N.E.K.O/pkg/agent/registry"
	"github.com/zyumo777/N.E.K.O/pkg/agent/scheduler"
)

type Config struct {
	Executor     *executor.Executor
	Flags        *agent.Flags
	Capabilities *agent.CapabilityCache
	Registry     *registry.Registry
	// Scheduler receives queued desktop and browser tasks; optional.
	Scheduler *scheduler.Scheduler
	Logger    *logrus.Logger
}

type Server struct {
	exec  *executor.Executor
	flags *agent.Flags
	caps  *agent.CapabilityCache
	reg   *registry.Registry
	sched *scheduler.Scheduler
	log   *logrus.Logger
}

func New(cfg Config) (*Server, error) {
	if cfg.Executor == nil {
		return nil, errors.New("agent server: executor is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Registry == nil {
		cfg.Registry = cfg.Executor.Registry()
	}
	if cfg.Flags == nil {
		cfg.Flags = cfg.Executor.Flags()
	}
	if cfg.Capabilities == nil {
		cfg.Capabilities = cfg.Executor.Capabilities()
	}
	return &Server{
		exec:  cfg.Executor,
		flags: cfg.Flags,
		caps:  cfg.Capabilities,
		reg:   cfg.Registry,
		sched: cfg.Scheduler,
		log:   cfg.Logger,
	}, nil
}

// RegisterRoutes registers all HTTP routes for the agent API.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", s.handleHealth)

	e.GET("/agent/flags", s.handleGetFlags)
	e.POST("/agent/flags", s.handleUpdateFlags)
	e.GET("/agent/capabilities", s.handleCapabilities)
	e.POST("/agent/analyze", s.handleAnalyze)
	e.POST("/agent/command", s.handleCommand)

	e.GET("/tasks", s.handleListTasks)
	e.GET("/tasks/:taskId", s.handleGetTask)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":       "healthy",
		"active_tasks": len(s.reg.ActiveDescriptions()),
	})
}

func (s *Server) handleGetFlags(c echo.Context) error {
	return c.JSON(http.StatusOK, s.flags.Snapshot())
}

// handleUpdateFlags applies the known boolean keys from the request body and
// ignores everything else, reporting which keys changed.
func (s *Server) handleUpdateFlags(c echo.Context) error {
	var raw map[string]any
	if err := c.Bind(&raw); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	applied := s.flags.Update(raw)
	s.log.WithField("applied", applied).Info("feature flags updated")

	return c.JSON(http.StatusOK, map[string]any{
		"applied": applied,
		"flags":   s.flags.Snapshot(),
	})
}

func (s *Server) handleCapabilities(c echo.Context) error {
	return c.JSON(http.StatusOK, s.caps.Snapshot())
}

type analyzeRequest struct {
	Messages []executor.Message `json:"messages"`
}

type analyzeResponse struct {
	TaskDetected bool   `json:"task_detected"`
	TaskID       string `json:"task_id,omitempty"`
	Method       string `json:"method,omitempty"`
	Description  string `json:"description,omitempty"`
	Queued       bool   `json:"queued,omitempty"`
	Success      bool   `json:"success,omitempty"`
	Summary      string `json:"summary,omitempty"`
}

func (s *Server) handleAnalyze(c echo.Context) error {
	var req analyzeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if len(req.Messages) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "messages are required"})
	}

	out, err := s.exec.Analyze(c.Request().Context(), req.Messages)
	if err != nil {
		s.log.WithError(err).Error("conversation analysis failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "analysis failed"})
	}
	if out == nil {
		return c.JSON(http.StatusOK, analyzeResponse{})
	}

	if out.Queued && s.sched != nil {
		s.sched.Enqueue(out.TaskID)
	}

	return c.JSON(http.StatusOK, analyzeResponse{
		TaskDetected: true,
		TaskID:       out.TaskID,
		Method:       out.Method,
		Description:  out.Description,
		Queued:       out.Queued,
		Success:      out.Result.Success,
		Summary:      out.Result.Summary,
	})
}

type commandRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleCommand(c echo.Context) error {
	var req commandRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	switch req.Command {
	case "end_all":
		cleared := s.reg.Clear()
		s.log.WithField("cleared", cleared).Info("all tasks cleared")
		return c.JSON(http.StatusOK, map[string]any{
			"command": "end_all",
			"cleared": cleared,
		})
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown command"})
	}
}

func (s *Server) handleListTasks(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"tasks": s.reg.List()})
}

func (s *Server) handleGetTask(c echo.Context) error {
	id := c.Param("taskId")
	task, ok := s.reg.Get(id)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "task not found"})
	}
	return c.JSON(http.StatusOK, task)
}
