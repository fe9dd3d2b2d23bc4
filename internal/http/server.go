package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ignatij/leadflow/internal/log"
	"github.com/ignatij/leadflow/internal/service"
	"github.com/ignatij/leadflow/pkg/graph"
	"github.com/ignatij/leadflow/pkg/models"
	engine "github.com/ignatij/leadflow/pkg/service"
	"github.com/ignatij/leadflow/pkg/storage"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

// Server exposes the engine operations and the provider webhooks.
type Server struct {
	workflows *service.WorkflowService
	engine    *engine.Engine
}

// NewServer builds the echo instance with every route registered.
func NewServer(workflows *service.WorkflowService) *echo.Echo {
	s := &Server{workflows: workflows, engine: workflows.Engine()}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(otelecho.Middleware("leadflow"))
	e.Use(requestLogger())

	e.GET("/health", s.Health)

	api := e.Group("/api/v1")
	api.GET("/workflows", s.ListWorkflows)
	api.POST("/workflows", s.ImportWorkflow)
	api.POST("/workflows/validate", s.ValidateWorkflow)
	api.GET("/workflows/:id", s.GetWorkflow)
	api.POST("/workflows/:id/activate", s.ActivateWorkflow)
	api.POST("/workflows/:id/deactivate", s.DeactivateWorkflow)
	api.POST("/workflows/:id/runs", s.StartRun)
	api.GET("/runs", s.ListRuns)
	api.GET("/runs/:id", s.GetRunHistory)
	api.POST("/runs/:id/cancel", s.CancelRun)
	api.POST("/leads", s.IntakeLead)
	api.PUT("/organizations/:id/labels", s.SetLabels)

	hooks := e.Group("/webhooks")
	hooks.POST("/messaging", s.MessagingWebhook)
	hooks.POST("/voice", s.VoiceWebhook)
	hooks.POST("/events", s.EventWebhook)
	return e
}

// StartServer serves on port until ctx is done, then shuts down gracefully.
func StartServer(ctx context.Context, port int, shutdownTimeout time.Duration, workflows *service.WorkflowService) error {
	e := NewServer(workflows)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	serverErrors := make(chan error, 1)
	go func() {
		log.GetLogger().Infof("Starting leadflow server on :%d", port)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	log.GetLogger().Infof("Shutting down leadflow server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.GetLogger().Errorf("Server shutdown error: %v", err)
		return srv.Close()
	}
	return nil
}

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			log.GetLogger().WithFields(logrus.Fields{
				"method":     c.Request().Method,
				"path":       c.Path(),
				"status":     c.Response().Status,
				"duration":   time.Since(start).String(),
				"request_id": c.Response().Header().Get(echo.HeaderXRequestID),
			}).Debug("request")
			return nil
		}
	}
}

func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// errorResponse maps engine and store errors onto HTTP statuses.
func errorResponse(c echo.Context, err error) error {
	var verr *graph.ValidationError
	if errors.As(err, &verr) {
		return c.JSON(http.StatusUnprocessableEntity, map[string]any{
			"error":    "invalid workflow",
			"problems": verr.Problems,
		})
	}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrActiveRunExists),
		errors.Is(err, engine.ErrWorkflowInactive),
		errors.Is(err, engine.ErrRunFinished):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrRunBusy):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.GetLogger().Errorf("%s %s failed: %v", c.Request().Method, c.Path(), err)
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func (s *Server) ListWorkflows(c echo.Context) error {
	defs, err := s.engine.ListDefinitions(c.Request().Context(), c.QueryParam("organizationId"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, defs)
}

func (s *Server) ImportWorkflow(c echo.Context) error {
	var doc models.GraphDocument
	if err := c.Bind(&doc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	def, err := s.workflows.ImportWorkflow(c.Request().Context(), doc, c.QueryParam("activate") == "true")
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, def)
}

func (s *Server) ValidateWorkflow(c echo.Context) error {
	var doc models.GraphDocument
	if err := c.Bind(&doc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if err := graph.Validate(doc.Definition()); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"valid": true})
}

func (s *Server) GetWorkflow(c echo.Context) error {
	def, err := s.engine.GetDefinition(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	if c.QueryParam("format") == "document" {
		return c.JSON(http.StatusOK, def.Document())
	}
	return c.JSON(http.StatusOK, def)
}

func (s *Server) ActivateWorkflow(c echo.Context) error {
	if err := s.engine.Activate(c.Request().Context(), c.Param("id")); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"id": c.Param("id"), "isActive": true})
}

func (s *Server) DeactivateWorkflow(c echo.Context) error {
	cancelled, err := s.engine.Deactivate(c.Request().Context(), c.Param("id"), c.QueryParam("cancelInFlight") == "true")
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"id": c.Param("id"), "isActive": false, "cancelledRuns": cancelled})
}

type startRunRequest struct {
	LeadID string `json:"leadId"`
}

func (s *Server) StartRun(c echo.Context) error {
	var req startRunRequest
	if err := c.Bind(&req); err != nil || req.LeadID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "leadId is required")
	}
	run, err := s.engine.StartRun(c.Request().Context(), c.Param("id"), req.LeadID)
	if err != nil && run.ID == "" {
		return errorResponse(c, err)
	}
	// a run that started but failed while driving is still reported
	return c.JSON(http.StatusCreated, run)
}

func (s *Server) ListRuns(c echo.Context) error {
	filter := storage.ExecutionFilter{
		WorkflowID: c.QueryParam("workflowId"),
		LeadID:     c.QueryParam("leadId"),
	}
	if st := c.QueryParam("status"); st != "" {
		filter.Statuses = []models.RunStatus{models.RunStatus(st)}
	}
	if err := echo.QueryParamsBinder(c).Int("limit", &filter.Limit).BindError(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "limit must be a number")
	}
	runs, err := s.engine.ListRuns(c.Request().Context(), filter)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) GetRunHistory(c echo.Context) error {
	h, err := s.engine.GetRunHistory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, h)
}

type cancelRunRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) CancelRun(c echo.Context) error {
	var req cancelRunRequest
	_ = c.Bind(&req)
	run, err := s.engine.CancelRun(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

type leadRequest struct {
	OrganizationID string         `json:"organizationId"`
	LeadID         string         `json:"leadId"`
	Attributes     map[string]any `json:"attributes"`
}

func (s *Server) IntakeLead(c echo.Context) error {
	var req leadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.OrganizationID == "" || req.LeadID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "organizationId and leadId are required")
	}
	runs, err := s.workflows.IntakeLead(c.Request().Context(), req.OrganizationID, req.LeadID, req.Attributes)
	if err != nil && len(runs) == 0 {
		return errorResponse(c, err)
	}
	if runs == nil {
		runs = []models.WorkflowExecution{}
	}
	return c.JSON(http.StatusAccepted, map[string]any{"runs": runs})
}

func (s *Server) SetLabels(c echo.Context) error {
	labels := map[string]string{}
	if err := c.Bind(&labels); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if err := s.workflows.SetLabels(c.Request().Context(), c.Param("id"), labels); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, labels)
}
