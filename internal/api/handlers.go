package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/intentstack/intent-engine/internal/models"
	"github.com/intentstack/intent-engine/internal/services"
	"github.com/intentstack/intent-engine/internal/utils"
)

// tenantHeader carries the tenant scope for every request.
const tenantHeader = "X-Tenant-ID"

type handlers struct {
	logger      *slog.Logger
	signals     *services.SignalService
	experiments *services.ExperimentService
}

func newHandlers(logger *slog.Logger, signals *services.SignalService, experiments *services.ExperimentService) *handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &handlers{logger: logger, signals: signals, experiments: experiments}
}

func (h *handlers) register(router *gin.Engine) {
	router.GET("/healthz", h.healthz)

	v1 := router.Group("/api/v1")
	v1.Use(requireTenant())

	v1.POST("/signals", h.createSignal)
	v1.GET("/signals/:id", h.getSignal)
	v1.POST("/signals/:id/measurements", h.recordMeasurement)
	v1.POST("/signals/:id/anomaly-check", h.anomalyCheck)
	v1.POST("/measurements/batch", h.recordBatch)

	v1.POST("/intents", h.createIntent)
	v1.GET("/intents/:id", h.getIntent)
	v1.GET("/intents/:id/fulfillment", h.fulfillment)

	v1.POST("/experiments", h.createExperiment)
	v1.GET("/experiments/:id", h.getExperiment)
	v1.PUT("/experiments/:id", h.updateExperiment)
	v1.POST("/experiments/:id/start", h.transition(h.experiments.Start))
	v1.POST("/experiments/:id/pause", h.transition(h.experiments.Pause))
	v1.POST("/experiments/:id/resume", h.transition(h.experiments.Resume))
	v1.POST("/experiments/:id/schedule", h.transition(h.experiments.Schedule))
	v1.POST("/experiments/:id/cancel", h.transition(h.experiments.Cancel))
	v1.POST("/experiments/:id/stop", h.stopExperiment)
	v1.POST("/experiments/:id/guardrail-check", h.guardrailCheck)

	v1.GET("/insights", h.insights)
}

// requireTenant rejects requests without a tenant header and stashes the
// tenant in the context for handlers.
func requireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := c.GetHeader(tenantHeader)
		if tenant == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest,
				errorResponse{Error: "missing " + tenantHeader + " header"})
			return
		}
		c.Set("tenant", models.TenantID(tenant))
		c.Next()
	}
}

func tenantOf(c *gin.Context) models.TenantID {
	return c.MustGet("tenant").(models.TenantID)
}

func (h *handlers) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) createSignal(c *gin.Context) {
	var req createSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	sig, err := h.signals.CreateSignal(c.Request.Context(), req.toModel(tenantOf(c)))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toSignalResponse(sig))
}

func (h *handlers) getSignal(c *gin.Context) {
	sig, err := h.signals.GetSignal(c.Request.Context(), tenantOf(c), models.SignalID(c.Param("id")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSignalResponse(sig))
}

func (h *handlers) recordMeasurement(c *gin.Context) {
	var req measurementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	m, err := h.signals.RecordMeasurement(c.Request.Context(), tenantOf(c),
		req.toInput(models.SignalID(c.Param("id"))))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toMeasurementResponse(m))
}

func (h *handlers) recordBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	inputs := make([]models.MeasurementInput, 0, len(req.Measurements))
	for _, entry := range req.Measurements {
		inputs = append(inputs, entry.toInput(models.SignalID(entry.SignalID)))
	}
	result := h.signals.RecordBatch(c.Request.Context(), tenantOf(c), inputs)
	c.JSON(http.StatusOK, batchResponse{Recorded: result.Recorded, Failed: result.Failed})
}

func (h *handlers) anomalyCheck(c *gin.Context) {
	details, err := h.signals.DetectAnomalies(c.Request.Context(), tenantOf(c), models.SignalID(c.Param("id")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, anomalyCheckResponse{Anomaly: details})
}

func (h *handlers) createIntent(c *gin.Context) {
	var req createIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	in, err := h.signals.CreateIntent(c.Request.Context(), &models.Intent{
		ID:          models.IntentID(req.ID),
		TenantID:    tenantOf(c),
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toIntentResponse(in))
}

func (h *handlers) getIntent(c *gin.Context) {
	in, err := h.signals.GetIntent(c.Request.Context(), tenantOf(c), models.IntentID(c.Param("id")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toIntentResponse(in))
}

func (h *handlers) fulfillment(c *gin.Context) {
	summary, err := h.signals.FulfillmentSummary(c.Request.Context(), tenantOf(c), models.IntentID(c.Param("id")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toFulfillmentResponse(summary))
}

func (h *handlers) createExperiment(c *gin.Context) {
	var req experimentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	e, err := h.experiments.Create(c.Request.Context(), req.toModel(tenantOf(c)))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toExperimentResponse(e))
}

func (h *handlers) getExperiment(c *gin.Context) {
	e, err := h.experiments.Get(c.Request.Context(), tenantOf(c), models.ExperimentID(c.Param("id")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toExperimentResponse(e))
}

func (h *handlers) updateExperiment(c *gin.Context) {
	var req experimentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	e := req.toModel(tenantOf(c))
	e.ID = models.ExperimentID(c.Param("id"))
	updated, err := h.experiments.UpdateConfig(c.Request.Context(), e)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toExperimentResponse(updated))
}

type transitionFunc func(ctx context.Context, tenant models.TenantID, id models.ExperimentID) (*models.Experiment, error)

func (h *handlers) transition(fn transitionFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		e, err := fn(c.Request.Context(), tenantOf(c), models.ExperimentID(c.Param("id")))
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, toExperimentResponse(e))
	}
}

func (h *handlers) stopExperiment(c *gin.Context) {
	_, results, err := h.experiments.Stop(c.Request.Context(), tenantOf(c), models.ExperimentID(c.Param("id")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResultsResponse(results))
}

func (h *handlers) guardrailCheck(c *gin.Context) {
	check, err := h.experiments.CheckGuardrails(c.Request.Context(), tenantOf(c), models.ExperimentID(c.Param("id")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toGuardrailCheckResponse(check))
}

func (h *handlers) insights(c *gin.Context) {
	out, err := h.experiments.Insights(c.Request.Context(), tenantOf(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"insights": out})
}

// writeError maps domain errors to HTTP statuses: unknown ids to 404,
// illegal transitions to 409, caller mistakes to 400, the rest to 500.
func (h *handlers) writeError(c *gin.Context, err error) {
	switch {
	case utils.IsNotFound(err):
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
	case utils.IsInvalidTransition(err):
		c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, utils.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		h.logger.Error("request failed",
			slog.String("path", c.FullPath()), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
