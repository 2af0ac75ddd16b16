package handlers

import (
	"net/http"
	"runtime"

	"example.com/greenhouse/pos/internal/metrics"
	"example.com/greenhouse/pos/internal/realtime"
	"example.com/greenhouse/pos/internal/tracing"

	"github.com/gin-gonic/gin"
)

// MetricsHandler handles metrics-related HTTP requests
type MetricsHandler struct {
	metrics *metrics.Metrics
	hub     *realtime.Hub
	tracer  tracing.Tracer
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(m *metrics.Metrics, hub *realtime.Hub, tracer tracing.Tracer) *MetricsHandler {
	return &MetricsHandler{
		metrics: m,
		hub:     hub,
		tracer:  tracer,
	}
}

// HandleGetMetrics returns all metrics
func (h *MetricsHandler) HandleGetMetrics(c *gin.Context) {
	txn := h.tracer.StartTransaction("get-metrics")
	defer h.tracer.EndTransaction(txn)

	h.metrics.SetGauge("goroutines", int64(runtime.NumGoroutine()))
	if h.hub != nil {
		h.metrics.SetGauge("connected_terminals", int64(h.hub.ClientCount()))
	}

	c.JSON(http.StatusOK, h.metrics.Snapshot())
}

// HandleGetHealthCheck reports liveness; terminals also probe this endpoint
// to detect connectivity
func (h *MetricsHandler) HandleGetHealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RegisterRoutes registers the handler's routes
func (h *MetricsHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/metrics", h.HandleGetMetrics)
	router.GET("/health", h.HandleGetHealthCheck)
}
