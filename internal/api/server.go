package api

import (
	"context"
	"net/http"
	"time"

	"example.com/greenhouse/pos/config"
	"example.com/greenhouse/pos/internal/api/handlers"
	"example.com/greenhouse/pos/internal/auth"
	"example.com/greenhouse/pos/internal/metrics"
	"example.com/greenhouse/pos/internal/realtime"
	"example.com/greenhouse/pos/internal/search"
	"example.com/greenhouse/pos/internal/services"
	"example.com/greenhouse/pos/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Server represents the HTTP server
type Server struct {
	config         config.Config
	router         *gin.Engine
	httpServer     *http.Server
	invoiceService *services.InvoiceService
	hub            *realtime.Hub
	gate           *auth.Gate
	elastic        *search.ElasticClient
	metrics        *metrics.Metrics
	tracer         tracing.Tracer
}

// NewServer creates a new HTTP server. elastic may be nil when search is
// not configured.
func NewServer(
	cfg config.Config,
	invoiceService *services.InvoiceService,
	hub *realtime.Hub,
	gate *auth.Gate,
	elastic *search.ElasticClient,
	m *metrics.Metrics,
	tracer tracing.Tracer,
) *Server {
	server := &Server{
		config:         cfg,
		invoiceService: invoiceService,
		hub:            hub,
		gate:           gate,
		elastic:        elastic,
		metrics:        m,
		tracer:         tracer,
	}

	server.router = server.setupRouter()
	server.httpServer = &http.Server{
		Addr:    cfg.ServerAddress,
		Handler: server.router,
	}
	return server
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	if s.config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(gin.Recovery())

	invoiceHandler := handlers.NewInvoiceHandler(s.invoiceService, s.tracer)
	invoiceHandler.RegisterRoutes(router, s.gate)

	metricsHandler := handlers.NewMetricsHandler(s.metrics, s.hub, s.tracer)
	metricsHandler.RegisterRoutes(router)

	searchHandler := handlers.NewSearchHandler(s.elastic, s.tracer)
	searchHandler.RegisterRoutes(router, s.gate.RequireSession(), auth.RequireAdmin())

	// Terminals hold a websocket open for invoice broadcasts
	router.GET("/ws", func(c *gin.Context) {
		if err := s.hub.HandleConnection(c.Writer, c.Request); err != nil {
			log.Error().Err(err).Msg("Websocket upgrade failed")
		}
	})

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.ServerAddress).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}
	return nil
}

// Shutdown gracefully stops the HTTP server and disconnects terminals
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	s.hub.Close()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
