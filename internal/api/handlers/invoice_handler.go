package handlers

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"example.com/greenhouse/pos/internal/auth"
	"example.com/greenhouse/pos/internal/models"
	"example.com/greenhouse/pos/internal/repositories"
	"example.com/greenhouse/pos/internal/services"
	"example.com/greenhouse/pos/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// InvoiceHandler handles invoice-related HTTP requests
type InvoiceHandler struct {
	invoiceService *services.InvoiceService
	tracer         tracing.Tracer
}

// NewInvoiceHandler creates a new invoice handler
func NewInvoiceHandler(invoiceService *services.InvoiceService, tracer tracing.Tracer) *InvoiceHandler {
	return &InvoiceHandler{
		invoiceService: invoiceService,
		tracer:         tracer,
	}
}

// InvoiceItemRequest is one incoming cart line. Older terminal builds send
// "quantity" instead of "qty"; both are accepted. Any client-sent price is
// ignored: the engine snapshots the server-side rate.
type InvoiceItemRequest struct {
	ProductID int              `json:"product_id" binding:"required"`
	Qty       *decimal.Decimal `json:"qty"`
	Quantity  *decimal.Decimal `json:"quantity"`
}

// CreateInvoiceRequest is an incoming invoice creation request. The legacy
// "tax" field from older terminals maps to gst_amount with zero discount;
// newer builds send the two amounts separately.
type CreateInvoiceRequest struct {
	StoreID        int                  `json:"store_id" binding:"required"`
	TerminalID     int                  `json:"terminal_id" binding:"required"`
	IdempotencyKey string               `json:"idempotency_key"`
	Items          []InvoiceItemRequest `json:"items" binding:"required"`
	DiscountAmount *decimal.Decimal     `json:"discount_amount"`
	GstAmount      *decimal.Decimal     `json:"gst_amount"`
	Tax            *decimal.Decimal     `json:"tax"`
	PaymentMode    string               `json:"payment_mode"`
	OfflineCreated bool                 `json:"offline_created"`
	OfflineID      string               `json:"offline_id"`
	TerminalUUID   string               `json:"terminal_uuid"`
}

// normalize maps the wire request onto the engine's shape
func (r *CreateInvoiceRequest) normalize() (*models.InvoiceRequest, error) {
	req := &models.InvoiceRequest{
		StoreID:        r.StoreID,
		TerminalID:     r.TerminalID,
		IdempotencyKey: r.IdempotencyKey,
		PaymentMode:    r.PaymentMode,
		OfflineCreated: r.OfflineCreated,
		OfflineID:      r.OfflineID,
		TerminalUUID:   r.TerminalUUID,
	}

	for _, item := range r.Items {
		qty := item.Qty
		if qty == nil {
			qty = item.Quantity
		}
		if qty == nil {
			return nil, errors.Wrapf(services.ErrMissingField, "qty for product %d", item.ProductID)
		}
		req.Items = append(req.Items, models.InvoiceLine{ProductID: item.ProductID, Qty: *qty})
	}

	if req.PaymentMode == "" {
		req.PaymentMode = "CASH"
	}

	if r.DiscountAmount != nil {
		req.DiscountAmount = *r.DiscountAmount
	}
	switch {
	case r.GstAmount != nil:
		req.GstAmount = *r.GstAmount
	case r.Tax != nil && r.DiscountAmount == nil:
		// Legacy single-figure tax
		req.GstAmount = *r.Tax
	}

	return req, nil
}

// HandleCreateInvoice runs the invoice transaction for a cart
func (h *InvoiceHandler) HandleCreateInvoice(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-create-invoice")
	defer h.tracer.EndTransaction(txn)

	var body CreateInvoiceRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		log.Error().Err(err).Msg("Invalid invoice request body")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	// Requests from terminals that predate idempotency keys get one
	// generated here; their retries are not protected, new builds' are.
	if body.IdempotencyKey == "" {
		body.IdempotencyKey = uuid.NewString()
	}

	req, err := body.normalize()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.tracer.AddAttribute(txn, "store_id", req.StoreID)
	h.tracer.AddAttribute(txn, "terminal_id", req.TerminalID)
	h.tracer.AddAttribute(txn, "offline_origin", req.OfflineCreated)

	details, replayed, err := h.invoiceService.CreateInvoice(c.Request.Context(), req, auth.SessionFrom(c))
	if err != nil {
		h.tracer.RecordError(txn, err)
		respondError(c, err)
		return
	}

	if replayed {
		c.JSON(http.StatusOK, gin.H{"invoice": details, "note": "idempotent"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"invoice": details})
}

// VoidInvoiceRequest carries the operator's reason for a void. The reason
// is optional; terminals may send no body at all.
type VoidInvoiceRequest struct {
	Reason string `json:"reason"`
}

// HandleVoidInvoice reverses a settled invoice. Admin only.
func (h *InvoiceHandler) HandleVoidInvoice(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-void-invoice")
	defer h.tracer.EndTransaction(txn)

	invoiceID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invoice id"})
		return
	}

	var body VoidInvoiceRequest
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	details, err := h.invoiceService.VoidInvoice(c.Request.Context(), invoiceID, body.Reason, auth.SessionFrom(c))
	if err != nil {
		h.tracer.RecordError(txn, err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": details})
}

// HandleListInvoices returns a store's non-voided invoices
func (h *InvoiceHandler) HandleListInvoices(c *gin.Context) {
	storeID, err := strconv.Atoi(c.Query("store_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "store_id is required"})
		return
	}

	var since *time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		since = &t
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}
	}

	withItems := c.Query("with_items") == "true"

	invoices, err := h.invoiceService.ListInvoices(c.Request.Context(), storeID, since, limit, withItems, auth.SessionFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoices": invoices, "count": len(invoices)})
}

// HandleMonthlyReport returns the rollup for one (store, year, month)
func (h *InvoiceHandler) HandleMonthlyReport(c *gin.Context) {
	storeID, err := strconv.Atoi(c.Query("store_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "store_id is required"})
		return
	}
	year, err := strconv.Atoi(c.Query("year"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "year is required"})
		return
	}
	month, err := strconv.Atoi(c.Query("month"))
	if err != nil || month < 1 || month > 12 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "month must be between 1 and 12"})
		return
	}

	report, err := h.invoiceService.MonthlyReport(c.Request.Context(), storeID, year, month, auth.SessionFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// HandleRecomputeReport rebuilds one monthly bucket from source rows.
// Admin repair path.
func (h *InvoiceHandler) HandleRecomputeReport(c *gin.Context) {
	storeID, err := strconv.Atoi(c.Query("store_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "store_id is required"})
		return
	}
	year, err := strconv.Atoi(c.Query("year"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "year is required"})
		return
	}
	month, err := strconv.Atoi(c.Query("month"))
	if err != nil || month < 1 || month > 12 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "month must be between 1 and 12"})
		return
	}

	report, err := h.invoiceService.RecomputeMonthlyReport(c.Request.Context(), storeID, year, month, auth.SessionFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// PurgeRequest overrides the configured retention window for one run
type PurgeRequest struct {
	MaxAgeDays int `json:"max_age_days" binding:"required"`
}

// HandlePurgeInvoices triggers a retention purge on demand. Admin only.
func (h *InvoiceHandler) HandlePurgeInvoices(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-purge-invoices")
	defer h.tracer.EndTransaction(txn)

	var body PurgeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.invoiceService.PurgeInvoices(c.Request.Context(), body.MaxAgeDays)
	if err != nil {
		h.tracer.RecordError(txn, err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// RegisterRoutes registers the handler's routes
func (h *InvoiceHandler) RegisterRoutes(router *gin.Engine, gate *auth.Gate) {
	authed := router.Group("/", gate.RequireSession())
	authed.POST("/invoices", h.HandleCreateInvoice)
	authed.GET("/invoices", h.HandleListInvoices)
	authed.GET("/reports/monthly", h.HandleMonthlyReport)

	admin := router.Group("/admin", gate.RequireSession(), auth.RequireAdmin())
	admin.POST("/invoices/:id/void", h.HandleVoidInvoice)
	admin.POST("/reports/monthly/recompute", h.HandleRecomputeReport)
	admin.POST("/maintenance/purge-invoices", h.HandlePurgeInvoices)
}

// respondError maps service and repository errors to HTTP statuses
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrMissingField),
		errors.Is(err, services.ErrInvalidRange),
		errors.Is(err, repositories.ErrProductNotFound),
		errors.Is(err, repositories.ErrInvalidQuantity),
		errors.Is(err, repositories.ErrInsufficientStock),
		errors.Is(err, repositories.ErrAlreadyVoided):
		status = http.StatusBadRequest
	case errors.Is(err, services.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, repositories.ErrInvoiceNotFound),
		errors.Is(err, repositories.ErrNotFound):
		status = http.StatusNotFound
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
