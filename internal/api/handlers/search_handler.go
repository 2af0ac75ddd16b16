package handlers

import (
	"net/http"
	"strconv"

	"example.com/greenhouse/pos/internal/search"
	"example.com/greenhouse/pos/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// SearchHandler serves the back-office invoice search backed by the
// Elasticsearch projection
type SearchHandler struct {
	elastic *search.ElasticClient
	tracer  tracing.Tracer
}

// NewSearchHandler creates a new search handler
func NewSearchHandler(elastic *search.ElasticClient, tracer tracing.Tracer) *SearchHandler {
	return &SearchHandler{
		elastic: elastic,
		tracer:  tracer,
	}
}

// HandleSearchInvoices queries the invoice index. Supports free-text q over
// invoice_no and item names, plus a store_id filter.
func (h *SearchHandler) HandleSearchInvoices(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-search-invoices")
	defer h.tracer.EndTransaction(txn)

	if h.elastic == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "search is not configured"})
		return
	}

	size := 25
	if raw := c.Query("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "size must be between 1 and 100"})
			return
		}
		size = n
	}

	var clauses []map[string]interface{}
	if q := c.Query("q"); q != "" {
		clauses = append(clauses, map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  q,
				"fields": []string{"invoice_no", "store_name", "items.name"},
			},
		})
	}
	if raw := c.Query("store_id"); raw != "" {
		storeID, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "store_id must be numeric"})
			return
		}
		clauses = append(clauses, map[string]interface{}{
			"term": map[string]interface{}{"store_id": storeID},
		})
	}
	if len(clauses) == 0 {
		clauses = append(clauses, map[string]interface{}{"match_all": map[string]interface{}{}})
	}

	query := map[string]interface{}{
		"size":  size,
		"query": map[string]interface{}{"bool": map[string]interface{}{"must": clauses}},
		"sort":  []map[string]interface{}{{"created_at": map[string]interface{}{"order": "desc"}}},
	}

	docs, err := h.elastic.SearchInvoices(c.Request.Context(), query)
	if err != nil {
		log.Error().Err(err).Msg("Invoice search failed")
		h.tracer.RecordError(txn, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoices": docs, "count": len(docs)})
}

// RegisterRoutes registers the handler's routes
func (h *SearchHandler) RegisterRoutes(router *gin.Engine, requireSession, requireAdmin gin.HandlerFunc) {
	router.GET("/admin/invoices/search", requireSession, requireAdmin, h.HandleSearchInvoices)
}
