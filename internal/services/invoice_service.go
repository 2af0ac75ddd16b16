package services

import (
	"context"
	"time"

	"example.com/greenhouse/pos/internal/auth"
	"example.com/greenhouse/pos/internal/cache"
	"example.com/greenhouse/pos/internal/metrics"
	"example.com/greenhouse/pos/internal/models"
	"example.com/greenhouse/pos/internal/repositories"
	"example.com/greenhouse/pos/internal/tracing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Service-level errors
var (
	ErrUnauthorized = errors.New("not authorized for this store")
	ErrMissingField = errors.New("missing required field")
	ErrInvalidRange = errors.New("value out of range")
)

// Broadcaster fans an invoice event out to connected terminals
type Broadcaster interface {
	BroadcastInvoice(event *models.InvoiceEvent)
}

// EventPublisher pushes an invoice event onto the back-office queue
type EventPublisher interface {
	Publish(ctx context.Context, event *models.InvoiceEvent) error
}

// InvoiceService is the transactional core of the POS: invoice creation,
// void compensation, monthly rollups and retention.
type InvoiceService struct {
	store              repositories.InvoiceStore
	cache              *cache.RedisCache
	broadcaster        Broadcaster
	publisher          EventPublisher
	metrics            *metrics.Metrics
	tracer             tracing.Tracer
	allowNegativeStock bool
}

// NewInvoiceService creates a new invoice service. Broadcaster and
// publisher may be nil; post-commit fan-out is skipped when they are.
func NewInvoiceService(
	store repositories.InvoiceStore,
	redisCache *cache.RedisCache,
	broadcaster Broadcaster,
	publisher EventPublisher,
	metricsCollector *metrics.Metrics,
	tracer tracing.Tracer,
	allowNegativeStock bool,
) *InvoiceService {
	return &InvoiceService{
		store:              store,
		cache:              redisCache,
		broadcaster:        broadcaster,
		publisher:          publisher,
		metrics:            metricsCollector,
		tracer:             tracer,
		allowNegativeStock: allowNegativeStock,
	}
}

// CreateInvoice runs the invoice transaction for a cart. The returned bool
// reports an idempotent replay: the invoice already existed for this
// (store, idempotency key) pair and no stock moved again.
func (s *InvoiceService) CreateInvoice(ctx context.Context, req *models.InvoiceRequest, session auth.Session) (*models.InvoiceDetails, bool, error) {
	txn := s.tracer.StartTransaction("create-invoice")
	defer s.tracer.EndTransaction(txn)

	if err := validateRequest(req); err != nil {
		s.tracer.RecordError(txn, err)
		return nil, false, err
	}
	if !session.CanAccessStore(req.StoreID) {
		return nil, false, ErrUnauthorized
	}

	// Idempotency pre-check: a retried request with the same key returns
	// the original invoice, it never bills twice.
	if existing, err := s.store.FindByIdempotencyKey(ctx, req.StoreID, req.IdempotencyKey); err == nil {
		log.Info().
			Str("idempotency_key", req.IdempotencyKey).
			Int("invoice_id", existing.ID).
			Msg("Idempotent replay, returning original invoice")
		s.metrics.IncrementCounter("invoices.replayed")
		return s.details(ctx, existing), true, nil
	} else if !errors.Is(err, repositories.ErrNotFound) {
		s.tracer.RecordError(txn, err)
		return nil, false, errors.Wrap(err, "idempotency lookup failed")
	}

	span := s.tracer.StartSpan("invoice-transaction", txn)
	invoice, err := s.store.CreateInvoice(ctx, req, s.allowNegativeStock)
	span.End()

	if err != nil {
		// A concurrent request won the race on the same key; hand back its
		// invoice as a replay.
		if errors.Is(err, repositories.ErrDuplicateKey) {
			existing, ferr := s.store.FindByIdempotencyKey(ctx, req.StoreID, req.IdempotencyKey)
			if ferr == nil {
				return s.details(ctx, existing), true, nil
			}
		}
		s.tracer.RecordError(txn, err)
		s.metrics.IncrementCounter("invoices.failed")
		return nil, false, err
	}

	s.metrics.IncrementCounter("invoices.created")
	log.Info().
		Int("invoice_id", invoice.ID).
		Str("invoice_no", invoice.InvoiceNo).
		Int("store_id", invoice.StoreID).
		Str("total", invoice.Total.String()).
		Bool("offline_origin", req.OfflineCreated).
		Msg("Invoice created")

	details := s.details(ctx, invoice)
	s.fanOut(ctx, details)
	s.invalidateReportCache(ctx, invoice.StoreID, invoice.CreatedAt)

	return details, false, nil
}

// VoidInvoice reverses a settled invoice: restores stock, marks the row
// voided, then recomputes the affected monthly bucket from source rows.
// Admin only.
func (s *InvoiceService) VoidInvoice(ctx context.Context, invoiceID int, reason string, session auth.Session) (*models.InvoiceDetails, error) {
	txn := s.tracer.StartTransaction("void-invoice")
	defer s.tracer.EndTransaction(txn)

	if !session.IsAdmin {
		return nil, ErrUnauthorized
	}

	span := s.tracer.StartSpan("void-transaction", txn)
	invoice, err := s.store.VoidInvoice(ctx, invoiceID, reason)
	span.End()
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	s.metrics.IncrementCounter("invoices.voided")
	log.Info().
		Int("invoice_id", invoice.ID).
		Str("invoice_no", invoice.InvoiceNo).
		Str("reason", reason).
		Msg("Invoice voided, stock restored")

	// The recompute runs outside the void transaction. If it fails the
	// void itself stands; the bucket stays stale until the next recompute.
	created := invoice.CreatedAt.UTC()
	recomputeSpan := s.tracer.StartSpan("monthly-recompute", txn)
	_, err = s.store.RecomputeMonthlyReport(ctx, invoice.StoreID, created.Year(), int(created.Month()))
	recomputeSpan.End()
	if err != nil {
		s.tracer.RecordError(txn, err)
		log.Error().Err(err).
			Int("store_id", invoice.StoreID).
			Int("year", created.Year()).
			Int("month", int(created.Month())).
			Msg("Monthly report recompute after void failed")
	}

	s.invalidateReportCache(ctx, invoice.StoreID, invoice.CreatedAt)
	return s.details(ctx, invoice), nil
}

// RecomputeMonthlyReport rebuilds one bucket on demand (admin repair path
// for a recompute that failed after a void)
func (s *InvoiceService) RecomputeMonthlyReport(ctx context.Context, storeID, year, month int, session auth.Session) (*models.MonthlyReport, error) {
	if !session.IsAdmin {
		return nil, ErrUnauthorized
	}
	report, err := s.store.RecomputeMonthlyReport(ctx, storeID, year, month)
	if err != nil {
		return nil, err
	}
	s.cache.Delete(ctx, cache.GetMonthlyReportCacheKey(storeID, year, month))
	return report, nil
}

// MonthlyReport reads the rollup for a bucket, cached. A missing bucket is
// an empty report, not an error.
func (s *InvoiceService) MonthlyReport(ctx context.Context, storeID, year, month int, session auth.Session) (*models.MonthlyReport, error) {
	if !session.CanAccessStore(storeID) {
		return nil, ErrUnauthorized
	}

	key := cache.GetMonthlyReportCacheKey(storeID, year, month)
	var cached models.MonthlyReport
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return &cached, nil
	}

	report, err := s.store.MonthlyReport(ctx, storeID, year, month)
	if errors.Is(err, repositories.ErrNotFound) {
		report = &models.MonthlyReport{StoreID: storeID, Year: year, Month: month}
	} else if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, key, report, time.Minute); err != nil {
		log.Debug().Err(err).Msg("Monthly report cache write failed")
	}
	return report, nil
}

// ListInvoices returns a store's non-voided invoices
func (s *InvoiceService) ListInvoices(ctx context.Context, storeID int, since *time.Time, limit int, withItems bool, session auth.Session) ([]models.Invoice, error) {
	if !session.CanAccessStore(storeID) {
		return nil, ErrUnauthorized
	}
	return s.store.ListInvoices(ctx, storeID, since, limit, withItems)
}

// PurgeInvoices hard-deletes invoices older than maxAgeDays. Monthly
// reports are unaffected by design.
func (s *InvoiceService) PurgeInvoices(ctx context.Context, maxAgeDays int) (models.PurgeResult, error) {
	txn := s.tracer.StartTransaction("purge-invoices")
	defer s.tracer.EndTransaction(txn)

	if maxAgeDays < 1 || maxAgeDays > 3650 {
		return models.PurgeResult{}, errors.Wrapf(ErrInvalidRange, "maxAgeDays %d", maxAgeDays)
	}

	start := time.Now()
	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)
	result, err := s.store.PurgeInvoices(ctx, cutoff)
	if err != nil {
		s.tracer.RecordError(txn, err)
		log.Error().Err(err).Int("max_age_days", maxAgeDays).Msg("Invoice purge failed")
		return models.PurgeResult{}, err
	}

	s.metrics.RecordTimer("purge.duration", time.Since(start))
	s.metrics.IncrementCounterBy("purge.deleted_invoices", result.DeletedInvoices)
	log.Info().
		Int64("deleted_invoices", result.DeletedInvoices).
		Int64("deleted_items", result.DeletedItems).
		Int("max_age_days", maxAgeDays).
		Msg("Invoice purge complete")
	return result, nil
}

// details assembles the external invoice representation, resolving the
// store name through the cache when possible
func (s *InvoiceService) details(ctx context.Context, invoice *models.Invoice) *models.InvoiceDetails {
	name := s.storeName(ctx, invoice.StoreID)
	return invoice.Details(name)
}

func (s *InvoiceService) storeName(ctx context.Context, storeID int) string {
	key := cache.GetStoreCacheKey(storeID)
	var name string
	if err := s.cache.Get(ctx, key, &name); err == nil {
		return name
	}

	name, err := s.store.StoreName(ctx, storeID)
	if err != nil {
		log.Warn().Err(err).Int("store_id", storeID).Msg("Failed to resolve store name")
		return ""
	}
	if err := s.cache.Set(ctx, key, name, time.Hour); err != nil {
		log.Debug().Err(err).Msg("Store name cache write failed")
	}
	return name
}

// fanOut delivers the post-commit invoice_created event: best-effort, never
// fails the request
func (s *InvoiceService) fanOut(ctx context.Context, details *models.InvoiceDetails) {
	event := &models.InvoiceEvent{Type: "invoice_created", Invoice: details}

	if s.broadcaster != nil {
		s.broadcaster.BroadcastInvoice(event)
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, event); err != nil {
			log.Warn().Err(err).Int("invoice_id", details.ID).Msg("Failed to publish invoice event")
		}
	}
}

func (s *InvoiceService) invalidateReportCache(ctx context.Context, storeID int, createdAt time.Time) {
	created := createdAt.UTC()
	s.cache.Delete(ctx, cache.GetMonthlyReportCacheKey(storeID, created.Year(), int(created.Month())))
}

func validateRequest(req *models.InvoiceRequest) error {
	if req.IdempotencyKey == "" {
		return errors.Wrap(ErrMissingField, "idempotency_key")
	}
	if req.StoreID == 0 || req.TerminalID == 0 {
		return errors.Wrap(ErrMissingField, "store_id and terminal_id")
	}
	if len(req.Items) == 0 {
		return errors.Wrap(ErrMissingField, "items")
	}
	for _, line := range req.Items {
		if line.ProductID == 0 {
			return errors.Wrap(ErrMissingField, "product_id")
		}
		if line.Qty.Sign() <= 0 {
			return errors.Wrapf(repositories.ErrInvalidQuantity, "product %d", line.ProductID)
		}
	}
	return nil
}
