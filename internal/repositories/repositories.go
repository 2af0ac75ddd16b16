package repositories

import (
	"context"
	"fmt"
	"time"

	"example.com/greenhouse/pos/internal/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InvoiceStore is the durable side of the invoice subsystem. The write
// operations are transactional units: they either apply completely (invoice
// rows, stock mutation, monthly rollup) or not at all.
type InvoiceStore interface {
	FindByIdempotencyKey(ctx context.Context, storeID int, key string) (*models.Invoice, error)
	CreateInvoice(ctx context.Context, req *models.InvoiceRequest, allowNegativeStock bool) (*models.Invoice, error)
	VoidInvoice(ctx context.Context, invoiceID int, reason string) (*models.Invoice, error)
	RecomputeMonthlyReport(ctx context.Context, storeID, year, month int) (*models.MonthlyReport, error)
	MonthlyReport(ctx context.Context, storeID, year, month int) (*models.MonthlyReport, error)
	ListInvoices(ctx context.Context, storeID int, since *time.Time, limit int, withItems bool) ([]models.Invoice, error)
	PurgeInvoices(ctx context.Context, cutoff time.Time) (models.PurgeResult, error)
	StoreName(ctx context.Context, storeID int) (string, error)
	ProductByID(ctx context.Context, productID int) (*models.Product, error)
}

// GormInvoiceStore implements InvoiceStore on PostgreSQL through GORM
type GormInvoiceStore struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewGormInvoiceStore creates a new store backed by the given databases
func NewGormInvoiceStore(db, readOnlyDB *gorm.DB) *GormInvoiceStore {
	return &GormInvoiceStore{db: db, readOnlyDB: readOnlyDB}
}

// FindByIdempotencyKey returns the invoice previously created with the key,
// items included, or ErrNotFound
func (s *GormInvoiceStore) FindByIdempotencyKey(ctx context.Context, storeID int, key string) (*models.Invoice, error) {
	var invoice models.Invoice
	err := s.db.WithContext(ctx).
		Preload("Items").
		Where("store_id = ? AND idempotency_key = ?", storeID, key).
		First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to look up invoice by idempotency key")
	}
	return &invoice, nil
}

// CreateInvoice runs the whole billing transaction: lock product rows,
// price the cart, insert invoice and items, decrement stock, and roll the
// amounts into the monthly report. Any failure rolls everything back.
func (s *GormInvoiceStore) CreateInvoice(ctx context.Context, req *models.InvoiceRequest, allowNegativeStock bool) (*models.Invoice, error) {
	var created *models.Invoice

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := make([]int, 0, len(req.Items))
		for _, line := range req.Items {
			ids = append(ids, line.ProductID)
		}

		// Lock every referenced product row in one statement. This
		// serializes concurrent checkouts touching the same products and
		// keeps the price read and the stock write inside one lock scope.
		var products []models.Product
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id IN ? AND store_id = ?", ids, req.StoreID).
			Find(&products).Error; err != nil {
			return errors.Wrap(err, "failed to lock product rows")
		}

		byID := make(map[int]*models.Product, len(products))
		for i := range products {
			byID[products[i].ID] = &products[i]
		}

		subtotal := decimal.Zero
		decrements := make(map[int]decimal.Decimal, len(req.Items))
		items := make([]models.InvoiceItem, 0, len(req.Items))
		for _, line := range req.Items {
			p, ok := byID[line.ProductID]
			if !ok {
				return errors.Wrapf(ErrProductNotFound, "product %d", line.ProductID)
			}
			if line.Qty.Sign() <= 0 {
				return errors.Wrapf(ErrInvalidQuantity, "product %d", line.ProductID)
			}
			if !p.AllowDecimalQty && !line.Qty.Equal(line.Qty.Truncate(0)) {
				return errors.Wrapf(ErrInvalidQuantity, "product %d does not allow fractional qty", line.ProductID)
			}

			amount := p.Price.Mul(line.Qty).Round(2)
			subtotal = subtotal.Add(amount)
			decrements[p.ID] = decrements[p.ID].Add(line.Qty)

			items = append(items, models.InvoiceItem{
				ProductID: p.ID,
				Name:      p.Name,
				Qty:       line.Qty,
				Rate:      p.Price,
				Amount:    amount,
			})
		}

		if !allowNegativeStock {
			for id, qty := range decrements {
				if byID[id].Stock.Sub(qty).Sign() < 0 {
					return errors.Wrapf(ErrInsufficientStock, "product %d", id)
				}
			}
		}

		subtotal = subtotal.Round(2)
		total := subtotal.Add(req.GstAmount).Sub(req.DiscountAmount).Round(2)

		invoice := models.Invoice{
			InvoiceNo:      fmt.Sprintf("INV-%d", time.Now().UnixMilli()),
			StoreID:        req.StoreID,
			TerminalID:     req.TerminalID,
			IdempotencyKey: req.IdempotencyKey,
			Subtotal:       subtotal,
			DiscountAmount: req.DiscountAmount,
			GstAmount:      req.GstAmount,
			Total:          total,
			PaymentMode:    req.PaymentMode,
			Status:         models.InvoiceStatusSynced,
			Items:          items,
		}
		if err := tx.Create(&invoice).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateKey
			}
			return errors.Wrap(err, "failed to insert invoice")
		}

		for id, qty := range decrements {
			if err := tx.Model(&models.Product{}).
				Where("id = ?", id).
				UpdateColumn("stock", gorm.Expr("stock - ?", qty)).Error; err != nil {
				return errors.Wrapf(err, "failed to decrement stock for product %d", id)
			}
		}

		tax := req.GstAmount.Sub(req.DiscountAmount)
		year, month := invoice.CreatedAt.UTC().Year(), int(invoice.CreatedAt.UTC().Month())
		if err := upsertMonthlyIncrement(tx, req.StoreID, year, month, subtotal, tax, total); err != nil {
			return err
		}

		created = &invoice
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// upsertMonthlyIncrement adds one invoice's amounts to the monthly report
// bucket, creating the row if it does not exist. The per-bucket advisory
// lock serializes it against the void-path recompute.
func upsertMonthlyIncrement(tx *gorm.DB, storeID, year, month int, subtotal, tax, total decimal.Decimal) error {
	if err := lockMonthlyBucket(tx, storeID, year, month); err != nil {
		return err
	}

	report := models.MonthlyReport{
		StoreID:      storeID,
		Year:         year,
		Month:        month,
		InvoiceCount: 1,
		Subtotal:     subtotal,
		Tax:          tax,
		Total:        total,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "store_id"}, {Name: "year"}, {Name: "month"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"invoice_count": gorm.Expr("monthly_reports.invoice_count + excluded.invoice_count"),
			"subtotal":      gorm.Expr("monthly_reports.subtotal + excluded.subtotal"),
			"tax":           gorm.Expr("monthly_reports.tax + excluded.tax"),
			"total":         gorm.Expr("monthly_reports.total + excluded.total"),
			"updated_at":    time.Now(),
		}),
	}).Create(&report).Error
	if err != nil {
		return errors.Wrap(err, "failed to upsert monthly report")
	}
	return nil
}

// lockMonthlyBucket takes a transaction-scoped advisory lock keyed by
// (store, year*100+month) so that increments and recomputes on the same
// bucket never interleave
func lockMonthlyBucket(tx *gorm.DB, storeID, year, month int) error {
	err := tx.Exec("SELECT pg_advisory_xact_lock(?, ?)", int32(storeID), int32(year*100+month)).Error
	return errors.Wrap(err, "failed to acquire monthly bucket lock")
}

// VoidInvoice reverses a settled invoice: restores stock for each line and
// flags the row voided. The invoice row lock keeps two concurrent voids of
// the same invoice from both succeeding.
func (s *GormInvoiceStore) VoidInvoice(ctx context.Context, invoiceID int, reason string) (*models.Invoice, error) {
	var voided *models.Invoice

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var invoice models.Invoice
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", invoiceID).
			First(&invoice).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrInvoiceNotFound
			}
			return errors.Wrap(err, "failed to lock invoice row")
		}
		if invoice.IsVoided() {
			return ErrAlreadyVoided
		}

		var items []models.InvoiceItem
		if err := tx.Where("invoice_id = ?", invoiceID).Find(&items).Error; err != nil {
			return errors.Wrap(err, "failed to load invoice items")
		}

		// Stock increments commute, so no product row lock is needed here
		for _, it := range items {
			if it.Qty.Sign() == 0 {
				continue
			}
			if err := tx.Model(&models.Product{}).
				Where("id = ?", it.ProductID).
				UpdateColumn("stock", gorm.Expr("stock + ?", it.Qty)).Error; err != nil {
				return errors.Wrapf(err, "failed to restore stock for product %d", it.ProductID)
			}
		}

		updates := map[string]interface{}{"status": models.InvoiceStatusVoided}
		if reason != "" {
			updates["void_reason"] = reason
		}
		if err := tx.Model(&invoice).Updates(updates).Error; err != nil {
			return errors.Wrap(err, "failed to mark invoice voided")
		}

		invoice.Status = models.InvoiceStatusVoided
		invoice.Items = items
		voided = &invoice
		return nil
	})
	if err != nil {
		return nil, err
	}
	return voided, nil
}

// RecomputeMonthlyReport rebuilds one (store, year, month) bucket from the
// invoices table, excluding voided rows, and overwrites the report row.
// Voiding changes which rows count, so this is an authoritative recompute
// rather than a decrement.
func (s *GormInvoiceStore) RecomputeMonthlyReport(ctx context.Context, storeID, year, month int) (*models.MonthlyReport, error) {
	var result *models.MonthlyReport

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockMonthlyBucket(tx, storeID, year, month); err != nil {
			return err
		}

		start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 1, 0)

		var summary struct {
			InvoiceCount int
			Subtotal     decimal.Decimal
			Tax          decimal.Decimal
			Total        decimal.Decimal
		}
		err := tx.Model(&models.Invoice{}).
			Select(`COUNT(*) AS invoice_count,
				COALESCE(SUM(subtotal), 0) AS subtotal,
				COALESCE(SUM(gst_amount - discount_amount), 0) AS tax,
				COALESCE(SUM(total), 0) AS total`).
			Where("store_id = ? AND status <> ? AND created_at >= ? AND created_at < ?",
				storeID, models.InvoiceStatusVoided, start, end).
			Scan(&summary).Error
		if err != nil {
			return errors.Wrap(err, "failed to summarize invoices for recompute")
		}

		report := models.MonthlyReport{
			StoreID:      storeID,
			Year:         year,
			Month:        month,
			InvoiceCount: summary.InvoiceCount,
			Subtotal:     summary.Subtotal,
			Tax:          summary.Tax,
			Total:        summary.Total,
		}
		err = tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "store_id"}, {Name: "year"}, {Name: "month"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"invoice_count": summary.InvoiceCount,
				"subtotal":      summary.Subtotal,
				"tax":           summary.Tax,
				"total":         summary.Total,
				"updated_at":    time.Now(),
			}),
		}).Create(&report).Error
		if err != nil {
			return errors.Wrap(err, "failed to overwrite monthly report")
		}

		result = &report
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MonthlyReport reads one rollup bucket, or ErrNotFound
func (s *GormInvoiceStore) MonthlyReport(ctx context.Context, storeID, year, month int) (*models.MonthlyReport, error) {
	var report models.MonthlyReport
	err := s.readOnlyDB.WithContext(ctx).
		Where("store_id = ? AND year = ? AND month = ?", storeID, year, month).
		First(&report).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to read monthly report")
	}
	return &report, nil
}

// ListInvoices returns non-voided invoices for a store, newest first
func (s *GormInvoiceStore) ListInvoices(ctx context.Context, storeID int, since *time.Time, limit int, withItems bool) ([]models.Invoice, error) {
	q := s.readOnlyDB.WithContext(ctx).
		Where("store_id = ? AND status <> ?", storeID, models.InvoiceStatusVoided).
		Order("created_at DESC")
	if since != nil {
		q = q.Where("created_at > ?", *since)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if withItems {
		q = q.Preload("Items")
	}

	var invoices []models.Invoice
	if err := q.Find(&invoices).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list invoices")
	}
	return invoices, nil
}

// PurgeInvoices hard-deletes invoices (and their items) created before the
// cutoff. The monthly report is untouched: it is already durable and
// decoupled from raw invoice retention. An empty match is a no-op success.
func (s *GormInvoiceStore) PurgeInvoices(ctx context.Context, cutoff time.Time) (models.PurgeResult, error) {
	var result models.PurgeResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []int
		if err := tx.Model(&models.Invoice{}).
			Where("created_at < ?", cutoff).
			Pluck("id", &ids).Error; err != nil {
			return errors.Wrap(err, "failed to find old invoices")
		}
		if len(ids) == 0 {
			return nil
		}

		// Items first due to the FK
		items := tx.Where("invoice_id IN ?", ids).Delete(&models.InvoiceItem{})
		if items.Error != nil {
			return errors.Wrap(items.Error, "failed to delete invoice items")
		}
		invoices := tx.Where("id IN ?", ids).Delete(&models.Invoice{})
		if invoices.Error != nil {
			return errors.Wrap(invoices.Error, "failed to delete invoices")
		}

		result.DeletedItems = items.RowsAffected
		result.DeletedInvoices = invoices.RowsAffected
		return nil
	})
	if err != nil {
		return models.PurgeResult{}, err
	}
	return result, nil
}

// StoreName resolves a store's display name
func (s *GormInvoiceStore) StoreName(ctx context.Context, storeID int) (string, error) {
	var store models.Store
	err := s.readOnlyDB.WithContext(ctx).First(&store, storeID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", errors.Wrap(err, "failed to read store")
	}
	return store.Name, nil
}

// ProductByID reads a product without locking it
func (s *GormInvoiceStore) ProductByID(ctx context.Context, productID int) (*models.Product, error) {
	var product models.Product
	err := s.readOnlyDB.WithContext(ctx).First(&product, productID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to read product")
	}
	return &product, nil
}
