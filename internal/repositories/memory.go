package repositories

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"example.com/greenhouse/pos/internal/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// MemoryInvoiceStore is an in-memory InvoiceStore with the same semantics
// as the PostgreSQL implementation. It backs service-level tests and local
// development without a database.
type MemoryInvoiceStore struct {
	mu       sync.Mutex
	stores   map[int]*models.Store
	products map[int]*models.Product
	invoices map[int]*models.Invoice
	reports  map[string]*models.MonthlyReport
	nextID   int
}

// NewMemoryInvoiceStore creates an empty in-memory store
func NewMemoryInvoiceStore() *MemoryInvoiceStore {
	return &MemoryInvoiceStore{
		stores:   make(map[int]*models.Store),
		products: make(map[int]*models.Product),
		invoices: make(map[int]*models.Invoice),
		reports:  make(map[string]*models.MonthlyReport),
		nextID:   1,
	}
}

func (s *MemoryInvoiceStore) allocID() int {
	id := s.nextID
	s.nextID++
	return id
}

func bucketKey(storeID, year, month int) string {
	return fmt.Sprintf("%d:%d:%d", storeID, year, month)
}

// AddStore seeds a store row
func (s *MemoryInvoiceStore) AddStore(store models.Store) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if store.ID == 0 {
		store.ID = s.allocID()
	}
	s.stores[store.ID] = &store
	return store.ID
}

// AddProduct seeds a product row
func (s *MemoryInvoiceStore) AddProduct(product models.Product) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if product.ID == 0 {
		product.ID = s.allocID()
	}
	s.products[product.ID] = &product
	return product.ID
}

// FindByIdempotencyKey returns the invoice previously created with the key
func (s *MemoryInvoiceStore) FindByIdempotencyKey(ctx context.Context, storeID int, key string) (*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.invoices {
		if inv.StoreID == storeID && inv.IdempotencyKey == key {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// CreateInvoice applies the billing transaction atomically under the store
// mutex, mirroring the row-locked SQL path
func (s *MemoryInvoiceStore) CreateInvoice(ctx context.Context, req *models.InvoiceRequest, allowNegativeStock bool) (*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, inv := range s.invoices {
		if inv.StoreID == req.StoreID && inv.IdempotencyKey == req.IdempotencyKey {
			return nil, ErrDuplicateKey
		}
	}

	subtotal := decimal.Zero
	decrements := make(map[int]decimal.Decimal, len(req.Items))
	items := make([]models.InvoiceItem, 0, len(req.Items))
	for _, line := range req.Items {
		p, ok := s.products[line.ProductID]
		if !ok || p.StoreID != req.StoreID {
			return nil, errors.Wrapf(ErrProductNotFound, "product %d", line.ProductID)
		}
		if line.Qty.Sign() <= 0 {
			return nil, errors.Wrapf(ErrInvalidQuantity, "product %d", line.ProductID)
		}
		if !p.AllowDecimalQty && !line.Qty.Equal(line.Qty.Truncate(0)) {
			return nil, errors.Wrapf(ErrInvalidQuantity, "product %d does not allow fractional qty", line.ProductID)
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
			if s.products[id].Stock.Sub(qty).Sign() < 0 {
				return nil, errors.Wrapf(ErrInsufficientStock, "product %d", id)
			}
		}
	}

	subtotal = subtotal.Round(2)
	total := subtotal.Add(req.GstAmount).Sub(req.DiscountAmount).Round(2)
	now := time.Now().UTC()

	invoice := &models.Invoice{
		ID:             s.allocID(),
		CreatedAt:      now,
		UpdatedAt:      now,
		InvoiceNo:      fmt.Sprintf("INV-%d", now.UnixMilli()),
		StoreID:        req.StoreID,
		TerminalID:     req.TerminalID,
		IdempotencyKey: req.IdempotencyKey,
		Subtotal:       subtotal,
		DiscountAmount: req.DiscountAmount,
		GstAmount:      req.GstAmount,
		Total:          total,
		PaymentMode:    req.PaymentMode,
		Status:         models.InvoiceStatusSynced,
	}
	for i := range items {
		items[i].ID = s.allocID()
		items[i].InvoiceID = invoice.ID
		items[i].CreatedAt = now
	}
	invoice.Items = items
	s.invoices[invoice.ID] = invoice

	for id, qty := range decrements {
		s.products[id].Stock = s.products[id].Stock.Sub(qty)
	}

	key := bucketKey(req.StoreID, now.Year(), int(now.Month()))
	report, ok := s.reports[key]
	if !ok {
		report = &models.MonthlyReport{
			ID:      s.allocID(),
			StoreID: req.StoreID,
			Year:    now.Year(),
			Month:   int(now.Month()),
		}
		s.reports[key] = report
	}
	report.InvoiceCount++
	report.Subtotal = report.Subtotal.Add(subtotal)
	report.Tax = report.Tax.Add(req.GstAmount.Sub(req.DiscountAmount))
	report.Total = report.Total.Add(total)
	report.UpdatedAt = now

	cp := *invoice
	return &cp, nil
}

// VoidInvoice restores stock and flags the invoice voided
func (s *MemoryInvoiceStore) VoidInvoice(ctx context.Context, invoiceID int, reason string) (*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	invoice, ok := s.invoices[invoiceID]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	if invoice.IsVoided() {
		return nil, ErrAlreadyVoided
	}

	for _, it := range invoice.Items {
		if p, ok := s.products[it.ProductID]; ok {
			p.Stock = p.Stock.Add(it.Qty)
		}
	}

	invoice.Status = models.InvoiceStatusVoided
	if reason != "" {
		r := reason
		invoice.VoidReason = &r
	}

	cp := *invoice
	return &cp, nil
}

// RecomputeMonthlyReport rebuilds one bucket from non-voided invoices
func (s *MemoryInvoiceStore) RecomputeMonthlyReport(ctx context.Context, storeID, year, month int) (*models.MonthlyReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	subtotal, tax, total := decimal.Zero, decimal.Zero, decimal.Zero
	for _, inv := range s.invoices {
		created := inv.CreatedAt.UTC()
		if inv.StoreID != storeID || inv.IsVoided() ||
			created.Year() != year || int(created.Month()) != month {
			continue
		}
		count++
		subtotal = subtotal.Add(inv.Subtotal)
		tax = tax.Add(inv.Tax())
		total = total.Add(inv.Total)
	}

	key := bucketKey(storeID, year, month)
	report, ok := s.reports[key]
	if !ok {
		report = &models.MonthlyReport{ID: s.allocID(), StoreID: storeID, Year: year, Month: month}
		s.reports[key] = report
	}
	report.InvoiceCount = count
	report.Subtotal = subtotal
	report.Tax = tax
	report.Total = total
	report.UpdatedAt = time.Now().UTC()

	cp := *report
	return &cp, nil
}

// MonthlyReport reads one rollup bucket
func (s *MemoryInvoiceStore) MonthlyReport(ctx context.Context, storeID, year, month int) (*models.MonthlyReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report, ok := s.reports[bucketKey(storeID, year, month)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *report
	return &cp, nil
}

// ListInvoices returns non-voided invoices for a store, newest first
func (s *MemoryInvoiceStore) ListInvoices(ctx context.Context, storeID int, since *time.Time, limit int, withItems bool) ([]models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Invoice
	for _, inv := range s.invoices {
		if inv.StoreID != storeID || inv.IsVoided() {
			continue
		}
		if since != nil && !inv.CreatedAt.After(*since) {
			continue
		}
		cp := *inv
		if !withItems {
			cp.Items = nil
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PurgeInvoices hard-deletes invoices created before the cutoff
func (s *MemoryInvoiceStore) PurgeInvoices(ctx context.Context, cutoff time.Time) (models.PurgeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result models.PurgeResult
	for id, inv := range s.invoices {
		if !inv.CreatedAt.Before(cutoff) {
			continue
		}
		result.DeletedInvoices++
		result.DeletedItems += int64(len(inv.Items))
		delete(s.invoices, id)
	}
	return result, nil
}

// SetInvoiceCreatedAt backdates an invoice; retention test helper
func (s *MemoryInvoiceStore) SetInvoiceCreatedAt(invoiceID int, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inv, ok := s.invoices[invoiceID]; ok {
		inv.CreatedAt = t
	}
}

// StoreName resolves a store's display name
func (s *MemoryInvoiceStore) StoreName(ctx context.Context, storeID int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	store, ok := s.stores[storeID]
	if !ok {
		return "", ErrNotFound
	}
	return store.Name, nil
}

// ProductByID reads a product
func (s *MemoryInvoiceStore) ProductByID(ctx context.Context, productID int) (*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	product, ok := s.products[productID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *product
	return &cp, nil
}
