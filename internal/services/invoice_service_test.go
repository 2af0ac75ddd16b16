package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"example.com/greenhouse/pos/internal/auth"
	"example.com/greenhouse/pos/internal/models"
	"example.com/greenhouse/pos/internal/repositories"
	"example.com/greenhouse/pos/internal/tracing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturingBroadcaster struct {
	mu     sync.Mutex
	events []*models.InvoiceEvent
}

func (b *capturingBroadcaster) BroadcastInvoice(event *models.InvoiceEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *capturingBroadcaster) Events() []*models.InvoiceEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*models.InvoiceEvent(nil), b.events...)
}

type fixture struct {
	service   *InvoiceService
	store     *repositories.MemoryInvoiceStore
	broadcast *capturingBroadcaster
	storeID   int
	appleID   int
	riceID    int
}

func newFixture(t *testing.T, allowNegativeStock bool) *fixture {
	t.Helper()

	memStore := repositories.NewMemoryInvoiceStore()
	storeID := memStore.AddStore(models.Store{Name: "Fresh Greens Koramangala"})
	appleID := memStore.AddProduct(models.Product{
		StoreID: storeID,
		SKU:     "APL-001",
		Name:    "Apple",
		Price:   decimal.RequireFromString("25.00"),
		Stock:   decimal.NewFromInt(100),
		Unit:    models.UnitQty,
	})
	riceID := memStore.AddProduct(models.Product{
		StoreID:         storeID,
		SKU:             "RCE-001",
		Name:            "Basmati Rice",
		Price:           decimal.RequireFromString("80.00"),
		Stock:           decimal.RequireFromString("50.000"),
		Unit:            models.UnitKg,
		AllowDecimalQty: true,
	})

	broadcast := &capturingBroadcaster{}
	service := NewInvoiceService(memStore, nil, broadcast, nil, nil, tracing.NewNoopTracer(), allowNegativeStock)

	return &fixture{
		service:   service,
		store:     memStore,
		broadcast: broadcast,
		storeID:   storeID,
		appleID:   appleID,
		riceID:    riceID,
	}
}

func (f *fixture) session() auth.Session {
	return auth.Session{StoreID: f.storeID}
}

func (f *fixture) request(key string, lines ...models.InvoiceLine) *models.InvoiceRequest {
	return &models.InvoiceRequest{
		StoreID:        f.storeID,
		TerminalID:     1,
		IdempotencyKey: key,
		Items:          lines,
	}
}

func TestCreateInvoiceComputesTotalsAndDecrementsStock(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	details, replayed, err := f.service.CreateInvoice(ctx,
		f.request("key-1", models.InvoiceLine{ProductID: f.appleID, Qty: decimal.NewFromInt(3)}),
		f.session())
	require.NoError(t, err)
	assert.False(t, replayed)

	assert.Equal(t, "75", details.Subtotal.String())
	assert.Equal(t, "75", details.Total.String())
	assert.Equal(t, "Fresh Greens Koramangala", details.Store.Name)
	assert.Contains(t, details.InvoiceNo, "INV-")
	require.Len(t, details.Items, 1)
	assert.Equal(t, "Apple", details.Items[0].Name)
	assert.Equal(t, "25", details.Items[0].Rate.String())

	product, err := f.store.ProductByID(ctx, f.appleID)
	require.NoError(t, err)
	assert.Equal(t, "97", product.Stock.String())
}

func TestCreateInvoiceSplitsDiscountAndGst(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	req := f.request("key-split", models.InvoiceLine{ProductID: f.appleID, Qty: decimal.NewFromInt(4)})
	req.DiscountAmount = decimal.RequireFromString("10.00")
	req.GstAmount = decimal.RequireFromString("5.00")

	details, _, err := f.service.CreateInvoice(ctx, req, f.session())
	require.NoError(t, err)

	// subtotal 100, +5 GST, -10 discount
	assert.Equal(t, "100", details.Subtotal.String())
	assert.Equal(t, "95", details.Total.String())
	assert.Equal(t, "10", details.DiscountAmount.String())
	assert.Equal(t, "5", details.GstAmount.String())
	// Legacy combined figure goes negative when discount exceeds GST
	assert.Equal(t, "-5", details.Tax.String())
}

func TestCreateInvoiceFractionalKgQty(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	details, _, err := f.service.CreateInvoice(ctx,
		f.request("key-kg", models.InvoiceLine{ProductID: f.riceID, Qty: decimal.RequireFromString("1.255")}),
		f.session())
	require.NoError(t, err)

	// 80.00 * 1.255 = 100.40 after half-up rounding
	assert.Equal(t, "100.4", details.Subtotal.String())

	product, err := f.store.ProductByID(ctx, f.riceID)
	require.NoError(t, err)
	assert.Equal(t, "48.745", product.Stock.String())
}

func TestCreateInvoiceRejectsFractionalQtyForUnitProducts(t *testing.T) {
	f := newFixture(t, true)

	_, _, err := f.service.CreateInvoice(context.Background(),
		f.request("key-frac", models.InvoiceLine{ProductID: f.appleID, Qty: decimal.RequireFromString("1.5")}),
		f.session())
	assert.True(t, errors.Is(err, repositories.ErrInvalidQuantity))
}

func TestCreateInvoiceIdempotentReplay(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	req := f.request("key-replay", models.InvoiceLine{ProductID: f.appleID, Qty: decimal.NewFromInt(3)})

	first, replayed, err := f.service.CreateInvoice(ctx, req, f.session())
	require.NoError(t, err)
	require.False(t, replayed)

	second, replayed, err := f.service.CreateInvoice(ctx, req, f.session())
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.InvoiceNo, second.InvoiceNo)

	// No stock moved on the replay
	product, err := f.store.ProductByID(ctx, f.appleID)
	require.NoError(t, err)
	assert.Equal(t, "97", product.Stock.String())

	// The replay did not inflate the monthly rollup
	now := time.Now().UTC()
	report, err := f.service.MonthlyReport(ctx, f.storeID, now.Year(), int(now.Month()), f.session())
	require.NoError(t, err)
	assert.Equal(t, 1, report.InvoiceCount)
	assert.Equal(t, "75", report.Total.String())

	// Only the first commit was broadcast
	assert.Len(t, f.broadcast.Events(), 1)
}

func TestCreateInvoiceValidation(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, _, err := f.service.CreateInvoice(ctx, f.request("", models.InvoiceLine{ProductID: f.appleID, Qty: decimal.NewFromInt(1)}), f.session())
	assert.True(t, errors.Is(err, ErrMissingField), "missing idempotency key")

	_, _, err = f.service.CreateInvoice(ctx, f.request("key-empty"), f.session())
	assert.True(t, errors.Is(err, ErrMissingField), "empty cart")

	_, _, err = f.service.CreateInvoice(ctx,
		f.request("key-zero", models.InvoiceLine{ProductID: f.appleID, Qty: decimal.Zero}),
		f.session())
	assert.True(t, errors.Is(err, repositories.ErrInvalidQuantity), "zero qty")

	_, _, err = f.service.CreateInvoice(ctx,
		f.request("key-missing", models.InvoiceLine{ProductID: 9999, Qty: decimal.NewFromInt(1)}),
		f.session())
	assert.True(t, errors.Is(err, repositories.ErrProductNotFound))
}

func TestCreateInvoiceUnknownProductLeavesNothingBehind(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, _, err := f.service.CreateInvoice(ctx, f.request("key-atomic",
		models.InvoiceLine{ProductID: f.appleID, Qty: decimal.NewFromInt(2)},
		models.InvoiceLine{ProductID: 9999, Qty: decimal.NewFromInt(1)},
	), f.session())
	require.Error(t, err)

	// The valid line's stock must be untouched
	product, err := f.store.ProductByID(ctx, f.appleID)
	require.NoError(t, err)
	assert.Equal(t, "100", product.Stock.String())

	invoices, err := f.service.ListInvoices(ctx, f.storeID, nil, 10, false, f.session())
	require.NoError(t, err)
	assert.Empty(t, invoices)
}

func TestCreateInvoiceNegativeStockPolicy(t *testing.T) {
	ctx := context.Background()

	strict := newFixture(t, false)
	_, _, err := strict.service.CreateInvoice(ctx,
		strict.request("key-strict", models.InvoiceLine{ProductID: strict.appleID, Qty: decimal.NewFromInt(150)}),
		strict.session())
	assert.True(t, errors.Is(err, repositories.ErrInsufficientStock))

	lenient := newFixture(t, true)
	_, _, err = lenient.service.CreateInvoice(ctx,
		lenient.request("key-lenient", models.InvoiceLine{ProductID: lenient.appleID, Qty: decimal.NewFromInt(150)}),
		lenient.session())
	require.NoError(t, err)

	product, err := lenient.store.ProductByID(ctx, lenient.appleID)
	require.NoError(t, err)
	assert.Equal(t, "-50", product.Stock.String())
}

func TestCreateInvoiceEnforcesStoreScope(t *testing.T) {
	f := newFixture(t, true)

	otherSession := auth.Session{StoreID: f.storeID + 100}
	_, _, err := f.service.CreateInvoice(context.Background(),
		f.request("key-scope", models.InvoiceLine{ProductID: f.appleID, Qty: decimal.NewFromInt(1)}),
		otherSession)
	assert.True(t, errors.Is(err, ErrUnauthorized))

	// Admin sessions cut across stores
	_, _, err = f.service.CreateInvoice(context.Background(),
		f.request("key-admin", models.InvoiceLine{ProductID: f.appleID, Qty: decimal.NewFromInt(1)}),
		auth.Session{IsAdmin: true})
	assert.NoError(t, err)
}

func TestVoidInvoiceRestoresStockAndRecomputesReport(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	admin := auth.Session{IsAdmin: true}

	created, _, err := f.service.CreateInvoice(ctx,
		f.request("key-void", models.InvoiceLine{ProductID: f.appleID, Qty: decimal.NewFromInt(3)}),
		f.session())
	require.NoError(t, err)

	voided, err := f.service.VoidInvoice(ctx, created.ID, "wrong order", admin)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusVoided, voided.Status)

	product, err := f.store.ProductByID(ctx, f.appleID)
	require.NoError(t, err)
	assert.Equal(t, "100", product.Stock.String())

	// The monthly bucket no longer counts the voided invoice
	now := time.Now().UTC()
	report, err := f.service.MonthlyReport(ctx, f.storeID, now.Year(), int(now.Month()), admin)
	require.NoError(t, err)
	assert.Equal(t, 0, report.InvoiceCount)
	assert.Equal(t, "0", report.Total.String())
}

func TestVoidInvoiceErrors(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	admin := auth.Session{IsAdmin: true}

	created, _, err := f.service.CreateInvoice(ctx,
		f.request("key-void-twice", models.InvoiceLine{ProductID: f.appleID, Qty: decimal.NewFromInt(1)}),
		f.session())
	require.NoError(t, err)

	_, err = f.service.VoidInvoice(ctx, created.ID, "test", f.session())
	assert.True(t, errors.Is(err, ErrUnauthorized), "void is admin only")

	_, err = f.service.VoidInvoice(ctx, created.ID, "test", admin)
	require.NoError(t, err)

	_, err = f.service.VoidInvoice(ctx, created.ID, "again", admin)
	assert.True(t, errors.Is(err, repositories.ErrAlreadyVoided))

	_, err = f.service.VoidInvoice(ctx, 9999, "test", admin)
	assert.True(t, errors.Is(err, repositories.ErrInvoiceNotFound))
}

func TestMonthlyReportMissingBucketIsEmpty(t *testing.T) {
	f := newFixture(t, true)

	report, err := f.service.MonthlyReport(context.Background(), f.storeID, 2019, 1, f.session())
	require.NoError(t, err)
	assert.Equal(t, 0, report.InvoiceCount)
	assert.True(t, report.Total.IsZero())
}

func TestPurgeInvoicesHonorsRetentionAndKeepsReports(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	created, _, err := f.service.CreateInvoice(ctx,
		f.request("key-old", models.InvoiceLine{ProductID: f.appleID, Qty: decimal.NewFromInt(3)}),
		f.session())
	require.NoError(t, err)
	f.store.SetInvoiceCreatedAt(created.ID, time.Now().AddDate(0, 0, -30))

	kept, _, err := f.service.CreateInvoice(ctx,
		f.request("key-new", models.InvoiceLine{ProductID: f.appleID, Qty: decimal.NewFromInt(1)}),
		f.session())
	require.NoError(t, err)

	result, err := f.service.PurgeInvoices(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.DeletedInvoices)
	assert.Equal(t, int64(1), result.DeletedItems)

	invoices, err := f.service.ListInvoices(ctx, f.storeID, nil, 10, false, f.session())
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, kept.ID, invoices[0].ID)

	// Aggregates survive the purge
	now := time.Now().UTC()
	report, err := f.service.MonthlyReport(ctx, f.storeID, now.Year(), int(now.Month()), f.session())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, report.InvoiceCount, 1)
}

func TestPurgeInvoicesRejectsOutOfRangeAge(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.service.PurgeInvoices(context.Background(), 0)
	assert.True(t, errors.Is(err, ErrInvalidRange))

	_, err = f.service.PurgeInvoices(context.Background(), 4000)
	assert.True(t, errors.Is(err, ErrInvalidRange))
}
