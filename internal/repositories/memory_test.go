package repositories

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"example.com/greenhouse/pos/internal/models"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedStore(t *testing.T) (*MemoryInvoiceStore, int, int) {
	t.Helper()
	store := NewMemoryInvoiceStore()
	storeID := store.AddStore(models.Store{Name: "Fresh Greens HSR"})
	productID := store.AddProduct(models.Product{
		StoreID:         storeID,
		SKU:             "TOM-001",
		Name:            "Tomato",
		Price:           decimal.RequireFromString("33.50"),
		Stock:           decimal.RequireFromString("20.000"),
		Unit:            models.UnitKg,
		AllowDecimalQty: true,
	})
	return store, storeID, productID
}

func TestCreateInvoiceRoundsPerLine(t *testing.T) {
	store, storeID, productID := seedStore(t)

	// 33.50 * 0.333 = 11.1555, rounded half-up per line to 11.16
	invoice, err := store.CreateInvoice(context.Background(), &models.InvoiceRequest{
		StoreID:        storeID,
		TerminalID:     1,
		IdempotencyKey: "key-round",
		Items: []models.InvoiceLine{
			{ProductID: productID, Qty: decimal.RequireFromString("0.333")},
		},
	}, true)
	require.NoError(t, err)

	require.Len(t, invoice.Items, 1)
	assert.Equal(t, "11.16", invoice.Items[0].Amount.String())
	assert.Equal(t, "11.16", invoice.Subtotal.String())
}

func TestCreateInvoiceRepeatedLinesAccumulate(t *testing.T) {
	store, storeID, productID := seedStore(t)
	ctx := context.Background()

	invoice, err := store.CreateInvoice(ctx, &models.InvoiceRequest{
		StoreID:        storeID,
		TerminalID:     1,
		IdempotencyKey: "key-lines",
		Items: []models.InvoiceLine{
			{ProductID: productID, Qty: decimal.NewFromInt(2)},
			{ProductID: productID, Qty: decimal.NewFromInt(3)},
		},
	}, true)
	require.NoError(t, err)
	assert.Len(t, invoice.Items, 2)

	product, err := store.ProductByID(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, "15", product.Stock.String())
}

func TestCreateInvoiceDuplicateKey(t *testing.T) {
	store, storeID, productID := seedStore(t)
	ctx := context.Background()

	req := &models.InvoiceRequest{
		StoreID:        storeID,
		TerminalID:     1,
		IdempotencyKey: "key-dup",
		Items:          []models.InvoiceLine{{ProductID: productID, Qty: decimal.NewFromInt(1)}},
	}

	_, err := store.CreateInvoice(ctx, req, true)
	require.NoError(t, err)

	_, err = store.CreateInvoice(ctx, req, true)
	assert.True(t, errors.Is(err, ErrDuplicateKey))
}

func TestMonthlyRollupAccumulatesAcrossInvoices(t *testing.T) {
	store, storeID, productID := seedStore(t)
	ctx := context.Background()

	for _, key := range []string{"key-a", "key-b", "key-c"} {
		_, err := store.CreateInvoice(ctx, &models.InvoiceRequest{
			StoreID:        storeID,
			TerminalID:     1,
			IdempotencyKey: key,
			Items:          []models.InvoiceLine{{ProductID: productID, Qty: decimal.NewFromInt(1)}},
		}, true)
		require.NoError(t, err)
	}

	now := time.Now().UTC()
	report, err := store.MonthlyReport(ctx, storeID, now.Year(), int(now.Month()))
	require.NoError(t, err)
	assert.Equal(t, 3, report.InvoiceCount)
	assert.Equal(t, "100.5", report.Total.String())
}

func TestRecomputeMatchesIncrementalRollup(t *testing.T) {
	store, storeID, productID := seedStore(t)
	ctx := context.Background()

	for _, key := range []string{"key-a", "key-b"} {
		_, err := store.CreateInvoice(ctx, &models.InvoiceRequest{
			StoreID:        storeID,
			TerminalID:     1,
			IdempotencyKey: key,
			GstAmount:      decimal.RequireFromString("1.50"),
			Items:          []models.InvoiceLine{{ProductID: productID, Qty: decimal.NewFromInt(2)}},
		}, true)
		require.NoError(t, err)
	}

	now := time.Now().UTC()
	incremental, err := store.MonthlyReport(ctx, storeID, now.Year(), int(now.Month()))
	require.NoError(t, err)

	recomputed, err := store.RecomputeMonthlyReport(ctx, storeID, now.Year(), int(now.Month()))
	require.NoError(t, err)

	assert.Equal(t, incremental.InvoiceCount, recomputed.InvoiceCount)
	assert.Equal(t, incremental.Subtotal.String(), recomputed.Subtotal.String())
	assert.Equal(t, incremental.Tax.String(), recomputed.Tax.String())
	assert.Equal(t, incremental.Total.String(), recomputed.Total.String())
}

func TestConcurrentCheckoutsKeepStockConsistent(t *testing.T) {
	store, storeID, productID := seedStore(t)
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := store.CreateInvoice(ctx, &models.InvoiceRequest{
				StoreID:        storeID,
				TerminalID:     1,
				IdempotencyKey: fmt.Sprintf("key-conc-%d", n),
				Items:          []models.InvoiceLine{{ProductID: productID, Qty: decimal.NewFromInt(1)}},
			}, true)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	product, err := store.ProductByID(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, "0", product.Stock.String())

	now := time.Now().UTC()
	report, err := store.MonthlyReport(ctx, storeID, now.Year(), int(now.Month()))
	require.NoError(t, err)
	assert.Equal(t, workers, report.InvoiceCount)
}

func TestConcurrentSameKeyAdmitsExactlyOne(t *testing.T) {
	store, storeID, productID := seedStore(t)
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	var created atomic.Int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.CreateInvoice(ctx, &models.InvoiceRequest{
				StoreID:        storeID,
				TerminalID:     1,
				IdempotencyKey: "key-raced",
				Items:          []models.InvoiceLine{{ProductID: productID, Qty: decimal.NewFromInt(1)}},
			}, true)
			if err == nil {
				created.Add(1)
			} else {
				assert.True(t, errors.Is(err, ErrDuplicateKey))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())

	// Only the winner moved stock
	product, err := store.ProductByID(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, "19", product.Stock.String())
}

func TestListInvoicesFilters(t *testing.T) {
	store, storeID, productID := seedStore(t)
	ctx := context.Background()

	first, err := store.CreateInvoice(ctx, &models.InvoiceRequest{
		StoreID:        storeID,
		TerminalID:     1,
		IdempotencyKey: "key-list-1",
		Items:          []models.InvoiceLine{{ProductID: productID, Qty: decimal.NewFromInt(1)}},
	}, true)
	require.NoError(t, err)

	second, err := store.CreateInvoice(ctx, &models.InvoiceRequest{
		StoreID:        storeID,
		TerminalID:     1,
		IdempotencyKey: "key-list-2",
		Items:          []models.InvoiceLine{{ProductID: productID, Qty: decimal.NewFromInt(1)}},
	}, true)
	require.NoError(t, err)

	_, err = store.VoidInvoice(ctx, first.ID, "test")
	require.NoError(t, err)

	// Voided invoices are filtered out
	invoices, err := store.ListInvoices(ctx, storeID, nil, 10, false)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, second.ID, invoices[0].ID)
	assert.Nil(t, invoices[0].Items)

	withItems, err := store.ListInvoices(ctx, storeID, nil, 10, true)
	require.NoError(t, err)
	require.Len(t, withItems, 1)
	assert.Len(t, withItems[0].Items, 1)
}
