package models

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Invoice status values
const (
	InvoiceStatusSynced = "synced"
	InvoiceStatusVoided = "voided"
)

// Product units
const (
	UnitKg  = "kg"
	UnitQty = "qty"
)

// Store represents a retail store
type Store struct {
	ID        int            `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
	Name      string         `gorm:"not null" json:"name"`
	Products  []Product      `gorm:"foreignKey:StoreID" json:"-"`
	Invoices  []Invoice      `gorm:"foreignKey:StoreID" json:"-"`
}

// Product represents a sellable item. Stock is a signed decimal: fractional
// for kg-priced produce, and it may go negative when negative-stock policy
// is enabled so a sale is never blocked at the till.
type Product struct {
	ID              int             `gorm:"primaryKey" json:"id"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt       gorm.DeletedAt  `gorm:"index" json:"-"`
	StoreID         int             `gorm:"not null;index;uniqueIndex:idx_products_store_sku" json:"store_id"`
	SKU             string          `gorm:"not null;uniqueIndex:idx_products_store_sku" json:"sku"`
	Name            string          `gorm:"not null" json:"name"`
	Price           decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"price"`
	Stock           decimal.Decimal `gorm:"type:numeric(12,3);not null;default:0" json:"stock"`
	Unit            string          `gorm:"not null;default:'qty'" json:"unit"`
	AllowDecimalQty bool            `gorm:"not null;default:false" json:"allow_decimal_qty"`
	Store           Store           `gorm:"foreignKey:StoreID" json:"-"`
}

// Invoice represents a settled bill. The legacy single tax column of older
// receipts encoded "GST minus discount"; it is now stored as two explicit
// amounts and the combined figure is derived at read time.
type Invoice struct {
	ID             int             `gorm:"primaryKey" json:"id"`
	CreatedAt      time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	InvoiceNo      string          `gorm:"not null" json:"invoice_no"`
	StoreID        int             `gorm:"not null;uniqueIndex:idx_invoices_store_idem" json:"store_id"`
	TerminalID     int             `gorm:"not null" json:"terminal_id"`
	IdempotencyKey string          `gorm:"not null;uniqueIndex:idx_invoices_store_idem" json:"idempotency_key"`
	Subtotal       decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"subtotal"`
	DiscountAmount decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0" json:"discount_amount"`
	GstAmount      decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0" json:"gst_amount"`
	Total          decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"total"`
	PaymentMode    string          `gorm:"not null;default:'CASH'" json:"payment_mode"`
	Status         string          `gorm:"not null;default:'synced';index" json:"status"`
	VoidReason     *string         `json:"void_reason,omitempty"`
	Store          Store           `gorm:"foreignKey:StoreID" json:"-"`
	Items          []InvoiceItem   `gorm:"foreignKey:InvoiceID" json:"items,omitempty"`
}

// Tax is the legacy combined figure: GST net of discount. It can be
// negative when the discount exceeds the GST on a bill.
func (i *Invoice) Tax() decimal.Decimal {
	return i.GstAmount.Sub(i.DiscountAmount)
}

// IsVoided reports whether the invoice has been voided
func (i *Invoice) IsVoided() bool {
	return i.Status == InvoiceStatusVoided
}

// InvoiceItem is one line of an invoice. Rate and name are snapshots taken
// at sale time; the row is immutable once written.
type InvoiceItem struct {
	ID        int             `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	InvoiceID int             `gorm:"not null;index" json:"invoice_id"`
	ProductID int             `gorm:"not null" json:"product_id"`
	Name      string          `gorm:"not null" json:"name"`
	Qty       decimal.Decimal `gorm:"type:numeric(12,3);not null" json:"qty"`
	Rate      decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"rate"`
	Amount    decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
}

// MonthlyReport is the per-(store, year, month) rollup of non-voided
// invoices. It is maintained incrementally at invoice creation and
// recomputed from source rows after a void, and it deliberately survives
// invoice purges.
type MonthlyReport struct {
	ID           int             `gorm:"primaryKey" json:"id"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	StoreID      int             `gorm:"not null;uniqueIndex:idx_monthly_store_bucket" json:"store_id"`
	Year         int             `gorm:"not null;uniqueIndex:idx_monthly_store_bucket" json:"year"`
	Month        int             `gorm:"not null;uniqueIndex:idx_monthly_store_bucket" json:"month"`
	InvoiceCount int             `gorm:"not null;default:0" json:"invoice_count"`
	Subtotal     decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0" json:"subtotal"`
	Tax          decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0" json:"tax"`
	Total        decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0" json:"total"`
}

// InvoiceLine is one normalized cart line handed to the transaction engine.
// Boundary code maps whatever field aliases clients send into this shape
// before the engine sees it.
type InvoiceLine struct {
	ProductID int             `json:"product_id"`
	Qty       decimal.Decimal `json:"qty"`
}

// InvoiceRequest is the normalized invoice creation request
type InvoiceRequest struct {
	StoreID        int             `json:"store_id"`
	TerminalID     int             `json:"terminal_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Items          []InvoiceLine   `json:"items"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	GstAmount      decimal.Decimal `json:"gst_amount"`
	PaymentMode    string          `json:"payment_mode"`
	OfflineCreated bool            `json:"offline_created"`
	OfflineID      string          `json:"offline_id,omitempty"`
	TerminalUUID   string          `json:"terminal_uuid,omitempty"`
}

// InvoiceEvent is the payload broadcast to terminals and published to the
// event queue after a successful commit
type InvoiceEvent struct {
	Type    string          `json:"type"`
	Invoice *InvoiceDetails `json:"invoice"`
}

// InvoiceDetails is the external representation of an invoice
type InvoiceDetails struct {
	ID             int                  `json:"id"`
	InvoiceNo      string               `json:"invoice_no"`
	CreatedAt      time.Time            `json:"created_at"`
	Store          StoreRef             `json:"store"`
	TerminalID     int                  `json:"terminal_id"`
	Items          []InvoiceItemDetails `json:"items"`
	Subtotal       decimal.Decimal      `json:"subtotal"`
	DiscountAmount decimal.Decimal      `json:"discount_amount"`
	GstAmount      decimal.Decimal      `json:"gst_amount"`
	Tax            decimal.Decimal      `json:"tax"`
	Total          decimal.Decimal      `json:"total"`
	PaymentMode    string               `json:"payment_mode"`
	Status         string               `json:"status"`
}

// StoreRef identifies a store in responses
type StoreRef struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// InvoiceItemDetails is the external representation of an invoice line
type InvoiceItemDetails struct {
	ProductID int             `json:"product_id"`
	Name      string          `json:"name"`
	Qty       decimal.Decimal `json:"qty"`
	Rate      decimal.Decimal `json:"rate"`
	Amount    decimal.Decimal `json:"amount"`
}

// Details builds the external representation of an invoice
func (i *Invoice) Details(storeName string) *InvoiceDetails {
	items := make([]InvoiceItemDetails, 0, len(i.Items))
	for _, it := range i.Items {
		items = append(items, InvoiceItemDetails{
			ProductID: it.ProductID,
			Name:      it.Name,
			Qty:       it.Qty,
			Rate:      it.Rate,
			Amount:    it.Amount,
		})
	}
	return &InvoiceDetails{
		ID:             i.ID,
		InvoiceNo:      i.InvoiceNo,
		CreatedAt:      i.CreatedAt,
		Store:          StoreRef{ID: i.StoreID, Name: storeName},
		TerminalID:     i.TerminalID,
		Items:          items,
		Subtotal:       i.Subtotal,
		DiscountAmount: i.DiscountAmount,
		GstAmount:      i.GstAmount,
		Tax:            i.Tax(),
		Total:          i.Total,
		PaymentMode:    i.PaymentMode,
		Status:         i.Status,
	}
}

// PurgeResult reports what a purge pass removed
type PurgeResult struct {
	DeletedInvoices int64 `json:"deleted_invoices"`
	DeletedItems    int64 `json:"deleted_items"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	// Apply all migrations
	err := db.AutoMigrate(
		&Store{},
		&Product{},
		&Invoice{},
		&InvoiceItem{},
		&MonthlyReport{},
	)

	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
