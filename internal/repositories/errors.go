package repositories

import "errors"

// Common repository errors
var (
	ErrNotFound          = errors.New("record not found")
	ErrDuplicateKey      = errors.New("duplicate key violation")
	ErrProductNotFound   = errors.New("product not found")
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvoiceNotFound   = errors.New("invoice not found")
	ErrAlreadyVoided     = errors.New("invoice already voided")
)
