package core

import (
	"context"
	"strings"
	"time"
)

// EventKind names a catalog mutation category a subscriber can listen for.
type EventKind string

const (
	EventProductCreated EventKind = "product.created"
	EventProductUpdated EventKind = "product.updated"
	EventProductDeleted EventKind = "product.deleted"

	// EventTest is only sent by the manual test delivery.
	EventTest EventKind = "test"
)

// Valid reports whether k can be subscribed to.
func (k EventKind) Valid() bool {
	switch k {
	case EventProductCreated, EventProductUpdated, EventProductDeleted:
		return true
	}
	return false
}

// Product is a catalog record. SKU is unique case-insensitively.
type Product struct {
	ID          int64   `json:"id"`
	SKU         string  `json:"sku"`
	Name        string  `json:"name"`
	Description *string `json:"description"`
	Active      bool    `json:"active"`
}

// ProductInput is the writable part of a Product, used by create, full
// update and bulk upsert.
type ProductInput struct {
	SKU         string  `json:"sku"`
	Name        string  `json:"name"`
	Description *string `json:"description"`
	Active      bool    `json:"active"`
}

// ProductFilter narrows a product listing. Zero values mean "no filter".
type ProductFilter struct {
	Skip   int
	Limit  int
	ID     *int64
	SKU    string // exact match, case-insensitive
	Name   string // substring, case-insensitive
	Active *bool
}

const (
	DefaultListLimit = 20
	MaxListLimit     = 1000
)

// Normalize applies listing defaults and bounds.
func (f ProductFilter) Normalize() ProductFilter {
	if f.Skip < 0 {
		f.Skip = 0
	}
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	return f
}

// UpsertResult counts how a bulk upsert landed.
type UpsertResult struct {
	Inserted int
	Updated  int
}

// Subscription is a registered webhook endpoint for one event kind.
type Subscription struct {
	ID           int64      `json:"id"`
	URL          string     `json:"url"`
	Event        EventKind  `json:"event"`
	Enabled      bool       `json:"enabled"`
	LastStatus   *int       `json:"last_status"`
	LastResponse *string    `json:"last_response"`
	LastCalledAt *time.Time `json:"last_called_at"`
}

// SubscriptionInput is the writable part of a Subscription.
type SubscriptionInput struct {
	URL     string    `json:"url"`
	Event   EventKind `json:"event"`
	Enabled bool      `json:"enabled"`
}

// DeliveryRecord is the outcome of one delivery attempt as shown to operators.
// Status is nil when no HTTP response was received.
type DeliveryRecord struct {
	Status   *int
	Response string
	CalledAt time.Time
}

// NormalizeSKU returns the comparison key for a SKU.
func NormalizeSKU(sku string) string {
	return strings.ToLower(strings.TrimSpace(sku))
}

// CatalogStore persists products. Every method is safe for concurrent use.
type CatalogStore interface {
	GetProduct(ctx context.Context, id int64) (Product, error)
	ListProducts(ctx context.Context, f ProductFilter) ([]Product, error)

	// CreateProduct fails with ErrDuplicateSKU when the SKU is taken.
	CreateProduct(ctx context.Context, in ProductInput) (Product, error)
	UpdateProduct(ctx context.Context, id int64, in ProductInput) (Product, error)
	DeleteProduct(ctx context.Context, id int64) (Product, error)

	// DeleteAllProducts removes every product and returns the removed ids.
	DeleteAllProducts(ctx context.Context) ([]int64, error)

	// UpsertProducts applies batch in one transaction keyed by SKU. When a
	// SKU repeats inside batch the last occurrence wins.
	UpsertProducts(ctx context.Context, batch []ProductInput) (UpsertResult, error)
}

// SubscriptionStore persists webhook subscriptions.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, in SubscriptionInput) (Subscription, error)
	GetSubscription(ctx context.Context, id int64) (Subscription, error)
	ListSubscriptions(ctx context.Context) ([]Subscription, error)
	UpdateSubscription(ctx context.Context, id int64, in SubscriptionInput) (Subscription, error)
	DeleteSubscription(ctx context.Context, id int64) error

	// ListEnabledSubscriptions returns enabled subscriptions for kind.
	ListEnabledSubscriptions(ctx context.Context, kind EventKind) ([]Subscription, error)

	RecordDelivery(ctx context.Context, id int64, rec DeliveryRecord) error
}

// Store is a backend that provides both collaborators.
type Store interface {
	CatalogStore
	SubscriptionStore
	Ping(ctx context.Context) error
}

// DedupeBySKU collapses entries whose SKUs compare equal, keeping the last
// occurrence. Survivors keep the order of their last occurrence.
func DedupeBySKU(batch []ProductInput) []ProductInput {
	last := make(map[string]int, len(batch))
	for i, p := range batch {
		last[NormalizeSKU(p.SKU)] = i
	}
	if len(last) == len(batch) {
		return batch
	}
	out := make([]ProductInput, 0, len(last))
	for i, p := range batch {
		if last[NormalizeSKU(p.SKU)] == i {
			out = append(out, p)
		}
	}
	return out
}
