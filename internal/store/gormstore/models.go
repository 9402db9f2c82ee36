package gormstore

import (
	"time"

	"github.com/JonMunkholm/catalog/internal/core"
)

// product is the products table. Bool and pointer fields carry no gorm
// default so that false and NULL are written as given.
type product struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	SKU         string    `gorm:"column:sku;size:255;not null"`
	SKUKey      string    `gorm:"column:sku_key;size:255;not null;uniqueIndex:products_sku_key_idx"`
	Name        string    `gorm:"not null"`
	Description *string   `gorm:"type:text"`
	Active      bool      `gorm:"not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

func (product) TableName() string { return "products" }

func (p product) toCore() core.Product {
	return core.Product{
		ID:          p.ID,
		SKU:         p.SKU,
		Name:        p.Name,
		Description: p.Description,
		Active:      p.Active,
	}
}

func productFromInput(in core.ProductInput) product {
	return product{
		SKU:         in.SKU,
		SKUKey:      core.NormalizeSKU(in.SKU),
		Name:        in.Name,
		Description: in.Description,
		Active:      in.Active,
	}
}

type webhook struct {
	ID           int64      `gorm:"primaryKey;autoIncrement"`
	URL          string     `gorm:"column:url;not null"`
	Event        string     `gorm:"size:64;not null;index:webhooks_event_enabled_idx"`
	Enabled      bool       `gorm:"not null;index:webhooks_event_enabled_idx"`
	LastStatus   *int       `gorm:"column:last_status"`
	LastResponse *string    `gorm:"type:text"`
	LastCalledAt *time.Time `gorm:"column:last_called_at"`
	CreatedAt    time.Time  `gorm:"autoCreateTime"`
}

func (webhook) TableName() string { return "webhooks" }

func (w webhook) toCore() core.Subscription {
	return core.Subscription{
		ID:           w.ID,
		URL:          w.URL,
		Event:        core.EventKind(w.Event),
		Enabled:      w.Enabled,
		LastStatus:   w.LastStatus,
		LastResponse: w.LastResponse,
		LastCalledAt: w.LastCalledAt,
	}
}
