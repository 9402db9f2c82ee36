// Package gormstore implements core.Store with GORM, on PostgreSQL or SQLite.
//
// It trades the COPY-based merge of the pgx store for portability: the same
// code runs against an embedded SQLite file for single-node deployments and
// tests.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/JonMunkholm/catalog/internal/core"
)

// Dialect names accepted by Open.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

const (
	// insertChunk keeps one INSERT under SQLite's bound-parameter limit.
	insertChunk = 500
	lookupChunk = 1000
)

// Open connects with the named dialect. SQLite is limited to one open
// connection so an in-memory database is shared by every caller.
func Open(dialect, dsn string, silent bool) (*gorm.DB, error) {
	var d gorm.Dialector
	switch dialect {
	case DialectPostgres:
		d = postgres.Open(dsn)
	case DialectSQLite:
		d = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown gorm dialect %q", dialect)
	}

	level := logger.Warn
	if silent {
		level = logger.Silent
	}
	db, err := gorm.Open(d, &gorm.Config{
		Logger:         logger.Default.LogMode(level),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// Store is a core.Store on a *gorm.DB.
type Store struct {
	db *gorm.DB
}

var _ core.Store = (*Store)(nil)

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the necessary tables.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&product{}, &webhook{})
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return core.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return core.ErrDuplicateSKU
	default:
		return err
	}
}

func (s *Store) GetProduct(ctx context.Context, id int64) (core.Product, error) {
	var row product
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return core.Product{}, mapErr(err)
	}
	return row.toCore(), nil
}

func (s *Store) ListProducts(ctx context.Context, f core.ProductFilter) ([]core.Product, error) {
	f = f.Normalize()

	q := s.db.WithContext(ctx).Model(&product{})
	if f.ID != nil {
		q = q.Where("id = ?", *f.ID)
	}
	if f.SKU != "" {
		q = q.Where("sku_key = ?", core.NormalizeSKU(f.SKU))
	}
	if f.Name != "" {
		q = q.Where(`LOWER(name) LIKE ? ESCAPE '\'`, "%"+escapeLike(strings.ToLower(f.Name))+"%")
	}
	if f.Active != nil {
		q = q.Where("active = ?", *f.Active)
	}

	var rows []product
	if err := q.Order("id").Offset(f.Skip).Limit(f.Limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	out := make([]core.Product, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toCore())
	}
	return out, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *Store) CreateProduct(ctx context.Context, in core.ProductInput) (core.Product, error) {
	row := productFromInput(in)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return core.Product{}, mapErr(err)
	}
	return row.toCore(), nil
}

func (s *Store) UpdateProduct(ctx context.Context, id int64, in core.ProductInput) (core.Product, error) {
	var row product
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&row, id).Error; err != nil {
			return err
		}
		if err := tx.Model(&row).Updates(map[string]any{
			"sku":         in.SKU,
			"sku_key":     core.NormalizeSKU(in.SKU),
			"name":        in.Name,
			"description": in.Description,
			"active":      in.Active,
		}).Error; err != nil {
			return err
		}
		return tx.First(&row, id).Error
	})
	if err != nil {
		return core.Product{}, mapErr(err)
	}
	return row.toCore(), nil
}

func (s *Store) DeleteProduct(ctx context.Context, id int64) (core.Product, error) {
	var row product
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&row, id).Error; err != nil {
			return err
		}
		return tx.Delete(&product{}, id).Error
	})
	if err != nil {
		return core.Product{}, mapErr(err)
	}
	return row.toCore(), nil
}

// DeleteAllProducts deletes the products present when it starts and returns
// their ids in ascending order.
func (s *Store) DeleteAllProducts(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&product{}).Order("id").Pluck("id", &ids).Error; err != nil {
			return err
		}
		for start := 0; start < len(ids); start += lookupChunk {
			end := min(start+lookupChunk, len(ids))
			if err := tx.Where("id IN ?", ids[start:end]).Delete(&product{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("delete products: %w", err)
	}
	return ids, nil
}

// UpsertProducts merges batch in one transaction keyed by sku_key.
func (s *Store) UpsertProducts(ctx context.Context, batch []core.ProductInput) (core.UpsertResult, error) {
	batch = core.DedupeBySKU(batch)
	if len(batch) == 0 {
		return core.UpsertResult{}, nil
	}

	rows := make([]product, 0, len(batch))
	keys := make([]string, 0, len(batch))
	for _, in := range batch {
		r := productFromInput(in)
		rows = append(rows, r)
		keys = append(keys, r.SKUKey)
	}

	var res core.UpsertResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing := 0
		for start := 0; start < len(keys); start += lookupChunk {
			end := min(start+lookupChunk, len(keys))
			var n int64
			if err := tx.Model(&product{}).Where("sku_key IN ?", keys[start:end]).Count(&n).Error; err != nil {
				return fmt.Errorf("count existing: %w", err)
			}
			existing += int(n)
		}

		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "sku_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "description", "active", "updated_at"}),
		}).CreateInBatches(&rows, insertChunk).Error
		if err != nil {
			return fmt.Errorf("upsert products: %w", err)
		}

		res.Updated = existing
		res.Inserted = len(rows) - existing
		return nil
	})
	if err != nil {
		return core.UpsertResult{}, err
	}
	return res, nil
}

func (s *Store) CreateSubscription(ctx context.Context, in core.SubscriptionInput) (core.Subscription, error) {
	row := webhook{URL: in.URL, Event: string(in.Event), Enabled: in.Enabled}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return core.Subscription{}, fmt.Errorf("create webhook: %w", err)
	}
	return row.toCore(), nil
}

func (s *Store) GetSubscription(ctx context.Context, id int64) (core.Subscription, error) {
	var row webhook
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return core.Subscription{}, mapErr(err)
	}
	return row.toCore(), nil
}

func (s *Store) ListSubscriptions(ctx context.Context) ([]core.Subscription, error) {
	return s.findSubscriptions(s.db.WithContext(ctx))
}

func (s *Store) ListEnabledSubscriptions(ctx context.Context, kind core.EventKind) ([]core.Subscription, error) {
	return s.findSubscriptions(s.db.WithContext(ctx).Where("enabled = ? AND event = ?", true, string(kind)))
}

func (s *Store) findSubscriptions(q *gorm.DB) ([]core.Subscription, error) {
	var rows []webhook
	if err := q.Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	out := make([]core.Subscription, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toCore())
	}
	return out, nil
}

func (s *Store) UpdateSubscription(ctx context.Context, id int64, in core.SubscriptionInput) (core.Subscription, error) {
	var row webhook
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&row, id).Error; err != nil {
			return err
		}
		if err := tx.Model(&row).Updates(map[string]any{
			"url":     in.URL,
			"event":   string(in.Event),
			"enabled": in.Enabled,
		}).Error; err != nil {
			return err
		}
		return tx.First(&row, id).Error
	})
	if err != nil {
		return core.Subscription{}, mapErr(err)
	}
	return row.toCore(), nil
}

func (s *Store) DeleteSubscription(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Delete(&webhook{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete webhook: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *Store) RecordDelivery(ctx context.Context, id int64, rec core.DeliveryRecord) error {
	calledAt := rec.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}
	res := s.db.WithContext(ctx).Model(&webhook{}).Where("id = ?", id).Updates(map[string]any{
		"last_status":    rec.Status,
		"last_response":  rec.Response,
		"last_called_at": calledAt,
	})
	if res.Error != nil {
		return fmt.Errorf("record delivery: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return core.ErrNotFound
	}
	return nil
}
