// Package postgres implements core.Store on PostgreSQL with pgx.
//
// Bulk upserts COPY the batch into a transaction-scoped staging table and
// merge it with one INSERT .. ON CONFLICT statement, so a batch is applied
// entirely or not at all.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JonMunkholm/catalog/internal/core"
)

// DB is the subset of pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

const schema = `
CREATE TABLE IF NOT EXISTS products (
    id          BIGSERIAL PRIMARY KEY,
    sku         TEXT        NOT NULL,
    sku_key     TEXT        NOT NULL,
    name        TEXT        NOT NULL,
    description TEXT,
    active      BOOLEAN     NOT NULL DEFAULT TRUE,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS products_sku_key_idx ON products (sku_key);

CREATE TABLE IF NOT EXISTS webhooks (
    id             BIGSERIAL PRIMARY KEY,
    url            TEXT        NOT NULL,
    event          TEXT        NOT NULL,
    enabled        BOOLEAN     NOT NULL DEFAULT TRUE,
    last_status    INT,
    last_response  TEXT,
    last_called_at TIMESTAMPTZ,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS webhooks_event_enabled_idx ON webhooks (event) WHERE enabled;
`

const uniqueViolation = "23505"

// Store is a core.Store backed by PostgreSQL.
type Store struct {
	db DB
}

var _ core.Store = (*Store)(nil)

func New(db DB) *Store {
	return &Store{db: db}
}

// Migrate creates the tables and indexes if needed.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate catalog schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

const productColumns = "id, sku, name, description, active"

func scanProduct(row pgx.Row) (core.Product, error) {
	var p core.Product
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Description, &p.Active)
	return p, err
}

// mapErr translates driver errors into core sentinels.
func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", core.ErrDuplicateSKU, pgErr.ConstraintName)
	}
	return err
}

func (s *Store) GetProduct(ctx context.Context, id int64) (core.Product, error) {
	p, err := scanProduct(s.db.QueryRow(ctx,
		"SELECT "+productColumns+" FROM products WHERE id = $1", id))
	if err != nil {
		return core.Product{}, mapErr(err)
	}
	return p, nil
}

func (s *Store) ListProducts(ctx context.Context, f core.ProductFilter) ([]core.Product, error) {
	f = f.Normalize()

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.ID != nil {
		where = append(where, "id = "+arg(*f.ID))
	}
	if f.SKU != "" {
		where = append(where, "sku_key = "+arg(core.NormalizeSKU(f.SKU)))
	}
	if f.Name != "" {
		where = append(where, "name ILIKE "+arg("%"+escapeLike(f.Name)+"%"))
	}
	if f.Active != nil {
		where = append(where, "active = "+arg(*f.Active))
	}

	q := "SELECT " + productColumns + " FROM products"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id OFFSET " + arg(f.Skip) + " LIMIT " + arg(f.Limit)

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	out := make([]core.Product, 0, f.Limit)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *Store) CreateProduct(ctx context.Context, in core.ProductInput) (core.Product, error) {
	p, err := scanProduct(s.db.QueryRow(ctx, `
INSERT INTO products (sku, sku_key, name, description, active)
VALUES ($1, $2, $3, $4, $5)
RETURNING `+productColumns,
		in.SKU, core.NormalizeSKU(in.SKU), in.Name, in.Description, in.Active))
	if err != nil {
		return core.Product{}, mapErr(err)
	}
	return p, nil
}

func (s *Store) UpdateProduct(ctx context.Context, id int64, in core.ProductInput) (core.Product, error) {
	p, err := scanProduct(s.db.QueryRow(ctx, `
UPDATE products
SET sku = $2, sku_key = $3, name = $4, description = $5, active = $6, updated_at = now()
WHERE id = $1
RETURNING `+productColumns,
		id, in.SKU, core.NormalizeSKU(in.SKU), in.Name, in.Description, in.Active))
	if err != nil {
		return core.Product{}, mapErr(err)
	}
	return p, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id int64) (core.Product, error) {
	p, err := scanProduct(s.db.QueryRow(ctx,
		"DELETE FROM products WHERE id = $1 RETURNING "+productColumns, id))
	if err != nil {
		return core.Product{}, mapErr(err)
	}
	return p, nil
}

func (s *Store) DeleteAllProducts(ctx context.Context) ([]int64, error) {
	rows, err := s.db.Query(ctx, "DELETE FROM products RETURNING id")
	if err != nil {
		return nil, fmt.Errorf("delete products: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("delete products: %w", err)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// UpsertProducts merges batch in one transaction. Duplicate keys inside the
// batch resolve to the highest row index, i.e. the last occurrence.
func (s *Store) UpsertProducts(ctx context.Context, batch []core.ProductInput) (core.UpsertResult, error) {
	if len(batch) == 0 {
		return core.UpsertResult{}, nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return core.UpsertResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
CREATE TEMP TABLE stg_products (
    row_index   BIGINT  NOT NULL,
    sku         TEXT    NOT NULL,
    sku_key     TEXT    NOT NULL,
    name        TEXT    NOT NULL,
    description TEXT,
    active      BOOLEAN NOT NULL
) ON COMMIT DROP`); err != nil {
		return core.UpsertResult{}, fmt.Errorf("create staging table: %w", err)
	}

	rows := make([][]any, 0, len(batch))
	for i, in := range batch {
		rows = append(rows, []any{int64(i), in.SKU, core.NormalizeSKU(in.SKU), in.Name, in.Description, in.Active})
	}
	if _, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"stg_products"},
		[]string{"row_index", "sku", "sku_key", "name", "description", "active"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return core.UpsertResult{}, fmt.Errorf("copy products staging: %w", err)
	}

	res, err := mergeStaged(ctx, tx)
	if err != nil {
		return core.UpsertResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return core.UpsertResult{}, fmt.Errorf("commit batch: %w", err)
	}
	return res, nil
}

func mergeStaged(ctx context.Context, tx pgx.Tx) (core.UpsertResult, error) {
	rows, err := tx.Query(ctx, `
WITH staged AS (
    SELECT DISTINCT ON (sku_key) sku, sku_key, name, description, active
    FROM stg_products
    ORDER BY sku_key, row_index DESC
), upserted AS (
    INSERT INTO products (sku, sku_key, name, description, active, created_at, updated_at)
    SELECT sku, sku_key, name, description, active, now(), now()
    FROM staged
    ON CONFLICT (sku_key) DO UPDATE
      SET name = EXCLUDED.name,
          description = EXCLUDED.description,
          active = EXCLUDED.active,
          updated_at = now()
    RETURNING (xmax = 0) AS inserted
)
SELECT inserted FROM upserted
`)
	if err != nil {
		return core.UpsertResult{}, fmt.Errorf("merge products: %w", err)
	}
	defer rows.Close()

	var res core.UpsertResult
	for rows.Next() {
		var inserted bool
		if err := rows.Scan(&inserted); err != nil {
			return core.UpsertResult{}, fmt.Errorf("scan merge result: %w", err)
		}
		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
	}
	if err := rows.Err(); err != nil {
		return core.UpsertResult{}, fmt.Errorf("merge products: %w", err)
	}
	return res, nil
}

const subscriptionColumns = "id, url, event, enabled, last_status, last_response, last_called_at"

func scanSubscription(row pgx.Row) (core.Subscription, error) {
	var (
		sub   core.Subscription
		event string
	)
	err := row.Scan(&sub.ID, &sub.URL, &event, &sub.Enabled, &sub.LastStatus, &sub.LastResponse, &sub.LastCalledAt)
	sub.Event = core.EventKind(event)
	return sub, err
}

func (s *Store) CreateSubscription(ctx context.Context, in core.SubscriptionInput) (core.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(ctx, `
INSERT INTO webhooks (url, event, enabled) VALUES ($1, $2, $3)
RETURNING `+subscriptionColumns, in.URL, string(in.Event), in.Enabled))
	if err != nil {
		return core.Subscription{}, fmt.Errorf("create webhook: %w", err)
	}
	return sub, nil
}

func (s *Store) GetSubscription(ctx context.Context, id int64) (core.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(ctx,
		"SELECT "+subscriptionColumns+" FROM webhooks WHERE id = $1", id))
	if err != nil {
		return core.Subscription{}, mapErr(err)
	}
	return sub, nil
}

func (s *Store) ListSubscriptions(ctx context.Context) ([]core.Subscription, error) {
	return s.querySubscriptions(ctx, "SELECT "+subscriptionColumns+" FROM webhooks ORDER BY id")
}

func (s *Store) ListEnabledSubscriptions(ctx context.Context, kind core.EventKind) ([]core.Subscription, error) {
	return s.querySubscriptions(ctx,
		"SELECT "+subscriptionColumns+" FROM webhooks WHERE enabled AND event = $1 ORDER BY id", string(kind))
}

func (s *Store) querySubscriptions(ctx context.Context, q string, args ...any) ([]core.Subscription, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	out := []core.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) UpdateSubscription(ctx context.Context, id int64, in core.SubscriptionInput) (core.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(ctx, `
UPDATE webhooks SET url = $2, event = $3, enabled = $4
WHERE id = $1
RETURNING `+subscriptionColumns, id, in.URL, string(in.Event), in.Enabled))
	if err != nil {
		return core.Subscription{}, mapErr(err)
	}
	return sub, nil
}

func (s *Store) DeleteSubscription(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, "DELETE FROM webhooks WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *Store) RecordDelivery(ctx context.Context, id int64, rec core.DeliveryRecord) error {
	calledAt := rec.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}
	tag, err := s.db.Exec(ctx, `
UPDATE webhooks SET last_status = $2, last_response = $3, last_called_at = $4
WHERE id = $1`, id, rec.Status, rec.Response, calledAt)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}
