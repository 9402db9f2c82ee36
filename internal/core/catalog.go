package core

import (
	"context"
	"net/url"
	"strings"
)

// EventPublisher is notified after catalog mutations commit.
type EventPublisher interface {
	Publish(ctx context.Context, kind EventKind, productID int64)
	PublishMany(ctx context.Context, kind EventKind, productIDs []int64)
}

const maxSKULength = 255

// ProductService is the catalog CRUD surface. Every successful mutation is
// followed by a publish.
type ProductService struct {
	store     CatalogStore
	publisher EventPublisher
}

func NewProductService(store CatalogStore, publisher EventPublisher) *ProductService {
	return &ProductService{store: store, publisher: publisher}
}

func (s *ProductService) List(ctx context.Context, f ProductFilter) ([]Product, error) {
	return s.store.ListProducts(ctx, f.Normalize())
}

func (s *ProductService) Get(ctx context.Context, id int64) (Product, error) {
	return s.store.GetProduct(ctx, id)
}

func (s *ProductService) Create(ctx context.Context, in ProductInput) (Product, error) {
	in, err := validateProduct(in)
	if err != nil {
		return Product{}, err
	}
	p, err := s.store.CreateProduct(ctx, in)
	if err != nil {
		return Product{}, err
	}
	s.publisher.Publish(ctx, EventProductCreated, p.ID)
	return p, nil
}

// Update replaces every writable field of product id.
func (s *ProductService) Update(ctx context.Context, id int64, in ProductInput) (Product, error) {
	in, err := validateProduct(in)
	if err != nil {
		return Product{}, err
	}
	p, err := s.store.UpdateProduct(ctx, id, in)
	if err != nil {
		return Product{}, err
	}
	s.publisher.Publish(ctx, EventProductUpdated, p.ID)
	return p, nil
}

func (s *ProductService) Delete(ctx context.Context, id int64) error {
	p, err := s.store.DeleteProduct(ctx, id)
	if err != nil {
		return err
	}
	s.publisher.Publish(ctx, EventProductDeleted, p.ID)
	return nil
}

// DeleteAll empties the catalog and publishes one deleted event per product.
func (s *ProductService) DeleteAll(ctx context.Context) (int, error) {
	ids, err := s.store.DeleteAllProducts(ctx)
	if err != nil {
		return 0, err
	}
	s.publisher.PublishMany(ctx, EventProductDeleted, ids)
	return len(ids), nil
}

func validateProduct(in ProductInput) (ProductInput, error) {
	in.SKU = strings.TrimSpace(in.SKU)
	in.Name = strings.TrimSpace(in.Name)
	switch {
	case in.SKU == "":
		return in, invalidf("sku is required")
	case len(in.SKU) > maxSKULength:
		return in, invalidf("sku must be at most %d characters", maxSKULength)
	case in.Name == "":
		return in, invalidf("name is required")
	}
	if in.Description != nil && strings.TrimSpace(*in.Description) == "" {
		in.Description = nil
	}
	return in, nil
}

// Tester performs a manual test delivery.
type Tester interface {
	TestDelivery(ctx context.Context, subscriptionID int64) (TestResult, error)
}

// WebhookService manages subscriptions.
type WebhookService struct {
	store  SubscriptionStore
	tester Tester
}

func NewWebhookService(store SubscriptionStore, tester Tester) *WebhookService {
	return &WebhookService{store: store, tester: tester}
}

func (s *WebhookService) Create(ctx context.Context, in SubscriptionInput) (Subscription, error) {
	in, err := validateSubscription(in)
	if err != nil {
		return Subscription{}, err
	}
	return s.store.CreateSubscription(ctx, in)
}

func (s *WebhookService) List(ctx context.Context) ([]Subscription, error) {
	return s.store.ListSubscriptions(ctx)
}

func (s *WebhookService) Get(ctx context.Context, id int64) (Subscription, error) {
	return s.store.GetSubscription(ctx, id)
}

func (s *WebhookService) Update(ctx context.Context, id int64, in SubscriptionInput) (Subscription, error) {
	in, err := validateSubscription(in)
	if err != nil {
		return Subscription{}, err
	}
	return s.store.UpdateSubscription(ctx, id, in)
}

func (s *WebhookService) Delete(ctx context.Context, id int64) error {
	return s.store.DeleteSubscription(ctx, id)
}

func (s *WebhookService) Test(ctx context.Context, id int64) (TestResult, error) {
	return s.tester.TestDelivery(ctx, id)
}

func validateSubscription(in SubscriptionInput) (SubscriptionInput, error) {
	in.URL = strings.TrimSpace(in.URL)
	u, err := url.Parse(in.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return in, invalidf("url must be an absolute http or https URL")
	}
	if !in.Event.Valid() {
		return in, invalidf("event must be one of %s, %s, %s",
			EventProductCreated, EventProductUpdated, EventProductDeleted)
	}
	return in, nil
}
