package core

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/JonMunkholm/catalog/internal/progress"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	mu       sync.Mutex
	nextID   int64
	products map[int64]Product
	subs     map[int64]Subscription
	records  map[int64][]DeliveryRecord

	upsertCalls [][]ProductInput
	failUpsert  func(call int) error
	failList    error

	// Stalled calls block until their context ends.
	stallLookups atomic.Bool
	stallRecords atomic.Bool
}

func stallUntilDone(ctx context.Context, stall *atomic.Bool) error {
	if !stall.Load() {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func newMemStore() *memStore {
	return &memStore{
		products: make(map[int64]Product),
		subs:     make(map[int64]Subscription),
		records:  make(map[int64][]DeliveryRecord),
	}
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) Ping(context.Context) error { return nil }

func (s *memStore) GetProduct(_ context.Context, id int64) (Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return Product{}, ErrNotFound
	}
	return p, nil
}

func (s *memStore) ListProducts(_ context.Context, f ProductFilter) ([]Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f = f.Normalize()
	var out []Product
	for _, p := range s.products {
		if f.ID != nil && p.ID != *f.ID {
			continue
		}
		if f.SKU != "" && NormalizeSKU(p.SKU) != NormalizeSKU(f.SKU) {
			continue
		}
		if f.Name != "" && !strings.Contains(strings.ToLower(p.Name), strings.ToLower(f.Name)) {
			continue
		}
		if f.Active != nil && p.Active != *f.Active {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Skip >= len(out) {
		return []Product{}, nil
	}
	out = out[f.Skip:]
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memStore) bySKU(sku string) (Product, bool) {
	key := NormalizeSKU(sku)
	for _, p := range s.products {
		if NormalizeSKU(p.SKU) == key {
			return p, true
		}
	}
	return Product{}, false
}

func (s *memStore) CreateProduct(_ context.Context, in ProductInput) (Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bySKU(in.SKU); ok {
		return Product{}, ErrDuplicateSKU
	}
	p := Product{ID: s.id(), SKU: in.SKU, Name: in.Name, Description: in.Description, Active: in.Active}
	s.products[p.ID] = p
	return p, nil
}

func (s *memStore) UpdateProduct(_ context.Context, id int64, in ProductInput) (Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return Product{}, ErrNotFound
	}
	if other, ok := s.bySKU(in.SKU); ok && other.ID != id {
		return Product{}, ErrDuplicateSKU
	}
	p.SKU, p.Name, p.Description, p.Active = in.SKU, in.Name, in.Description, in.Active
	s.products[id] = p
	return p, nil
}

func (s *memStore) DeleteProduct(_ context.Context, id int64) (Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return Product{}, ErrNotFound
	}
	delete(s.products, id)
	return p, nil
}

func (s *memStore) DeleteAllProducts(context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.products))
	for id := range s.products {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	s.products = make(map[int64]Product)
	return ids, nil
}

func (s *memStore) UpsertProducts(_ context.Context, batch []ProductInput) (UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertCalls = append(s.upsertCalls, append([]ProductInput(nil), batch...))
	if s.failUpsert != nil {
		if err := s.failUpsert(len(s.upsertCalls)); err != nil {
			return UpsertResult{}, err
		}
	}

	var res UpsertResult
	for _, in := range DedupeBySKU(batch) {
		if p, ok := s.bySKU(in.SKU); ok {
			p.Name, p.Description, p.Active = in.Name, in.Description, in.Active
			s.products[p.ID] = p
			res.Updated++
			continue
		}
		p := Product{ID: s.id(), SKU: in.SKU, Name: in.Name, Description: in.Description, Active: in.Active}
		s.products[p.ID] = p
		res.Inserted++
	}
	return res, nil
}

func (s *memStore) CreateSubscription(_ context.Context, in SubscriptionInput) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := Subscription{ID: s.id(), URL: in.URL, Event: in.Event, Enabled: in.Enabled}
	s.subs[sub.ID] = sub
	return sub, nil
}

func (s *memStore) GetSubscription(ctx context.Context, id int64) (Subscription, error) {
	if err := stallUntilDone(ctx, &s.stallLookups); err != nil {
		return Subscription{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return sub, nil
}

func (s *memStore) ListSubscriptions(context.Context) ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) UpdateSubscription(_ context.Context, id int64, in SubscriptionInput) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	sub.URL, sub.Event, sub.Enabled = in.URL, in.Event, in.Enabled
	s.subs[id] = sub
	return sub, nil
}

func (s *memStore) DeleteSubscription(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return ErrNotFound
	}
	delete(s.subs, id)
	return nil
}

func (s *memStore) ListEnabledSubscriptions(ctx context.Context, kind EventKind) ([]Subscription, error) {
	if err := stallUntilDone(ctx, &s.stallLookups); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failList != nil {
		return nil, s.failList
	}
	var out []Subscription
	for _, sub := range s.subs {
		if sub.Enabled && sub.Event == kind {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) RecordDelivery(ctx context.Context, id int64, rec DeliveryRecord) error {
	if err := stallUntilDone(ctx, &s.stallRecords); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return ErrNotFound
	}
	resp := rec.Response
	at := rec.CalledAt
	sub.LastStatus, sub.LastResponse, sub.LastCalledAt = rec.Status, &resp, &at
	s.subs[id] = sub
	s.records[id] = append(s.records[id], rec)
	return nil
}

func (s *memStore) productCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.products)
}

// recordingProgress keeps every write on top of a MemoryStore.
type recordingProgress struct {
	*progress.MemoryStore

	mu     sync.Mutex
	writes []progress.Progress
}

func newRecordingProgress() *recordingProgress {
	return &recordingProgress{MemoryStore: progress.NewMemoryStore()}
}

func (r *recordingProgress) Set(ctx context.Context, p progress.Progress) error {
	r.mu.Lock()
	r.writes = append(r.writes, p)
	r.mu.Unlock()
	return r.MemoryStore.Set(ctx, p)
}

func (r *recordingProgress) history() []progress.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Progress(nil), r.writes...)
}

var errBoom = errors.New("boom")

func (s *memStore) deliveries(id int64) []DeliveryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeliveryRecord(nil), s.records[id]...)
}
