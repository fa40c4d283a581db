package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/DroneBid/dronebid-market-go/internal/model"
)

// memory implements the Store interface using in-memory maps.
// It's intended for development and testing purposes.
type memory struct {
	mu        sync.RWMutex
	seq       int64
	users     map[string]model.User
	requests  map[int64]model.Request
	bids      map[int64]model.Bid
	coverage  map[int64]model.CoverageArea
	interests map[string]model.AreaOfInterest
	ratings   []model.Rating
	profiles  map[string]model.ProviderProfile
	now       func() time.Time
}

// NewMemory creates a new in-memory storage implementation.
func NewMemory() Store {
	return &memory{
		users:     make(map[string]model.User),
		requests:  make(map[int64]model.Request),
		bids:      make(map[int64]model.Bid),
		coverage:  make(map[int64]model.CoverageArea),
		interests: make(map[string]model.AreaOfInterest),
		profiles:  make(map[string]model.ProviderProfile),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// nextID must be called with mu held.
func (m *memory) nextID() int64 {
	m.seq++
	return m.seq
}

func (m *memory) UpsertUser(ctx context.Context, u model.User) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.users[u.WalletAddress]; ok {
		u.CreatedAt = existing.CreatedAt
	} else {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	m.users[u.WalletAddress] = u
	return &u, nil
}

func (m *memory) GetUser(ctx context.Context, wallet string) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[wallet]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *memory) UpsertRequest(ctx context.Context, r model.Request) (*model.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.requests[r.RequestID]; ok {
		// lifecycle fields only move through UpdateRequestStatus
		r.ID = existing.ID
		r.Status = existing.Status
		r.AcceptedBidID = existing.AcceptedBidID
		r.CreatedAt = existing.CreatedAt
		if r.TxHash == "" {
			r.TxHash = existing.TxHash
		}
	} else {
		r.ID = m.nextID()
		r.CreatedAt = now
		if r.Status == "" {
			r.Status = model.RequestOpen
		}
	}
	r.UpdatedAt = now
	m.requests[r.RequestID] = r
	return &r, nil
}

func (m *memory) GetRequest(ctx context.Context, requestID int64) (*model.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *memory) ListRequests(ctx context.Context, q model.RequestQuery) ([]model.Request, error) {
	m.mu.RLock()
	out := make([]model.Request, 0, len(m.requests))
	for _, r := range m.requests {
		if q.ConsumerAddress != "" && r.ConsumerAddress != q.ConsumerAddress {
			continue
		}
		if q.Status != "" && r.Status != q.Status {
			continue
		}
		out = append(out, r)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, q.Limit, q.Offset), nil
}

func (m *memory) UpdateRequestStatus(ctx context.Context, requestID int64, status model.RequestStatus, acceptedBidID *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[requestID]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	if acceptedBidID != nil {
		id := *acceptedBidID
		r.AcceptedBidID = &id
	}
	r.UpdatedAt = m.now()
	m.requests[requestID] = r
	return nil
}

func (m *memory) UpsertBid(ctx context.Context, b model.Bid) (*model.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.bids[b.BidID]; ok {
		b.ID = existing.ID
		b.Status = existing.Status
		b.CreatedAt = existing.CreatedAt
		if b.TxHash == "" {
			b.TxHash = existing.TxHash
		}
	} else {
		b.ID = m.nextID()
		b.CreatedAt = now
		if b.Status == "" {
			b.Status = model.BidPending
		}
	}
	b.UpdatedAt = now
	m.bids[b.BidID] = b
	return &b, nil
}

func (m *memory) GetBid(ctx context.Context, bidID int64) (*model.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bids[bidID]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (m *memory) ListBids(ctx context.Context, q model.BidQuery) ([]model.Bid, error) {
	m.mu.RLock()
	out := make([]model.Bid, 0, len(m.bids))
	for _, b := range m.bids {
		if q.RequestID != 0 && b.RequestID != q.RequestID {
			continue
		}
		if q.ProviderAddress != "" && b.ProviderAddress != q.ProviderAddress {
			continue
		}
		out = append(out, b)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, q.Limit, q.Offset), nil
}

func (m *memory) UpdateBidStatus(ctx context.Context, bidID int64, status model.BidStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bids[bidID]
	if !ok {
		return ErrNotFound
	}
	b.Status = status
	b.UpdatedAt = m.now()
	m.bids[bidID] = b
	return nil
}

// CreateCoverageArea counts and inserts under one lock so the capacity check
// cannot race another create for the same provider.
func (m *memory) CreateCoverageArea(ctx context.Context, a model.CoverageArea, max int) (*model.CoverageArea, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	held := 0
	for _, existing := range m.coverage {
		if existing.ProviderAddress == a.ProviderAddress {
			held++
		}
	}
	if held >= max {
		return nil, ErrCapacity
	}

	now := m.now()
	a.ID = m.nextID()
	a.CreatedAt, a.UpdatedAt = now, now
	m.coverage[a.ID] = a
	return &a, nil
}

func (m *memory) GetCoverageArea(ctx context.Context, id int64) (*model.CoverageArea, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.coverage[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (m *memory) UpdateCoverageArea(ctx context.Context, a model.CoverageArea) (*model.CoverageArea, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.coverage[a.ID]
	if !ok {
		return nil, ErrNotFound
	}
	existing.LocationLat = a.LocationLat
	existing.LocationLng = a.LocationLng
	existing.Radius = a.Radius
	existing.UpdatedAt = m.now()
	m.coverage[a.ID] = existing
	return &existing, nil
}

func (m *memory) DeleteCoverageArea(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.coverage[id]; !ok {
		return ErrNotFound
	}
	delete(m.coverage, id)
	return nil
}

func (m *memory) ListCoverageAreas(ctx context.Context, provider string) ([]model.CoverageArea, error) {
	m.mu.RLock()
	out := make([]model.CoverageArea, 0, len(m.coverage))
	for _, a := range m.coverage {
		if provider == "" || a.ProviderAddress == provider {
			out = append(out, a)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memory) UpsertAreaOfInterest(ctx context.Context, a model.AreaOfInterest) (*model.AreaOfInterest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.interests[a.ConsumerAddress]; ok {
		a.ID = existing.ID
		a.CreatedAt = existing.CreatedAt
	} else {
		a.ID = m.nextID()
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	m.interests[a.ConsumerAddress] = a
	return &a, nil
}

func (m *memory) GetAreaOfInterest(ctx context.Context, consumer string) (*model.AreaOfInterest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.interests[consumer]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (m *memory) ListAreasOfInterest(ctx context.Context) ([]model.AreaOfInterest, error) {
	m.mu.RLock()
	out := make([]model.AreaOfInterest, 0, len(m.interests))
	for _, a := range m.interests {
		out = append(out, a)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *memory) DeleteAreaOfInterest(ctx context.Context, consumer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.interests[consumer]; !ok {
		return ErrNotFound
	}
	delete(m.interests, consumer)
	return nil
}

func (m *memory) CreateRating(ctx context.Context, r model.Rating) (*model.Rating, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.ID = m.nextID()
	r.CreatedAt = m.now()
	m.ratings = append(m.ratings, r)
	return &r, nil
}

func (m *memory) ListRatings(ctx context.Context, provider string) ([]model.Rating, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Rating, 0)
	// newest first
	for i := len(m.ratings) - 1; i >= 0; i-- {
		if provider == "" || m.ratings[i].ProviderAddress == provider {
			out = append(out, m.ratings[i])
		}
	}
	return out, nil
}

func (m *memory) CreateProviderProfile(ctx context.Context, p model.ProviderProfile) (*model.ProviderProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.profiles[p.ProviderAddress]; ok {
		return nil, ErrConflict
	}
	now := m.now()
	p.ID = m.nextID()
	p.CreatedAt, p.UpdatedAt = now, now
	m.profiles[p.ProviderAddress] = p
	return &p, nil
}

func (m *memory) GetProviderProfile(ctx context.Context, provider string) (*model.ProviderProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[provider]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

// PatchProviderProfile applies patch to the stored profile, creating an empty
// one first when the provider has none.
func (m *memory) PatchProviderProfile(ctx context.Context, provider string, patch model.ProviderProfilePatch) (*model.ProviderProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	current, ok := m.profiles[provider]
	if !ok {
		current = model.ProviderProfile{ID: m.nextID(), ProviderAddress: provider, CreatedAt: now}
	}
	next := patch.Apply(current)
	next.UpdatedAt = now
	m.profiles[provider] = next
	return &next, nil
}

func (m *memory) Ping(ctx context.Context) error { return nil }

func (m *memory) Close() {}

func page[T any](items []T, limit, offset int) []T {
	limit, offset = clampPage(limit, offset)
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
