// Package storage provides implementations of the Store interface for
// in-memory, PostgreSQL and MongoDB backends.
package storage

import (
	"context"
	"errors"

	"github.com/DroneBid/dronebid-market-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found")         // Returned when a record is not found
	ErrConflict = errors.New("conflict")          // Returned when a unique record already exists
	ErrCapacity = errors.New("capacity exceeded") // Returned when an owner already holds the maximum
)

// Default and maximum page sizes for list operations.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Store defines the persistence operations of the marketplace.
// Requests and bids are keyed by their on-chain IDs and written with upserts,
// so repeating a write for the same ID converges on one row.
type Store interface {
	// Users
	UpsertUser(ctx context.Context, u model.User) (*model.User, error)
	GetUser(ctx context.Context, wallet string) (*model.User, error)

	// Requests mirrored from the escrow contract
	UpsertRequest(ctx context.Context, r model.Request) (*model.Request, error)
	GetRequest(ctx context.Context, requestID int64) (*model.Request, error)
	ListRequests(ctx context.Context, q model.RequestQuery) ([]model.Request, error)
	UpdateRequestStatus(ctx context.Context, requestID int64, status model.RequestStatus, acceptedBidID *int64) error

	// Bids mirrored from the escrow contract
	UpsertBid(ctx context.Context, b model.Bid) (*model.Bid, error)
	GetBid(ctx context.Context, bidID int64) (*model.Bid, error)
	ListBids(ctx context.Context, q model.BidQuery) ([]model.Bid, error)
	UpdateBidStatus(ctx context.Context, bidID int64, status model.BidStatus) error

	// Coverage areas, at most max per provider
	CreateCoverageArea(ctx context.Context, a model.CoverageArea, max int) (*model.CoverageArea, error)
	GetCoverageArea(ctx context.Context, id int64) (*model.CoverageArea, error)
	UpdateCoverageArea(ctx context.Context, a model.CoverageArea) (*model.CoverageArea, error)
	DeleteCoverageArea(ctx context.Context, id int64) error
	ListCoverageAreas(ctx context.Context, provider string) ([]model.CoverageArea, error)

	// Areas of interest, one per consumer
	UpsertAreaOfInterest(ctx context.Context, a model.AreaOfInterest) (*model.AreaOfInterest, error)
	GetAreaOfInterest(ctx context.Context, consumer string) (*model.AreaOfInterest, error)
	ListAreasOfInterest(ctx context.Context) ([]model.AreaOfInterest, error)
	DeleteAreaOfInterest(ctx context.Context, consumer string) error

	// Ratings
	CreateRating(ctx context.Context, r model.Rating) (*model.Rating, error)
	ListRatings(ctx context.Context, provider string) ([]model.Rating, error)

	// Provider profiles
	CreateProviderProfile(ctx context.Context, p model.ProviderProfile) (*model.ProviderProfile, error)
	GetProviderProfile(ctx context.Context, provider string) (*model.ProviderProfile, error)
	PatchProviderProfile(ctx context.Context, provider string, patch model.ProviderProfilePatch) (*model.ProviderProfile, error)

	Ping(ctx context.Context) error
	Close()
}

// clampPage applies the default and maximum page size.
func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultLimit
	} else if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
