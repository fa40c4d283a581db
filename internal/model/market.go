// Package model defines the data structures used throughout the marketplace service.
// These structures mirror on-chain requests and bids and hold the off-chain
// metadata (profiles, coverage, ratings) that never touches the contract.
package model

import (
	"regexp"
	"strings"
	"time"
)

// MaxCoverageAreas is the number of coverage areas a provider may hold at once.
const MaxCoverageAreas = 3

// MaxRadiusMeters bounds coverage and interest radii.
const MaxRadiusMeters = 50000

var addressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// ValidAddress reports whether s is a 0x-prefixed 20-byte hex account address.
func ValidAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// NormalizeAddress lowercases an account address so checksummed and plain
// spellings key the same records.
func NormalizeAddress(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// SameAddress compares two account addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Coordinate is a point in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"lat" bson:"lat"`
	Lng float64 `json:"lng" bson:"lng"`
}

// Valid reports whether the coordinate lies inside the lat/lng bounds.
func (c Coordinate) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// Circle is a center point with a radius in meters.
type Circle struct {
	Center Coordinate `json:"center"`
	Radius float64    `json:"radius"`
}

// UserType classifies how a wallet takes part in the marketplace.
type UserType string

const (
	UserConsumer UserType = "consumer"
	UserProvider UserType = "provider"
	UserBoth     UserType = "both"
)

// Valid reports whether t is a known user type.
func (t UserType) Valid() bool {
	switch t {
	case UserConsumer, UserProvider, UserBoth:
		return true
	}
	return false
}

// User is a wallet registered with the marketplace.
type User struct {
	WalletAddress string    `json:"walletAddress" bson:"_id"`
	UserType      UserType  `json:"userType" bson:"user_type"`
	CreatedAt     time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt     time.Time `json:"updatedAt" bson:"updated_at"`
}

// RequestStatus is the mirrored lifecycle state of an escrow request.
type RequestStatus string

const (
	RequestOpen        RequestStatus = "open"
	RequestBidAccepted RequestStatus = "bid_accepted"
	RequestInProgress  RequestStatus = "in_progress"
	RequestDelivered   RequestStatus = "delivered"
	RequestCompleted   RequestStatus = "completed"
	RequestDisputed    RequestStatus = "disputed"
	RequestCancelled   RequestStatus = "cancelled"
)

// Valid reports whether s is a known request status.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestOpen, RequestBidAccepted, RequestInProgress, RequestDelivered,
		RequestCompleted, RequestDisputed, RequestCancelled:
		return true
	}
	return false
}

// Request is the off-chain mirror of an escrow request.
// RequestID is assigned by the contract and is the upsert key.
type Request struct {
	ID              int64         `json:"id" bson:"id"`
	RequestID       int64         `json:"requestId" bson:"_id"`
	ConsumerAddress string        `json:"consumerAddress" bson:"consumer_address"`
	Title           string        `json:"title" bson:"title"`
	Description     string        `json:"description" bson:"description"`
	LocationLat     float64       `json:"locationLat" bson:"location_lat"`
	LocationLng     float64       `json:"locationLng" bson:"location_lng"`
	Budget          string        `json:"budget" bson:"budget"` // wei, decimal string
	Deadline        time.Time     `json:"deadline" bson:"deadline"`
	Status          RequestStatus `json:"status" bson:"status"`
	AcceptedBidID   *int64        `json:"acceptedBidId" bson:"accepted_bid_id"`
	TxHash          string        `json:"txHash,omitempty" bson:"tx_hash,omitempty"`
	CreatedAt       time.Time     `json:"createdAt" bson:"created_at"`
	UpdatedAt       time.Time     `json:"updatedAt" bson:"updated_at"`
}

// RequestQuery filters request listings. Zero values mean "any".
type RequestQuery struct {
	ConsumerAddress string
	Status          RequestStatus
	Limit           int
	Offset          int
}

// BidStatus is the mirrored state of a bid.
type BidStatus string

const (
	BidPending   BidStatus = "pending"
	BidAccepted  BidStatus = "accepted"
	BidRejected  BidStatus = "rejected"
	BidCompleted BidStatus = "completed"
)

// Valid reports whether s is a known bid status.
func (s BidStatus) Valid() bool {
	switch s {
	case BidPending, BidAccepted, BidRejected, BidCompleted:
		return true
	}
	return false
}

// Bid is the off-chain mirror of a provider bid. BidID is the upsert key.
type Bid struct {
	ID              int64     `json:"id" bson:"id"`
	BidID           int64     `json:"bidId" bson:"_id"`
	RequestID       int64     `json:"requestId" bson:"request_id"`
	ProviderAddress string    `json:"providerAddress" bson:"provider_address"`
	Amount          string    `json:"amount" bson:"amount"` // wei, decimal string
	Timeline        int       `json:"timeline" bson:"timeline"`
	Status          BidStatus `json:"status" bson:"status"`
	TxHash          string    `json:"txHash,omitempty" bson:"tx_hash,omitempty"`
	CreatedAt       time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt       time.Time `json:"updatedAt" bson:"updated_at"`
}

// BidQuery filters bid listings. Both filters apply together.
type BidQuery struct {
	RequestID       int64
	ProviderAddress string
	Limit           int
	Offset          int
}

// CoverageArea is a circle a provider is willing to fly in.
type CoverageArea struct {
	ID              int64     `json:"id" bson:"_id"`
	ProviderAddress string    `json:"providerAddress" bson:"provider_address"`
	LocationLat     float64   `json:"locationLat" bson:"location_lat"`
	LocationLng     float64   `json:"locationLng" bson:"location_lng"`
	Radius          float64   `json:"radius" bson:"radius"`
	CreatedAt       time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt       time.Time `json:"updatedAt" bson:"updated_at"`
}

// Circle returns the area as a geometric circle.
func (a CoverageArea) Circle() Circle {
	return Circle{Center: Coordinate{Lat: a.LocationLat, Lng: a.LocationLng}, Radius: a.Radius}
}

// Provider returns the owning provider address.
func (a CoverageArea) Provider() string {
	return a.ProviderAddress
}

// CoverageAreaWithRating decorates a coverage area with its provider's rating summary.
type CoverageAreaWithRating struct {
	CoverageArea
	AverageRating float64 `json:"averageRating"`
	RatingCount   int     `json:"ratingCount"`
}

// AreaOfInterest is the single circle a consumer wants service in.
type AreaOfInterest struct {
	ID              int64     `json:"id" bson:"id"`
	ConsumerAddress string    `json:"consumerAddress" bson:"_id"`
	LocationLat     float64   `json:"locationLat" bson:"location_lat"`
	LocationLng     float64   `json:"locationLng" bson:"location_lng"`
	Radius          float64   `json:"radius" bson:"radius"`
	CreatedAt       time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt       time.Time `json:"updatedAt" bson:"updated_at"`
}

// Circle returns the area as a geometric circle.
func (a AreaOfInterest) Circle() Circle {
	return Circle{Center: Coordinate{Lat: a.LocationLat, Lng: a.LocationLng}, Radius: a.Radius}
}

// Rating is a consumer's score for a provider on one request.
type Rating struct {
	ID              int64     `json:"id" bson:"_id"`
	ProviderAddress string    `json:"providerAddress" bson:"provider_address"`
	ConsumerAddress string    `json:"consumerAddress" bson:"consumer_address"`
	RequestID       int64     `json:"requestId" bson:"request_id"`
	Rating          int       `json:"rating" bson:"rating"`
	Comment         *string   `json:"comment" bson:"comment"`
	CreatedAt       time.Time `json:"createdAt" bson:"created_at"`
}

// RatingSummary is the arithmetic mean and count of a provider's ratings.
type RatingSummary struct {
	Average float64 `json:"averageRating"`
	Count   int     `json:"count"`
}

// Summarize aggregates ratings. An empty set averages to zero.
func Summarize(ratings []Rating) RatingSummary {
	if len(ratings) == 0 {
		return RatingSummary{}
	}
	sum := 0
	for _, r := range ratings {
		sum += r.Rating
	}
	return RatingSummary{Average: float64(sum) / float64(len(ratings)), Count: len(ratings)}
}

// SummarizeByProvider groups ratings per provider address.
func SummarizeByProvider(ratings []Rating) map[string]RatingSummary {
	grouped := make(map[string][]Rating)
	for _, r := range ratings {
		grouped[r.ProviderAddress] = append(grouped[r.ProviderAddress], r)
	}
	out := make(map[string]RatingSummary, len(grouped))
	for addr, rs := range grouped {
		out[addr] = Summarize(rs)
	}
	return out
}

// ProviderProfile holds descriptive provider metadata, one per provider.
type ProviderProfile struct {
	ID                  int64     `json:"id" bson:"id"`
	ProviderAddress     string    `json:"providerAddress" bson:"_id"`
	DroneImageURL       *string   `json:"droneImageUrl" bson:"drone_image_url"`
	DroneModel          *string   `json:"droneModel" bson:"drone_model"`
	Specialization      *string   `json:"specialization" bson:"specialization"`
	OffersGroundImaging bool      `json:"offersGroundImaging" bson:"offers_ground_imaging"`
	GroundImagingTypes  []string  `json:"groundImagingTypes" bson:"ground_imaging_types"`
	Bio                 *string   `json:"bio" bson:"bio"`
	CreatedAt           time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt           time.Time `json:"updatedAt" bson:"updated_at"`
}
