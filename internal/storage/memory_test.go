package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DroneBid/dronebid-market-go/internal/model"
)

const (
	provider = "0x1111111111111111111111111111111111111111"
	consumer = "0x2222222222222222222222222222222222222222"
)

func TestCoverageAreaCapacity(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	for i := 0; i < model.MaxCoverageAreas; i++ {
		if _, err := s.CreateCoverageArea(ctx, model.CoverageArea{ProviderAddress: provider, Radius: 1000}, model.MaxCoverageAreas); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	before, _ := s.ListCoverageAreas(ctx, provider)

	_, err := s.CreateCoverageArea(ctx, model.CoverageArea{ProviderAddress: provider, Radius: 2000}, model.MaxCoverageAreas)
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("fourth create: got %v want ErrCapacity", err)
	}
	after, _ := s.ListCoverageAreas(ctx, provider)
	if len(after) != len(before) {
		t.Errorf("rejected create changed state: %d areas, had %d", len(after), len(before))
	}

	// another provider is unaffected
	if _, err := s.CreateCoverageArea(ctx, model.CoverageArea{ProviderAddress: consumer, Radius: 1000}, model.MaxCoverageAreas); err != nil {
		t.Errorf("other provider: %v", err)
	}

	// freeing a slot allows a new area
	if err := s.DeleteCoverageArea(ctx, after[0].ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.CreateCoverageArea(ctx, model.CoverageArea{ProviderAddress: provider, Radius: 1000}, model.MaxCoverageAreas); err != nil {
		t.Errorf("create after delete: %v", err)
	}
}

func TestCoverageAreaCapacityConcurrent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.CreateCoverageArea(ctx, model.CoverageArea{ProviderAddress: provider, Radius: 500}, model.MaxCoverageAreas); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if created != model.MaxCoverageAreas {
		t.Errorf("got %d creates want %d", created, model.MaxCoverageAreas)
	}
}

func TestUpsertRequestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	deadline := time.Now().Add(48 * time.Hour)

	first, err := s.UpsertRequest(ctx, model.Request{RequestID: 7, ConsumerAddress: consumer, Title: "Roof", Budget: "1000", Deadline: deadline})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if first.Status != model.RequestOpen {
		t.Errorf("default status = %v want open", first.Status)
	}

	bidID := int64(3)
	if err := s.UpdateRequestStatus(ctx, 7, model.RequestBidAccepted, &bidID); err != nil {
		t.Fatalf("status: %v", err)
	}

	second, err := s.UpsertRequest(ctx, model.Request{RequestID: 7, ConsumerAddress: consumer, Title: "Roof survey", Budget: "1000", Deadline: deadline})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("row id changed: %d -> %d", first.ID, second.ID)
	}
	if second.Title != "Roof survey" {
		t.Errorf("title = %q", second.Title)
	}
	if second.Status != model.RequestBidAccepted || second.AcceptedBidID == nil || *second.AcceptedBidID != 3 {
		t.Errorf("lifecycle fields overwritten: %v %v", second.Status, second.AcceptedBidID)
	}

	all, _ := s.ListRequests(ctx, model.RequestQuery{})
	if len(all) != 1 {
		t.Errorf("got %d requests want 1", len(all))
	}
}

func TestUpdateStatusMissing(t *testing.T) {
	s := NewMemory()
	if err := s.UpdateRequestStatus(context.Background(), 99, model.RequestDelivered, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("request: got %v want ErrNotFound", err)
	}
	if err := s.UpdateBidStatus(context.Background(), 99, model.BidAccepted); !errors.Is(err, ErrNotFound) {
		t.Errorf("bid: got %v want ErrNotFound", err)
	}
}

func TestListBidsFiltersTogether(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	s.UpsertBid(ctx, model.Bid{BidID: 1, RequestID: 10, ProviderAddress: provider, Amount: "5", Timeline: 3})
	s.UpsertBid(ctx, model.Bid{BidID: 2, RequestID: 10, ProviderAddress: consumer, Amount: "6", Timeline: 3})
	s.UpsertBid(ctx, model.Bid{BidID: 3, RequestID: 11, ProviderAddress: provider, Amount: "7", Timeline: 3})

	got, _ := s.ListBids(ctx, model.BidQuery{RequestID: 10, ProviderAddress: provider})
	if len(got) != 1 || got[0].BidID != 1 {
		t.Errorf("got %+v want only bid 1", got)
	}
	byRequest, _ := s.ListBids(ctx, model.BidQuery{RequestID: 10})
	if len(byRequest) != 2 {
		t.Errorf("got %d bids for request 10 want 2", len(byRequest))
	}
}

func TestListRequestsPaging(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	for i := int64(1); i <= 5; i++ {
		s.UpsertRequest(ctx, model.Request{RequestID: i, ConsumerAddress: consumer, Title: "t", Budget: "1"})
	}
	got, _ := s.ListRequests(ctx, model.RequestQuery{Limit: 2, Offset: 1})
	if len(got) != 2 {
		t.Fatalf("got %d want 2", len(got))
	}
	if got[0].RequestID != 4 || got[1].RequestID != 3 {
		t.Errorf("got %d,%d want 4,3", got[0].RequestID, got[1].RequestID)
	}
	if beyond, _ := s.ListRequests(ctx, model.RequestQuery{Offset: 10}); len(beyond) != 0 {
		t.Errorf("offset past end: got %d", len(beyond))
	}
}

func TestAreaOfInterestUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	first, _ := s.UpsertAreaOfInterest(ctx, model.AreaOfInterest{ConsumerAddress: consumer, LocationLat: 1, LocationLng: 1, Radius: 100})
	second, _ := s.UpsertAreaOfInterest(ctx, model.AreaOfInterest{ConsumerAddress: consumer, LocationLat: 2, LocationLng: 2, Radius: 200})
	if first.ID != second.ID {
		t.Errorf("id changed on upsert: %d -> %d", first.ID, second.ID)
	}
	all, _ := s.ListAreasOfInterest(ctx)
	if len(all) != 1 || all[0].Radius != 200 {
		t.Errorf("got %+v want one area with radius 200", all)
	}
	if err := s.DeleteAreaOfInterest(ctx, consumer); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetAreaOfInterest(ctx, consumer); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete: got %v want ErrNotFound", err)
	}
}

func TestProviderProfileCreateAndPatch(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	model3 := "Mavic 3"

	if _, err := s.CreateProviderProfile(ctx, model.ProviderProfile{ProviderAddress: provider, DroneModel: &model3}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateProviderProfile(ctx, model.ProviderProfile{ProviderAddress: provider}); !errors.Is(err, ErrConflict) {
		t.Errorf("second create: got %v want ErrConflict", err)
	}

	bio := "night flights"
	got, err := s.PatchProviderProfile(ctx, provider, model.ProviderProfilePatch{Bio: model.Set(&bio)})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if got.DroneModel == nil || *got.DroneModel != "Mavic 3" {
		t.Errorf("DroneModel lost on patch: %v", got.DroneModel)
	}
	if got.Bio == nil || *got.Bio != bio {
		t.Errorf("Bio = %v", got.Bio)
	}

	// patching a missing profile creates it
	fresh, err := s.PatchProviderProfile(ctx, consumer, model.ProviderProfilePatch{OffersGroundImaging: model.Set(true)})
	if err != nil {
		t.Fatalf("patch missing: %v", err)
	}
	if !fresh.OffersGroundImaging || fresh.ProviderAddress != consumer {
		t.Errorf("got %+v", fresh)
	}
}

func TestRatingsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	for _, v := range []int{5, 3, 4} {
		s.CreateRating(ctx, model.Rating{ProviderAddress: provider, ConsumerAddress: consumer, RequestID: 1, Rating: v})
	}
	s.CreateRating(ctx, model.Rating{ProviderAddress: consumer, ConsumerAddress: provider, RequestID: 2, Rating: 1})

	got, _ := s.ListRatings(ctx, provider)
	if len(got) != 3 || got[0].Rating != 4 {
		t.Errorf("got %+v want three ratings newest first", got)
	}
	if sum := model.Summarize(got); sum.Average != 4.0 || sum.Count != 3 {
		t.Errorf("summary = %+v", sum)
	}
}
