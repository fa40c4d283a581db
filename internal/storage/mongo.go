package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DroneBid/dronebid-market-go/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const mongoOpTimeout = 5 * time.Second

// MongoStore keeps the marketplace in MongoDB. Requests, bids, areas of
// interest and profiles use their natural key as _id so upserts are single
// document writes.
type MongoStore struct {
	client    *mongo.Client
	users     *mongo.Collection
	requests  *mongo.Collection
	bids      *mongo.Collection
	coverage  *mongo.Collection
	slots     *mongo.Collection // per-provider coverage counters
	interests *mongo.Collection
	ratings   *mongo.Collection
	profiles  *mongo.Collection
	counters  *mongo.Collection
}

// NewMongo connects to uri and prepares the collections in dbName.
func NewMongo(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	db := client.Database(dbName)
	s := &MongoStore{
		client:    client,
		users:     db.Collection("users"),
		requests:  db.Collection("requests"),
		bids:      db.Collection("bids"),
		coverage:  db.Collection("coverage_areas"),
		slots:     db.Collection("coverage_slots"),
		interests: db.Collection("areas_of_interest"),
		ratings:   db.Collection("ratings"),
		profiles:  db.Collection("provider_profiles"),
		counters:  db.Collection("counters"),
	}
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}
	return s, nil
}

// EnsureIndexes creates the secondary indexes used by list queries.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	indexes := []struct {
		coll *mongo.Collection
		keys bson.D
	}{
		{s.requests, bson.D{{Key: "consumer_address", Value: 1}, {Key: "created_at", Value: -1}}},
		{s.requests, bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}}},
		{s.bids, bson.D{{Key: "request_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{s.bids, bson.D{{Key: "provider_address", Value: 1}, {Key: "created_at", Value: -1}}},
		{s.coverage, bson.D{{Key: "provider_address", Value: 1}}},
		{s.ratings, bson.D{{Key: "provider_address", Value: 1}, {Key: "created_at", Value: -1}}},
	}
	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: idx.keys}); err != nil {
			return err
		}
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close() {
	_ = s.client.Disconnect(context.Background())
}

// nextSeq hands out row IDs from a counter document.
func (s *MongoStore) nextSeq(ctx context.Context, name string) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	err := s.counters.FindOneAndUpdate(ctx, bson.M{"_id": name}, bson.M{"$inc": bson.M{"seq": int64(1)}}, opts).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate %s id: %w", name, err)
	}
	return doc.Seq, nil
}

// upsertOne runs an upserting FindOneAndUpdate and decodes the post-image.
// Two racing upserts on one _id can surface a duplicate key error; the loser
// retries once and then finds the winner's document.
func upsertOne(ctx context.Context, coll *mongo.Collection, filter, update bson.M, out interface{}) error {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	err := coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(out)
	if mongo.IsDuplicateKeyError(err) {
		err = coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(out)
	}
	return err
}

func findOne(ctx context.Context, coll *mongo.Collection, filter bson.M, out interface{}) error {
	err := coll.FindOne(ctx, filter).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

func (s *MongoStore) UpsertUser(ctx context.Context, u model.User) (*model.User, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	now := time.Now().UTC()
	update := bson.M{
		"$set":         bson.M{"user_type": u.UserType, "updated_at": now},
		"$setOnInsert": bson.M{"created_at": now},
	}
	var out model.User
	if err := upsertOne(ctx, s.users, bson.M{"_id": u.WalletAddress}, update, &out); err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return &out, nil
}

func (s *MongoStore) GetUser(ctx context.Context, wallet string) (*model.User, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var out model.User
	if err := findOne(ctx, s.users, bson.M{"_id": wallet}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *MongoStore) UpsertRequest(ctx context.Context, r model.Request) (*model.Request, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	seq, err := s.nextSeq(ctx, "requests")
	if err != nil {
		return nil, err
	}
	if r.Status == "" {
		r.Status = model.RequestOpen
	}
	now := time.Now().UTC()
	set := bson.M{
		"consumer_address": r.ConsumerAddress,
		"title":            r.Title,
		"description":      r.Description,
		"location_lat":     r.LocationLat,
		"location_lng":     r.LocationLng,
		"budget":           r.Budget,
		"deadline":         r.Deadline,
		"updated_at":       now,
	}
	if r.TxHash != "" {
		set["tx_hash"] = r.TxHash
	}
	update := bson.M{
		"$set": set,
		"$setOnInsert": bson.M{
			"id":              seq,
			"status":          r.Status,
			"accepted_bid_id": nil,
			"created_at":      now,
		},
	}
	var out model.Request
	if err := upsertOne(ctx, s.requests, bson.M{"_id": r.RequestID}, update, &out); err != nil {
		return nil, fmt.Errorf("failed to upsert request: %w", err)
	}
	return &out, nil
}

func (s *MongoStore) GetRequest(ctx context.Context, requestID int64) (*model.Request, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var out model.Request
	if err := findOne(ctx, s.requests, bson.M{"_id": requestID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *MongoStore) ListRequests(ctx context.Context, q model.RequestQuery) ([]model.Request, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	filter := bson.M{}
	if q.ConsumerAddress != "" {
		filter["consumer_address"] = q.ConsumerAddress
	}
	if q.Status != "" {
		filter["status"] = q.Status
	}
	limit, offset := clampPage(q.Limit, q.Offset)
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "id", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))

	cur, err := s.requests.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	out := []model.Request{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode requests: %w", err)
	}
	return out, nil
}

func (s *MongoStore) UpdateRequestStatus(ctx context.Context, requestID int64, status model.RequestStatus, acceptedBidID *int64) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	set := bson.M{"status": status, "updated_at": time.Now().UTC()}
	if acceptedBidID != nil {
		set["accepted_bid_id"] = *acceptedBidID
	}
	res, err := s.requests.UpdateOne(ctx, bson.M{"_id": requestID}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update request status: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) UpsertBid(ctx context.Context, b model.Bid) (*model.Bid, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	seq, err := s.nextSeq(ctx, "bids")
	if err != nil {
		return nil, err
	}
	if b.Status == "" {
		b.Status = model.BidPending
	}
	now := time.Now().UTC()
	set := bson.M{
		"request_id":       b.RequestID,
		"provider_address": b.ProviderAddress,
		"amount":           b.Amount,
		"timeline":         b.Timeline,
		"updated_at":       now,
	}
	if b.TxHash != "" {
		set["tx_hash"] = b.TxHash
	}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"id": seq, "status": b.Status, "created_at": now},
	}
	var out model.Bid
	if err := upsertOne(ctx, s.bids, bson.M{"_id": b.BidID}, update, &out); err != nil {
		return nil, fmt.Errorf("failed to upsert bid: %w", err)
	}
	return &out, nil
}

func (s *MongoStore) GetBid(ctx context.Context, bidID int64) (*model.Bid, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var out model.Bid
	if err := findOne(ctx, s.bids, bson.M{"_id": bidID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *MongoStore) ListBids(ctx context.Context, q model.BidQuery) ([]model.Bid, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	filter := bson.M{}
	if q.RequestID != 0 {
		filter["request_id"] = q.RequestID
	}
	if q.ProviderAddress != "" {
		filter["provider_address"] = q.ProviderAddress
	}
	limit, offset := clampPage(q.Limit, q.Offset)
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "id", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))

	cur, err := s.bids.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list bids: %w", err)
	}
	out := []model.Bid{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode bids: %w", err)
	}
	return out, nil
}

func (s *MongoStore) UpdateBidStatus(ctx context.Context, bidID int64, status model.BidStatus) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	res, err := s.bids.UpdateOne(ctx, bson.M{"_id": bidID}, bson.M{"$set": bson.M{"status": status, "updated_at": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("failed to update bid status: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateCoverageArea reserves a slot on the provider's counter before
// inserting. The counter filter only matches below max, so a full provider
// turns the upsert into a duplicate _id insert and the reservation fails.
func (s *MongoStore) CreateCoverageArea(ctx context.Context, a model.CoverageArea, max int) (*model.CoverageArea, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	filter := bson.M{"_id": a.ProviderAddress, "count": bson.M{"$lt": max}}
	err := s.slots.FindOneAndUpdate(ctx, filter, bson.M{"$inc": bson.M{"count": 1}}, options.FindOneAndUpdate().SetUpsert(true)).Err()
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrCapacity
		}
		return nil, fmt.Errorf("failed to reserve coverage slot: %w", err)
	}

	id, err := s.nextSeq(ctx, "coverage_areas")
	if err == nil {
		now := time.Now().UTC()
		a.ID = id
		a.CreatedAt, a.UpdatedAt = now, now
		_, err = s.coverage.InsertOne(ctx, a)
	}
	if err != nil {
		s.releaseSlot(ctx, a.ProviderAddress)
		return nil, fmt.Errorf("failed to create coverage area: %w", err)
	}
	return &a, nil
}

func (s *MongoStore) releaseSlot(ctx context.Context, provider string) {
	_, _ = s.slots.UpdateOne(ctx, bson.M{"_id": provider, "count": bson.M{"$gt": 0}}, bson.M{"$inc": bson.M{"count": -1}})
}

func (s *MongoStore) GetCoverageArea(ctx context.Context, id int64) (*model.CoverageArea, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var out model.CoverageArea
	if err := findOne(ctx, s.coverage, bson.M{"_id": id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *MongoStore) UpdateCoverageArea(ctx context.Context, a model.CoverageArea) (*model.CoverageArea, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	update := bson.M{"$set": bson.M{
		"location_lat": a.LocationLat,
		"location_lng": a.LocationLng,
		"radius":       a.Radius,
		"updated_at":   time.Now().UTC(),
	}}
	var out model.CoverageArea
	err := s.coverage.FindOneAndUpdate(ctx, bson.M{"_id": a.ID}, update, options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update coverage area: %w", err)
	}
	return &out, nil
}

func (s *MongoStore) DeleteCoverageArea(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var gone model.CoverageArea
	err := s.coverage.FindOneAndDelete(ctx, bson.M{"_id": id}).Decode(&gone)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete coverage area: %w", err)
	}
	s.releaseSlot(ctx, gone.ProviderAddress)
	return nil
}

func (s *MongoStore) ListCoverageAreas(ctx context.Context, provider string) ([]model.CoverageArea, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	filter := bson.M{}
	if provider != "" {
		filter["provider_address"] = provider
	}
	cur, err := s.coverage.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list coverage areas: %w", err)
	}
	out := []model.CoverageArea{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode coverage areas: %w", err)
	}
	return out, nil
}

func (s *MongoStore) UpsertAreaOfInterest(ctx context.Context, a model.AreaOfInterest) (*model.AreaOfInterest, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	seq, err := s.nextSeq(ctx, "areas_of_interest")
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	update := bson.M{
		"$set": bson.M{
			"location_lat": a.LocationLat,
			"location_lng": a.LocationLng,
			"radius":       a.Radius,
			"updated_at":   now,
		},
		"$setOnInsert": bson.M{"id": seq, "created_at": now},
	}
	var out model.AreaOfInterest
	if err := upsertOne(ctx, s.interests, bson.M{"_id": a.ConsumerAddress}, update, &out); err != nil {
		return nil, fmt.Errorf("failed to upsert area of interest: %w", err)
	}
	return &out, nil
}

func (s *MongoStore) GetAreaOfInterest(ctx context.Context, consumer string) (*model.AreaOfInterest, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var out model.AreaOfInterest
	if err := findOne(ctx, s.interests, bson.M{"_id": consumer}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *MongoStore) ListAreasOfInterest(ctx context.Context) ([]model.AreaOfInterest, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	cur, err := s.interests.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list areas of interest: %w", err)
	}
	out := []model.AreaOfInterest{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode areas of interest: %w", err)
	}
	return out, nil
}

func (s *MongoStore) DeleteAreaOfInterest(ctx context.Context, consumer string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	res, err := s.interests.DeleteOne(ctx, bson.M{"_id": consumer})
	if err != nil {
		return fmt.Errorf("failed to delete area of interest: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) CreateRating(ctx context.Context, r model.Rating) (*model.Rating, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	id, err := s.nextSeq(ctx, "ratings")
	if err != nil {
		return nil, err
	}
	r.ID = id
	r.CreatedAt = time.Now().UTC()
	if _, err := s.ratings.InsertOne(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to create rating: %w", err)
	}
	return &r, nil
}

func (s *MongoStore) ListRatings(ctx context.Context, provider string) ([]model.Rating, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	filter := bson.M{}
	if provider != "" {
		filter["provider_address"] = provider
	}
	cur, err := s.ratings.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list ratings: %w", err)
	}
	out := []model.Rating{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode ratings: %w", err)
	}
	return out, nil
}

func (s *MongoStore) CreateProviderProfile(ctx context.Context, p model.ProviderProfile) (*model.ProviderProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	id, err := s.nextSeq(ctx, "provider_profiles")
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	p.ID = id
	p.CreatedAt, p.UpdatedAt = now, now
	if _, err := s.profiles.InsertOne(ctx, p); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to create provider profile: %w", err)
	}
	return &p, nil
}

func (s *MongoStore) GetProviderProfile(ctx context.Context, provider string) (*model.ProviderProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var out model.ProviderProfile
	if err := findOne(ctx, s.profiles, bson.M{"_id": provider}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PatchProviderProfile turns every Set field into a $set key so the merge
// happens server side in one atomic update.
func (s *MongoStore) PatchProviderProfile(ctx context.Context, provider string, patch model.ProviderProfilePatch) (*model.ProviderProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	seq, err := s.nextSeq(ctx, "provider_profiles")
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	set := bson.M{"updated_at": now}
	if v, ok := patch.DroneImageURL.Value(); ok {
		set["drone_image_url"] = v
	}
	if v, ok := patch.DroneModel.Value(); ok {
		set["drone_model"] = v
	}
	if v, ok := patch.Specialization.Value(); ok {
		set["specialization"] = v
	}
	if v, ok := patch.OffersGroundImaging.Value(); ok {
		set["offers_ground_imaging"] = v
	}
	if v, ok := patch.GroundImagingTypes.Value(); ok {
		set["ground_imaging_types"] = v
	}
	if v, ok := patch.Bio.Value(); ok {
		set["bio"] = v
	}
	onInsert := bson.M{"id": seq, "created_at": now}
	if _, ok := set["offers_ground_imaging"]; !ok {
		onInsert["offers_ground_imaging"] = false
	}

	var out model.ProviderProfile
	update := bson.M{"$set": set, "$setOnInsert": onInsert}
	if err := upsertOne(ctx, s.profiles, bson.M{"_id": provider}, update, &out); err != nil {
		return nil, fmt.Errorf("failed to patch provider profile: %w", err)
	}
	return &out, nil
}
