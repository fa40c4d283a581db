package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/DroneBid/dronebid-market-go/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgres provides persistent storage on a pgx connection pool.
type postgres struct {
	db *pgxpool.Pool
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates all required tables and indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
		    wallet_address TEXT PRIMARY KEY,
		    user_type TEXT NOT NULL,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		-- request_id is assigned by the escrow contract
		CREATE TABLE IF NOT EXISTS requests (
		    id BIGSERIAL PRIMARY KEY,
		    request_id BIGINT NOT NULL UNIQUE,
		    consumer_address TEXT NOT NULL,
		    title TEXT NOT NULL,
		    description TEXT NOT NULL,
		    location_lat DOUBLE PRECISION NOT NULL,
		    location_lng DOUBLE PRECISION NOT NULL,
		    budget TEXT NOT NULL,
		    deadline TIMESTAMP WITH TIME ZONE NOT NULL,
		    status TEXT NOT NULL DEFAULT 'open',
		    accepted_bid_id BIGINT,
		    tx_hash TEXT NOT NULL DEFAULT '',
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_requests_consumer ON requests(consumer_address, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status, created_at DESC);

		CREATE TABLE IF NOT EXISTS bids (
		    id BIGSERIAL PRIMARY KEY,
		    bid_id BIGINT NOT NULL UNIQUE,
		    request_id BIGINT NOT NULL,
		    provider_address TEXT NOT NULL,
		    amount TEXT NOT NULL,
		    timeline INTEGER NOT NULL,
		    status TEXT NOT NULL DEFAULT 'pending',
		    tx_hash TEXT NOT NULL DEFAULT '',
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_bids_request ON bids(request_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_bids_provider ON bids(provider_address, created_at DESC);

		CREATE TABLE IF NOT EXISTS coverage_areas (
		    id BIGSERIAL PRIMARY KEY,
		    provider_address TEXT NOT NULL,
		    location_lat DOUBLE PRECISION NOT NULL,
		    location_lng DOUBLE PRECISION NOT NULL,
		    radius DOUBLE PRECISION NOT NULL,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_coverage_provider ON coverage_areas(provider_address);

		CREATE TABLE IF NOT EXISTS areas_of_interest (
		    id BIGSERIAL PRIMARY KEY,
		    consumer_address TEXT NOT NULL UNIQUE,
		    location_lat DOUBLE PRECISION NOT NULL,
		    location_lng DOUBLE PRECISION NOT NULL,
		    radius DOUBLE PRECISION NOT NULL,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS ratings (
		    id BIGSERIAL PRIMARY KEY,
		    provider_address TEXT NOT NULL,
		    consumer_address TEXT NOT NULL,
		    request_id BIGINT NOT NULL,
		    rating SMALLINT NOT NULL CHECK (rating BETWEEN 1 AND 5),
		    comment TEXT,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_ratings_provider ON ratings(provider_address, created_at DESC);

		-- ground_imaging_types holds a JSON-encoded array
		CREATE TABLE IF NOT EXISTS provider_profiles (
		    id BIGSERIAL PRIMARY KEY,
		    provider_address TEXT NOT NULL UNIQUE,
		    drone_image_url TEXT,
		    drone_model TEXT,
		    specialization TEXT,
		    offers_ground_imaging BOOLEAN NOT NULL DEFAULT FALSE,
		    ground_imaging_types TEXT,
		    bio TEXT,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
	`
	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// scanner is satisfied by pgx.Row and pgx.CollectableRow.
type scanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// UpsertUser inserts or refreshes a wallet's user type.
func (p *postgres) UpsertUser(ctx context.Context, u model.User) (*model.User, error) {
	query := `INSERT INTO users (wallet_address, user_type) VALUES ($1, $2)
	          ON CONFLICT (wallet_address) DO UPDATE SET user_type = EXCLUDED.user_type, updated_at = NOW()
	          RETURNING wallet_address, user_type, created_at, updated_at`
	var out model.User
	err := p.db.QueryRow(ctx, query, u.WalletAddress, u.UserType).
		Scan(&out.WalletAddress, &out.UserType, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return &out, nil
}

func (p *postgres) GetUser(ctx context.Context, wallet string) (*model.User, error) {
	query := `SELECT wallet_address, user_type, created_at, updated_at FROM users WHERE wallet_address = $1`
	var out model.User
	err := p.db.QueryRow(ctx, query, wallet).Scan(&out.WalletAddress, &out.UserType, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &out, nil
}

const requestColumns = `id, request_id, consumer_address, title, description, location_lat, location_lng,
	budget, deadline, status, accepted_bid_id, tx_hash, created_at, updated_at`

func scanRequest(row scanner) (model.Request, error) {
	var r model.Request
	err := row.Scan(&r.ID, &r.RequestID, &r.ConsumerAddress, &r.Title, &r.Description,
		&r.LocationLat, &r.LocationLng, &r.Budget, &r.Deadline, &r.Status, &r.AcceptedBidID,
		&r.TxHash, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// UpsertRequest writes the request keyed by its on-chain ID. Status and the
// accepted bid are left alone on conflict.
func (p *postgres) UpsertRequest(ctx context.Context, r model.Request) (*model.Request, error) {
	if r.Status == "" {
		r.Status = model.RequestOpen
	}
	query := `INSERT INTO requests (request_id, consumer_address, title, description, location_lat, location_lng,
	              budget, deadline, status, tx_hash)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	          ON CONFLICT (request_id) DO UPDATE SET
	              consumer_address = EXCLUDED.consumer_address,
	              title = EXCLUDED.title,
	              description = EXCLUDED.description,
	              location_lat = EXCLUDED.location_lat,
	              location_lng = EXCLUDED.location_lng,
	              budget = EXCLUDED.budget,
	              deadline = EXCLUDED.deadline,
	              tx_hash = CASE WHEN EXCLUDED.tx_hash = '' THEN requests.tx_hash ELSE EXCLUDED.tx_hash END,
	              updated_at = NOW()
	          RETURNING ` + requestColumns
	out, err := scanRequest(p.db.QueryRow(ctx, query, r.RequestID, r.ConsumerAddress, r.Title, r.Description,
		r.LocationLat, r.LocationLng, r.Budget, r.Deadline, r.Status, r.TxHash))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert request: %w", err)
	}
	return &out, nil
}

func (p *postgres) GetRequest(ctx context.Context, requestID int64) (*model.Request, error) {
	out, err := scanRequest(p.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE request_id = $1`, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return &out, nil
}

func (p *postgres) ListRequests(ctx context.Context, q model.RequestQuery) ([]model.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE 1=1`
	args := []interface{}{}
	argIndex := 1

	if q.ConsumerAddress != "" {
		query += fmt.Sprintf(" AND consumer_address = $%d", argIndex)
		args = append(args, q.ConsumerAddress)
		argIndex++
	}
	if q.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, q.Status)
		argIndex++
	}

	limit, offset := clampPage(q.Limit, q.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", argIndex, argIndex+1)
	args = append(args, limit, offset)

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Request, error) {
		return scanRequest(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan requests: %w", err)
	}
	return out, nil
}

func (p *postgres) UpdateRequestStatus(ctx context.Context, requestID int64, status model.RequestStatus, acceptedBidID *int64) error {
	query := `UPDATE requests SET status = $1, accepted_bid_id = COALESCE($2, accepted_bid_id), updated_at = NOW()
	          WHERE request_id = $3`
	result, err := p.db.Exec(ctx, query, status, acceptedBidID, requestID)
	if err != nil {
		return fmt.Errorf("failed to update request status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const bidColumns = `id, bid_id, request_id, provider_address, amount, timeline, status, tx_hash, created_at, updated_at`

func scanBid(row scanner) (model.Bid, error) {
	var b model.Bid
	err := row.Scan(&b.ID, &b.BidID, &b.RequestID, &b.ProviderAddress, &b.Amount, &b.Timeline,
		&b.Status, &b.TxHash, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

// UpsertBid writes the bid keyed by its on-chain ID. Status is left alone on conflict.
func (p *postgres) UpsertBid(ctx context.Context, b model.Bid) (*model.Bid, error) {
	if b.Status == "" {
		b.Status = model.BidPending
	}
	query := `INSERT INTO bids (bid_id, request_id, provider_address, amount, timeline, status, tx_hash)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)
	          ON CONFLICT (bid_id) DO UPDATE SET
	              request_id = EXCLUDED.request_id,
	              provider_address = EXCLUDED.provider_address,
	              amount = EXCLUDED.amount,
	              timeline = EXCLUDED.timeline,
	              tx_hash = CASE WHEN EXCLUDED.tx_hash = '' THEN bids.tx_hash ELSE EXCLUDED.tx_hash END,
	              updated_at = NOW()
	          RETURNING ` + bidColumns
	out, err := scanBid(p.db.QueryRow(ctx, query, b.BidID, b.RequestID, b.ProviderAddress, b.Amount,
		b.Timeline, b.Status, b.TxHash))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert bid: %w", err)
	}
	return &out, nil
}

func (p *postgres) GetBid(ctx context.Context, bidID int64) (*model.Bid, error) {
	out, err := scanBid(p.db.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE bid_id = $1`, bidID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get bid: %w", err)
	}
	return &out, nil
}

func (p *postgres) ListBids(ctx context.Context, q model.BidQuery) ([]model.Bid, error) {
	query := `SELECT ` + bidColumns + ` FROM bids WHERE 1=1`
	args := []interface{}{}
	argIndex := 1

	if q.RequestID != 0 {
		query += fmt.Sprintf(" AND request_id = $%d", argIndex)
		args = append(args, q.RequestID)
		argIndex++
	}
	if q.ProviderAddress != "" {
		query += fmt.Sprintf(" AND provider_address = $%d", argIndex)
		args = append(args, q.ProviderAddress)
		argIndex++
	}

	limit, offset := clampPage(q.Limit, q.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", argIndex, argIndex+1)
	args = append(args, limit, offset)

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bids: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Bid, error) {
		return scanBid(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan bids: %w", err)
	}
	return out, nil
}

func (p *postgres) UpdateBidStatus(ctx context.Context, bidID int64, status model.BidStatus) error {
	result, err := p.db.Exec(ctx, `UPDATE bids SET status = $1, updated_at = NOW() WHERE bid_id = $2`, status, bidID)
	if err != nil {
		return fmt.Errorf("failed to update bid status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const coverageColumns = `id, provider_address, location_lat, location_lng, radius, created_at, updated_at`

func scanCoverage(row scanner) (model.CoverageArea, error) {
	var a model.CoverageArea
	err := row.Scan(&a.ID, &a.ProviderAddress, &a.LocationLat, &a.LocationLng, &a.Radius, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

// CreateCoverageArea serializes creates per provider with a transaction-scoped
// advisory lock, then counts and inserts.
func (p *postgres) CreateCoverageArea(ctx context.Context, a model.CoverageArea, max int) (*model.CoverageArea, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, a.ProviderAddress); err != nil {
		return nil, fmt.Errorf("failed to lock provider: %w", err)
	}

	var held int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM coverage_areas WHERE provider_address = $1`, a.ProviderAddress).Scan(&held); err != nil {
		return nil, fmt.Errorf("failed to count coverage areas: %w", err)
	}
	if held >= max {
		return nil, ErrCapacity
	}

	query := `INSERT INTO coverage_areas (provider_address, location_lat, location_lng, radius)
	          VALUES ($1, $2, $3, $4) RETURNING ` + coverageColumns
	out, err := scanCoverage(tx.QueryRow(ctx, query, a.ProviderAddress, a.LocationLat, a.LocationLng, a.Radius))
	if err != nil {
		return nil, fmt.Errorf("failed to create coverage area: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit coverage area: %w", err)
	}
	return &out, nil
}

func (p *postgres) GetCoverageArea(ctx context.Context, id int64) (*model.CoverageArea, error) {
	out, err := scanCoverage(p.db.QueryRow(ctx, `SELECT `+coverageColumns+` FROM coverage_areas WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get coverage area: %w", err)
	}
	return &out, nil
}

func (p *postgres) UpdateCoverageArea(ctx context.Context, a model.CoverageArea) (*model.CoverageArea, error) {
	query := `UPDATE coverage_areas SET location_lat = $1, location_lng = $2, radius = $3, updated_at = NOW()
	          WHERE id = $4 RETURNING ` + coverageColumns
	out, err := scanCoverage(p.db.QueryRow(ctx, query, a.LocationLat, a.LocationLng, a.Radius, a.ID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update coverage area: %w", err)
	}
	return &out, nil
}

func (p *postgres) DeleteCoverageArea(ctx context.Context, id int64) error {
	result, err := p.db.Exec(ctx, `DELETE FROM coverage_areas WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete coverage area: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) ListCoverageAreas(ctx context.Context, provider string) ([]model.CoverageArea, error) {
	query := `SELECT ` + coverageColumns + ` FROM coverage_areas`
	args := []interface{}{}
	if provider != "" {
		query += ` WHERE provider_address = $1`
		args = append(args, provider)
	}
	query += ` ORDER BY id`

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list coverage areas: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.CoverageArea, error) {
		return scanCoverage(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan coverage areas: %w", err)
	}
	return out, nil
}

const interestColumns = `id, consumer_address, location_lat, location_lng, radius, created_at, updated_at`

func scanInterest(row scanner) (model.AreaOfInterest, error) {
	var a model.AreaOfInterest
	err := row.Scan(&a.ID, &a.ConsumerAddress, &a.LocationLat, &a.LocationLng, &a.Radius, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func (p *postgres) UpsertAreaOfInterest(ctx context.Context, a model.AreaOfInterest) (*model.AreaOfInterest, error) {
	query := `INSERT INTO areas_of_interest (consumer_address, location_lat, location_lng, radius)
	          VALUES ($1, $2, $3, $4)
	          ON CONFLICT (consumer_address) DO UPDATE SET
	              location_lat = EXCLUDED.location_lat,
	              location_lng = EXCLUDED.location_lng,
	              radius = EXCLUDED.radius,
	              updated_at = NOW()
	          RETURNING ` + interestColumns
	out, err := scanInterest(p.db.QueryRow(ctx, query, a.ConsumerAddress, a.LocationLat, a.LocationLng, a.Radius))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert area of interest: %w", err)
	}
	return &out, nil
}

func (p *postgres) GetAreaOfInterest(ctx context.Context, consumer string) (*model.AreaOfInterest, error) {
	out, err := scanInterest(p.db.QueryRow(ctx, `SELECT `+interestColumns+` FROM areas_of_interest WHERE consumer_address = $1`, consumer))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get area of interest: %w", err)
	}
	return &out, nil
}

func (p *postgres) ListAreasOfInterest(ctx context.Context) ([]model.AreaOfInterest, error) {
	rows, err := p.db.Query(ctx, `SELECT `+interestColumns+` FROM areas_of_interest ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list areas of interest: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.AreaOfInterest, error) {
		return scanInterest(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan areas of interest: %w", err)
	}
	return out, nil
}

func (p *postgres) DeleteAreaOfInterest(ctx context.Context, consumer string) error {
	result, err := p.db.Exec(ctx, `DELETE FROM areas_of_interest WHERE consumer_address = $1`, consumer)
	if err != nil {
		return fmt.Errorf("failed to delete area of interest: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const ratingColumns = `id, provider_address, consumer_address, request_id, rating, comment, created_at`

func scanRating(row scanner) (model.Rating, error) {
	var r model.Rating
	err := row.Scan(&r.ID, &r.ProviderAddress, &r.ConsumerAddress, &r.RequestID, &r.Rating, &r.Comment, &r.CreatedAt)
	return r, err
}

func (p *postgres) CreateRating(ctx context.Context, r model.Rating) (*model.Rating, error) {
	query := `INSERT INTO ratings (provider_address, consumer_address, request_id, rating, comment)
	          VALUES ($1, $2, $3, $4, $5) RETURNING ` + ratingColumns
	out, err := scanRating(p.db.QueryRow(ctx, query, r.ProviderAddress, r.ConsumerAddress, r.RequestID, r.Rating, r.Comment))
	if err != nil {
		return nil, fmt.Errorf("failed to create rating: %w", err)
	}
	return &out, nil
}

func (p *postgres) ListRatings(ctx context.Context, provider string) ([]model.Rating, error) {
	query := `SELECT ` + ratingColumns + ` FROM ratings`
	args := []interface{}{}
	if provider != "" {
		query += ` WHERE provider_address = $1`
		args = append(args, provider)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ratings: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Rating, error) {
		return scanRating(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan ratings: %w", err)
	}
	return out, nil
}

const profileColumns = `id, provider_address, drone_image_url, drone_model, specialization,
	offers_ground_imaging, ground_imaging_types, bio, created_at, updated_at`

func scanProfile(row scanner) (model.ProviderProfile, error) {
	var pr model.ProviderProfile
	var types *string
	err := row.Scan(&pr.ID, &pr.ProviderAddress, &pr.DroneImageURL, &pr.DroneModel, &pr.Specialization,
		&pr.OffersGroundImaging, &types, &pr.Bio, &pr.CreatedAt, &pr.UpdatedAt)
	if err != nil {
		return pr, err
	}
	pr.GroundImagingTypes, err = decodeTags(types)
	return pr, err
}

// encodeTags stores the tag list as a JSON string; nil stays NULL.
func encodeTags(tags []string) (*string, error) {
	if tags == nil {
		return nil, nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func decodeTags(s *string) ([]string, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(*s), &tags); err != nil {
		return nil, fmt.Errorf("invalid ground imaging types: %w", err)
	}
	return tags, nil
}

func (p *postgres) CreateProviderProfile(ctx context.Context, pr model.ProviderProfile) (*model.ProviderProfile, error) {
	types, err := encodeTags(pr.GroundImagingTypes)
	if err != nil {
		return nil, err
	}
	query := `INSERT INTO provider_profiles (provider_address, drone_image_url, drone_model, specialization,
	              offers_ground_imaging, ground_imaging_types, bio)
	          VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING ` + profileColumns
	out, err := scanProfile(p.db.QueryRow(ctx, query, pr.ProviderAddress, pr.DroneImageURL, pr.DroneModel,
		pr.Specialization, pr.OffersGroundImaging, types, pr.Bio))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to create provider profile: %w", err)
	}
	return &out, nil
}

func (p *postgres) GetProviderProfile(ctx context.Context, provider string) (*model.ProviderProfile, error) {
	out, err := scanProfile(p.db.QueryRow(ctx, `SELECT `+profileColumns+` FROM provider_profiles WHERE provider_address = $1`, provider))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get provider profile: %w", err)
	}
	return &out, nil
}

// PatchProviderProfile ensures a row exists, locks it, applies the patch and
// writes every column back in one transaction.
func (p *postgres) PatchProviderProfile(ctx context.Context, provider string, patch model.ProviderProfilePatch) (*model.ProviderProfile, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO provider_profiles (provider_address) VALUES ($1) ON CONFLICT (provider_address) DO NOTHING`, provider); err != nil {
		return nil, fmt.Errorf("failed to seed provider profile: %w", err)
	}
	current, err := scanProfile(tx.QueryRow(ctx, `SELECT `+profileColumns+` FROM provider_profiles WHERE provider_address = $1 FOR UPDATE`, provider))
	if err != nil {
		return nil, fmt.Errorf("failed to lock provider profile: %w", err)
	}

	next := patch.Apply(current)
	types, err := encodeTags(next.GroundImagingTypes)
	if err != nil {
		return nil, err
	}
	query := `UPDATE provider_profiles SET drone_image_url = $1, drone_model = $2, specialization = $3,
	              offers_ground_imaging = $4, ground_imaging_types = $5, bio = $6, updated_at = NOW()
	          WHERE provider_address = $7 RETURNING ` + profileColumns
	out, err := scanProfile(tx.QueryRow(ctx, query, next.DroneImageURL, next.DroneModel, next.Specialization,
		next.OffersGroundImaging, types, next.Bio, provider))
	if err != nil {
		return nil, fmt.Errorf("failed to update provider profile: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit provider profile: %w", err)
	}
	return &out, nil
}
