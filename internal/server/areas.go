package server

import (
	"errors"
	"net/http"

	errordefs "github.com/DroneBid/dronebid-market-go/internal/errors"
	"github.com/DroneBid/dronebid-market-go/internal/geo"
	"github.com/DroneBid/dronebid-market-go/internal/model"
	"github.com/DroneBid/dronebid-market-go/internal/schema"
	"github.com/DroneBid/dronebid-market-go/internal/storage"
	"go.opentelemetry.io/otel/attribute"
)

func (m *Mux) handleCreateCoverageArea(w http.ResponseWriter, r *http.Request) {
	r, span := startSpan(r, "CreateCoverageArea")
	defer span.End()

	var in model.CoverageArea
	if !m.decode(w, r, schema.CoverageArea, &in) {
		return
	}
	in.ProviderAddress = model.NormalizeAddress(in.ProviderAddress)
	if !m.requireWallet(w, r, in.ProviderAddress) {
		return
	}
	span.SetAttributes(attribute.String("provider", in.ProviderAddress))

	area, err := m.Store.CreateCoverageArea(r.Context(), in, model.MaxCoverageAreas)
	if errors.Is(err, storage.ErrCapacity) {
		m.writeErrorDef(w, r, errordefs.NewWithDetails(errordefs.MKT_CAPACITY,
			"provider already has the maximum number of coverage areas", "",
			map[string]interface{}{"max": model.MaxCoverageAreas}))
		return
	}
	if err != nil {
		m.storeError(w, r, "create coverage area", err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, area)
}

// handleListCoverageAreas lists one provider's areas, or every area decorated
// with its provider's rating summary when no provider is given.
func (m *Mux) handleListCoverageAreas(w http.ResponseWriter, r *http.Request) {
	r, span := startSpan(r, "ListCoverageAreas")
	defer span.End()

	provider, ok := m.queryAddress(w, r, "providerAddress", false)
	if !ok {
		return
	}
	if provider != "" {
		areas, err := m.Store.ListCoverageAreas(r.Context(), provider)
		if err != nil {
			m.storeError(w, r, "list coverage areas", err)
			return
		}
		m.writeSuccess(w, http.StatusOK, areas)
		return
	}

	rated, err := m.ratedCoverageAreas(r)
	if err != nil {
		m.storeError(w, r, "list coverage areas", err)
		return
	}
	m.writeSuccess(w, http.StatusOK, rated)
}

func (m *Mux) ratedCoverageAreas(r *http.Request) ([]model.CoverageAreaWithRating, error) {
	areas, err := m.Store.ListCoverageAreas(r.Context(), "")
	if err != nil {
		return nil, err
	}
	ratings, err := m.Store.ListRatings(r.Context(), "")
	if err != nil {
		return nil, err
	}
	summaries := model.SummarizeByProvider(ratings)

	out := make([]model.CoverageAreaWithRating, 0, len(areas))
	for _, a := range areas {
		s := summaries[a.ProviderAddress]
		out = append(out, model.CoverageAreaWithRating{CoverageArea: a, AverageRating: s.Average, RatingCount: s.Count})
	}
	return out, nil
}

type coverageAreaUpdate struct {
	ID          int64   `json:"id"`
	LocationLat float64 `json:"locationLat"`
	LocationLng float64 `json:"locationLng"`
	Radius      float64 `json:"radius"`
}

// ownedCoverageArea loads the area named by the id query parameter (or
// fallback) and checks that the signed-in wallet owns it.
func (m *Mux) ownedCoverageArea(w http.ResponseWriter, r *http.Request, fallback int64) (*model.CoverageArea, bool) {
	id, ok := m.queryInt(w, r, "id", 1)
	if !ok {
		return nil, false
	}
	if id == 0 {
		id = fallback
	}
	if id == 0 {
		m.fail(w, r, errordefs.MKT_VALIDATION, "id is required")
		return nil, false
	}
	area, err := m.Store.GetCoverageArea(r.Context(), id)
	if err != nil {
		m.storeError(w, r, "get coverage area", err)
		return nil, false
	}
	if !m.requireWallet(w, r, area.ProviderAddress) {
		return nil, false
	}
	return area, true
}

func (m *Mux) handleUpdateCoverageArea(w http.ResponseWriter, r *http.Request) {
	r, span := startSpan(r, "UpdateCoverageArea")
	defer span.End()

	var in coverageAreaUpdate
	if !m.decode(w, r, schema.CoverageAreaUpdate, &in) {
		return
	}
	area, ok := m.ownedCoverageArea(w, r, in.ID)
	if !ok {
		return
	}
	span.SetAttributes(attribute.Int64("coverage_area_id", area.ID))

	area.LocationLat, area.LocationLng, area.Radius = in.LocationLat, in.LocationLng, in.Radius
	updated, err := m.Store.UpdateCoverageArea(r.Context(), *area)
	if err != nil {
		m.storeError(w, r, "update coverage area", err)
		return
	}
	m.writeSuccess(w, http.StatusOK, updated)
}

func (m *Mux) handleDeleteCoverageArea(w http.ResponseWriter, r *http.Request) {
	r, span := startSpan(r, "DeleteCoverageArea")
	defer span.End()

	area, ok := m.ownedCoverageArea(w, r, 0)
	if !ok {
		return
	}
	if err := m.Store.DeleteCoverageArea(r.Context(), area.ID); err != nil {
		m.storeError(w, r, "delete coverage area", err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{"deleted": true, "id": area.ID})
}

func (m *Mux) handleUpsertAreaOfInterest(w http.ResponseWriter, r *http.Request) {
	r, span := startSpan(r, "UpsertAreaOfInterest")
	defer span.End()

	var in model.AreaOfInterest
	if !m.decode(w, r, schema.AreaOfInterest, &in) {
		return
	}
	in.ConsumerAddress = model.NormalizeAddress(in.ConsumerAddress)
	if !m.requireWallet(w, r, in.ConsumerAddress) {
		return
	}

	aoi, err := m.Store.UpsertAreaOfInterest(r.Context(), in)
	if err != nil {
		m.storeError(w, r, "upsert area of interest", err)
		return
	}
	m.writeSuccess(w, http.StatusOK, aoi)
}

// handleGetAreasOfInterest returns one consumer's area (null when unset) or
// every area when no consumer is given.
func (m *Mux) handleGetAreasOfInterest(w http.ResponseWriter, r *http.Request) {
	r, span := startSpan(r, "GetAreasOfInterest")
	defer span.End()

	consumer, ok := m.queryAddress(w, r, "consumerAddress", false)
	if !ok {
		return
	}
	if consumer == "" {
		all, err := m.Store.ListAreasOfInterest(r.Context())
		if err != nil {
			m.storeError(w, r, "list areas of interest", err)
			return
		}
		m.writeSuccess(w, http.StatusOK, all)
		return
	}

	aoi, err := m.Store.GetAreaOfInterest(r.Context(), consumer)
	if errors.Is(err, storage.ErrNotFound) {
		m.writeSuccess(w, http.StatusOK, nil)
		return
	}
	if err != nil {
		m.storeError(w, r, "get area of interest", err)
		return
	}
	m.writeSuccess(w, http.StatusOK, aoi)
}

func (m *Mux) handleDeleteAreaOfInterest(w http.ResponseWriter, r *http.Request) {
	r, span := startSpan(r, "DeleteAreaOfInterest")
	defer span.End()

	consumer, ok := m.queryAddress(w, r, "consumerAddress", true)
	if !ok {
		return
	}
	if !m.requireWallet(w, r, consumer) {
		return
	}
	if err := m.Store.DeleteAreaOfInterest(r.Context(), consumer); err != nil {
		m.storeError(w, r, "delete area of interest", err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{"deleted": true, "consumerAddress": consumer})
}

// handleNearbyProviders matches a consumer's area of interest against every
// coverage area. A consumer without an area of interest sees all providers.
func (m *Mux) handleNearbyProviders(w http.ResponseWriter, r *http.Request) {
	r, span := startSpan(r, "NearbyProviders")
	defer span.End()

	consumer, ok := m.queryAddress(w, r, "consumerAddress", false)
	if !ok {
		return
	}

	var aoi *model.AreaOfInterest
	var circle *model.Circle
	if consumer != "" {
		a, err := m.Store.GetAreaOfInterest(r.Context(), consumer)
		switch {
		case err == nil:
			c := a.Circle()
			aoi, circle = a, &c
		case !errors.Is(err, storage.ErrNotFound):
			m.storeError(w, r, "get area of interest", err)
			return
		}
	}

	rated, err := m.ratedCoverageAreas(r)
	if err != nil {
		m.storeError(w, r, "list coverage areas", err)
		return
	}
	matched := geo.FilterAreas(circle, rated)
	providers := geo.MatchProviders(circle, rated)
	span.SetAttributes(attribute.Int("areas", len(rated)), attribute.Int("matched", len(matched)))

	m.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"areaOfInterest": aoi,
		"coverageAreas":  matched,
		"providers":      providers,
	})
}
