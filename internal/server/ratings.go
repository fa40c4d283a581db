package server

import (
	"net/http"

	"github.com/DroneBid/dronebid-market-go/internal/model"
	"github.com/DroneBid/dronebid-market-go/internal/schema"
)

func (m *Mux) handleCreateRating(w http.ResponseWriter, r *http.Request) {
	r, span := startSpan(r, "CreateRating")
	defer span.End()

	var in model.Rating
	if !m.decode(w, r, schema.Rating, &in) {
		return
	}
	in.ProviderAddress = model.NormalizeAddress(in.ProviderAddress)
	in.ConsumerAddress = model.NormalizeAddress(in.ConsumerAddress)
	if !m.requireWallet(w, r, in.ConsumerAddress) {
		return
	}

	rating, err := m.Store.CreateRating(r.Context(), in)
	if err != nil {
		m.storeError(w, r, "create rating", err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, rating)
}

// ratingsResponse is a provider's ratings with their summary.
type ratingsResponse struct {
	Ratings       []model.Rating `json:"ratings"`
	AverageRating float64        `json:"averageRating"`
	Count         int            `json:"count"`
}

func (m *Mux) handleListRatings(w http.ResponseWriter, r *http.Request) {
	r, span := startSpan(r, "ListRatings")
	defer span.End()

	provider, ok := m.queryAddress(w, r, "providerAddress", true)
	if !ok {
		return
	}
	ratings, err := m.Store.ListRatings(r.Context(), provider)
	if err != nil {
		m.storeError(w, r, "list ratings", err)
		return
	}
	s := model.Summarize(ratings)
	m.writeSuccess(w, http.StatusOK, ratingsResponse{Ratings: ratings, AverageRating: s.Average, Count: s.Count})
}
