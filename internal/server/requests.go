package server

import (
	"net/http"
	"strconv"

	errordefs "github.com/DroneBid/dronebid-market-go/internal/errors"
	"github.com/DroneBid/dronebid-market-go/internal/model"
	"github.com/DroneBid/dronebid-market-go/internal/schema"
	"go.opentelemetry.io/otel/attribute"
)

// handleUpsertRequest mirrors a request whose on-chain ID the client already
// knows. Repeating the call for the same requestId converges on one record.
func (m *Mux) handleUpsertRequest(w http.ResponseWriter, r *http.Request) {
	r, span := startSpan(r, "UpsertRequest")
	defer span.End()

	var in model.Request
	if !m.decode(w, r, schema.Request, &in) {
		return
	}
	in.ConsumerAddress = model.NormalizeAddress(in.ConsumerAddress)
	if !m.requireWallet(w, r, in.ConsumerAddress) {
		return
	}
	if !in.Deadline.After(m.Now()) {
		m.fail(w, r, errordefs.MKT_VALIDATION, "deadline must be in the future")
		return
	}
	span.SetAttributes(attribute.Int64("request_id", in.RequestID))

	req, err := m.Store.UpsertRequest(r.Context(), in)
	if err != nil {
		m.storeError(w, r, "upsert request", err)
		return
	}
	if err := m.Publisher.PublishRequestMirrored(r.Context(), *req); err != nil {
		m.Logger.Warn("publish request mirrored failed", "request_id", req.RequestID, "error", err)
	}
	m.writeSuccess(w, http.StatusOK, req)
}

func (m *Mux) handleListRequests(w http.ResponseWriter, r *http.Request) {
	r, span := startSpan(r, "ListRequests")
	defer span.End()

	consumer, ok := m.queryAddress(w, r, "consumerAddress", false)
	if !ok {
		return
	}
	status := model.RequestStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		m.fail(w, r, errordefs.MKT_VALIDATION, "invalid status")
		return
	}
	limit, offset, ok := m.queryPage(w, r)
	if !ok {
		return
	}

	reqs, err := m.Store.ListRequests(r.Context(), model.RequestQuery{
		ConsumerAddress: consumer,
		Status:          status,
		Limit:           limit,
		Offset:          offset,
	})
	if err != nil {
		m.storeError(w, r, "list requests", err)
		return
	}
	m.writeSuccess(w, http.StatusOK, reqs)
}

func (m *Mux) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	r, span := startSpan(r, "GetRequest")
	defer span.End()

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		m.fail(w, r, errordefs.MKT_VALIDATION, "request id must be a positive integer")
		return
	}
	req, err := m.Store.GetRequest(r.Context(), id)
	if err != nil {
		m.storeError(w, r, "get request", err)
		return
	}
	m.writeSuccess(w, http.StatusOK, req)
}

// handleUpsertBid mirrors a bid by its on-chain ID. The request it targets may
// not be mirrored yet, since both arrive from independent transactions.
func (m *Mux) handleUpsertBid(w http.ResponseWriter, r *http.Request) {
	r, span := startSpan(r, "UpsertBid")
	defer span.End()

	var in model.Bid
	if !m.decode(w, r, schema.Bid, &in) {
		return
	}
	in.ProviderAddress = model.NormalizeAddress(in.ProviderAddress)
	if !m.requireWallet(w, r, in.ProviderAddress) {
		return
	}
	span.SetAttributes(attribute.Int64("bid_id", in.BidID), attribute.Int64("request_id", in.RequestID))

	bid, err := m.Store.UpsertBid(r.Context(), in)
	if err != nil {
		m.storeError(w, r, "upsert bid", err)
		return
	}
	if err := m.Publisher.PublishBidMirrored(r.Context(), *bid); err != nil {
		m.Logger.Warn("publish bid mirrored failed", "bid_id", bid.BidID, "error", err)
	}
	m.writeSuccess(w, http.StatusOK, bid)
}

func (m *Mux) handleListBids(w http.ResponseWriter, r *http.Request) {
	r, span := startSpan(r, "ListBids")
	defer span.End()

	requestID, ok := m.queryInt(w, r, "requestId", 1)
	if !ok {
		return
	}
	provider, ok := m.queryAddress(w, r, "providerAddress", false)
	if !ok {
		return
	}
	limit, offset, ok := m.queryPage(w, r)
	if !ok {
		return
	}

	bids, err := m.Store.ListBids(r.Context(), model.BidQuery{
		RequestID:       requestID,
		ProviderAddress: provider,
		Limit:           limit,
		Offset:          offset,
	})
	if err != nil {
		m.storeError(w, r, "list bids", err)
		return
	}
	m.writeSuccess(w, http.StatusOK, bids)
}
