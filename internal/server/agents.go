package server

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/DroneBid/dronebid-market-go/internal/chain"
	errordefs "github.com/DroneBid/dronebid-market-go/internal/errors"
	"github.com/DroneBid/dronebid-market-go/internal/event"
	"github.com/DroneBid/dronebid-market-go/internal/model"
	"github.com/DroneBid/dronebid-market-go/internal/reconcile"
	"github.com/DroneBid/dronebid-market-go/internal/schema"
	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
)

// flexInt accepts a JSON number or a numeric string.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("not an integer: %s", b)
	}
	*f = flexInt(n)
	return nil
}

// flexFloat accepts a JSON number or a numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	n, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", b)
	}
	*f = flexFloat(n)
	return nil
}

// agentsReady reports whether the server can sign and reconcile.
func (m *Mux) agentsReady(w http.ResponseWriter, r *http.Request) bool {
	if m.Chain == nil || m.Reconciler == nil {
		m.fail(w, r, errordefs.MKT_UNAVAILABLE, "agent signing not configured")
		return false
	}
	return true
}

// submit sends a contract call signed with the agent key. On failure the
// error response has been written.
func (m *Mux) submit(w http.ResponseWriter, r *http.Request, method string, value *big.Int, args ...interface{}) (common.Hash, bool) {
	tx, err := m.Chain.SubmitTransaction(r.Context(), m.Reconciler.Contract(), method, value, args...)
	if err != nil {
		kind := chain.Classify(err)
		m.Metrics.ChainErrorTotal.WithLabelValues(method, string(kind)).Inc()
		m.Logger.Warn("agent transaction not submitted", "method", method, "kind", kind, "error", err)
		m.writeChainError(w, r, common.Hash{}, err)
		return common.Hash{}, false
	}
	return tx, true
}

// finish writes the reconciliation outcome of an agent transaction.
func (m *Mux) finish(w http.ResponseWriter, r *http.Request, entity string, tx common.Hash, res *reconcile.Result, err error) {
	if err != nil {
		m.writeChainError(w, r, tx, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, newReconcileResponse(entity, res))
}

func (m *Mux) publishStatus(ctx context.Context, change event.StatusChange) {
	if err := m.Publisher.PublishRequestStatusChanged(ctx, change); err != nil {
		m.Logger.Warn("publish status change failed", "request_id", change.RequestID, "status", change.Status, "error", err)
	}
}

type agentCreateRequest struct {
	WalletAddress string    `json:"walletAddress"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	LocationLat   flexFloat `json:"locationLat"`
	LocationLng   flexFloat `json:"locationLng"`
	Budget        string    `json:"budget"`
	Deadline      time.Time `json:"deadline"`
}

// handleAgentCreateRequest signs createRequest with the agent key and mirrors
// the request under the ID from RequestCreated. budget is in ether.
func (m *Mux) handleAgentCreateRequest(w http.ResponseWriter, r *http.Request) {
	r, span := startSpan(r, "AgentCreateRequest")
	defer span.End()

	if !m.agentsReady(w, r) {
		return
	}
	var in agentCreateRequest
	if !m.decode(w, r, schema.AgentCreateRequest, &in) {
		return
	}
	loc := model.Coordinate{Lat: float64(in.LocationLat), Lng: float64(in.LocationLng)}
	if !loc.Valid() {
		m.fail(w, r, errordefs.MKT_VALIDATION, "location out of range")
		return
	}
	if !in.Deadline.After(m.Now()) {
		m.fail(w, r, errordefs.MKT_VALIDATION, "deadline must be in the future")
		return
	}
	budget, err := chain.ParseEther(in.Budget)
	if err != nil {
		m.fail(w, r, errordefs.MKT_VALIDATION, err.Error())
		return
	}
	consumer := model.NormalizeAddress(in.WalletAddress)
	if consumer == "" {
		consumer = model.NormalizeAddress(m.Chain.Sender().Hex())
	}

	tx, ok := m.submit(w, r, "createRequest", nil, in.Title, in.Description, budget, big.NewInt(in.Deadline.Unix()))
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("tx_hash", tx.Hex()))

	res, err := m.Reconciler.Reconcile(r.Context(), m.requestJob(tx, model.Request{
		ConsumerAddress: consumer,
		Title:           in.Title,
		Description:     in.Description,
		LocationLat:     loc.Lat,
		LocationLng:     loc.Lng,
		Budget:          budget.String(),
		Deadline:        in.Deadline,
		Status:          model.RequestOpen,
	}))
	m.finish(w, r, entityRequest, tx, res, err)
}

type agentSubmitBid struct {
	RequestID flexInt `json:"requestId"`
	Amount    string  `json:"amount"`
	Timeline  flexInt `json:"timeline"`
}

// handleAgentSubmitBid signs submitBid for the agent's own address. amount is
// in ether.
func (m *Mux) handleAgentSubmitBid(w http.ResponseWriter, r *http.Request) {
	r, span := startSpan(r, "AgentSubmitBid")
	defer span.End()

	if !m.agentsReady(w, r) {
		return
	}
	var in agentSubmitBid
	if !m.decode(w, r, schema.AgentSubmitBid, &in) {
		return
	}
	if in.Timeline < 1 || in.Timeline > 365 {
		m.fail(w, r, errordefs.MKT_VALIDATION, "timeline must be between 1 and 365 days")
		return
	}
	amount, err := chain.ParseEther(in.Amount)
	if err != nil {
		m.fail(w, r, errordefs.MKT_VALIDATION, err.Error())
		return
	}
	requestID := int64(in.RequestID)

	tx, ok := m.submit(w, r, "submitBid", nil, big.NewInt(requestID), amount, big.NewInt(int64(in.Timeline)))
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("tx_hash", tx.Hex()), attribute.Int64("request_id", requestID))

	res, err := m.Reconciler.Reconcile(r.Context(), m.bidJob(tx, model.Bid{
		RequestID:       requestID,
		ProviderAddress: model.NormalizeAddress(m.Chain.Sender().Hex()),
		Amount:          amount.String(),
		Timeline:        int(in.Timeline),
		Status:          model.BidPending,
	}))
	m.finish(w, r, entityBid, tx, res, err)
}

type agentAcceptBid struct {
	RequestID flexInt `json:"requestId"`
	BidID     flexInt `json:"bidId"`
	Amount    string  `json:"amount"`
}

// handleAgentAcceptBid pays the bid amount into escrow and marks the request
// bid_accepted and the bid accepted.
func (m *Mux) handleAgentAcceptBid(w http.ResponseWriter, r *http.Request) {
	r, span := startSpan(r, "AgentAcceptBid")
	defer span.End()

	if !m.agentsReady(w, r) {
		return
	}
	var in agentAcceptBid
	if !m.decode(w, r, schema.AgentAcceptBid, &in) {
		return
	}
	value, err := chain.ParseEther(in.Amount)
	if err != nil {
		m.fail(w, r, errordefs.MKT_VALIDATION, err.Error())
		return
	}
	requestID, bidID := int64(in.RequestID), int64(in.BidID)

	tx, ok := m.submit(w, r, "acceptBid", value, big.NewInt(requestID), big.NewInt(bidID))
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("tx_hash", tx.Hex()), attribute.Int64("request_id", requestID), attribute.Int64("bid_id", bidID))

	res, err := m.Reconciler.Reconcile(r.Context(), reconcile.Job{
		Entity:  entityRequest,
		TxHash:  tx,
		KnownID: requestID,
		Persist: func(ctx context.Context, id int64) error {
			if err := m.Store.UpdateRequestStatus(ctx, id, model.RequestBidAccepted, &bidID); err != nil {
				return err
			}
			if err := m.Store.UpdateBidStatus(ctx, bidID, model.BidAccepted); err != nil {
				return err
			}
			m.publishStatus(ctx, event.StatusChange{RequestID: id, Status: model.RequestBidAccepted, AcceptedBidID: &bidID, TxHash: tx.Hex()})
			return nil
		},
	})
	m.finish(w, r, entityRequest, tx, res, err)
}

type agentRequestRef struct {
	RequestID flexInt `json:"requestId"`
}

func (m *Mux) handleAgentDeliverJob(w http.ResponseWriter, r *http.Request) {
	r, span := startSpan(r, "AgentDeliverJob")
	defer span.End()

	if !m.agentsReady(w, r) {
		return
	}
	var in agentRequestRef
	if !m.decode(w, r, schema.AgentDeliverJob, &in) {
		return
	}
	requestID := int64(in.RequestID)

	tx, ok := m.submit(w, r, "deliverJob", nil, big.NewInt(requestID))
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("tx_hash", tx.Hex()), attribute.Int64("request_id", requestID))

	res, err := m.Reconciler.Reconcile(r.Context(), reconcile.Job{
		Entity:  entityRequest,
		TxHash:  tx,
		KnownID: requestID,
		Persist: func(ctx context.Context, id int64) error {
			if err := m.Store.UpdateRequestStatus(ctx, id, model.RequestDelivered, nil); err != nil {
				return err
			}
			m.publishStatus(ctx, event.StatusChange{RequestID: id, Status: model.RequestDelivered, TxHash: tx.Hex()})
			return nil
		},
	})
	m.finish(w, r, entityRequest, tx, res, err)
}

// handleAgentApproveDelivery releases escrow and completes both the request
// and its accepted bid.
func (m *Mux) handleAgentApproveDelivery(w http.ResponseWriter, r *http.Request) {
	r, span := startSpan(r, "AgentApproveDelivery")
	defer span.End()

	if !m.agentsReady(w, r) {
		return
	}
	var in agentRequestRef
	if !m.decode(w, r, schema.AgentApproveDelivery, &in) {
		return
	}
	requestID := int64(in.RequestID)

	tx, ok := m.submit(w, r, "approveDelivery", nil, big.NewInt(requestID))
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("tx_hash", tx.Hex()), attribute.Int64("request_id", requestID))

	res, err := m.Reconciler.Reconcile(r.Context(), reconcile.Job{
		Entity:  entityRequest,
		TxHash:  tx,
		KnownID: requestID,
		Persist: func(ctx context.Context, id int64) error {
			if err := m.Store.UpdateRequestStatus(ctx, id, model.RequestCompleted, nil); err != nil {
				return err
			}
			req, err := m.Store.GetRequest(ctx, id)
			if err != nil {
				return err
			}
			if req.AcceptedBidID != nil {
				if err := m.Store.UpdateBidStatus(ctx, *req.AcceptedBidID, model.BidCompleted); err != nil {
					return err
				}
			}
			m.publishStatus(ctx, event.StatusChange{RequestID: id, Status: model.RequestCompleted, AcceptedBidID: req.AcceptedBidID, TxHash: tx.Hex()})
			return nil
		},
	})
	m.finish(w, r, entityRequest, tx, res, err)
}
