package server

import (
	"context"
	"net/http"
	"time"

	"github.com/DroneBid/dronebid-market-go/internal/chain"
	errordefs "github.com/DroneBid/dronebid-market-go/internal/errors"
	"github.com/DroneBid/dronebid-market-go/internal/model"
	"github.com/DroneBid/dronebid-market-go/internal/reconcile"
	"github.com/DroneBid/dronebid-market-go/internal/schema"
	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
)

// reconcileResponse reports a confirmed transaction. Recorded is false when
// the transaction is final on-chain but the mirror could not be written, in
// which case Warning says so and the caller must not resubmit.
type reconcileResponse struct {
	Entity    string             `json:"entity"`
	TxHash    string             `json:"txHash"`
	RequestID *int64             `json:"requestId,omitempty"`
	BidID     *int64             `json:"bidId,omitempty"`
	IDSource  reconcile.IDSource `json:"idSource"`
	Recorded  bool               `json:"recorded"`
	Warning   string             `json:"warning,omitempty"`
}

func newReconcileResponse(entity string, res *reconcile.Result) reconcileResponse {
	out := reconcileResponse{
		Entity:   entity,
		TxHash:   res.TxHash.Hex(),
		IDSource: res.IDSource,
		Recorded: res.Recorded(),
	}
	id := res.DomainID
	if entity == entityBid {
		out.BidID = &id
	} else {
		out.RequestID = &id
	}
	switch {
	case res.PersistErr != nil:
		out.Warning = "transaction confirmed on-chain but not recorded; do not resubmit"
	case res.IDSource == reconcile.IDFromFallback:
		out.Warning = "event not found in receipt; recorded under a provisional id"
	}
	return out
}

const (
	entityRequest = "request"
	entityBid     = "bid"
)

// writeChainError reports a transaction that failed or was never confirmed.
// Nothing was recorded, so retrying is safe.
func (m *Mux) writeChainError(w http.ResponseWriter, r *http.Request, tx common.Hash, err error) {
	kind := chain.Classify(err)
	details := map[string]interface{}{"retrySafe": true, "kind": string(kind)}
	if tx != (common.Hash{}) {
		details["txHash"] = tx.Hex()
	}
	m.writeErrorDef(w, r, errordefs.NewWithDetails(errordefs.FromChainKind(string(kind)), err.Error(), "", details))
}

func (m *Mux) reconcileReady(w http.ResponseWriter, r *http.Request) bool {
	if m.Reconciler == nil {
		m.fail(w, r, errordefs.MKT_UNAVAILABLE, "chain reconciliation not configured")
		return false
	}
	return true
}

type reconcileRequestBody struct {
	TxHash          string    `json:"txHash"`
	ConsumerAddress string    `json:"consumerAddress"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	LocationLat     float64   `json:"locationLat"`
	LocationLng     float64   `json:"locationLng"`
	Budget          string    `json:"budget"`
	Deadline        time.Time `json:"deadline"`
}

// requestJob mirrors req under the ID the reconciler resolves.
func (m *Mux) requestJob(tx common.Hash, req model.Request) reconcile.Job {
	return reconcile.Job{
		Entity:  entityRequest,
		TxHash:  tx,
		Event:   chain.EventRequestCreated,
		IDField: "requestId",
		Persist: func(ctx context.Context, id int64) error {
			req.RequestID = id
			req.TxHash = tx.Hex()
			saved, err := m.Store.UpsertRequest(ctx, req)
			if err != nil {
				return err
			}
			if err := m.Publisher.PublishRequestMirrored(ctx, *saved); err != nil {
				m.Logger.Warn("publish request mirrored failed", "request_id", id, "error", err)
			}
			return nil
		},
	}
}

// bidJob mirrors bid under the ID the reconciler resolves.
func (m *Mux) bidJob(tx common.Hash, bid model.Bid) reconcile.Job {
	return reconcile.Job{
		Entity:  entityBid,
		TxHash:  tx,
		Event:   chain.EventBidSubmitted,
		IDField: "bidId",
		Persist: func(ctx context.Context, id int64) error {
			bid.BidID = id
			bid.TxHash = tx.Hex()
			saved, err := m.Store.UpsertBid(ctx, bid)
			if err != nil {
				return err
			}
			if err := m.Publisher.PublishBidMirrored(ctx, *saved); err != nil {
				m.Logger.Warn("publish bid mirrored failed", "bid_id", id, "error", err)
			}
			return nil
		},
	}
}

// handleReconcileRequest mirrors a createRequest transaction the consumer
// signed in their own wallet. The deadline is not rechecked: the contract
// already accepted it.
func (m *Mux) handleReconcileRequest(w http.ResponseWriter, r *http.Request) {
	r, span := startSpan(r, "ReconcileRequest")
	defer span.End()

	if !m.reconcileReady(w, r) {
		return
	}
	var in reconcileRequestBody
	if !m.decode(w, r, schema.ReconcileRequest, &in) {
		return
	}
	consumer := model.NormalizeAddress(in.ConsumerAddress)
	if !m.requireWallet(w, r, consumer) {
		return
	}
	tx := common.HexToHash(in.TxHash)
	span.SetAttributes(attribute.String("tx_hash", tx.Hex()))

	res, err := m.Reconciler.Reconcile(r.Context(), m.requestJob(tx, model.Request{
		ConsumerAddress: consumer,
		Title:           in.Title,
		Description:     in.Description,
		LocationLat:     in.LocationLat,
		LocationLng:     in.LocationLng,
		Budget:          in.Budget,
		Deadline:        in.Deadline,
		Status:          model.RequestOpen,
	}))
	if err != nil {
		m.writeChainError(w, r, tx, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, newReconcileResponse(entityRequest, res))
}

type reconcileBidBody struct {
	TxHash          string `json:"txHash"`
	RequestID       int64  `json:"requestId"`
	ProviderAddress string `json:"providerAddress"`
	Amount          string `json:"amount"`
	Timeline        int    `json:"timeline"`
}

// handleReconcileBid mirrors a submitBid transaction the provider signed.
func (m *Mux) handleReconcileBid(w http.ResponseWriter, r *http.Request) {
	r, span := startSpan(r, "ReconcileBid")
	defer span.End()

	if !m.reconcileReady(w, r) {
		return
	}
	var in reconcileBidBody
	if !m.decode(w, r, schema.ReconcileBid, &in) {
		return
	}
	provider := model.NormalizeAddress(in.ProviderAddress)
	if !m.requireWallet(w, r, provider) {
		return
	}
	tx := common.HexToHash(in.TxHash)
	span.SetAttributes(attribute.String("tx_hash", tx.Hex()), attribute.Int64("request_id", in.RequestID))

	res, err := m.Reconciler.Reconcile(r.Context(), m.bidJob(tx, model.Bid{
		RequestID:       in.RequestID,
		ProviderAddress: provider,
		Amount:          in.Amount,
		Timeline:        in.Timeline,
		Status:          model.BidPending,
	}))
	if err != nil {
		m.writeChainError(w, r, tx, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, newReconcileResponse(entityBid, res))
}
