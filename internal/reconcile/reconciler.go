// Package reconcile turns a submitted escrow transaction into an off-chain
// record: it waits for the receipt, recovers the contract-assigned ID from the
// emitted event and hands it to an upsert.
//
// Reconciliation never compensates on-chain state. A transaction that cannot
// be confirmed is reported to the caller as a chain error; a transaction that
// was confirmed but could not be recorded is reported as a successful result
// carrying a PersistenceError.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/DroneBid/dronebid-market-go/internal/chain"
	"github.com/DroneBid/dronebid-market-go/internal/event"
	"github.com/DroneBid/dronebid-market-go/internal/metrics"
	"github.com/DroneBid/dronebid-market-go/internal/telemetry"
	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultTimeout bounds the confirmation wait when none is configured.
const DefaultTimeout = 60 * time.Second

// State is the last step a reconciliation reached.
type State string

const (
	StateSubmitted   State = "SUBMITTED"
	StateConfirming  State = "CONFIRMING"
	StateConfirmed   State = "CONFIRMED"
	StateFailed      State = "FAILED"
	StateIDExtracted State = "ID_EXTRACTED"
	StateIDFallback  State = "ID_FALLBACK"
	StatePersisted   State = "PERSISTED"
	StateReported    State = "REPORTED"
)

// IDSource says where Result.DomainID came from.
type IDSource string

const (
	IDFromEvent    IDSource = "event"
	IDFromFallback IDSource = "fallback"
	IDKnown        IDSource = "known"
)

// Job describes one transaction to reconcile.
type Job struct {
	// Entity labels logs, metrics and gap events ("request", "bid").
	Entity string
	TxHash common.Hash
	// Event and IDField name the log that carries the new ID.
	Event   string
	IDField string
	// KnownID skips extraction when the ID is already known, as for
	// transactions acting on an existing request or bid.
	KnownID int64
	// Persist upserts the off-chain record under id.
	Persist func(ctx context.Context, id int64) error
}

// Result is the outcome of a confirmed transaction.
type Result struct {
	TxHash   common.Hash
	DomainID int64
	IDSource IDSource
	State    State
	Receipt  *chain.Receipt
	// PersistErr is set when the transaction is final on-chain but the
	// off-chain record was not written.
	PersistErr *PersistenceError
}

// Recorded reports whether the off-chain record was written.
func (r *Result) Recorded() bool {
	return r != nil && r.State == StatePersisted && r.PersistErr == nil
}

// PersistenceError wraps an upsert failure after on-chain success.
type PersistenceError struct {
	Entity   string
	DomainID int64
	TxHash   common.Hash
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %d confirmed in %s but not recorded: %v", e.Entity, e.DomainID, e.TxHash.Hex(), e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// SyntheticIDs hands out wall-clock millisecond IDs, bumped so that no two
// calls in one process return the same value.
type SyntheticIDs struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func NewSyntheticIDs(now func() time.Time) *SyntheticIDs {
	if now == nil {
		now = time.Now
	}
	return &SyntheticIDs{now: now}
}

// Next returns the next synthetic ID.
func (s *SyntheticIDs) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.now().UnixMilli()
	if id <= s.last {
		id = s.last + 1
	}
	s.last = id
	return id
}

// Reconciler runs jobs against one escrow contract.
type Reconciler struct {
	client    chain.Client
	contract  common.Address
	timeout   time.Duration
	ids       *SyntheticIDs
	metrics   *metrics.Metrics
	publisher event.Publisher
	logger    *slog.Logger
}

// Option customises a Reconciler.
type Option func(*Reconciler)

func WithTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

func WithPublisher(p event.Publisher) Option {
	return func(r *Reconciler) { r.publisher = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

func WithSyntheticIDs(ids *SyntheticIDs) Option {
	return func(r *Reconciler) { r.ids = ids }
}

// New returns a Reconciler reading logs emitted by contract.
func New(client chain.Client, contract common.Address, opts ...Option) *Reconciler {
	r := &Reconciler{
		client:    client,
		contract:  contract,
		timeout:   DefaultTimeout,
		publisher: event.NewNoop(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.ids == nil {
		r.ids = NewSyntheticIDs(nil)
	}
	return r
}

// Contract is the address whose logs are trusted.
func (r *Reconciler) Contract() common.Address {
	return r.contract
}

// Reconcile waits for job.TxHash, resolves its domain ID and persists it.
// The error return is reserved for chain failures, in which case nothing was
// persisted. Persistence failures come back in Result.PersistErr.
func (r *Reconciler) Reconcile(ctx context.Context, job Job) (*Result, error) {
	start := time.Now()
	ctx, span := telemetry.Tracer("reconcile").Start(ctx, "Reconcile")
	defer span.End()
	span.SetAttributes(
		attribute.String("entity", job.Entity),
		attribute.String("tx_hash", job.TxHash.Hex()),
	)

	res := &Result{TxHash: job.TxHash, State: StateSubmitted}
	logger := r.logger.With("entity", job.Entity, "tx_hash", job.TxHash.Hex(), "correlation_id", event.CorrelationID(ctx))

	res.State = StateConfirming
	waitCtx, cancel := context.WithTimeout(ctx, r.timeout)
	receipt, err := r.client.WaitForConfirmation(waitCtx, job.TxHash)
	cancel()
	if err != nil {
		err = chain.Wrap("wait", err)
		res.State = StateFailed
		kind := chain.Classify(err)
		logger.Warn("transaction not confirmed", "kind", kind, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		if r.metrics != nil {
			r.metrics.ChainErrorTotal.WithLabelValues("wait", string(kind)).Inc()
		}
		res.State = StateReported
		r.observe(job, res, start)
		return res, err
	}
	res.Receipt = receipt
	res.State = StateConfirmed

	switch {
	case job.KnownID > 0:
		res.DomainID, res.IDSource = job.KnownID, IDKnown
	default:
		if id, ok := r.ExtractID(receipt, job.Event, job.IDField); ok {
			res.DomainID, res.IDSource = id, IDFromEvent
			res.State = StateIDExtracted
		} else {
			res.DomainID, res.IDSource = r.ids.Next(), IDFromFallback
			res.State = StateIDFallback
			logger.Warn("event not found in receipt, using synthetic id",
				"event", job.Event, "synthetic_id", res.DomainID, "logs", len(receipt.Logs))
			r.gap(ctx, logger, job, res.DomainID, event.GapSyntheticID, "")
		}
	}
	span.SetAttributes(attribute.Int64("domain_id", res.DomainID), attribute.String("id_source", string(res.IDSource)))

	if job.Persist != nil {
		if err := job.Persist(ctx, res.DomainID); err != nil {
			res.PersistErr = &PersistenceError{Entity: job.Entity, DomainID: res.DomainID, TxHash: job.TxHash, Err: err}
			logger.Error("confirmed transaction not recorded", "domain_id", res.DomainID, "error", err)
			span.RecordError(err)
			r.gap(ctx, logger, job, res.DomainID, event.GapPersistFailed, err.Error())
			r.observe(job, res, start)
			return res, nil
		}
	}
	res.State = StatePersisted
	r.observe(job, res, start)
	logger.Info("transaction reconciled", "domain_id", res.DomainID, "id_source", res.IDSource, "block", receipt.BlockNumber)
	return res, nil
}

// ExtractID returns the first positive idField among logs emitted by the
// configured contract that decode as eventName.
func (r *Reconciler) ExtractID(receipt *chain.Receipt, eventName, idField string) (int64, bool) {
	if receipt == nil || eventName == "" {
		return 0, false
	}
	for _, lg := range receipt.Logs {
		if lg.Address != r.contract {
			continue
		}
		fields, err := r.client.DecodeEvent(eventName, lg)
		if err != nil {
			continue
		}
		v, ok := fields[idField].(*big.Int)
		if !ok || v.Sign() <= 0 || !v.IsInt64() {
			continue
		}
		return v.Int64(), true
	}
	return 0, false
}

func (r *Reconciler) gap(ctx context.Context, logger *slog.Logger, job Job, id int64, reason, detail string) {
	if r.metrics != nil {
		r.metrics.ReconcileGapTotal.WithLabelValues(job.Entity, reason).Inc()
	}
	g := event.Gap{Entity: job.Entity, TxHash: job.TxHash.Hex(), DomainID: id, Reason: reason, Detail: detail}
	if err := r.publisher.PublishReconciliationGap(ctx, g); err != nil {
		logger.Warn("publish reconciliation gap failed", "reason", reason, "error", err)
	}
}

func (r *Reconciler) observe(job Job, res *Result, start time.Time) {
	if r.metrics == nil {
		return
	}
	state := string(res.State)
	if res.PersistErr != nil {
		state = "NOT_RECORDED"
	}
	r.metrics.ReconcileTotal.WithLabelValues(job.Entity, state, string(res.IDSource)).Inc()
	r.metrics.ReconcileDuration.WithLabelValues(job.Entity, state).Observe(time.Since(start).Seconds())
}
