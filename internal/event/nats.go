// Package event publishes marketplace mirror and reconciliation events to NATS
// JetStream so downstream indexers can follow what the API recorded.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/DroneBid/dronebid-market-go/internal/metrics"
	"github.com/DroneBid/dronebid-market-go/internal/model"
	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"
)

const (
	SubjectRequestMirrored      = "market.requests.mirrored"
	SubjectRequestStatusChanged = "market.requests.status"
	SubjectBidMirrored          = "market.bids.mirrored"
	SubjectReconcileGap         = "market.reconcile.gap"

	envelopeVersion = "1.0.0"
)

// Gap reasons.
const (
	GapSyntheticID   = "synthetic_id"
	GapPersistFailed = "persist_failed"
)

// Publisher is the event surface used by the HTTP handlers and the reconciler.
type Publisher interface {
	PublishRequestMirrored(ctx context.Context, req model.Request) error
	PublishBidMirrored(ctx context.Context, bid model.Bid) error
	PublishRequestStatusChanged(ctx context.Context, change StatusChange) error
	PublishReconciliationGap(ctx context.Context, gap Gap) error
	Close() error
}

// StatusChange is emitted when an agent transaction moves a request forward.
type StatusChange struct {
	RequestID     int64               `json:"requestId"`
	Status        model.RequestStatus `json:"status"`
	AcceptedBidID *int64              `json:"acceptedBidId,omitempty"`
	TxHash        string              `json:"txHash"`
}

// Gap records a confirmed transaction whose off-chain mirror is incomplete:
// either its ID was synthesized or the upsert failed.
type Gap struct {
	Entity   string `json:"entity"`
	TxHash   string `json:"txHash"`
	DomainID int64  `json:"domainId"`
	Reason   string `json:"reason"`
	Detail   string `json:"detail,omitempty"`
}

// Envelope wraps every published payload.
type Envelope struct {
	ID            string      `json:"id"`
	Type          string      `json:"type"`
	Version       string      `json:"version"`
	OccurredAt    time.Time   `json:"occurredAt"`
	CorrelationID string      `json:"correlationId,omitempty"`
	Payload       interface{} `json:"payload"`
}

type correlationKey struct{}

// WithCorrelationID attaches the request correlation ID to events published
// under ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the ID set by WithCorrelationID, if any.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// NewEnvelope builds an envelope with a fresh ULID.
func NewEnvelope(ctx context.Context, subject string, payload interface{}) Envelope {
	return Envelope{
		ID:            ulid.Make().String(),
		Type:          subject,
		Version:       envelopeVersion,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: CorrelationID(ctx),
		Payload:       payload,
	}
}

type noop struct{}

// NewNoop returns a Publisher that drops every event.
func NewNoop() Publisher { return noop{} }

func (noop) PublishRequestMirrored(context.Context, model.Request) error      { return nil }
func (noop) PublishBidMirrored(context.Context, model.Bid) error              { return nil }
func (noop) PublishRequestStatusChanged(context.Context, StatusChange) error { return nil }
func (noop) PublishReconciliationGap(context.Context, Gap) error             { return nil }
func (noop) Close() error                                                    { return nil }

type natsPub struct {
	js      nats.JetStreamContext
	metrics *metrics.Metrics
}

// NewPublisher returns a JetStream publisher on nc, or a noop publisher when nc
// is nil or the streams cannot be created. The connection is owned by the caller.
func NewPublisher(nc *nats.Conn, m *metrics.Metrics) Publisher {
	if nc == nil {
		return noop{}
	}
	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		return noop{}
	}
	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		return noop{}
	}
	return &natsPub{js: js, metrics: m}
}

// initStreams creates the marketplace streams. Duplicates uses the JetStream
// message ID window so re-running a reconciliation does not publish twice.
func initStreams(js nats.JetStreamContext) error {
	streams := []nats.StreamConfig{
		{Name: "MKT_REQUESTS", Subjects: []string{"market.requests.>"}},
		{Name: "MKT_BIDS", Subjects: []string{"market.bids.>"}},
		{Name: "MKT_RECONCILE", Subjects: []string{"market.reconcile.>"}, MaxAge: 30 * 24 * time.Hour},
	}
	for _, cfg := range streams {
		cfg := cfg
		cfg.Retention = nats.LimitsPolicy
		cfg.Discard = nats.DiscardOld
		cfg.Storage = nats.FileStorage
		cfg.Duplicates = 2 * time.Minute
		if cfg.MaxAge == 0 {
			cfg.MaxAge = 7 * 24 * time.Hour
		}
		if _, err := js.AddStream(&cfg); err != nil {
			return fmt.Errorf("failed to create %s stream: %w", cfg.Name, err)
		}
	}
	return nil
}

func (p *natsPub) Close() error { return nil }

func (p *natsPub) PublishRequestMirrored(ctx context.Context, req model.Request) error {
	return p.publish(ctx, SubjectRequestMirrored, fmt.Sprintf("request.%d.%s", req.RequestID, req.TxHash), req)
}

func (p *natsPub) PublishBidMirrored(ctx context.Context, bid model.Bid) error {
	return p.publish(ctx, SubjectBidMirrored, fmt.Sprintf("bid.%d.%s", bid.BidID, bid.TxHash), bid)
}

func (p *natsPub) PublishRequestStatusChanged(ctx context.Context, change StatusChange) error {
	return p.publish(ctx, SubjectRequestStatusChanged, fmt.Sprintf("status.%d.%s", change.RequestID, change.Status), change)
}

func (p *natsPub) PublishReconciliationGap(ctx context.Context, gap Gap) error {
	return p.publish(ctx, SubjectReconcileGap, fmt.Sprintf("gap.%s.%s.%s", gap.Entity, gap.TxHash, gap.Reason), gap)
}

func (p *natsPub) publish(ctx context.Context, subject, msgID string, payload interface{}) error {
	b, err := json.Marshal(NewEnvelope(ctx, subject, payload))
	if err != nil {
		return err
	}
	_, err = p.js.Publish(subject, b, nats.Context(ctx), nats.MsgId(msgID))
	if p.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		p.metrics.EventPublishTotal.WithLabelValues(subject, status).Inc()
	}
	return err
}
