package event

import (
	"context"
	"sync"

	"github.com/DroneBid/dronebid-market-go/internal/model"
)

// Recorder is an in-memory Publisher that keeps every envelope. Tests use it
// in place of JetStream.
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
}

func NewRecorder() *Recorder { return &Recorder{} }

// Events returns the recorded envelopes in publish order.
func (r *Recorder) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.events...)
}

// OfType returns the payloads published on subject.
func (r *Recorder) OfType(subject string) []interface{} {
	var out []interface{}
	for _, e := range r.Events() {
		if e.Type == subject {
			out = append(out, e.Payload)
		}
	}
	return out
}

func (r *Recorder) add(ctx context.Context, subject string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, NewEnvelope(ctx, subject, payload))
	return nil
}

func (r *Recorder) PublishRequestMirrored(ctx context.Context, req model.Request) error {
	return r.add(ctx, SubjectRequestMirrored, req)
}

func (r *Recorder) PublishBidMirrored(ctx context.Context, bid model.Bid) error {
	return r.add(ctx, SubjectBidMirrored, bid)
}

func (r *Recorder) PublishRequestStatusChanged(ctx context.Context, change StatusChange) error {
	return r.add(ctx, SubjectRequestStatusChanged, change)
}

func (r *Recorder) PublishReconciliationGap(ctx context.Context, gap Gap) error {
	return r.add(ctx, SubjectReconcileGap, gap)
}

func (r *Recorder) Close() error { return nil }
