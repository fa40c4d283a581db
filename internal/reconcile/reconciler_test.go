package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/DroneBid/dronebid-market-go/internal/chain"
	"github.com/DroneBid/dronebid-market-go/internal/chain/chaintest"
	"github.com/DroneBid/dronebid-market-go/internal/event"
	"github.com/ethereum/go-ethereum/common"
)

var (
	escrow   = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	impostor = common.HexToAddress("0x0000000000000000000000000000000000000bad")
	consumer = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requestCreated(t *testing.T, f *chaintest.Fake, emitter common.Address, id int64) chain.Log {
	t.Helper()
	lg, err := f.EncodeEvent(chain.EventRequestCreated, emitter, big.NewInt(id), consumer, "Roof survey", big.NewInt(1000), big.NewInt(1900000000))
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	return lg
}

func submit(t *testing.T, f *chaintest.Fake) common.Hash {
	t.Helper()
	tx, err := f.SubmitTransaction(context.Background(), escrow, "createRequest", nil)
	if err != nil {
		t.Fatalf("SubmitTransaction: %v", err)
	}
	return tx
}

type persisted struct {
	ids []int64
	err error
}

func (p *persisted) persist(ctx context.Context, id int64) error {
	if p.err != nil {
		return p.err
	}
	p.ids = append(p.ids, id)
	return nil
}

func requestJob(tx common.Hash, p *persisted) Job {
	return Job{
		Entity:  "request",
		TxHash:  tx,
		Event:   chain.EventRequestCreated,
		IDField: "requestId",
		Persist: p.persist,
	}
}

func TestReconcileExtractsEventID(t *testing.T) {
	f := chaintest.New(consumer)
	f.OnSubmit = func(chaintest.Call) []chain.Log { return []chain.Log{requestCreated(t, f, escrow, 42)} }
	rec := event.NewRecorder()
	r := New(f, escrow, WithPublisher(rec), WithLogger(quietLogger()))

	p := &persisted{}
	res, err := r.Reconcile(context.Background(), requestJob(submit(t, f), p))
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.DomainID != 42 || res.IDSource != IDFromEvent {
		t.Errorf("got id %d source %s want 42 event", res.DomainID, res.IDSource)
	}
	if res.State != StatePersisted || !res.Recorded() {
		t.Errorf("got state %s want %s", res.State, StatePersisted)
	}
	if len(p.ids) != 1 || p.ids[0] != 42 {
		t.Errorf("persisted %v want [42]", p.ids)
	}
	if gaps := rec.OfType(event.SubjectReconcileGap); len(gaps) != 0 {
		t.Errorf("unexpected gap events %v", gaps)
	}
}

func TestReconcileFallsBackWithoutEvent(t *testing.T) {
	f := chaintest.New(consumer)
	rec := event.NewRecorder()
	fixed := time.UnixMilli(1700000000000)
	r := New(f, escrow, WithPublisher(rec), WithLogger(quietLogger()),
		WithSyntheticIDs(NewSyntheticIDs(func() time.Time { return fixed })))

	p := &persisted{}
	res, err := r.Reconcile(context.Background(), requestJob(submit(t, f), p))
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.IDSource != IDFromFallback || res.DomainID != fixed.UnixMilli() {
		t.Errorf("got id %d source %s", res.DomainID, res.IDSource)
	}
	if len(p.ids) != 1 || p.ids[0] != res.DomainID {
		t.Errorf("persisted %v want [%d]", p.ids, res.DomainID)
	}
	gaps := rec.OfType(event.SubjectReconcileGap)
	if len(gaps) != 1 || gaps[0].(event.Gap).Reason != event.GapSyntheticID {
		t.Errorf("got gap events %v", gaps)
	}
}

func TestReconcileIgnoresForeignContractLogs(t *testing.T) {
	f := chaintest.New(consumer)
	f.OnSubmit = func(chaintest.Call) []chain.Log {
		return []chain.Log{
			requestCreated(t, f, impostor, 999),
			{Address: escrow, Topics: []common.Hash{common.HexToHash("0x01")}},
			requestCreated(t, f, escrow, 7),
		}
	}
	r := New(f, escrow, WithLogger(quietLogger()))

	p := &persisted{}
	res, err := r.Reconcile(context.Background(), requestJob(submit(t, f), p))
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.DomainID != 7 {
		t.Errorf("got %d want 7", res.DomainID)
	}
}

func TestReconcileOnlyForeignLogsFallsBack(t *testing.T) {
	f := chaintest.New(consumer)
	f.OnSubmit = func(chaintest.Call) []chain.Log { return []chain.Log{requestCreated(t, f, impostor, 999)} }
	r := New(f, escrow, WithLogger(quietLogger()))

	res, err := r.Reconcile(context.Background(), requestJob(submit(t, f), &persisted{}))
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.IDSource != IDFromFallback || res.DomainID == 999 {
		t.Errorf("got id %d source %s", res.DomainID, res.IDSource)
	}
}

func TestReconcilePersistFailureIsReported(t *testing.T) {
	f := chaintest.New(consumer)
	f.OnSubmit = func(chaintest.Call) []chain.Log { return []chain.Log{requestCreated(t, f, escrow, 5)} }
	rec := event.NewRecorder()
	r := New(f, escrow, WithPublisher(rec), WithLogger(quietLogger()))

	dbErr := errors.New("connection reset")
	res, err := r.Reconcile(context.Background(), requestJob(submit(t, f), &persisted{err: dbErr}))
	if err != nil {
		t.Fatalf("persist failure surfaced as error: %v", err)
	}
	if res.PersistErr == nil || !errors.Is(res.PersistErr, dbErr) {
		t.Fatalf("got PersistErr %v want wrapping %v", res.PersistErr, dbErr)
	}
	if res.Recorded() {
		t.Error("Recorded() = true after persist failure")
	}
	if res.DomainID != 5 {
		t.Errorf("got id %d want 5", res.DomainID)
	}
	gaps := rec.OfType(event.SubjectReconcileGap)
	if len(gaps) != 1 || gaps[0].(event.Gap).Reason != event.GapPersistFailed {
		t.Errorf("got gap events %v", gaps)
	}
	if len(f.Calls()) != 1 {
		t.Errorf("got %d chain calls want 1", len(f.Calls()))
	}
}

func TestReconcileTimeout(t *testing.T) {
	f := chaintest.New(consumer)
	f.Hang = true
	r := New(f, escrow, WithTimeout(20*time.Millisecond), WithLogger(quietLogger()))

	p := &persisted{}
	res, err := r.Reconcile(context.Background(), requestJob(common.HexToHash("0xabc"), p))
	var ce *chain.Error
	if !errors.As(err, &ce) || ce.Kind != chain.KindTimeout {
		t.Fatalf("got %v want timeout chain error", err)
	}
	if res.State != StateReported {
		t.Errorf("got state %s want %s", res.State, StateReported)
	}
	if len(p.ids) != 0 {
		t.Errorf("persisted %v after timeout", p.ids)
	}
}

func TestReconcileRevertedNotPersisted(t *testing.T) {
	f := chaintest.New(consumer)
	tx := common.HexToHash("0xdead")
	f.SetReceipt(tx, &chain.Receipt{Status: 0, BlockNumber: 3})
	r := New(f, escrow, WithLogger(quietLogger()))

	p := &persisted{}
	_, err := r.Reconcile(context.Background(), requestJob(tx, p))
	if got := chain.Classify(err); got != chain.KindReverted {
		t.Errorf("got kind %s want %s", got, chain.KindReverted)
	}
	if len(p.ids) != 0 {
		t.Errorf("persisted %v after revert", p.ids)
	}
}

func TestReconcileKnownID(t *testing.T) {
	f := chaintest.New(consumer)
	r := New(f, escrow, WithLogger(quietLogger()))
	job := requestJob(submit(t, f), &persisted{})
	job.KnownID = 12
	job.Event = ""

	res, err := r.Reconcile(context.Background(), job)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.DomainID != 12 || res.IDSource != IDKnown {
		t.Errorf("got id %d source %s want 12 known", res.DomainID, res.IDSource)
	}
}

func TestSyntheticIDsMonotonic(t *testing.T) {
	fixed := time.UnixMilli(1000)
	ids := NewSyntheticIDs(func() time.Time { return fixed })
	prev := ids.Next()
	for i := 0; i < 100; i++ {
		next := ids.Next()
		if next <= prev {
			t.Fatalf("got %d after %d", next, prev)
		}
		prev = next
	}
}
