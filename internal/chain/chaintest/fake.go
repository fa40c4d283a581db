// Package chaintest provides an in-memory chain.Client for tests.
package chaintest

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/DroneBid/dronebid-market-go/internal/chain"
	"github.com/ethereum/go-ethereum/common"
)

// Call records one submitted transaction.
type Call struct {
	Contract common.Address
	Method   string
	Value    *big.Int
	Args     []interface{}
	TxHash   common.Hash
}

// Fake mines every submitted transaction instantly. Receipt logs come from
// OnSubmit, or from SetReceipt for hashes that were never submitted here.
type Fake struct {
	*chain.Decoder

	mu       sync.Mutex
	from     common.Address
	nonce    int64
	calls    []Call
	receipts map[common.Hash]*chain.Receipt

	// OnSubmit returns the logs the contract emits for a call.
	OnSubmit func(c Call) []chain.Log
	// SubmitErr fails every submission.
	SubmitErr error
	// WaitErr fails every confirmation wait.
	WaitErr error
	// Hang makes WaitForConfirmation block until its context ends.
	Hang bool
}

// New returns a fake signing as from.
func New(from common.Address) *Fake {
	dec, err := chain.NewEscrowDecoder()
	if err != nil {
		panic(err)
	}
	return &Fake{Decoder: dec, from: from, receipts: make(map[common.Hash]*chain.Receipt)}
}

// SetReceipt registers the receipt returned for tx.
func (f *Fake) SetReceipt(tx common.Hash, r *chain.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r.TxHash = tx
	f.receipts[tx] = r
}

// Calls returns the submitted transactions in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

func (f *Fake) Sender() common.Address {
	return f.from
}

func (f *Fake) SubmitTransaction(ctx context.Context, contract common.Address, method string, value *big.Int, args ...interface{}) (common.Hash, error) {
	if f.SubmitErr != nil {
		return common.Hash{}, chain.Wrap(method, f.SubmitErr)
	}

	f.mu.Lock()
	f.nonce++
	c := Call{
		Contract: contract,
		Method:   method,
		Value:    value,
		Args:     args,
		TxHash:   common.BigToHash(big.NewInt(0xfeed0000 + f.nonce)),
	}
	f.calls = append(f.calls, c)
	block := uint64(f.nonce)
	onSubmit := f.OnSubmit
	f.mu.Unlock()

	var logs []chain.Log
	if onSubmit != nil {
		logs = onSubmit(c)
	}
	f.SetReceipt(c.TxHash, &chain.Receipt{Status: 1, BlockNumber: block, Logs: logs})
	return c.TxHash, nil
}

func (f *Fake) WaitForConfirmation(ctx context.Context, tx common.Hash) (*chain.Receipt, error) {
	if f.Hang {
		<-ctx.Done()
		return nil, chain.Wrap("wait", ctx.Err())
	}
	if f.WaitErr != nil {
		return nil, chain.Wrap("wait", f.WaitErr)
	}

	f.mu.Lock()
	r, ok := f.receipts[tx]
	f.mu.Unlock()
	if !ok {
		return nil, chain.Wrap("wait", errors.New("transaction not found"))
	}
	if r.Status == 0 {
		return r, &chain.Error{Kind: chain.KindReverted, Op: "wait", Err: chain.ErrReverted}
	}
	return r, nil
}
