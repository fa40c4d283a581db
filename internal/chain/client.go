package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Log is one event log from a receipt.
type Log struct {
	Address common.Address
	Topics  []common.Hash
	Data    []byte
}

// Receipt is the part of a transaction receipt the marketplace reads.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	Status      uint64
	Logs        []Log
}

// Client is the chain surface the reconciler and agent routes depend on.
type Client interface {
	// SubmitTransaction signs and sends a contract call and returns its hash.
	SubmitTransaction(ctx context.Context, contract common.Address, method string, value *big.Int, args ...interface{}) (common.Hash, error)
	// WaitForConfirmation blocks until the transaction is mined or ctx ends.
	// A mined but reverted transaction returns its receipt and ErrReverted.
	WaitForConfirmation(ctx context.Context, tx common.Hash) (*Receipt, error)
	// DecodeEvent decodes a log as the named event.
	DecodeEvent(event string, lg Log) (map[string]interface{}, error)
	// Sender is the address transactions are signed with.
	Sender() common.Address
}

const defaultPollInterval = 500 * time.Millisecond

// EthClient implements Client over JSON-RPC with go-ethereum.
type EthClient struct {
	*Decoder
	rpc          *ethclient.Client
	key          *ecdsa.PrivateKey
	from         common.Address
	chainID      *big.Int
	pollInterval time.Duration
}

// Dial connects to rpcURL and checks the node serves chainID. privateKeyHex
// may be empty, in which case the client can only wait and decode.
func Dial(ctx context.Context, rpcURL string, chainID int64, privateKeyHex string) (*EthClient, error) {
	dec, err := NewEscrowDecoder()
	if err != nil {
		return nil, err
	}

	rpc, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	remote, err := rpc.ChainID(ctx)
	if err != nil {
		rpc.Close()
		return nil, fmt.Errorf("query chain id: %w", err)
	}
	if remote.Cmp(big.NewInt(chainID)) != 0 {
		rpc.Close()
		return nil, fmt.Errorf("node serves chain %s, configured for %d", remote, chainID)
	}

	c := &EthClient{
		Decoder:      dec,
		rpc:          rpc,
		chainID:      remote,
		pollInterval: defaultPollInterval,
	}
	if privateKeyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
		if err != nil {
			rpc.Close()
			return nil, fmt.Errorf("parse agent private key: %w", err)
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c, nil
}

// Close releases the RPC connection.
func (c *EthClient) Close() {
	c.rpc.Close()
}

// Sender returns the signing address, or the zero address without a key.
func (c *EthClient) Sender() common.Address {
	return c.from
}

// SubmitTransaction packs method against the escrow ABI and sends it.
func (c *EthClient) SubmitTransaction(ctx context.Context, contract common.Address, method string, value *big.Int, args ...interface{}) (common.Hash, error) {
	if c.key == nil {
		return common.Hash{}, &Error{Kind: KindOther, Op: method, Err: ErrNoSigner}
	}
	auth, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return common.Hash{}, &Error{Kind: KindOther, Op: method, Err: err}
	}
	auth.Context = ctx
	auth.Value = value

	bound := bind.NewBoundContract(contract, c.ABI(), c.rpc, c.rpc, c.rpc)
	tx, err := bound.Transact(auth, method, args...)
	if err != nil {
		return common.Hash{}, Wrap(method, err)
	}
	return tx.Hash(), nil
}

// WaitForConfirmation polls for the receipt until it appears or ctx ends.
func (c *EthClient) WaitForConfirmation(ctx context.Context, tx common.Hash) (*Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		rcpt, err := c.rpc.TransactionReceipt(ctx, tx)
		if err == nil {
			out := convertReceipt(rcpt)
			if rcpt.Status == types.ReceiptStatusFailed {
				return out, &Error{Kind: KindReverted, Op: "wait", Err: ErrReverted}
			}
			return out, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, Wrap("wait", err)
		}

		select {
		case <-ctx.Done():
			return nil, Wrap("wait", ctx.Err())
		case <-ticker.C:
		}
	}
}

func convertReceipt(r *types.Receipt) *Receipt {
	out := &Receipt{TxHash: r.TxHash, Status: r.Status, Logs: make([]Log, 0, len(r.Logs))}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	for _, l := range r.Logs {
		out.Logs = append(out.Logs, Log{Address: l.Address, Topics: l.Topics, Data: l.Data})
	}
	return out
}
