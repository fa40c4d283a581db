// Package chain talks to the escrow contract: it submits transactions, waits
// for receipts and decodes the events the contract emits.
package chain

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

//go:embed escrow_abi.json
var escrowABIJSON string

// Escrow event names.
const (
	EventRequestCreated   = "RequestCreated"
	EventBidSubmitted     = "BidSubmitted"
	EventBidAccepted      = "BidAccepted"
	EventJobDelivered     = "JobDelivered"
	EventDeliveryApproved = "DeliveryApproved"
)

// ErrEventMismatch is returned when a log is not an instance of the requested event.
var ErrEventMismatch = errors.New("log does not match event")

// EscrowABI parses the embedded escrow contract ABI.
func EscrowABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(escrowABIJSON))
}

// Decoder decodes and encodes event logs against one contract ABI.
type Decoder struct {
	abi abi.ABI
}

// NewDecoder wraps a parsed ABI.
func NewDecoder(a abi.ABI) *Decoder {
	return &Decoder{abi: a}
}

// NewEscrowDecoder returns a decoder for the embedded escrow ABI.
func NewEscrowDecoder() (*Decoder, error) {
	a, err := EscrowABI()
	if err != nil {
		return nil, fmt.Errorf("parse escrow abi: %w", err)
	}
	return NewDecoder(a), nil
}

// ABI returns the parsed contract ABI.
func (d *Decoder) ABI() abi.ABI {
	return d.abi
}

// DecodeEvent decodes lg as the named event and returns its fields keyed by
// ABI input name. Indexed fields come from the topics, the rest from data.
func (d *Decoder) DecodeEvent(name string, lg Log) (map[string]interface{}, error) {
	ev, ok := d.abi.Events[name]
	if !ok {
		return nil, fmt.Errorf("unknown event %q", name)
	}
	if len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
		return nil, ErrEventMismatch
	}

	indexed := indexedInputs(ev)
	if len(lg.Topics)-1 != len(indexed) {
		return nil, fmt.Errorf("%w: %s expects %d indexed topics, log has %d", ErrEventMismatch, name, len(indexed), len(lg.Topics)-1)
	}

	fields := make(map[string]interface{}, len(ev.Inputs))
	if err := ev.Inputs.NonIndexed().UnpackIntoMap(fields, lg.Data); err != nil {
		return nil, fmt.Errorf("unpack %s data: %w", name, err)
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
		return nil, fmt.Errorf("parse %s topics: %w", name, err)
	}
	return fields, nil
}

// EncodeEvent builds the log the contract would emit for the named event.
// values are given in ABI input order.
func (d *Decoder) EncodeEvent(name string, emitter common.Address, values ...interface{}) (Log, error) {
	ev, ok := d.abi.Events[name]
	if !ok {
		return Log{}, fmt.Errorf("unknown event %q", name)
	}
	if len(values) != len(ev.Inputs) {
		return Log{}, fmt.Errorf("%s takes %d values, got %d", name, len(ev.Inputs), len(values))
	}

	topics := []common.Hash{ev.ID}
	var data []interface{}
	for i, in := range ev.Inputs {
		if !in.Indexed {
			data = append(data, values[i])
			continue
		}
		t, err := abi.MakeTopics([]interface{}{values[i]})
		if err != nil {
			return Log{}, fmt.Errorf("encode %s topic %s: %w", name, in.Name, err)
		}
		topics = append(topics, t[0][0])
	}

	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		return Log{}, fmt.Errorf("pack %s data: %w", name, err)
	}
	return Log{Address: emitter, Topics: topics, Data: packed}, nil
}

func indexedInputs(ev abi.Event) abi.Arguments {
	var out abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			out = append(out, in)
		}
	}
	return out
}
