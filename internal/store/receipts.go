package store

import (
	"encoding/json"
	"fmt"

	"github.com/shardnet/node/internal/types"
)

// wireReceipt is Receipt's on-disk encoding: ReceiptBody is an
// interface, so a store-level round trip needs the same explicit
// discriminator internal/runtime uses for its own trie-backed receipt
// encoding (spec.md §3's ActionReceipt/DataReceipt split).
type wireReceipt struct {
	PredecessorID string
	ReceiverID    string
	ReceiptID     types.Hash
	Kind          string // "action" | "data"
	Action        *types.ActionReceipt `json:",omitempty"`
	Data          *types.DataReceipt   `json:",omitempty"`
}

func encodeReceiptList(receipts []types.Receipt) ([]byte, error) {
	wire := make([]wireReceipt, 0, len(receipts))
	for _, r := range receipts {
		w := wireReceipt{PredecessorID: r.PredecessorID, ReceiverID: r.ReceiverID, ReceiptID: r.ReceiptID}
		switch body := r.Body.(type) {
		case types.ActionReceipt:
			w.Kind = "action"
			w.Action = &body
		case types.DataReceipt:
			w.Kind = "data"
			w.Data = &body
		default:
			return nil, fmt.Errorf("encode receipt list: unknown body type %T", r.Body)
		}
		wire = append(wire, w)
	}
	return json.Marshal(wire)
}

func decodeReceiptList(buf []byte) ([]types.Receipt, error) {
	var wire []wireReceipt
	if err := json.Unmarshal(buf, &wire); err != nil {
		return nil, fmt.Errorf("decode receipt list: %w", err)
	}
	out := make([]types.Receipt, 0, len(wire))
	for _, w := range wire {
		r := types.Receipt{PredecessorID: w.PredecessorID, ReceiverID: w.ReceiverID, ReceiptID: w.ReceiptID}
		switch w.Kind {
		case "action":
			if w.Action == nil {
				return nil, fmt.Errorf("decode receipt list: missing action body")
			}
			r.Body = *w.Action
		case "data":
			if w.Data == nil {
				return nil, fmt.Errorf("decode receipt list: missing data body")
			}
			r.Body = *w.Data
		default:
			return nil, fmt.Errorf("decode receipt list: unknown kind %q", w.Kind)
		}
		out = append(out, r)
	}
	return out, nil
}
