package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/shardnet/node/internal/types"
)

// wireReceipt is Receipt's on-trie encoding: ReceiptBody is an
// interface, so it needs an explicit discriminator to round-trip
// through encoding/json.
type wireReceipt struct {
	PredecessorID string
	ReceiverID    string
	ReceiptID     types.Hash
	Kind          string // "action" | "data"
	Action        *types.ActionReceipt `json:",omitempty"`
	Data          *types.DataReceipt   `json:",omitempty"`
}

func encodeReceipt(r types.Receipt) ([]byte, error) {
	w := wireReceipt{PredecessorID: r.PredecessorID, ReceiverID: r.ReceiverID, ReceiptID: r.ReceiptID}
	switch body := r.Body.(type) {
	case types.ActionReceipt:
		w.Kind = "action"
		w.Action = &body
	case types.DataReceipt:
		w.Kind = "data"
		w.Data = &body
	default:
		return nil, fmt.Errorf("encode receipt: unknown body type %T", r.Body)
	}
	return json.Marshal(w)
}

func decodeReceipt(buf []byte) (types.Receipt, error) {
	var w wireReceipt
	if err := json.Unmarshal(buf, &w); err != nil {
		return types.Receipt{}, fmt.Errorf("decode receipt: %w", err)
	}
	r := types.Receipt{PredecessorID: w.PredecessorID, ReceiverID: w.ReceiverID, ReceiptID: w.ReceiptID}
	switch w.Kind {
	case "action":
		if w.Action == nil {
			return types.Receipt{}, fmt.Errorf("decode receipt: missing action body")
		}
		r.Body = *w.Action
	case "data":
		if w.Data == nil {
			return types.Receipt{}, fmt.Errorf("decode receipt: missing data body")
		}
		r.Body = *w.Data
	default:
		return types.Receipt{}, fmt.Errorf("decode receipt: unknown kind %q", w.Kind)
	}
	return r, nil
}

// processCtx carries the per-Apply collaborators processReceipt needs,
// grouped so its signature doesn't balloon as new dependencies (epoch
// lookups, stats) are threaded through.
type processCtx struct {
	runtime    *Runtime
	state      *state
	applyState types.ApplyState
	epoch      types.EpochInfoProvider
	stats      *types.ApplyStats
	fees       FeeSchedule // selected by FeeScheduleFor(applyState.ProtocolVersion)
}

func postponedKey(receiver string, receiptID types.Hash) string {
	return fmt.Sprintf("postponed:%s:%s", receiver, receiptID)
}

func pendingCountKey(receiver string, receiptID types.Hash) string {
	return fmt.Sprintf("pending-count:%s:%s", receiver, receiptID)
}

func dataReverseKey(receiver string, dataID types.Hash) string {
	return fmt.Sprintf("data-reverse:%s:%s", receiver, dataID)
}

func dataAvailableKey(receiver string, dataID types.Hash) string {
	return fmt.Sprintf("data:%s:%s", receiver, dataID)
}

// processReceipt implements spec.md §4.5's process_receipt: DataReceipt
// bodies unblock postponed ActionReceipts, ActionReceipt bodies either
// execute immediately (all input data already present) or get
// postponed awaiting the outstanding DataReceipts.
func (p *processCtx) processReceipt(ctx context.Context, r types.Receipt) ([]types.Receipt, *types.ValidatorStake, types.ExecutionOutcome, error) {
	switch body := r.Body.(type) {
	case types.DataReceipt:
		return p.processDataReceipt(ctx, r, body)
	case types.ActionReceipt:
		return p.processActionReceipt(ctx, r, body)
	default:
		return nil, nil, types.ExecutionOutcome{}, fmt.Errorf("process receipt: unknown body type %T", r.Body)
	}
}

func (p *processCtx) processDataReceipt(ctx context.Context, r types.Receipt, d types.DataReceipt) ([]types.Receipt, *types.ValidatorStake, types.ExecutionOutcome, error) {
	outcome := types.ExecutionOutcome{ID: r.ReceiptID, Success: true}

	buf, err := json.Marshal(struct {
		Data    []byte
		HasData bool
	}{d.Data, d.HasData})
	if err != nil {
		return nil, nil, outcome, err
	}
	p.state.rawSet(dataAvailableKey(r.ReceiverID, d.DataID), buf)

	waitingRaw, waiting, err := p.state.rawGet(dataReverseKey(r.ReceiverID, d.DataID))
	if err != nil {
		return nil, nil, outcome, err
	}
	if !waiting {
		return nil, nil, outcome, nil
	}
	waitingReceiptID := types.Hash{}
	copy(waitingReceiptID[:], waitingRaw)
	p.state.rawDelete(dataReverseKey(r.ReceiverID, d.DataID))

	countKey := pendingCountKey(r.ReceiverID, waitingReceiptID)
	countRaw, ok, err := p.state.rawGet(countKey)
	if err != nil {
		return nil, nil, outcome, err
	}
	if !ok {
		return nil, nil, outcome, nil
	}
	count := int(big.NewInt(0).SetBytes(countRaw).Int64())
	count--
	if count > 0 {
		p.state.rawSet(countKey, big.NewInt(int64(count)).Bytes())
		return nil, nil, outcome, nil
	}
	p.state.rawDelete(countKey)

	pKey := postponedKey(r.ReceiverID, waitingReceiptID)
	postponedRaw, ok, err := p.state.rawGet(pKey)
	if err != nil {
		return nil, nil, outcome, err
	}
	if !ok {
		return nil, nil, outcome, nil
	}
	p.state.rawDelete(pKey)
	postponed, err := decodeReceipt(postponedRaw)
	if err != nil {
		return nil, nil, outcome, err
	}
	ar, ok := postponed.Body.(types.ActionReceipt)
	if !ok {
		return nil, nil, outcome, fmt.Errorf("postponed receipt %s is not an action receipt", waitingReceiptID)
	}
	return p.executeActionReceipt(ctx, postponed, ar)
}

func (p *processCtx) processActionReceipt(ctx context.Context, r types.Receipt, ar types.ActionReceipt) ([]types.Receipt, *types.ValidatorStake, types.ExecutionOutcome, error) {
	missing := 0
	for _, dataID := range ar.InputDataIDs {
		_, ok, err := p.state.rawGet(dataAvailableKey(r.ReceiverID, dataID))
		if err != nil {
			return nil, nil, types.ExecutionOutcome{}, err
		}
		if !ok {
			missing++
		}
	}
	if missing == 0 {
		return p.executeActionReceipt(ctx, r, ar)
	}

	for _, dataID := range ar.InputDataIDs {
		_, ok, err := p.state.rawGet(dataAvailableKey(r.ReceiverID, dataID))
		if err != nil {
			return nil, nil, types.ExecutionOutcome{}, err
		}
		if ok {
			continue
		}
		p.state.rawSet(dataReverseKey(r.ReceiverID, dataID), r.ReceiptID[:])
	}
	p.state.rawSet(pendingCountKey(r.ReceiverID, r.ReceiptID), big.NewInt(int64(missing)).Bytes())

	buf, err := encodeReceipt(r)
	if err != nil {
		return nil, nil, types.ExecutionOutcome{}, err
	}
	p.state.rawSet(postponedKey(r.ReceiverID, r.ReceiptID), buf)
	return nil, nil, types.ExecutionOutcome{ID: r.ReceiptID, Success: true}, nil
}
