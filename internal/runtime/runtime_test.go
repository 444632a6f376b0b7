package runtime

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardnet/node/internal/types"
)

// memTrie is a flat map standing in for the authenticated trie,
// mirroring cmd/shardnode's own dev stub (unimportable here since it
// lives in package main): it ignores root hashes, which is fine for
// exercising Apply's own bookkeeping rather than trie authentication.
type memTrie struct {
	data map[string][]byte
}

func newMemTrie() *memTrie { return &memTrie{data: map[string][]byte{}} }

func (t *memTrie) Get(_ types.Hash, key []byte) ([]byte, bool, error) {
	v, ok := t.data[string(key)]
	return v, ok, nil
}

func (t *memTrie) Update(root types.Hash, changes []types.KeyValueChange) (types.TrieChanges, types.Hash, error) {
	for _, c := range changes {
		if c.Value == nil {
			delete(t.data, string(c.Key))
			continue
		}
		t.data[string(c.Key)] = c.Value
	}
	return nil, root, nil
}

func (t *memTrie) ApplyChanges(types.TrieChanges) error { return nil }

type noopExternal struct{}

func (noopExternal) StorageGet([]byte) ([]byte, bool, error)      { return nil, false, nil }
func (noopExternal) StorageSet([]byte, []byte) error              { return nil }
func (noopExternal) StorageRemove([]byte) error                   { return nil }
func (noopExternal) StorageHasKey([]byte) (bool, error)           { return false, nil }
func (noopExternal) StorageIterator([]byte) types.ExternalStorageIterator {
	return noopStorageIterator{}
}
func (noopExternal) PromiseCreate(string, string, []byte, uint64, uint64) (uint64, error) {
	return 0, nil
}
func (noopExternal) PromiseThen(uint64, string, string, []byte, uint64, uint64) (uint64, error) {
	return 0, nil
}
func (noopExternal) PromiseAnd(...uint64) (uint64, error) { return 0, nil }

type noopStorageIterator struct{}

func (noopStorageIterator) Next() ([]byte, []byte, bool) { return nil, nil, false }

type noopVM struct{}

func (noopVM) ExecuteFunctionCall(context.Context, types.Hash, string, []byte, [][]byte, *big.Int, uint64, uint32, types.External) (*types.VMOutcome, error) {
	return nil, assert.AnError
}

func newTestRuntime() *Runtime {
	return New(newMemTrie(), noopVM{}, noopExternal{}, Config{MinimumStake: big.NewInt(1)})
}

// TestApply_GasBudgetSpillsExcessReceiptsToDelayedQueue exercises
// spec.md §4.5 step 3's gas budget: receipts are processed under
// GasLimit until the budget is exhausted, after which the remainder
// of this call's receipts are pushed onto the delayed-receipt queue
// rather than executed, to be drained on a future Apply call.
func TestApply_GasBudgetSpillsExcessReceiptsToDelayedQueue(t *testing.T) {
	rt := newTestRuntime()
	gasPrice := big.NewInt(1)

	mkReceipt := func(id byte, receiver string) types.Receipt {
		return types.Receipt{
			PredecessorID: systemAccountID,
			ReceiverID:    receiver,
			ReceiptID:     types.Hash{id},
			Body: types.ActionReceipt{
				SignerID: systemAccountID,
				Actions:  []types.Action{{Kind: types.ActionTransfer, Deposit: big.NewInt(10)}},
			},
		}
	}

	req := types.ApplyRequest{
		ApplyState: types.ApplyState{
			GasLimit:        50, // below one action's flat fee: only the first receipt fits
			GasPrice:        gasPrice,
			ProtocolVersion: 2,
		},
		IncomingReceipts: []types.Receipt{
			mkReceipt(1, "bob"),
			mkReceipt(2, "carol"),
			mkReceipt(3, "dave"),
		},
	}

	result, err := rt.Apply(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, uint64(2), result.DelayedQueueLen, "two receipts should spill past the gas budget")
	require.Len(t, result.PerItemOutcomes, 1, "only the first receipt executes this call")
	assert.True(t, result.PerItemOutcomes[0].Success)

	// draining a second time with a high gas limit empties the queue
	// and applies the deferred receipts.
	req2 := types.ApplyRequest{
		StateRoot: result.NewStateRoot,
		ApplyState: types.ApplyState{
			GasLimit:        10_000,
			GasPrice:        gasPrice,
			ProtocolVersion: 2,
		},
	}
	result2, err := rt.Apply(context.Background(), req2)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), result2.DelayedQueueLen)
	assert.Len(t, result2.PerItemOutcomes, 2)
}
