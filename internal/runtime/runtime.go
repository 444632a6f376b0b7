// Package runtime implements the state-transition function of
// spec.md §4.5: verifying and charging transactions, processing the
// local/delayed/incoming receipt queues under a gas budget, executing
// actions against account state, and checking the inflow/outflow
// balance invariant before committing a new state root.
//
// Grounded on the teacher's pkg/execution (adapter/dispatch shape) and
// pkg/consensus/types.go (stake/threshold arithmetic over *big.Int),
// generalized from BFT round bookkeeping to per-receipt state
// transitions, and on original_source/node/runtime and
// original_source/runtime/runtime for the exact step ordering this
// package follows.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/shardnet/node/internal/nodeerrors"
	"github.com/shardnet/node/internal/obslog"
	"github.com/shardnet/node/internal/types"
)

// Config carries the function-call reward share and minimum stake
// Runtime.Apply needs. The fee schedule is not part of it (Apply picks
// one per protocol version with FeeScheduleFor), and no VM limits are
// configured here.
type Config struct {
	FunctionCallRewardFraction *big.Rat // fraction of FunctionCall burnt gas paid to the receiver
	MinimumStake               *big.Int
}

// Runtime implements types.RuntimeAdapter.
type Runtime struct {
	trie types.Trie
	vm   types.VM
	ext  types.External
	cfg  Config
	log  *obslog.Logger
}

// New constructs a Runtime. ext is the host-function surface handed to
// the VM for FunctionCall actions; it is expected to be backed by the
// same trie/state_root pair passed to Apply.
func New(trie types.Trie, vm types.VM, ext types.External, cfg Config) *Runtime {
	return &Runtime{trie: trie, vm: vm, ext: ext, cfg: cfg, log: obslog.New("runtime")}
}

// state is the per-Apply-call working set: pending trie writes plus
// the account cache, so repeated reads within one chunk don't round
// trip through the trie.
type state struct {
	trie     types.Trie
	root     types.Hash
	pending  map[string][]byte // key -> value, nil means delete
	accounts map[string]*types.Account
}

func newState(trie types.Trie, root types.Hash) *state {
	return &state{trie: trie, root: root, pending: map[string][]byte{}, accounts: map[string]*types.Account{}}
}

func (s *state) rawGet(key string) ([]byte, bool, error) {
	if v, staged := s.pending[key]; staged {
		return v, v != nil, nil
	}
	v, ok, err := s.trie.Get(s.root, []byte(key))
	if err != nil {
		return nil, false, err
	}
	return v, ok, nil
}

func (s *state) rawSet(key string, value []byte) { s.pending[key] = value }
func (s *state) rawDelete(key string)             { s.pending[key] = nil }

func accountKey(id string) string { return "account:" + id }

func (s *state) getAccount(id string) (*types.Account, bool, error) {
	if a, ok := s.accounts[id]; ok {
		return a, true, nil
	}
	raw, ok, err := s.rawGet(accountKey(id))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	var a types.Account
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, false, fmt.Errorf("decode account %s: %w", id, err)
	}
	s.accounts[id] = &a
	return &a, true, nil
}

func (s *state) putAccount(id string, a *types.Account) error {
	buf, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode account %s: %w", id, err)
	}
	s.rawSet(accountKey(id), buf)
	s.accounts[id] = a
	return nil
}

func (s *state) deleteAccount(id string) {
	s.rawDelete(accountKey(id))
	delete(s.accounts, id)
}

// snapshot captures the pending-write map so a failed transaction or
// receipt can roll back without touching the rest of the chunk's work
// (spec.md §4.5 step 2: "on failure, roll back all pending writes for
// this tx").
func (s *state) snapshot() map[string][]byte {
	cp := make(map[string][]byte, len(s.pending))
	for k, v := range s.pending {
		cp[k] = v
	}
	return cp
}

func (s *state) restore(snap map[string][]byte) {
	s.pending = snap
	s.accounts = map[string]*types.Account{}
}

const delayedIndicesKey = "delayed-receipt-indices"

func delayedReceiptKey(idx uint64) string {
	return fmt.Sprintf("delayed-receipt:%d", idx)
}

func (s *state) getDelayedIndices() (types.DelayedReceiptIndices, error) {
	raw, ok, err := s.rawGet(delayedIndicesKey)
	if err != nil {
		return types.DelayedReceiptIndices{}, err
	}
	if !ok {
		return types.DelayedReceiptIndices{}, nil
	}
	var d types.DelayedReceiptIndices
	if err := json.Unmarshal(raw, &d); err != nil {
		return types.DelayedReceiptIndices{}, fmt.Errorf("decode delayed indices: %w", err)
	}
	return d, nil
}

func (s *state) putDelayedIndices(d types.DelayedReceiptIndices) error {
	buf, err := json.Marshal(d)
	if err != nil {
		return err
	}
	s.rawSet(delayedIndicesKey, buf)
	return nil
}

func (s *state) pushDelayed(idx uint64, r types.Receipt) error {
	buf, err := encodeReceipt(r)
	if err != nil {
		return err
	}
	s.rawSet(delayedReceiptKey(idx), buf)
	return nil
}

func (s *state) popDelayed(idx uint64) (types.Receipt, error) {
	r, err := s.peekDelayed(idx)
	if err != nil {
		return types.Receipt{}, err
	}
	s.rawDelete(delayedReceiptKey(idx))
	return r, nil
}

func (s *state) peekDelayed(idx uint64) (types.Receipt, error) {
	raw, ok, err := s.rawGet(delayedReceiptKey(idx))
	if err != nil {
		return types.Receipt{}, err
	}
	if !ok {
		return types.Receipt{}, nodeerrors.NewFatal(fmt.Errorf("%w: delayed receipt %d", nodeerrors.ErrNotFound, idx))
	}
	return decodeReceipt(raw)
}

// Apply implements spec.md §4.5's top-level algorithm.
func (r *Runtime) Apply(ctx context.Context, req types.ApplyRequest) (*types.ApplyResult, error) {
	s := newState(r.trie, req.StateRoot)
	stats := types.ApplyStats{
		TxBurntGas:       big.NewInt(0),
		SlashedBurnt:     big.NewInt(0),
		OtherBurnt:       big.NewInt(0),
		GasDeficit:       big.NewInt(0),
		IncomingDeposits: big.NewInt(0),
		OutgoingDeposits: big.NewInt(0),
		ValidatorRewards: big.NewInt(0),
	}

	delayedIndices, err := s.getDelayedIndices()
	if err != nil {
		return nil, err
	}
	var queuedDelayed []types.Receipt
	for idx := delayedIndices.FirstIndex; idx < delayedIndices.NextAvailableIndex; idx++ {
		rcpt, err := s.peekDelayed(idx)
		if err != nil {
			return nil, err
		}
		queuedDelayed = append(queuedDelayed, rcpt)
	}
	trackedIDs := trackedAccountIDs(req, queuedDelayed)

	initialBalances, err := r.sumTrackedBalances(s, trackedIDs)
	if err != nil {
		return nil, err
	}

	// Step 1: validator account settlement at the first block of an
	// epoch.
	if len(req.ValidatorAccountsUpdate) > 0 {
		if err := r.settleValidatorAccounts(s, req.ValidatorAccountsUpdate, &stats); err != nil {
			return nil, err
		}
	}

	var outcomes []types.ExecutionOutcome
	var localReceipts, outgoingReceipts []types.Receipt
	var proposals []types.ValidatorStake

	// Step 2: verify_and_charge_transaction for each transaction.
	for _, tx := range req.Transactions {
		snap := s.snapshot()
		receipt, burnt, err := r.verifyAndChargeTransaction(s, tx, req.ApplyState.GasPrice)
		outcome := types.ExecutionOutcome{ID: tx.Hash(), GasBurnt: burnt}
		if err != nil {
			s.restore(snap)
			outcome.Success = false
			outcome.Err = err
			outcomes = append(outcomes, outcome)
			continue
		}
		outcome.Success = true
		outcomes = append(outcomes, outcome)
		stats.ReceiptGasBurnt += burnt
		stats.TxBurntGas = new(big.Int).Add(stats.TxBurntGas, new(big.Int).Mul(new(big.Int).SetUint64(burnt), req.ApplyState.GasPrice))
		if receipt.ReceiverID == tx.SignerID {
			localReceipts = append(localReceipts, receipt)
		} else {
			outgoingReceipts = append(outgoingReceipts, receipt)
		}
	}

	// Step 3/4: process local, delayed, then incoming receipts under
	// the chunk gas budget.
	indicesChanged := false
	var burntGas uint64
	gasLimit := req.ApplyState.GasLimit

	processOne := func(rcpt types.Receipt) error {
		pctx := &processCtx{runtime: r, state: s, applyState: req.ApplyState, epoch: req.EpochInfoProvider, stats: &stats, fees: FeeScheduleFor(req.ApplyState.ProtocolVersion)}
		newOutgoing, proposal, outcome, err := pctx.processReceipt(ctx, rcpt)
		if err != nil {
			return err
		}
		outcomes = append(outcomes, outcome)
		burntGas += outcome.GasBurnt
		stats.ReceiptGasBurnt += outcome.GasBurnt
		outgoingReceipts = append(outgoingReceipts, newOutgoing...)
		if proposal != nil {
			proposals = append(proposals, *proposal)
		}
		return nil
	}

	for _, rcpt := range localReceipts {
		if burntGas >= gasLimit {
			if err := s.pushDelayed(delayedIndices.NextAvailableIndex, rcpt); err != nil {
				return nil, err
			}
			delayedIndices.NextAvailableIndex++
			indicesChanged = true
			continue
		}
		if err := processOne(rcpt); err != nil {
			return nil, err
		}
	}

	for burntGas < gasLimit && delayedIndices.Len() > 0 {
		rcpt, err := s.popDelayed(delayedIndices.FirstIndex)
		if err != nil {
			return nil, err
		}
		delayedIndices.FirstIndex++
		indicesChanged = true
		if ar, ok := rcpt.Body.(types.ActionReceipt); ok {
			stats.IncomingDeposits = new(big.Int).Add(stats.IncomingDeposits, depositSum(ar.Actions))
		}
		if err := processOne(rcpt); err != nil {
			return nil, err
		}
	}

	for _, rcpt := range req.IncomingReceipts {
		if err := validateIncomingReceipt(rcpt); err != nil {
			return nil, fmt.Errorf("%w: %v", nodeerrors.ErrInvalidTx, err)
		}
		if burntGas >= gasLimit {
			if err := s.pushDelayed(delayedIndices.NextAvailableIndex, rcpt); err != nil {
				return nil, err
			}
			delayedIndices.NextAvailableIndex++
			indicesChanged = true
			continue
		}
		if ar, ok := rcpt.Body.(types.ActionReceipt); ok {
			stats.IncomingDeposits = new(big.Int).Add(stats.IncomingDeposits, depositSum(ar.Actions))
		}
		if err := processOne(rcpt); err != nil {
			return nil, err
		}
	}

	// Step 5: commit delayed indices if touched.
	if indicesChanged {
		if err := s.putDelayedIndices(delayedIndices); err != nil {
			return nil, err
		}
	}

	// Every receipt leaving this apply call with an attached deposit
	// removes that deposit from the tracked balance pool until some
	// future apply processes it (spec.md §4.5 step 6 "outgoing
	// deposits"), whether it is a fresh cross-shard send or a refund.
	for _, out := range outgoingReceipts {
		if ar, ok := out.Body.(types.ActionReceipt); ok {
			stats.OutgoingDeposits = new(big.Int).Add(stats.OutgoingDeposits, depositSum(ar.Actions))
		}
	}

	// Step 6: balance checker.
	finalBalances, err := r.sumTrackedBalances(s, trackedIDs)
	if err != nil {
		return nil, err
	}
	if err := checkBalance(initialBalances, finalBalances, stats); err != nil {
		return nil, nodeerrors.NewFatal(err)
	}

	// Step 7: dedupe validator proposals, last-wins via reverse scan.
	proposals = dedupeProposalsLastWins(proposals)

	// Step 8: finalize the trie.
	changes := make([]types.KeyValueChange, 0, len(s.pending))
	for k, v := range s.pending {
		changes = append(changes, types.KeyValueChange{Key: []byte(k), Value: v})
	}
	trieChanges, newRoot, err := r.trie.Update(req.StateRoot, changes)
	if err != nil {
		return nil, fmt.Errorf("finalize trie: %w", err)
	}

	return &types.ApplyResult{
		NewStateRoot:       newRoot,
		TrieChanges:        trieChanges,
		ValidatorProposals: proposals,
		OutgoingReceipts:   outgoingReceipts,
		PerItemOutcomes:    outcomes,
		StateChanges:       changes,
		Stats:              stats,
		DelayedQueueLen:    delayedIndices.Len(),
	}, nil
}

func dedupeProposalsLastWins(proposals []types.ValidatorStake) []types.ValidatorStake {
	seen := map[string]bool{}
	out := make([]types.ValidatorStake, 0, len(proposals))
	for i := len(proposals) - 1; i >= 0; i-- {
		p := proposals[i]
		if seen[p.AccountID] {
			continue
		}
		seen[p.AccountID] = true
		out = append([]types.ValidatorStake{p}, out...)
	}
	return out
}

func validateIncomingReceipt(r types.Receipt) error {
	if r.ReceiptID.IsZero() {
		return fmt.Errorf("receipt has zero id")
	}
	if r.ReceiverID == "" {
		return fmt.Errorf("receipt has no receiver")
	}
	return nil
}

func depositSum(actions []types.Action) *big.Int {
	sum := big.NewInt(0)
	for _, a := range actions {
		if a.Deposit != nil {
			sum.Add(sum, a.Deposit)
		}
	}
	return sum
}
