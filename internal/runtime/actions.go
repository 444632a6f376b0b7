package runtime

import (
	"context"
	"fmt"
	"math/big"

	"github.com/shardnet/node/internal/nodeerrors"
	"github.com/shardnet/node/internal/types"
)

// FeeSchedule prices each action kind's base execution cost. Grounded
// on the teacher's pkg/consensus/types.go style of flat, explicit
// per-kind constants rather than a computed curve.
type FeeSchedule map[types.ActionKind]uint64

// DefaultFeeSchedule returns a representative flat fee table.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		types.ActionCreateAccount:  100,
		types.ActionDeployContract: 500,
		types.ActionFunctionCall:   300,
		types.ActionTransfer:       100,
		types.ActionStake:          200,
		types.ActionAddKey:         150,
		types.ActionDeleteKey:      100,
		types.ActionDeleteAccount:  100,
	}
}

// FeeScheduleFor selects the fee table for protocolVersion. Versions
// below 2 predate the AddKey/DeleteKey fee split and still charge the
// Transfer rate for both; from version 2 on they're priced separately
// via DefaultFeeSchedule.
func FeeScheduleFor(protocolVersion uint32) FeeSchedule {
	if protocolVersion >= 2 {
		return DefaultFeeSchedule()
	}
	legacy := DefaultFeeSchedule()
	legacy[types.ActionAddKey] = legacy[types.ActionTransfer]
	legacy[types.ActionDeleteKey] = legacy[types.ActionTransfer]
	return legacy
}

const systemAccountID = "system"

// executeActionReceipt runs every action in ar against r.ReceiverID in
// order (spec.md §4.5 "Action execution"), then generates the refund
// and checks the storage-stake invariant.
func (p *processCtx) executeActionReceipt(ctx context.Context, r types.Receipt, ar types.ActionReceipt) ([]types.Receipt, *types.ValidatorStake, types.ExecutionOutcome, error) {
	outcome := types.ExecutionOutcome{ID: r.ReceiptID, Success: true}
	snap := p.state.snapshot()

	var gasBurnt, gasUsed uint64
	var proposal *types.ValidatorStake
	var failedAt = -1
	var failErr error

	// actorID starts as the receipt's predecessor and becomes the
	// receiver once a CreateAccount action in this same receipt
	// succeeds, so a later DeployContract/Stake/AddKey/DeleteKey in
	// the same receipt is checked against the account it just
	// created rather than against the (different) creator account —
	// the "create account, then deploy/stake/add a key" bundle.
	actorID := r.PredecessorID

	for i, action := range ar.Actions {
		fee := p.fees[action.Kind]
		gasBurnt += fee
		gasUsed += fee

		if err := p.checkActionPreconditions(actorID, r, action); err != nil {
			failedAt = i
			failErr = err
			break
		}

		used, prop, err := p.dispatchAction(ctx, r, ar, action)
		gasUsed += used
		if prop != nil {
			proposal = prop
		}
		if err != nil {
			failedAt = i
			failErr = err
			break
		}
		if action.Kind == types.ActionCreateAccount {
			actorID = r.ReceiverID
		}
	}

	if failedAt >= 0 {
		p.state.restore(snap)
		proposal = nil
	} else if err := p.checkStorageStake(r.ReceiverID); err != nil {
		p.state.restore(snap)
		proposal = nil
		failedAt = len(ar.Actions)
		failErr = err
	}

	outgoing := p.generateRefund(r, ar, gasBurnt, gasUsed, failedAt, failErr)

	if failedAt >= 0 {
		outcome.Success = false
		outcome.Err = fmt.Errorf("action %d: %w", failedAt, failErr)
	}
	outcome.GasBurnt = gasBurnt
	if ar.GasPrice != nil {
		p.stats.TxBurntGas = new(big.Int).Add(p.stats.TxBurntGas, new(big.Int).Mul(new(big.Int).SetUint64(gasBurnt), ar.GasPrice))
	}

	return outgoing, proposal, outcome, nil
}

func (p *processCtx) checkActionPreconditions(actorID string, r types.Receipt, a types.Action) error {
	acct, exists, err := p.state.getAccount(r.ReceiverID)
	_ = acct
	if err != nil {
		return err
	}
	switch a.Kind {
	case types.ActionCreateAccount:
		if exists {
			return nodeerrors.ErrAccountAlreadyExists
		}
	case types.ActionTransfer:
		// implicit-account transfers are permitted against an absent
		// account; every other action requires the account to exist.
	case types.ActionDeployContract, types.ActionStake, types.ActionAddKey, types.ActionDeleteKey, types.ActionDeleteAccount:
		if !exists {
			return nodeerrors.ErrAccountDoesNotExist
		}
		if actorID != r.ReceiverID {
			return nodeerrors.ErrActionNotPermitted
		}
	default:
		if !exists {
			return nodeerrors.ErrAccountDoesNotExist
		}
	}
	return nil
}

// dispatchAction executes one action kind, returning additional gas
// used (beyond the flat exec fee) and, for Stake, the resulting
// proposal.
func (p *processCtx) dispatchAction(ctx context.Context, r types.Receipt, ar types.ActionReceipt, a types.Action) (uint64, *types.ValidatorStake, error) {
	switch a.Kind {
	case types.ActionCreateAccount:
		return 0, nil, p.state.putAccount(r.ReceiverID, &types.Account{Amount: big.NewInt(0), Staked: big.NewInt(0)})

	case types.ActionDeployContract:
		acct, _, err := p.state.getAccount(r.ReceiverID)
		if err != nil {
			return 0, nil, err
		}
		acct.CodeHash = a.CodeHash
		return 0, nil, p.state.putAccount(r.ReceiverID, acct)

	case types.ActionTransfer:
		return 0, nil, p.applyTransfer(r.ReceiverID, a.Deposit)

	case types.ActionStake:
		if a.StakeAmount == nil || a.StakeAmount.Cmp(p.runtime.cfg.MinimumStake) < 0 {
			return 0, nil, fmt.Errorf("stake %s below minimum %s", a.StakeAmount, p.runtime.cfg.MinimumStake)
		}
		acct, _, err := p.state.getAccount(r.ReceiverID)
		if err != nil {
			return 0, nil, err
		}
		if acct.Staked == nil {
			acct.Staked = big.NewInt(0)
		}
		acct.Staked = new(big.Int).Set(a.StakeAmount)
		if err := p.state.putAccount(r.ReceiverID, acct); err != nil {
			return 0, nil, err
		}
		return 0, &types.ValidatorStake{AccountID: r.ReceiverID, PublicKey: a.PublicKey, Amount: a.StakeAmount}, nil

	case types.ActionAddKey, types.ActionDeleteKey:
		// Key management is delegated to the access-key store outside
		// this package's scope; acknowledged as a no-op state change
		// here beyond the flat fee already charged.
		return 0, nil, nil

	case types.ActionDeleteAccount:
		acct, _, err := p.state.getAccount(r.ReceiverID)
		if err != nil {
			return 0, nil, err
		}
		if a.BeneficiaryID != "" && acct.Amount != nil && acct.Amount.Sign() > 0 {
			if err := p.applyTransfer(a.BeneficiaryID, acct.Amount); err != nil {
				return 0, nil, err
			}
		}
		p.state.deleteAccount(r.ReceiverID)
		return 0, nil, nil

	case types.ActionFunctionCall:
		return p.dispatchFunctionCall(ctx, r, ar, a)

	default:
		return 0, nil, fmt.Errorf("unknown action kind %d", a.Kind)
	}
}

func (p *processCtx) applyTransfer(receiverID string, deposit *big.Int) error {
	if deposit == nil || deposit.Sign() == 0 {
		return nil
	}
	acct, exists, err := p.state.getAccount(receiverID)
	if err != nil {
		return err
	}
	if !exists {
		acct = &types.Account{Amount: big.NewInt(0), Staked: big.NewInt(0)}
	}
	if acct.Amount == nil {
		acct.Amount = big.NewInt(0)
	}
	acct.Amount = new(big.Int).Add(acct.Amount, deposit)
	return p.state.putAccount(receiverID, acct)
}

func (p *processCtx) dispatchFunctionCall(ctx context.Context, r types.Receipt, ar types.ActionReceipt, a types.Action) (uint64, *types.ValidatorStake, error) {
	acct, exists, err := p.state.getAccount(r.ReceiverID)
	if err != nil {
		return 0, nil, err
	}
	if !exists {
		return 0, nil, nodeerrors.ErrAccountDoesNotExist
	}

	if a.Deposit != nil && a.Deposit.Sign() > 0 {
		if err := p.applyTransfer(r.ReceiverID, a.Deposit); err != nil {
			return 0, nil, err
		}
	}

	var inputData [][]byte
	for _, dataID := range ar.InputDataIDs {
		raw, ok, err := p.state.rawGet(dataAvailableKey(r.ReceiverID, dataID))
		if err != nil {
			return 0, nil, err
		}
		if ok {
			inputData = append(inputData, raw)
		}
	}

	outcome, err := p.runtime.vm.ExecuteFunctionCall(ctx, acct.CodeHash, a.MethodName, a.Args, inputData, a.Deposit, a.PrepaidGas, p.applyState.ProtocolVersion, p.runtime.ext)
	if err != nil {
		return 0, nil, err
	}
	if outcome.Err != nil {
		return outcome.BurntGas, nil, outcome.Err
	}

	// Function-call reward: a configurable share of burnt gas is paid
	// back to the still-existing receiver and added to
	// stats.ValidatorRewards, which the balance check counts as inflow;
	// no burnt-gas total is reduced by it.
	if p.runtime.cfg.FunctionCallRewardFraction != nil && outcome.BurntGas > 0 {
		if _, stillExists, err := p.state.getAccount(r.ReceiverID); err == nil && stillExists {
			reward := new(big.Rat).Mul(new(big.Rat).SetUint64(outcome.BurntGas), p.runtime.cfg.FunctionCallRewardFraction)
			rewardInt := new(big.Int).Quo(reward.Num(), reward.Denom())
			if rewardInt.Sign() > 0 {
				if err := p.applyTransfer(r.ReceiverID, rewardInt); err == nil {
					p.stats.ValidatorRewards = new(big.Int).Add(p.stats.ValidatorRewards, rewardInt)
				}
			}
		}
	}

	return outcome.UsedGas, nil, nil
}

// generateRefund implements spec.md §4.5's refund rules: no refund is
// generated for a receipt whose predecessor is already the system
// account (it is itself a refund); otherwise unused prepaid gas and
// any favorable gas-price delta on burnt gas are returned to the
// signer, and a failed receipt also refunds the attached deposit.
func (p *processCtx) generateRefund(r types.Receipt, ar types.ActionReceipt, gasBurnt, gasUsed uint64, failedAt int, failErr error) []types.Receipt {
	if r.PredecessorID == systemAccountID {
		if failedAt >= 0 {
			p.stats.OtherBurnt = new(big.Int).Add(p.stats.OtherBurnt, totalDeposit(ar.Actions))
		}
		return nil
	}

	prepaidGas := totalPrepaidGas(ar.Actions)
	var refundAmount *big.Int
	if prepaidGas > gasUsed {
		unused := prepaidGas - gasUsed
		refundAmount = new(big.Int).Mul(new(big.Int).SetUint64(unused), ar.GasPrice)
	} else {
		refundAmount = big.NewInt(0)
	}

	priceDelta := new(big.Int).Sub(ar.GasPrice, p.applyState.GasPrice)
	burntDelta := new(big.Int).Mul(new(big.Int).SetUint64(gasBurnt), priceDelta)
	if burntDelta.Sign() > 0 {
		refundAmount.Add(refundAmount, burntDelta)
	} else if burntDelta.Sign() < 0 {
		p.stats.GasDeficit = new(big.Int).Add(p.stats.GasDeficit, new(big.Int).Neg(burntDelta))
	}

	if failedAt >= 0 {
		refundAmount.Add(refundAmount, totalDeposit(ar.Actions))
	}

	if refundAmount.Sign() <= 0 {
		return nil
	}

	refundReceipt := types.Receipt{
		PredecessorID: systemAccountID,
		ReceiverID:    ar.SignerID,
		ReceiptID:     refundReceiptID(r.ReceiptID),
		Body: types.ActionReceipt{
			SignerID:  systemAccountID,
			GasPrice:  p.applyState.GasPrice,
			Actions:   []types.Action{{Kind: types.ActionTransfer, Deposit: refundAmount}},
		},
	}
	return []types.Receipt{refundReceipt}
}

func refundReceiptID(base types.Hash) types.Hash {
	var out types.Hash
	copy(out[:], base[:])
	out[31] ^= 0xff
	return out
}

func totalPrepaidGas(actions []types.Action) uint64 {
	var sum uint64
	for _, a := range actions {
		sum += a.PrepaidGas
	}
	return sum
}

func totalDeposit(actions []types.Action) *big.Int {
	sum := big.NewInt(0)
	for _, a := range actions {
		if a.Deposit != nil {
			sum.Add(sum, a.Deposit)
		}
	}
	return sum
}

// checkStorageStake implements spec.md §4.5's insufficient-state-stake
// check: the receiver's remaining balance must cover its storage
// usage at the current per-byte cost.
func (p *processCtx) checkStorageStake(accountID string) error {
	acct, exists, err := p.state.getAccount(accountID)
	if err != nil || !exists {
		return err
	}
	if acct.StorageByteCost == nil || acct.StorageUsage == 0 {
		return nil
	}
	required := new(big.Int).Mul(new(big.Int).SetUint64(acct.StorageUsage), acct.StorageByteCost)
	available := big.NewInt(0)
	if acct.Amount != nil {
		available = acct.Amount
	}
	if available.Cmp(required) < 0 {
		return nodeerrors.ErrLackBalanceForState
	}
	return nil
}
