package runtime

import (
	"fmt"
	"math/big"

	"github.com/shardnet/node/internal/nodeerrors"
	"github.com/shardnet/node/internal/types"
)

// settleValidatorAccounts implements spec.md §4.5 step 1: at the first
// block of an epoch, every non-slashed validator named in the update
// list has its accrued reward folded into locked stake, and any stake
// above max(MaxStake, LastProposal) is released back to the spendable
// balance. A slashed validator instead has SlashAmount (capped at its
// locked stake) burnt from its locked stake; it receives no reward and
// nothing is released to its balance.
func (r *Runtime) settleValidatorAccounts(s *state, updates []types.ValidatorAccountUpdate, stats *types.ApplyStats) error {
	for _, u := range updates {
		acct, exists, err := s.getAccount(u.AccountID)
		if err != nil {
			return fmt.Errorf("settle validator %s: %w", u.AccountID, err)
		}
		if !exists {
			return fmt.Errorf("%w: validator account %s", nodeerrors.ErrAccountDoesNotExist, u.AccountID)
		}
		if acct.Staked == nil {
			acct.Staked = big.NewInt(0)
		}
		if acct.Amount == nil {
			acct.Amount = big.NewInt(0)
		}

		if u.Slashed {
			burn := u.SlashAmount
			if burn == nil || burn.Sign() < 0 {
				burn = big.NewInt(0)
			}
			if burn.Cmp(acct.Staked) > 0 {
				burn = new(big.Int).Set(acct.Staked)
			}
			acct.Staked = new(big.Int).Sub(acct.Staked, burn)
			stats.SlashedBurnt = new(big.Int).Add(stats.SlashedBurnt, burn)
			if err := s.putAccount(u.AccountID, acct); err != nil {
				return err
			}
			continue
		}

		if u.AccruedReward != nil && u.AccruedReward.Sign() > 0 {
			acct.Staked = new(big.Int).Add(acct.Staked, u.AccruedReward)
			stats.ValidatorRewards = new(big.Int).Add(stats.ValidatorRewards, u.AccruedReward)
		}

		maxStake := u.MaxStake
		if maxStake == nil {
			maxStake = big.NewInt(0)
		}
		lastProposal := u.LastProposal
		if lastProposal == nil {
			lastProposal = big.NewInt(0)
		}
		threshold := maxStake
		if lastProposal.Cmp(threshold) > 0 {
			threshold = lastProposal
		}
		if acct.Staked.Cmp(threshold) < 0 {
			return nodeerrors.NewFatal(fmt.Errorf("validator %s locked stake %s below required threshold %s", u.AccountID, acct.Staked, threshold))
		}
		if acct.Staked.Cmp(threshold) > 0 {
			released := new(big.Int).Sub(acct.Staked, threshold)
			acct.Staked = new(big.Int).Set(threshold)
			acct.Amount = new(big.Int).Add(acct.Amount, released)
		}
		if err := s.putAccount(u.AccountID, acct); err != nil {
			return err
		}
	}
	return nil
}

// trackedAccountIDs computes, once per Apply call, every account id
// that call could possibly touch: transaction signers/receivers,
// incoming and already-delayed receipt predecessors/receivers, and
// validators named in the settlement list. Computing this set once
// upfront (rather than re-deriving it before and after) keeps
// sumTrackedBalances's two calls comparing the same accounts, even
// though the before-call sum is taken when most of them haven't been
// loaded into s.accounts yet.
func trackedAccountIDs(req types.ApplyRequest, delayed []types.Receipt) map[string]bool {
	ids := map[string]bool{}
	for _, u := range req.ValidatorAccountsUpdate {
		ids[u.AccountID] = true
	}
	for _, tx := range req.Transactions {
		ids[tx.SignerID] = true
		ids[tx.ReceiverID] = true
	}
	for _, rcpt := range req.IncomingReceipts {
		ids[rcpt.PredecessorID] = true
		ids[rcpt.ReceiverID] = true
		if ar, ok := rcpt.Body.(types.ActionReceipt); ok {
			ids[ar.SignerID] = true
		}
	}
	for _, rcpt := range delayed {
		ids[rcpt.PredecessorID] = true
		ids[rcpt.ReceiverID] = true
		if ar, ok := rcpt.Body.(types.ActionReceipt); ok {
			ids[ar.SignerID] = true
		}
	}
	delete(ids, "")
	return ids
}

// sumTrackedBalances totals Amount+Staked across the given account
// ids. spec.md §4.5 step 6 compares this sum before and after the
// call rather than walking the whole account trie.
func (r *Runtime) sumTrackedBalances(s *state, ids map[string]bool) (*big.Int, error) {
	total := big.NewInt(0)
	for id := range ids {
		acct, exists, err := s.getAccount(id)
		if err != nil {
			return nil, fmt.Errorf("sum balances for %s: %w", id, err)
		}
		if !exists {
			continue
		}
		if acct.Amount != nil {
			total.Add(total, acct.Amount)
		}
		if acct.Staked != nil {
			total.Add(total, acct.Staked)
		}
	}
	return total, nil
}
