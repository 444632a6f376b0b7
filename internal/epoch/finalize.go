package epoch

import (
	"math/big"

	"github.com/shardnet/node/internal/cryptoutil"
	"github.com/shardnet/node/internal/types"
)

// finalizeEpoch implements spec.md §4.3's deterministic finalization
// algorithm for the epoch ending at lastBlockHash, storing the
// resulting EpochInfo under key lastBlockHash (the hash that becomes
// the new epoch's id).
func (m *Manager) finalizeEpoch(lastBlockHash types.Hash, rngSeed [32]byte) error {
	endingBlock, err := m.GetBlockInfo(lastBlockHash)
	if err != nil {
		return err
	}
	endingEpochID := endingBlock.EpochId
	firstBlock, err := m.GetBlockInfo(endingBlock.EpochFirstBlock)
	if err != nil {
		return err
	}

	// Step 1: walk backward collecting last-wins proposals, per-
	// producer block counts, and total gas used.
	proposals := map[string]types.ValidatorStake{}
	blockCount := map[string]uint64{}
	var totalGasUsed uint64
	cur := endingBlock
	for {
		blockCount[cur.ProducerID]++
		totalGasUsed += cur.GasUsed
		for _, p := range cur.Proposals {
			if _, seen := proposals[p.AccountID]; !seen {
				proposals[p.AccountID] = p
			}
		}
		if cur.Hash == firstBlock.Hash {
			break
		}
		prev, err := m.GetBlockInfo(cur.PrevHash)
		if err != nil || prev.EpochId != endingEpochID {
			break
		}
		cur = prev
	}

	currentEpochInfo, err := m.GetEpochInfo(endingEpochID)
	if err != nil {
		return err
	}

	// Step 2: expected block counts per validator over the epoch's
	// height range, using the same producer-selection function used
	// to produce blocks.
	expected := map[string]uint64{}
	for h := firstBlock.Height + 1; h <= firstBlock.Height+m.cfg.EpochLength; h++ {
		v, err := m.GetBlockProducer(endingEpochID, h)
		if err != nil {
			continue
		}
		expected[v.AccountID]++
	}

	// Step 3: kickouts.
	kickedOut := map[string]string{}
	for _, v := range currentEpochInfo.Validators {
		if endingBlock.SlashedSet[v.AccountID] {
			kickedOut[v.AccountID] = "slashed"
			continue
		}
		if p, ok := proposals[v.AccountID]; ok && p.Amount != nil && p.Amount.Sign() == 0 {
			kickedOut[v.AccountID] = "unstaked"
			continue
		}
		exp := expected[v.AccountID]
		if exp == 0 {
			continue
		}
		produced := blockCount[v.AccountID]
		if produced*100 < m.cfg.KickoutThresholdPct*exp {
			kickedOut[v.AccountID] = "low_production"
		}
	}
	// Exception: if every non-slashed validator would be kicked out,
	// keep the single validator with the highest production.
	nonSlashedSurvive := false
	for _, v := range currentEpochInfo.Validators {
		if endingBlock.SlashedSet[v.AccountID] {
			continue
		}
		if _, out := kickedOut[v.AccountID]; !out {
			nonSlashedSurvive = true
			break
		}
	}
	if !nonSlashedSurvive {
		best := ""
		var bestCount uint64
		for _, v := range currentEpochInfo.Validators {
			if endingBlock.SlashedSet[v.AccountID] {
				continue
			}
			if best == "" || blockCount[v.AccountID] > bestCount {
				best = v.AccountID
				bestCount = blockCount[v.AccountID]
			}
		}
		if best != "" {
			delete(kickedOut, best)
		}
	}

	// Surviving proposals + rollover stakes from the current epoch's
	// stake_change feed proposals_to_assignments. Public keys travel
	// alongside stake so assignment output can re-carry them.
	pubkeyOf := map[string]types.ValidatorStake{}
	for _, v := range currentEpochInfo.Validators {
		pubkeyOf[v.AccountID] = v
	}
	for acct, p := range proposals {
		pubkeyOf[acct] = p
	}

	survivors := map[string]types.ValidatorStake{}
	setSurvivor := func(acct string, amount *big.Int) {
		stake := pubkeyOf[acct]
		stake.AccountID = acct
		stake.Amount = new(big.Int).Set(amount)
		survivors[acct] = stake
	}
	for acct, p := range proposals {
		if _, out := kickedOut[acct]; out {
			continue
		}
		if p.Amount == nil || p.Amount.Sign() == 0 {
			continue
		}
		setSurvivor(acct, p.Amount)
	}
	for acct, stake := range currentEpochInfo.StakeChange {
		if _, out := kickedOut[acct]; out {
			continue
		}
		if _, proposed := survivors[acct]; proposed {
			continue
		}
		if stake == nil || stake.Sign() == 0 {
			continue
		}
		setSurvivor(acct, stake)
	}
	// Validators that neither proposed nor rolled over but were not
	// kicked out keep their previous stake.
	for _, v := range currentEpochInfo.Validators {
		if _, out := kickedOut[v.AccountID]; out {
			continue
		}
		if _, have := survivors[v.AccountID]; have {
			continue
		}
		if v.Amount != nil && v.Amount.Sign() > 0 {
			setSurvivor(v.AccountID, v.Amount)
		}
	}

	seed, err := rngSeedToUint64(rngSeed)
	if err != nil {
		return err
	}

	newInfo, err := proposalsToAssignments(survivors, m.cfg.NumBlockProducerSeats, m.cfg.NumShards, seed)
	if err != nil {
		return err
	}
	newInfo.ValidatorKickout = kickedOut
	newInfo.TotalGasUsed = totalGasUsed

	// Step 6: validator reward.
	newInfo.ValidatorReward = computeValidatorReward(newInfo.Validators, totalGasUsed, endingBlock.GasPrice)

	if err := m.saveEpochInfo(lastBlockHash, newInfo); err != nil {
		return err
	}
	return nil
}

func rngSeedToUint64(seed [32]byte) (uint64, error) {
	return cryptoutil.RNGSeedFromHash(cryptoutil.Hash(seed))
}
