package epoch

import (
	"math/big"

	"github.com/shardnet/node/internal/types"
)

// computeValidatorReward implements spec.md §4.3 step 6: the gas fees
// collected over the epoch (total_gas_used * gas_price) are paid out
// to the new epoch's validator set in proportion to stake. Validators
// with zero stake (shouldn't occur post-assignment, but guarded)
// receive nothing.
//
// Grounded on the teacher's pkg/consensus reward-split arithmetic
// style: integer division with the remainder left unminted rather than
// distributed, matching the teacher's preference for deterministic,
// loss-favoring rounding over synthetic precision.
func computeValidatorReward(validators []types.ValidatorStake, totalGasUsed uint64, gasPrice *big.Int) map[string]*big.Int {
	reward := make(map[string]*big.Int, len(validators))
	if gasPrice == nil || totalGasUsed == 0 {
		for _, v := range validators {
			reward[v.AccountID] = big.NewInt(0)
		}
		return reward
	}

	pool := new(big.Int).Mul(new(big.Int).SetUint64(totalGasUsed), gasPrice)

	totalStake := new(big.Int)
	for _, v := range validators {
		if v.Amount != nil {
			totalStake.Add(totalStake, v.Amount)
		}
	}
	if totalStake.Sign() == 0 {
		for _, v := range validators {
			reward[v.AccountID] = big.NewInt(0)
		}
		return reward
	}

	for _, v := range validators {
		if v.Amount == nil || v.Amount.Sign() == 0 {
			reward[v.AccountID] = big.NewInt(0)
			continue
		}
		share := new(big.Int).Mul(pool, v.Amount)
		share.Div(share, totalStake)
		reward[v.AccountID] = share
	}
	return reward
}
