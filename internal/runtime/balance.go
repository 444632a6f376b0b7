package runtime

import (
	"fmt"
	"math/big"

	"github.com/shardnet/node/internal/types"
)

// checkBalance implements spec.md §4.5 step 6: everything that flowed
// into the tracked accounts during this apply call must equal
// everything that flowed out, plus whatever gas was burnt but never
// collected (gas_deficit, from a receipt whose attached gas_price was
// below the chunk's gas_price). A mismatch means some action minted or
// destroyed money outside the accounted paths.
func checkBalance(initial, final *big.Int, stats types.ApplyStats) error {
	inflow := new(big.Int).Set(initial)
	inflow.Add(inflow, stats.IncomingDeposits)
	inflow.Add(inflow, stats.ValidatorRewards)

	outflow := new(big.Int).Set(final)
	outflow.Add(outflow, stats.OutgoingDeposits)
	outflow.Add(outflow, stats.TxBurntGas)
	outflow.Add(outflow, stats.SlashedBurnt)
	outflow.Add(outflow, stats.OtherBurnt)
	outflow.Add(outflow, stats.GasDeficit)

	if inflow.Cmp(outflow) != 0 {
		return fmt.Errorf("balance mismatch: inflow %s != outflow %s (initial=%s final=%s incoming=%s outgoing=%s tx_burnt=%s slashed=%s other=%s deficit=%s reward=%s)",
			inflow, outflow, initial, final, stats.IncomingDeposits, stats.OutgoingDeposits,
			stats.TxBurntGas, stats.SlashedBurnt, stats.OtherBurnt, stats.GasDeficit, stats.ValidatorRewards)
	}
	return nil
}
