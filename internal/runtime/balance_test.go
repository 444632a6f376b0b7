package runtime

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shardnet/node/internal/types"
)

func zeroedStats() types.ApplyStats {
	return types.ApplyStats{
		TxBurntGas:       big.NewInt(0),
		SlashedBurnt:     big.NewInt(0),
		OtherBurnt:       big.NewInt(0),
		GasDeficit:       big.NewInt(0),
		IncomingDeposits: big.NewInt(0),
		OutgoingDeposits: big.NewInt(0),
		ValidatorRewards: big.NewInt(0),
	}
}

func TestCheckBalance_MatchedFlowsPass(t *testing.T) {
	stats := zeroedStats()
	stats.IncomingDeposits = big.NewInt(50)
	stats.ValidatorRewards = big.NewInt(10)
	stats.OutgoingDeposits = big.NewInt(20)
	stats.TxBurntGas = big.NewInt(15)

	// inflow = 100 + 50 + 10 = 160, outflow = 125 + 20 + 15 = 160.
	err := checkBalance(big.NewInt(100), big.NewInt(125), stats)
	assert.NoError(t, err)
}

func TestCheckBalance_GasDeficitCoversUndercharge(t *testing.T) {
	stats := zeroedStats()
	stats.GasDeficit = big.NewInt(7)

	// inflow = 100, outflow = 93 + 7 = 100.
	err := checkBalance(big.NewInt(100), big.NewInt(93), stats)
	assert.NoError(t, err)
}

func TestCheckBalance_MismatchIsRejected(t *testing.T) {
	stats := zeroedStats()
	stats.IncomingDeposits = big.NewInt(50)

	// inflow = 150, outflow = 100: money appeared from nowhere.
	err := checkBalance(big.NewInt(100), big.NewInt(100), stats)
	assert.Error(t, err)
}

func TestCheckBalance_SlashedAndOtherBurntAreOutflow(t *testing.T) {
	stats := zeroedStats()
	stats.SlashedBurnt = big.NewInt(30)
	stats.OtherBurnt = big.NewInt(5)

	// inflow = 200, outflow = 165 + 30 + 5 = 200.
	err := checkBalance(big.NewInt(200), big.NewInt(165), stats)
	assert.NoError(t, err)
}
