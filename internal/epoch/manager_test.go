package epoch

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardnet/node/internal/chainkv"
	"github.com/shardnet/node/internal/cryptoutil"
	"github.com/shardnet/node/internal/nodeerrors"
	"github.com/shardnet/node/internal/types"
)

func hashOf(s string) types.Hash { return cryptoutil.HashBytes([]byte(s)) }

func testConfig() Config {
	return Config{
		EpochLength:           5,
		NumBlockProducerSeats: 4,
		NumShards:             2,
		KickoutThresholdPct:   80,
		MinimumStake:          big.NewInt(1),
	}
}

func genesisInfo(producers []types.ValidatorStake) *types.EpochInfo {
	valToIdx := map[string]int{}
	bp := make([]int, len(producers))
	cp := [][]int{{}, {}}
	stakeChange := map[string]*big.Int{}
	for i, v := range producers {
		valToIdx[v.AccountID] = i
		bp[i] = i
		cp[i%2] = append(cp[i%2], i)
		stakeChange[v.AccountID] = new(big.Int).Set(v.Amount)
	}
	return &types.EpochInfo{
		Validators:       producers,
		ValidatorToIndex: valToIdx,
		BlockProducers:   bp,
		ChunkProducers:   cp,
		StakeChange:      stakeChange,
		ValidatorReward:  map[string]*big.Int{},
		ValidatorKickout: map[string]string{},
	}
}

func TestRecordBlockInfo_GenesisAndIdempotent(t *testing.T) {
	kv := chainkv.NewMem()
	m := New(kv, testConfig())

	genesisHash := hashOf("genesis")
	require.NoError(t, m.saveEpochInfo(types.Hash{}, genesisInfo([]types.ValidatorStake{
		{AccountID: "alice", Amount: big.NewInt(100)},
	})))

	err := m.RecordBlockInfo(genesisHash, types.BlockInfo{
		Height:     0,
		PrevHash:   types.Hash{},
		EpochId:    types.Hash{},
		ProducerID: "alice",
		GasUsed:    10,
		GasPrice:   big.NewInt(1),
	}, [32]byte{1})
	require.NoError(t, err)

	bi, err := m.GetBlockInfo(genesisHash)
	require.NoError(t, err)
	assert.Equal(t, genesisHash, bi.EpochFirstBlock)

	// Recording the same hash again is a no-op, not an error.
	err = m.RecordBlockInfo(genesisHash, types.BlockInfo{Height: 0}, [32]byte{1})
	require.NoError(t, err)
}

func TestIsNextBlockEpochStart(t *testing.T) {
	kv := chainkv.NewMem()
	m := New(kv, testConfig())

	genesisHash := hashOf("genesis")
	require.NoError(t, m.saveEpochInfo(types.Hash{}, genesisInfo([]types.ValidatorStake{
		{AccountID: "alice", Amount: big.NewInt(100)},
	})))
	require.NoError(t, m.RecordBlockInfo(genesisHash, types.BlockInfo{
		Height: 0, EpochId: types.Hash{}, ProducerID: "alice",
	}, [32]byte{1}))

	starts, err := m.IsNextBlockEpochStart(genesisHash)
	require.NoError(t, err)
	assert.False(t, starts)

	cur := genesisHash
	for h := uint64(1); h < testConfig().EpochLength; h++ {
		next := hashOf(string([]byte{byte(h)}))
		require.NoError(t, m.RecordBlockInfo(next, types.BlockInfo{
			Height: h, PrevHash: cur, EpochId: types.Hash{}, ProducerID: "alice",
		}, [32]byte{1}))
		cur = next
	}

	starts, err = m.IsNextBlockEpochStart(cur)
	require.NoError(t, err)
	assert.True(t, starts)
}

func TestFinalizeEpoch_KickoutAndReward(t *testing.T) {
	kv := chainkv.NewMem()
	cfg := testConfig()
	cfg.EpochLength = 2
	cfg.NumBlockProducerSeats = 2
	cfg.NumShards = 1
	m := New(kv, cfg)

	alice := types.ValidatorStake{AccountID: "alice", Amount: big.NewInt(100)}
	bob := types.ValidatorStake{AccountID: "bob", Amount: big.NewInt(100)}
	require.NoError(t, m.saveEpochInfo(types.Hash{}, genesisInfo([]types.ValidatorStake{alice, bob})))

	genesisHash := hashOf("g")
	require.NoError(t, m.RecordBlockInfo(genesisHash, types.BlockInfo{
		Height: 0, EpochId: types.Hash{}, ProducerID: "alice",
		GasUsed: 5, GasPrice: big.NewInt(2),
	}, [32]byte{9}))

	// alice produces every block; bob never does, so bob should be
	// kicked out for low production once the epoch finalizes.
	b1 := hashOf("b1")
	require.NoError(t, m.RecordBlockInfo(b1, types.BlockInfo{
		Height: 1, PrevHash: genesisHash, EpochId: types.Hash{}, ProducerID: "alice",
		GasUsed: 5, GasPrice: big.NewInt(2),
	}, [32]byte{9}))

	b2 := hashOf("b2")
	require.NoError(t, m.RecordBlockInfo(b2, types.BlockInfo{
		Height: 2, PrevHash: b1, EpochId: types.Hash{}, ProducerID: "alice",
		GasUsed: 5, GasPrice: big.NewInt(2),
	}, [32]byte{9}))

	newEpoch, err := m.GetEpochInfo(b2)
	require.NoError(t, err)
	assert.Contains(t, newEpoch.ValidatorKickout, "bob")
	assert.Greater(t, newEpoch.ValidatorReward["alice"].Sign(), -1)
	assert.Len(t, newEpoch.Validators, 1)
	assert.Equal(t, "alice", newEpoch.Validators[0].AccountID)
}

func TestFinalizeEpoch_InsufficientStakeReusesPrevious(t *testing.T) {
	kv := chainkv.NewMem()
	cfg := testConfig()
	cfg.EpochLength = 1
	cfg.NumBlockProducerSeats = 100
	m := New(kv, cfg)

	alice := types.ValidatorStake{AccountID: "alice", Amount: big.NewInt(1)}
	require.NoError(t, m.saveEpochInfo(types.Hash{}, genesisInfo([]types.ValidatorStake{alice})))

	genesisHash := hashOf("g2")
	require.NoError(t, m.RecordBlockInfo(genesisHash, types.BlockInfo{
		Height: 0, EpochId: types.Hash{}, ProducerID: "alice",
		GasUsed: 1, GasPrice: big.NewInt(1),
	}, [32]byte{3}))

	b1 := hashOf("b3")
	err := m.RecordBlockInfo(b1, types.BlockInfo{
		Height: 1, PrevHash: genesisHash, EpochId: types.Hash{}, ProducerID: "alice",
		GasUsed: 1, GasPrice: big.NewInt(1),
	}, [32]byte{3})
	require.NoError(t, err)

	reused, err := m.GetEpochInfo(b1)
	require.NoError(t, err)
	assert.Equal(t, "alice", reused.Validators[0].AccountID)
}

func TestFindSeatThreshold_NoValidators(t *testing.T) {
	_, err := findSeatThreshold(nil, 1)
	assert.ErrorIs(t, err, nodeerrors.ErrThreshold)
}
