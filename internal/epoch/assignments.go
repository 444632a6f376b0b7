package epoch

import (
	"math/big"
	"math/rand"
	"sort"

	"github.com/shardnet/node/internal/nodeerrors"
	"github.com/shardnet/node/internal/types"
)

// proposalsToAssignments implements spec.md §4.3's seat-assignment
// algorithm: find the largest per-seat threshold stake such that at
// least numSeats block-producer seats can be filled, expand each
// surviving validator into floor(stake/threshold) slots, shuffle
// deterministically with seed, and wrap the
// shuffled slot list around the seat count to produce the
// block-producer and per-shard chunk-producer assignment.
//
// Grounded on the teacher's pkg/consensus/types.go threshold/voting
// arithmetic, generalized from a fixed validator-set quorum check to a
// proposal-driven seat election.
func proposalsToAssignments(survivors map[string]types.ValidatorStake, numSeats, numShards uint64, seed uint64) (*types.EpochInfo, error) {
	if numSeats == 0 {
		return nil, nodeerrors.ErrThreshold
	}

	validators := make([]types.ValidatorStake, 0, len(survivors))
	for _, v := range survivors {
		validators = append(validators, v)
	}
	sort.Slice(validators, func(i, j int) bool { return validators[i].AccountID < validators[j].AccountID })

	if uint64(len(validators)) == 0 {
		return nil, nodeerrors.ErrThreshold
	}

	threshold, err := findSeatThreshold(validators, numSeats)
	if err != nil {
		return nil, err
	}

	type slot struct{ validatorIdx int }
	var slots []slot
	for i, v := range validators {
		n := new(big.Int).Div(v.Amount, threshold).Uint64()
		if n == 0 {
			continue
		}
		for j := uint64(0); j < n; j++ {
			slots = append(slots, slot{validatorIdx: i})
		}
	}
	if len(slots) == 0 {
		return nil, nodeerrors.ErrThreshold
	}

	rng := rand.New(rand.NewSource(int64(seed)))
	rng.Shuffle(len(slots), func(i, j int) { slots[i], slots[j] = slots[j], slots[i] })

	blockProducers := make([]int, numSeats)
	for i := uint64(0); i < numSeats; i++ {
		blockProducers[i] = slots[int(i)%len(slots)].validatorIdx
	}

	chunkProducers := make([][]int, numShards)
	seatsPerShard := numSeats
	if numShards > 0 {
		seatsPerShard = numSeats / numShards
		if seatsPerShard == 0 {
			seatsPerShard = 1
		}
	}
	for s := uint64(0); s < numShards; s++ {
		seats := make([]int, seatsPerShard)
		for i := uint64(0); i < seatsPerShard; i++ {
			offset := (s*seatsPerShard + i) % uint64(len(slots))
			seats[i] = slots[offset].validatorIdx
		}
		chunkProducers[s] = seats
	}

	valToIdx := make(map[string]int, len(validators))
	stakeChange := make(map[string]*big.Int, len(validators))
	for i, v := range validators {
		valToIdx[v.AccountID] = i
		stakeChange[v.AccountID] = new(big.Int).Set(v.Amount)
	}

	return &types.EpochInfo{
		Validators:       validators,
		ValidatorToIndex: valToIdx,
		BlockProducers:   blockProducers,
		ChunkProducers:   chunkProducers,
		StakeChange:      stakeChange,
		ValidatorReward:  map[string]*big.Int{},
		ValidatorKickout: map[string]string{},
	}, nil
}

// findSeatThreshold binary-searches over stake amounts for the largest
// threshold T such that sum(floor(stake_i / T)) >= numSeats. Returns
// ErrThreshold if even T=1 cannot fill every seat.
func findSeatThreshold(validators []types.ValidatorStake, numSeats uint64) (*big.Int, error) {
	total := new(big.Int)
	for _, v := range validators {
		if v.Amount != nil {
			total.Add(total, v.Amount)
		}
	}
	if total.Sign() == 0 {
		return nil, nodeerrors.ErrThreshold
	}

	seatsFilled := func(threshold *big.Int) uint64 {
		if threshold.Sign() == 0 {
			return 0
		}
		var sum uint64
		for _, v := range validators {
			if v.Amount == nil {
				continue
			}
			sum += new(big.Int).Div(v.Amount, threshold).Uint64()
		}
		return sum
	}

	if seatsFilled(big.NewInt(1)) < numSeats {
		return nil, nodeerrors.ErrThreshold
	}

	lo, hi := big.NewInt(1), new(big.Int).Set(total)
	for lo.Cmp(hi) < 0 {
		mid := new(big.Int).Add(lo, hi)
		mid.Add(mid, big.NewInt(1))
		mid.Div(mid, big.NewInt(2))
		if seatsFilled(mid) >= numSeats {
			lo = mid
		} else {
			hi.Sub(mid, big.NewInt(1))
		}
	}
	return lo, nil
}
