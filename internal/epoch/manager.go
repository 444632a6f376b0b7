// Package epoch implements the fork-aware validator-assignment state
// machine (spec.md §4.3): per-block epoch bookkeeping, epoch
// finalization with reward/kickout computation, and producer lookups
// that answer "who produces at height H on fork F" without replaying
// history. Grounded on the teacher's pkg/consensus (validator
// metadata, threshold/BFT arithmetic in pkg/consensus/types.go) and
// pkg/batch/consensus_coordinator.go's "walk recent history, tally,
// decide" shape, generalized from BFT round coordination to
// once-per-epoch finalization.
package epoch

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/shardnet/node/internal/nodeerrors"
	"github.com/shardnet/node/internal/obslog"
	"github.com/shardnet/node/internal/types"
)

// Config holds the chain parameters the epoch manager needs.
type Config struct {
	EpochLength           uint64
	NumBlockProducerSeats uint64
	NumShards             uint64
	KickoutThresholdPct   uint64
	MinimumStake          *big.Int
}

// Manager is the per-actor EpochManager. Each actor (ClientLoop,
// ViewClient) constructs its own Manager over the shared KVStore
// (spec.md §5): the in-memory caches below are never shared across
// actors.
type Manager struct {
	kv  types.KVStore
	cfg Config
	log *obslog.Logger

	blockInfoCache map[types.Hash]*types.BlockInfo
	epochInfoCache map[types.EpochId]*types.EpochInfo
}

// New constructs an EpochManager.
func New(kv types.KVStore, cfg Config) *Manager {
	return &Manager{
		kv:             kv,
		cfg:            cfg,
		log:            obslog.New("epoch"),
		blockInfoCache: make(map[types.Hash]*types.BlockInfo),
		epochInfoCache: make(map[types.EpochId]*types.EpochInfo),
	}
}

func (m *Manager) MinimumStakeForStake() *big.Int { return m.cfg.MinimumStake }

// GetBlockInfo returns the per-block epoch record for hash, reading
// through the in-memory cache to the store.
func (m *Manager) GetBlockInfo(hash types.Hash) (*types.BlockInfo, error) {
	if bi, ok := m.blockInfoCache[hash]; ok {
		return bi, nil
	}
	raw, err := m.kv.Get(types.ColBlockInfo, hash[:])
	if err != nil {
		return nil, fmt.Errorf("get block info: %w", err)
	}
	if raw == nil {
		return nil, nodeerrors.NewFatal(fmt.Errorf("%w: block info for %s", nodeerrors.ErrNotFound, hash))
	}
	var bi types.BlockInfo
	if err := json.Unmarshal(raw, &bi); err != nil {
		return nil, fmt.Errorf("decode block info: %w", err)
	}
	m.blockInfoCache[hash] = &bi
	return &bi, nil
}

// GetEpochInfo returns the immutable assignment record for epochID.
func (m *Manager) GetEpochInfo(epochID types.EpochId) (*types.EpochInfo, error) {
	if ei, ok := m.epochInfoCache[epochID]; ok {
		return ei, nil
	}
	raw, err := m.kv.Get(types.ColEpochInfo, epochID[:])
	if err != nil {
		return nil, fmt.Errorf("get epoch info: %w", err)
	}
	if raw == nil {
		return nil, nodeerrors.NotFound("epoch-info")
	}
	var ei types.EpochInfo
	if err := json.Unmarshal(raw, &ei); err != nil {
		return nil, fmt.Errorf("decode epoch info: %w", err)
	}
	m.epochInfoCache[epochID] = &ei
	return &ei, nil
}

func (m *Manager) saveBlockInfo(hash types.Hash, bi *types.BlockInfo) error {
	buf, err := json.Marshal(bi)
	if err != nil {
		return fmt.Errorf("marshal block info: %w", err)
	}
	b := m.kv.NewBatch()
	b.Put(types.ColBlockInfo, hash[:], buf)
	if err := b.Commit(); err != nil {
		return fmt.Errorf("save block info: %w", err)
	}
	m.blockInfoCache[hash] = bi
	return nil
}

func (m *Manager) saveEpochInfo(epochID types.EpochId, ei *types.EpochInfo) error {
	buf, err := json.Marshal(ei)
	if err != nil {
		return fmt.Errorf("marshal epoch info: %w", err)
	}
	b := m.kv.NewBatch()
	b.Put(types.ColEpochInfo, epochID[:], buf)
	if err := b.Commit(); err != nil {
		return fmt.Errorf("save epoch info: %w", err)
	}
	m.epochInfoCache[epochID] = ei
	return nil
}

// RecordBlockInfo persists the BlockInfo for hash, idempotently
// (spec.md §4.3, testable property 8). It inherits the slashed set
// from the predecessor, derives epoch_first_block, and finalizes the
// ending epoch when the next block would cross an epoch boundary.
func (m *Manager) RecordBlockInfo(hash types.Hash, info types.BlockInfo, rngSeed [32]byte) error {
	if _, err := m.GetBlockInfo(hash); err == nil {
		return nil // idempotent: already recorded
	}

	info.Hash = hash
	isGenesis := info.PrevHash.IsZero() && info.Height == 0

	if isGenesis {
		info.EpochFirstBlock = hash
		if info.SlashedSet == nil {
			info.SlashedSet = map[string]bool{}
		}
	} else {
		prev, err := m.GetBlockInfo(info.PrevHash)
		if err != nil {
			return fmt.Errorf("record block info: predecessor: %w", err)
		}
		merged := map[string]bool{}
		for k, v := range prev.SlashedSet {
			merged[k] = v
		}
		for k, v := range info.SlashedSet {
			merged[k] = v
		}
		info.SlashedSet = merged

		if prev.EpochId != info.EpochId {
			info.EpochFirstBlock = hash
		} else {
			info.EpochFirstBlock = prev.EpochFirstBlock
		}
	}

	if err := m.saveBlockInfo(hash, &info); err != nil {
		return err
	}

	startsNewEpoch, err := m.IsNextBlockEpochStart(hash)
	if err != nil {
		return fmt.Errorf("record block info: epoch boundary check: %w", err)
	}
	if startsNewEpoch {
		if err := m.finalizeEpoch(hash, rngSeed); err != nil {
			if err == nodeerrors.ErrThreshold {
				m.log.Warnf("epoch finalization at %s: stake below seat threshold, reusing previous assignment", hash)
				return m.reuseWithUpdatedGas(hash, &info)
			}
			return fmt.Errorf("finalize epoch at %s: %w", hash, err)
		}
	}
	return nil
}

// IsNextBlockEpochStart reports whether the block built on top of
// parentHash would start a new epoch (spec.md §4.3).
func (m *Manager) IsNextBlockEpochStart(parentHash types.Hash) (bool, error) {
	parent, err := m.GetBlockInfo(parentHash)
	if err != nil {
		return false, err
	}
	first, err := m.GetBlockInfo(parent.EpochFirstBlock)
	if err != nil {
		return false, err
	}
	return parent.Height+1 >= first.Height+m.cfg.EpochLength, nil
}

// GetEpochId returns the epoch id recorded for hash.
func (m *Manager) GetEpochId(hash types.Hash) (types.EpochId, error) {
	bi, err := m.GetBlockInfo(hash)
	if err != nil {
		return types.Hash{}, err
	}
	return bi.EpochId, nil
}

// GetNextEpochId returns the epoch id that a block built on top of
// hash would belong to.
func (m *Manager) GetNextEpochId(hash types.Hash) (types.EpochId, error) {
	starts, err := m.IsNextBlockEpochStart(hash)
	if err != nil {
		return types.Hash{}, err
	}
	if starts {
		return hash, nil
	}
	return m.GetEpochId(hash)
}

// GetEpochIdFromPrevBlock is an alias for GetNextEpochId kept to
// mirror the distinct call sites in spec.md §4.3.
func (m *Manager) GetEpochIdFromPrevBlock(parent types.Hash) (types.EpochId, error) {
	return m.GetNextEpochId(parent)
}

// GetBlockProducer returns the elected block producer at height
// within epochID.
func (m *Manager) GetBlockProducer(epochID types.EpochId, height uint64) (types.ValidatorStake, error) {
	ei, err := m.GetEpochInfo(epochID)
	if err != nil {
		return types.ValidatorStake{}, err
	}
	if len(ei.BlockProducers) == 0 {
		return types.ValidatorStake{}, fmt.Errorf("epoch %s has no block producer seats", epochID)
	}
	idx := ei.BlockProducers[height%uint64(len(ei.BlockProducers))]
	return ei.Validators[idx], nil
}

// GetChunkProducer returns the elected chunk producer at (height,
// shard) within epochID.
func (m *Manager) GetChunkProducer(epochID types.EpochId, height, shard uint64) (types.ValidatorStake, error) {
	ei, err := m.GetEpochInfo(epochID)
	if err != nil {
		return types.ValidatorStake{}, err
	}
	if int(shard) >= len(ei.ChunkProducers) || len(ei.ChunkProducers[shard]) == 0 {
		return types.ValidatorStake{}, fmt.Errorf("epoch %s shard %d has no chunk producer seats", epochID, shard)
	}
	seats := ei.ChunkProducers[shard]
	idx := seats[height%uint64(len(seats))]
	return ei.Validators[idx], nil
}

// BlockProducerInfo is one entry of GetAllBlockProducers' result.
type BlockProducerInfo struct {
	Validator types.ValidatorStake
	Slashed   bool
}

// GetAllBlockProducers lists the epoch's block producers with their
// slashed flag read from BlockInfo at knownHash, so the same epoch
// viewed from different forks can report different slashed sets
// (spec.md §4.3).
func (m *Manager) GetAllBlockProducers(epochID types.EpochId, knownHash types.Hash) ([]BlockProducerInfo, error) {
	ei, err := m.GetEpochInfo(epochID)
	if err != nil {
		return nil, err
	}
	bi, err := m.GetBlockInfo(knownHash)
	if err != nil {
		return nil, err
	}
	seen := make(map[int]bool)
	var out []BlockProducerInfo
	for _, idx := range ei.BlockProducers {
		if seen[idx] {
			continue
		}
		seen[idx] = true
		v := ei.Validators[idx]
		out = append(out, BlockProducerInfo{Validator: v, Slashed: bi.SlashedSet[v.AccountID]})
	}
	return out, nil
}

// GetValidatorByAccount finds a validator's stake entry in epochID.
func (m *Manager) GetValidatorByAccount(epochID types.EpochId, accountID string) (types.ValidatorStake, bool, error) {
	ei, err := m.GetEpochInfo(epochID)
	if err != nil {
		return types.ValidatorStake{}, false, err
	}
	idx, ok := ei.ValidatorToIndex[accountID]
	if !ok {
		return types.ValidatorStake{}, false, nil
	}
	return ei.Validators[idx], true, nil
}

// reuseWithUpdatedGas implements the ThresholdError recovery path
// (spec.md §4.3, testable property 12): the previous epoch's
// assignment is reused verbatim except for total_gas_used, keeping
// the validator set stable so the chain stays alive.
func (m *Manager) reuseWithUpdatedGas(newEpochHash types.Hash, finalBlock *types.BlockInfo) error {
	prevEpoch, err := m.GetEpochInfo(finalBlock.EpochId)
	if err != nil {
		return fmt.Errorf("reuse previous epoch info: %w", err)
	}
	reused := *prevEpoch
	reused.TotalGasUsed = finalBlock.GasUsed
	return m.saveEpochInfo(newEpochHash, &reused)
}

// ComputeStakeReturnInfo returns, per account, the maximum stake
// across the three epochs relevant to the two-epoch stake lock
// (spec.md §4.3): the epoch ending at lastBlockHash and its two
// predecessors.
func (m *Manager) ComputeStakeReturnInfo(lastBlockHash types.Hash) (map[string]*big.Int, error) {
	bi, err := m.GetBlockInfo(lastBlockHash)
	if err != nil {
		return nil, err
	}
	epochIDs := []types.EpochId{bi.EpochId}
	cur := bi
	for i := 0; i < 2; i++ {
		first, err := m.GetBlockInfo(cur.EpochFirstBlock)
		if err != nil {
			break
		}
		if first.PrevHash.IsZero() && first.Height == 0 {
			break
		}
		prev, err := m.GetBlockInfo(first.PrevHash)
		if err != nil {
			break
		}
		epochIDs = append(epochIDs, prev.EpochId)
		cur = prev
	}

	out := make(map[string]*big.Int)
	for _, eid := range epochIDs {
		ei, err := m.GetEpochInfo(eid)
		if err != nil {
			continue
		}
		for _, v := range ei.Validators {
			if v.Amount == nil {
				continue
			}
			if cur, ok := out[v.AccountID]; !ok || v.Amount.Cmp(cur) > 0 {
				out[v.AccountID] = new(big.Int).Set(v.Amount)
			}
		}
	}
	return out, nil
}
