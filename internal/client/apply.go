package client

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/shardnet/node/internal/metrics"
	"github.com/shardnet/node/internal/store"
	"github.com/shardnet/node/internal/types"
)

// applyAcceptedChunks runs Runtime.apply for every chunk referenced by
// a block that just extended the canonical chain (spec.md §4.5/§4.6:
// the wiring from "chunk produced or accepted" to "chunk's
// transactions applied to state" that §4.6 leaves to the caller).
// Chunks already applied under this exact block hash are skipped, so
// replaying OnBlockAccepted for a locally produced block (whose chunks
// were not re-fetched from the network) is idempotent.
func (c *ClientLoop) applyAcceptedChunks(ctx context.Context, block *types.Block) error {
	blockHash := block.Hash()
	for _, ch := range block.ChunkHeaders {
		if _, err := c.chain.GetChunkExtra(blockHash, ch.ShardID); err == nil {
			continue // already applied for this block
		}
		chunk, err := c.chain.GetChunk(ch.ChunkHash)
		if err != nil {
			return fmt.Errorf("apply chunk for shard %d: %w", ch.ShardID, err)
		}
		if _, err := c.ApplyChunk(ctx, &block.Header, chunk); err != nil {
			return fmt.Errorf("apply chunk for shard %d: %w", ch.ShardID, err)
		}
	}
	return nil
}

// ApplyChunk assembles an ApplyRequest for chunk as included in the
// block identified by header, runs it through the runtime, and stages
// the result (new chunk extra, outgoing receipts, the chunk's own
// executed receipts) through one ChainStoreUpdate commit. Exported so
// ProduceChunk's caller can also apply a self-produced chunk
// immediately rather than waiting for a later OnBlockAccepted pass.
func (c *ClientLoop) ApplyChunk(ctx context.Context, header *types.BlockHeader, chunk *types.ShardChunk) (*types.ApplyResult, error) {
	blockHash := header.Hash()

	var stateRoot types.Hash
	if prevExtra, err := c.chain.GetChunkExtra(header.PrevHash, chunk.ShardID); err == nil {
		stateRoot = prevExtra.StateRoot
	}

	incoming, err := c.collectIncomingReceipts(header.PrevHash, chunk.ShardID)
	if err != nil {
		return nil, fmt.Errorf("apply_chunk: collect incoming receipts: %w", err)
	}

	isFirst, err := c.epoch.IsNextBlockEpochStart(header.PrevHash)
	if err != nil {
		isFirst = false
	}
	var updates []types.ValidatorAccountUpdate
	if isFirst {
		updates, err = c.buildValidatorAccountsUpdate(header.PrevHash)
		if err != nil {
			return nil, fmt.Errorf("apply_chunk: validator account settlement: %w", err)
		}
	}

	req := types.ApplyRequest{
		StateRoot:               stateRoot,
		ValidatorAccountsUpdate: updates,
		ApplyState: types.ApplyState{
			BlockHeight:         header.Height,
			Timestamp:           header.Timestamp,
			GasPrice:            header.GasPrice,
			GasLimit:            c.cfg.GasLimit,
			ProtocolVersion:     c.cfg.ProtocolVersion,
			ShardID:             chunk.ShardID,
			IsFirstBlockOfEpoch: isFirst,
		},
		IncomingReceipts:  incoming,
		Transactions:      chunk.Transactions,
		EpochInfoProvider: c.epoch,
	}

	start := time.Now()
	result, err := c.runtime.Apply(ctx, req)
	metrics.ApplyLatencySeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("apply_chunk: %w", err)
	}
	metrics.DelayedReceiptQueueLength.Set(float64(result.DelayedQueueLen))

	chunk.Receipts = result.OutgoingReceipts
	chunk.GasUsed = result.Stats.ReceiptGasBurnt

	u := store.NewUpdate(c.chain)
	u.SaveChunk(chunk)
	u.SaveChunkExtra(blockHash, chunk.ShardID, &types.ChunkExtra{
		StateRoot:          result.NewStateRoot,
		ValidatorProposals: result.ValidatorProposals,
		GasUsed:            chunk.GasUsed,
		GasLimit:           chunk.GasLimit,
	})
	u.SaveOutgoingReceipts(blockHash, chunk.ShardID, result.OutgoingReceipts)
	if err := u.Commit(); err != nil {
		return nil, fmt.Errorf("apply_chunk: commit: %w", err)
	}

	if c.archive != nil {
		for _, outcome := range result.PerItemOutcomes {
			if err := c.archive.RecordOutcome(ctx, outcome.ID, chunk.ShardID, header.Height, outcome); err != nil {
				c.log.Warnf("archive outcome %s: %v", outcome.ID, err)
			}
		}
	}
	return result, nil
}

// collectIncomingReceipts gathers every other shard's outgoing
// receipts recorded at prevBlockHash whose receiver routes to
// shardID (types.ShardForAccount), i.e. this shard's incoming-receipt
// set for the chunk being applied on top of prevBlockHash.
func (c *ClientLoop) collectIncomingReceipts(prevBlockHash types.Hash, shardID uint64) ([]types.Receipt, error) {
	var incoming []types.Receipt
	for shard := uint64(0); shard < c.cfg.NumShards; shard++ {
		if shard == shardID {
			continue
		}
		receipts, err := c.chain.GetOutgoingReceipts(prevBlockHash, shard)
		if err != nil {
			return nil, err
		}
		for _, r := range receipts {
			if types.ShardForAccount(r.ReceiverID, c.cfg.NumShards) == shardID {
				incoming = append(incoming, r)
			}
		}
	}
	return incoming, nil
}

// buildValidatorAccountsUpdate implements the per-account inputs
// spec.md §4.5 step 1 needs at the first block of an epoch: each
// account's max stake across the relevant epochs (locked-for-two-
// epochs accounting, epoch.Manager.ComputeStakeReturnInfo), its
// settled reward from the epoch that just finalized, and whether it
// was slashed on the fork leading to lastBlockHash.
func (c *ClientLoop) buildValidatorAccountsUpdate(lastBlockHash types.Hash) ([]types.ValidatorAccountUpdate, error) {
	maxStakes, err := c.epoch.ComputeStakeReturnInfo(lastBlockHash)
	if err != nil {
		return nil, err
	}
	epochID, err := c.epoch.GetEpochId(lastBlockHash)
	if err != nil {
		return nil, fmt.Errorf("epoch id: %w", err)
	}
	info, err := c.epoch.GetEpochInfo(epochID)
	if err != nil {
		return nil, fmt.Errorf("epoch info: %w", err)
	}
	blockInfo, err := c.epoch.GetBlockInfo(lastBlockHash)
	if err != nil {
		return nil, fmt.Errorf("block info: %w", err)
	}

	updates := make([]types.ValidatorAccountUpdate, 0, len(maxStakes))
	for account, maxStake := range maxStakes {
		reward := info.ValidatorReward[account]
		if reward == nil {
			reward = big.NewInt(0)
		}
		lastProposal := big.NewInt(0)
		if v, ok, err := c.epoch.GetValidatorByAccount(epochID, account); err == nil && ok && v.Amount != nil {
			lastProposal = v.Amount
		}
		updates = append(updates, types.ValidatorAccountUpdate{
			AccountID:     account,
			MaxStake:      maxStake,
			LastProposal:  lastProposal,
			AccruedReward: reward,
			Slashed:       blockInfo.SlashedSet[account],
		})
	}
	return updates, nil
}
