// Package client implements the single-threaded orchestration actor
// of spec.md §4.6: block production, chunk production, the block
// accepted callback (pool reconciliation across Next/Fork/Reorg), and
// approval collection. Grounded on the teacher's pkg/batch/scheduler.go
// (ticker-driven run loop, cooperative retry-by-returning-nil rather
// than cancellation) and pkg/attestation/service.go (single-actor
// service object owning its collaborators and a small inbox of
// pending/parked items), generalized from "submit and poll anchor
// attestations" to "produce and accept blocks."
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/shardnet/node/internal/archive"
	"github.com/shardnet/node/internal/cryptoutil"
	"github.com/shardnet/node/internal/epoch"
	"github.com/shardnet/node/internal/merkletree"
	"github.com/shardnet/node/internal/metrics"
	"github.com/shardnet/node/internal/nodeerrors"
	"github.com/shardnet/node/internal/obslog"
	"github.com/shardnet/node/internal/store"
	"github.com/shardnet/node/internal/txpool"
	"github.com/shardnet/node/internal/types"
)

// Config carries the chain parameters and self-identity ClientLoop
// needs.
type Config struct {
	AccountID                    string
	NumShards                    uint64
	TransactionValidityPeriod    int
	MaxBlockProductionDelay      time.Duration
	BlockProductionTrackingDelay time.Duration
	GasLimit                     uint64
	ProtocolVersion              uint32
}

// runState mirrors the teacher's SchedulerState enum.
type runState string

const (
	stateStopped runState = "stopped"
	stateRunning runState = "running"
)

// ClientLoop is the single-threaded actor owning the chain store, the
// transaction pool, and per-actor epoch manager cache (spec.md §5: no
// shared mutable state crosses actor boundaries except the KV store).
type ClientLoop struct {
	mu sync.Mutex

	cfg     Config
	chain   *store.ChainStore
	kv      types.KVStore
	epoch   *epoch.Manager
	pool    *txpool.Pool
	runtime types.RuntimeAdapter
	net     types.NetworkSink
	signer  *cryptoutil.PrivateKey
	archive *archive.Store
	log     *obslog.Logger

	pendingApprovals map[types.Hash][]types.Approval
	approvals        map[types.Hash]map[string]types.Approval

	state  runState
	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a ClientLoop. kv is the same handle the chain store
// was built over — needed directly for the catchup scan, which walks
// a whole column rather than one cached record.
func New(cfg Config, chain *store.ChainStore, kv types.KVStore, epochMgr *epoch.Manager, pool *txpool.Pool, runtime types.RuntimeAdapter, net types.NetworkSink, signer *cryptoutil.PrivateKey) *ClientLoop {
	return &ClientLoop{
		cfg:              cfg,
		chain:            chain,
		kv:               kv,
		epoch:            epochMgr,
		pool:             pool,
		runtime:          runtime,
		net:              net,
		signer:           signer,
		log:              obslog.New("client"),
		pendingApprovals: map[types.Hash][]types.Approval{},
		approvals:        map[types.Hash]map[string]types.Approval{},
		state:            stateStopped,
	}
}

// WithArchive attaches an outcome archive sink. archive may be nil, in
// which case archiving is a no-op (internal/archive.Store's own
// nil-safety), so callers that don't enable archiving don't need to
// branch here either.
func (c *ClientLoop) WithArchive(a *archive.Store) *ClientLoop {
	c.archive = a
	return c
}

// Start runs the production tracking loop in a background goroutine,
// grounded on pkg/batch/scheduler.go's Start/run shape: a ticker drives
// periodic produce_block attempts, cooperative retry on failure rather
// than cancellation (spec.md §5 "Cancellation").
func (c *ClientLoop) Start(ctx context.Context) {
	c.mu.Lock()
	if c.state == stateRunning {
		c.mu.Unlock()
		return
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.state = stateRunning
	c.mu.Unlock()

	go c.run(ctx)
}

// Stop halts the tracking loop and waits for it to exit.
func (c *ClientLoop) Stop() {
	c.mu.Lock()
	if c.state != stateRunning {
		c.mu.Unlock()
		return
	}
	close(c.stopCh)
	c.state = stateStopped
	c.mu.Unlock()
	<-c.doneCh
}

func (c *ClientLoop) run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.cfg.BlockProductionTrackingDelay)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case now := <-ticker.C:
			elapsed := now.Sub(start)
			head, err := c.chain.GetTip(types.TipHead)
			if err != nil {
				c.log.Warnf("run: no head tip yet: %v", err)
				continue
			}
			block, err := c.ProduceBlock(head.Height+1, elapsed)
			if err != nil {
				c.log.Warnf("produce_block(%d): %v", head.Height+1, err)
				continue
			}
			if block == nil {
				continue // cooperative retry, matching produce_block returning None
			}
			start = time.Now()
			if err := c.OnBlockAccepted(block, types.BlockStatusNext, types.ProvenanceProduced); err != nil {
				c.log.Errorf("on_block_accepted for locally produced block: %v", err)
			}
		}
	}
}

// ProduceBlock implements spec.md §4.6's produce_block. Returns (nil,
// nil) for every condition the spec says to retry on, matching the
// original's `Option<Block>` return shape as a Go nil.
func (c *ClientLoop) ProduceBlock(nextHeight uint64, elapsed time.Duration) (*types.Block, error) {
	latestKnown, err := c.chain.GetTip(types.TipLatestKnown)
	if err == nil && nextHeight <= latestKnown.Height {
		return nil, nil
	}

	head, err := c.chain.GetTip(types.TipHead)
	if err != nil {
		return nil, fmt.Errorf("produce_block: no head: %w", err)
	}

	epochID, err := c.epoch.GetEpochIdFromPrevBlock(head.LastBlockHash)
	if err != nil {
		return nil, fmt.Errorf("produce_block: epoch id: %w", err)
	}
	producer, err := c.epoch.GetBlockProducer(epochID, nextHeight)
	if err != nil {
		return nil, fmt.Errorf("produce_block: elected producer: %w", err)
	}
	if producer.AccountID != c.cfg.AccountID {
		return nil, nil
	}

	crossesEpoch, err := c.epoch.IsNextBlockEpochStart(head.LastBlockHash)
	if err != nil {
		return nil, fmt.Errorf("produce_block: epoch boundary: %w", err)
	}
	// Step 3: if crossing an epoch boundary, every tracked shard's state
	// must already be caught up. A pending StateSyncInfo for the
	// upcoming epoch tail means it is not; retry later.
	if crossesEpoch {
		if _, err := c.getStateSyncInfo(head.LastBlockHash); err == nil {
			return nil, nil
		}
	}

	required := c.requiredApprovals(epochID, head)
	if uint64(len(c.approvals[head.LastBlockHash])) < required && elapsed < c.cfg.MaxBlockProductionDelay {
		return nil, nil
	}

	prevBlock, err := c.chain.GetBlock(head.LastBlockHash)
	if err != nil {
		return nil, fmt.Errorf("produce_block: prev block: %w", err)
	}
	chunkHeaders := make([]types.ChunkHeader, len(prevBlock.ChunkHeaders))
	copy(chunkHeaders, prevBlock.ChunkHeaders)

	approvalList := make([]types.Approval, 0, len(c.approvals[head.LastBlockHash]))
	for _, a := range c.approvals[head.LastBlockHash] {
		approvalList = append(approvalList, a)
	}

	prevWeight := big.NewInt(0)
	if head.TotalWeight != nil {
		prevWeight = head.TotalWeight
	}
	header := types.BlockHeader{
		Height:             nextHeight,
		PrevHash:           head.LastBlockHash,
		EpochId:            epochID,
		Timestamp:          time.Now().Unix(),
		TotalWeight:        new(big.Int).Add(prevWeight, big.NewInt(1)),
		ChunkHeadersRoot:   merkletree.ChunkHeadersRoot(chunkHeaders),
		ValidatorProposals: nil,
		GasPrice:           prevBlock.Header.GasPrice,
		ProducerPublicKey:  c.signer.Public(),
	}
	sig, err := c.signer.Sign(header.Hash())
	if err != nil {
		return nil, fmt.Errorf("produce_block: sign header: %w", err)
	}
	header.Signature = sig

	block := &types.Block{Header: header, ChunkHeaders: chunkHeaders}
	_ = approvalList // Block has no approvals field; approvals stay only in c.approvals

	u := store.NewUpdate(c.chain)
	u.SaveTip(types.TipLatestKnown, &types.Tip{Height: nextHeight, LastBlockHash: block.Hash(), TotalWeight: header.TotalWeight})
	if err := u.Commit(); err != nil {
		return nil, fmt.Errorf("produce_block: advance latest_known: %w", err)
	}
	metrics.BlocksProduced.Inc()
	return block, nil
}

// getStateSyncInfo reads a StateSyncInfo record directly off the KV
// store: Update only buffers writes until Commit, so a read of
// already-committed state goes straight through kv rather than
// through a ChainStore/Update accessor.
func (c *ClientLoop) getStateSyncInfo(tailHash types.Hash) (*types.StateSyncInfo, error) {
	b, err := c.kv.Get(types.ColStateDlInfos, tailHash[:])
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("no state-sync info for %s", tailHash)
	}
	var info types.StateSyncInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// requiredApprovals implements spec.md §4.6 step 4's clamp-at-zero
// formula.
func (c *ClientLoop) requiredApprovals(epochID types.EpochId, head *types.Tip) uint64 {
	producers, err := c.epoch.GetAllBlockProducers(epochID, head.LastBlockHash)
	if err != nil {
		return 0
	}
	prevProducer, err := c.epoch.GetBlockProducer(epochID, head.Height)
	needed := 2
	if err == nil && prevProducer.AccountID == c.cfg.AccountID {
		needed = 1
	}
	total := uint64(len(producers))
	if total < uint64(needed) {
		return 0
	}
	return total - uint64(needed)
}

// ProduceChunk implements spec.md §4.6's chunk production: elected
// chunk-producer check, pool draining under the transaction-validity
// window, and root assembly.
func (c *ClientLoop) ProduceChunk(epochID types.EpochId, height, shardID uint64, prevBlockHash types.Hash, gasLimit uint64) (*types.ShardChunk, error) {
	producer, err := c.epoch.GetChunkProducer(epochID, height, shardID)
	if err != nil {
		return nil, fmt.Errorf("produce_chunk: elected producer: %w", err)
	}
	if producer.AccountID != c.cfg.AccountID {
		return nil, nil
	}

	prevHeader, err := c.chain.GetHeader(prevBlockHash)
	if err != nil {
		return nil, fmt.Errorf("produce_chunk: prev header: %w", err)
	}

	it := c.pool.DrainingIterator()
	var chosen []types.SignedTransaction
	committed := false
	defer func() {
		if committed {
			it.Commit()
		} else {
			it.Drop()
		}
	}()

	var gasUsed uint64
	for gasUsed < gasLimit {
		grp := it.Next()
		if grp == nil {
			break
		}
		for gasUsed < gasLimit {
			tx, ok := grp.Next()
			if !ok {
				break
			}
			if err := c.chain.CheckBlocksOnSameChain(prevHeader, tx.BlockHash, c.cfg.TransactionValidityPeriod); err != nil {
				continue // expired or off-chain: drop silently, matching filter_transactions
			}
			chosen = append(chosen, tx)
			gasUsed += totalPrepaidGasEstimate(tx)
		}
	}
	committed = true

	chunk := &types.ShardChunk{
		ShardID:       shardID,
		HeightCreated: height,
		PrevBlockHash: prevBlockHash,
		Transactions:  chosen,
		GasLimit:      gasLimit,
		GasUsed:       gasUsed,
	}
	metrics.ChunksProduced.WithLabelValues(fmt.Sprintf("%d", shardID)).Inc()
	return chunk, nil
}

func totalPrepaidGasEstimate(tx types.SignedTransaction) uint64 {
	var sum uint64
	for _, a := range tx.Actions {
		sum += a.PrepaidGas
	}
	if sum == 0 {
		sum = 1
	}
	return sum
}

// OnBlockAccepted implements spec.md §4.6's callback: pool
// reconciliation by BlockStatus, and rebroadcast suppression for
// locally produced blocks.
func (c *ClientLoop) OnBlockAccepted(block *types.Block, status types.BlockStatus, provenance types.Provenance) error {
	c.verifyBlockChallenges(block)

	switch status {
	case types.BlockStatusNext:
		var hashes []types.Hash
		for _, ch := range block.ChunkHeaders {
			chunk, err := c.chain.GetChunk(ch.ChunkHash)
			if err != nil {
				continue
			}
			for _, tx := range chunk.Transactions {
				hashes = append(hashes, tx.Hash())
			}
		}
		c.pool.RemoveTransactions(hashes)
	case types.BlockStatusFork:
		// no mempool action
	case types.BlockStatusReorg:
		if err := c.reconcilePoolOnReorg(block); err != nil {
			return err
		}
	}

	if status == types.BlockStatusNext || status == types.BlockStatusReorg {
		if err := c.applyAcceptedChunks(context.Background(), block); err != nil {
			c.log.Errorf("apply chunks for accepted block %s: %v", block.Hash(), err)
		}
		if err := c.advanceHeadTip(block); err != nil {
			c.log.Errorf("advance head tip to %s: %v", block.Hash(), err)
		}
	}

	if provenance != types.ProvenanceProduced && c.net != nil {
		c.net.BroadcastHeaderAnnounce(&block.Header, c.selfApproval(block))
	}
	metrics.BlocksAccepted.WithLabelValues(statusLabel(status)).Inc()
	return nil
}

// advanceHeadTip moves the head tip to block, the last step of
// accepting a block onto the canonical chain (spec.md §3: "head — tip
// of the best block chain, transactions applied through here").
func (c *ClientLoop) advanceHeadTip(block *types.Block) error {
	u := store.NewUpdate(c.chain)
	u.SaveTip(types.TipHead, &types.Tip{
		Height:        block.Header.Height,
		LastBlockHash: block.Hash(),
		PrevBlockHash: block.Header.PrevHash,
		TotalWeight:   block.Header.TotalWeight,
		EpochId:       block.Header.EpochId,
	})
	return u.Commit()
}

// verifyBlockChallenges replays every state challenge carried in an
// accepted block and counts the ones that turn out to be malicious.
// Replay errors are logged rather than returned: a challenge that
// fails to decode or replay shouldn't stall block acceptance.
func (c *ClientLoop) verifyBlockChallenges(block *types.Block) {
	if c.runtime == nil {
		return
	}
	for _, ch := range block.Challenges {
		err := c.runtime.VerifyChunkStateChallenge(context.Background(), ch.Proof)
		switch {
		case err == nil:
			c.log.Warnf("challenge upheld against block %s: %s", ch.BlockHash, ch.Reason)
		case errors.Is(err, nodeerrors.ErrMaliciousChallenge):
			metrics.ChallengesRejected.Inc()
			c.log.Warnf("malicious state challenge against block %s rejected", ch.BlockHash)
		default:
			c.log.Warnf("replay challenge against block %s: %v", ch.BlockHash, err)
		}
	}
}

func statusLabel(s types.BlockStatus) string {
	switch s {
	case types.BlockStatusNext:
		return "next"
	case types.BlockStatusFork:
		return "fork"
	default:
		return "reorg"
	}
}

func (c *ClientLoop) selfApproval(block *types.Block) *types.Approval {
	if c.signer == nil {
		return nil
	}
	sig, err := c.signer.Sign(block.Header.Hash())
	if err != nil {
		return nil
	}
	return &types.Approval{ParentHash: block.Header.PrevHash, AccountID: c.cfg.AccountID, Signature: sig}
}

// reconcilePoolOnReorg walks both tips back to their common ancestor,
// advancing whichever side is currently taller by one step per
// iteration, reintroducing transactions from the abandoned branch and
// removing transactions that are also on the new branch (spec.md §4.6,
// testable property S5). New-branch removals are applied after every
// reinsertion, so a transaction on both branches ends up out of the pool.
func (c *ClientLoop) reconcilePoolOnReorg(newHead *types.Block) error {
	prevHeadTip, err := c.chain.GetTip(types.TipHead)
	if err != nil {
		return fmt.Errorf("reconcile pool on reorg: no previous head: %w", err)
	}
	oldHeader, err := c.chain.GetHeader(prevHeadTip.LastBlockHash)
	if err != nil {
		return fmt.Errorf("reconcile pool on reorg: old head header: %w", err)
	}
	newHeader := &newHead.Header

	oldCur, newCur := oldHeader, newHeader
	var newBranch []*types.BlockHeader
	for oldCur.Hash() != newCur.Hash() {
		if oldCur.Height >= newCur.Height {
			if err := c.reintroduceChunkTransactions(oldCur); err != nil {
				return err
			}
			parent, err := c.chain.GetHeader(oldCur.PrevHash)
			if err != nil {
				return fmt.Errorf("reconcile pool on reorg: walk old branch: %w", err)
			}
			oldCur = parent
			continue
		}
		newBranch = append(newBranch, newCur)
		parent, err := c.chain.GetHeader(newCur.PrevHash)
		if err != nil {
			return fmt.Errorf("reconcile pool on reorg: walk new branch: %w", err)
		}
		newCur = parent
	}

	for _, h := range newBranch {
		if err := c.markChunkTransactionsSeen(h); err != nil {
			return err
		}
	}
	return nil
}

func (c *ClientLoop) reintroduceChunkTransactions(header *types.BlockHeader) error {
	blk, err := c.chain.GetBlock(header.Hash())
	if err != nil {
		return nil // nothing recorded for this header, nothing to reintroduce
	}
	for _, ch := range blk.ChunkHeaders {
		chunk, err := c.chain.GetChunk(ch.ChunkHash)
		if err != nil {
			continue
		}
		for _, tx := range chunk.Transactions {
			c.pool.Insert(tx)
		}
	}
	return nil
}

func (c *ClientLoop) markChunkTransactionsSeen(header *types.BlockHeader) error {
	blk, err := c.chain.GetBlock(header.Hash())
	if err != nil {
		return nil
	}
	for _, ch := range blk.ChunkHeaders {
		chunk, err := c.chain.GetChunk(ch.ChunkHash)
		if err != nil {
			continue
		}
		var hashes []types.Hash
		for _, tx := range chunk.Transactions {
			hashes = append(hashes, tx.Hash())
		}
		c.pool.RemoveTransactions(hashes)
	}
	return nil
}

// RecordApproval implements spec.md §4.6's approval collection: if the
// parent block is unknown, park the approval; otherwise validate it
// immediately.
func (c *ClientLoop) RecordApproval(blockHash types.Hash, a types.Approval) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.chain.GetHeader(blockHash); err != nil {
		c.pendingApprovals[blockHash] = append(c.pendingApprovals[blockHash], a)
		return nil
	}
	return c.validateAndInsertApproval(blockHash, a)
}

// ReplayPendingApprovals is called once a previously-unknown block
// arrives, draining anything parked under its hash.
func (c *ClientLoop) ReplayPendingApprovals(blockHash types.Hash) error {
	c.mu.Lock()
	parked := c.pendingApprovals[blockHash]
	delete(c.pendingApprovals, blockHash)
	c.mu.Unlock()

	for _, a := range parked {
		if err := c.validateAndInsertApproval(blockHash, a); err != nil {
			c.log.Warnf("replay parked approval for %s: %v", blockHash, err)
		}
	}
	return nil
}

func (c *ClientLoop) validateAndInsertApproval(blockHash types.Hash, a types.Approval) error {
	header, err := c.chain.GetHeader(blockHash)
	if err != nil {
		return err
	}
	epochID, err := c.epoch.GetEpochId(blockHash)
	if err != nil {
		return fmt.Errorf("validate approval: epoch id: %w", err)
	}
	validator, ok, err := c.epoch.GetValidatorByAccount(epochID, a.AccountID)
	if err != nil {
		return fmt.Errorf("validate approval: lookup signer: %w", err)
	}
	if !ok {
		return fmt.Errorf("validate approval: %s is not a validator in epoch %s", a.AccountID, epochID)
	}
	blockInfo, err := c.epoch.GetBlockInfo(blockHash)
	if err != nil {
		return fmt.Errorf("validate approval: block info: %w", err)
	}
	if blockInfo.SlashedSet[a.AccountID] {
		return fmt.Errorf("validate approval: %s is slashed", a.AccountID)
	}
	if !cryptoutil.Verify(validator.PublicKey, header.Hash(), a.Signature) {
		return fmt.Errorf("validate approval: bad signature from %s", a.AccountID)
	}

	if c.approvals[blockHash] == nil {
		c.approvals[blockHash] = map[string]types.Approval{}
	}
	c.approvals[blockHash][a.AccountID] = a
	return nil
}

// RunCatchup implements spec.md §4.6's run_catchup: iterate pending
// StateSyncInfo records and drive their state-sync machine, applying
// any blocks buffered on each completion.
func (c *ClientLoop) RunCatchup(ctx context.Context, driveOne func(context.Context, *types.StateSyncInfo) (bool, error), applyBuffered func(types.Hash) error) error {
	var infos []*types.StateSyncInfo
	err := c.kv.IteratePrefix(types.ColStateDlInfos, nil, func(_, value []byte) bool {
		var info types.StateSyncInfo
		if json.Unmarshal(value, &info) == nil {
			infos = append(infos, &info)
		}
		return false
	})
	if err != nil {
		return fmt.Errorf("run_catchup: scan state-dl-infos: %w", err)
	}

	for _, info := range infos {
		done, err := driveOne(ctx, info)
		if err != nil {
			c.log.Warnf("run_catchup: state sync for tail %s: %v", info.EpochTailHash, err)
			continue
		}
		if done {
			if err := applyBuffered(info.EpochTailHash); err != nil {
				c.log.Errorf("run_catchup: apply buffered blocks for %s: %v", info.EpochTailHash, err)
			}
		}
	}
	return nil
}
