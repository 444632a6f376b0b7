// Package store implements the authenticated, cached key-value access
// layer (ChainStore, spec.md §4.1) and the scoped atomic write layer
// (ChainStoreUpdate, spec.md §4.2) over the column-family KV facade.
// Grounded on the teacher's pkg/ledger/store.go (single-writer
// metadata store over a KV handle) generalized from ledger metadata
// records to headers, blocks, chunks and tip pointers, and on
// pkg/kvdb for the underlying storage adapter shape.
package store

import (
	"container/list"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shardnet/node/internal/chainkv"
	"github.com/shardnet/node/internal/metrics"
	"github.com/shardnet/node/internal/nodeerrors"
	"github.com/shardnet/node/internal/obslog"
	"github.com/shardnet/node/internal/types"
)

// Default cache capacities per spec.md §4.1 / §5.
const (
	headerCacheCapacity = 100
	blockCacheCapacity  = 100
	chunkCacheCapacity  = 1024
)

// ChainStore is the cached, column-indexed access layer. Each
// instance owns its own caches; two actors (ClientLoop, ViewClient)
// each construct their own ChainStore over the same shared KVStore
// handle (spec.md §5).
type ChainStore struct {
	kv types.KVStore
	log *obslog.Logger

	headers *chainkv.Cache
	blocks  *chainkv.Cache
	chunks  *chainkv.Cache

	mu          sync.Mutex
	headerDeque *headerDeque // transaction-validity header cache (spec.md §4.1)
}

// New constructs a ChainStore over kv with the spec's default cache
// sizes.
func New(kv types.KVStore) *ChainStore {
	return &ChainStore{
		kv:          kv,
		log:         obslog.New("chainstore"),
		headers:     chainkv.NewCache(headerCacheCapacity),
		blocks:      chainkv.NewCache(blockCacheCapacity),
		chunks:      chainkv.NewCache(chunkCacheCapacity),
		headerDeque: newHeaderDeque(),
	}
}

func hashKey(h types.Hash) []byte { return h[:] }

// GetHeader returns the header for hash, reading through the header
// cache to the KV store on a miss.
func (s *ChainStore) GetHeader(hash types.Hash) (*types.BlockHeader, error) {
	if v, ok := s.headers.Get(hash.String()); ok {
		return v.(*types.BlockHeader), nil
	}
	b, err := s.kv.Get(types.ColBlockHeader, hashKey(hash))
	if err != nil {
		return nil, fmt.Errorf("get header: %w", err)
	}
	if b == nil {
		metrics.CacheMisses.WithLabelValues("block-header").Inc()
		return nil, nodeerrors.NotFound("header")
	}
	var h types.BlockHeader
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	s.headers.Add(hash.String(), &h)
	return &h, nil
}

// GetBlock returns the block for hash.
func (s *ChainStore) GetBlock(hash types.Hash) (*types.Block, error) {
	if v, ok := s.blocks.Get(hash.String()); ok {
		return v.(*types.Block), nil
	}
	b, err := s.kv.Get(types.ColBlock, hashKey(hash))
	if err != nil {
		return nil, fmt.Errorf("get block: %w", err)
	}
	if b == nil {
		metrics.CacheMisses.WithLabelValues("block").Inc()
		return nil, nodeerrors.NotFound("block")
	}
	var blk types.Block
	if err := json.Unmarshal(b, &blk); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	s.blocks.Add(hash.String(), &blk)
	return &blk, nil
}

// GetChunk returns the shard chunk for hash. HeightIncluded on the
// returned value reflects the last block that referenced it, not the
// block that is currently asking: callers rewrite HeightIncluded
// themselves against the including block, matching the chunk
// identity invariant in spec.md §3.
func (s *ChainStore) GetChunk(hash types.Hash) (*types.ShardChunk, error) {
	if v, ok := s.chunks.Get(hash.String()); ok {
		return v.(*types.ShardChunk), nil
	}
	b, err := s.kv.Get(types.ColChunk, hashKey(hash))
	if err != nil {
		return nil, fmt.Errorf("get chunk: %w", err)
	}
	if b == nil {
		metrics.CacheMisses.WithLabelValues("chunk").Inc()
		return nil, fmt.Errorf("%w: %s", nodeerrors.ErrChunkMissing, hash)
	}
	var c types.ShardChunk
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("decode chunk: %w", err)
	}
	s.chunks.Add(hash.String(), &c)
	return &c, nil
}

// GetChunkExtra returns the post-apply record for (blockHash, shardID),
// keyed by the composite form spec.md §6 prescribes for per-shard
// tables.
func (s *ChainStore) GetChunkExtra(blockHash types.Hash, shardID uint64) (*types.ChunkExtra, error) {
	b, err := s.kv.Get(types.ColChunkExtra, types.ShardKey(blockHash, shardID))
	if err != nil {
		return nil, fmt.Errorf("get chunk extra: %w", err)
	}
	if b == nil {
		return nil, nodeerrors.NotFound("chunk-extra")
	}
	var ce types.ChunkExtra
	if err := json.Unmarshal(b, &ce); err != nil {
		return nil, fmt.Errorf("decode chunk extra: %w", err)
	}
	return &ce, nil
}

// GetOutgoingReceipts returns the receipts a shard's chunk emitted
// when the block at blockHash was applied, keyed the same composite
// way as GetChunkExtra.
func (s *ChainStore) GetOutgoingReceipts(blockHash types.Hash, shardID uint64) ([]types.Receipt, error) {
	b, err := s.kv.Get(types.ColOutgoingReceipts, types.ShardKey(blockHash, shardID))
	if err != nil {
		return nil, fmt.Errorf("get outgoing receipts: %w", err)
	}
	if b == nil {
		return nil, nil
	}
	return decodeReceiptList(b)
}

// CanonicalHashAt returns the canonical hash at height, valid only
// for the current best chain (spec.md §4.1).
func (s *ChainStore) CanonicalHashAt(height uint64) (types.Hash, error) {
	key := heightKey(height)
	b, err := s.kv.Get(types.ColBlockIndex, key)
	if err != nil {
		return types.Hash{}, fmt.Errorf("get canonical hash: %w", err)
	}
	if b == nil || len(b) != 32 {
		return types.Hash{}, nodeerrors.NotFound("canonical-hash-at-height")
	}
	var h types.Hash
	copy(h[:], b)
	return h, nil
}

// AllHashesAt returns every hash recorded at height, keyed by
// EpochId: within one epoch the same height can legally appear on at
// most one hash per epoch id (spec.md §4.1).
func (s *ChainStore) AllHashesAt(height uint64) (map[types.EpochId]types.Hash, error) {
	b, err := s.kv.Get(types.ColBlockPerHeight, heightKey(height))
	if err != nil {
		return nil, fmt.Errorf("get all hashes at height: %w", err)
	}
	if b == nil {
		return map[types.EpochId]types.Hash{}, nil
	}
	var raw map[string]types.Hash
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("decode block-per-height: %w", err)
	}
	out := make(map[types.EpochId]types.Hash, len(raw))
	for k, v := range raw {
		var e types.EpochId
		copy(e[:], []byte(k))
		out[e] = v
	}
	return out, nil
}

// GetTip reads a named tip pointer (spec.md §3).
func (s *ChainStore) GetTip(name string) (*types.Tip, error) {
	b, err := s.kv.Get(types.ColBlockMisc, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("get tip %s: %w", name, err)
	}
	if b == nil {
		return nil, nodeerrors.NotFound("tip:" + name)
	}
	var t types.Tip
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("decode tip %s: %w", name, err)
	}
	return &t, nil
}

func heightKey(height uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(height >> (8 * uint(i)))
	}
	return b
}

// ---- transaction-validity header cache (spec.md §4.1) ----

// headerDeque is a bounded deque of contiguous headers, invariant:
// all entries lie on one chain, ordered oldest (back) to newest
// (front).
type headerDeque struct {
	l *list.List // front = newest, back = oldest
	byHash map[types.Hash]*list.Element
}

func newHeaderDeque() *headerDeque {
	return &headerDeque{l: list.New(), byHash: make(map[types.Hash]*list.Element)}
}

func (d *headerDeque) empty() bool { return d.l.Len() == 0 }

func (d *headerDeque) pushFront(h *types.BlockHeader) {
	e := d.l.PushFront(h)
	d.byHash[h.Hash()] = e
}

func (d *headerDeque) pushBack(h *types.BlockHeader) {
	e := d.l.PushBack(h)
	d.byHash[h.Hash()] = e
}

func (d *headerDeque) popFront() *types.BlockHeader {
	e := d.l.Front()
	if e == nil {
		return nil
	}
	h := e.Value.(*types.BlockHeader)
	d.l.Remove(e)
	delete(d.byHash, h.Hash())
	return h
}

func (d *headerDeque) back() *types.BlockHeader {
	e := d.l.Back()
	if e == nil {
		return nil
	}
	return e.Value.(*types.BlockHeader)
}

func (d *headerDeque) has(h types.Hash) bool {
	_, ok := d.byHash[h]
	return ok
}

func (d *headerDeque) len() int { return d.l.Len() }

// truncateBack drops entries from the back until at most n remain.
func (d *headerDeque) truncateBack(n int) {
	for d.l.Len() > n {
		e := d.l.Back()
		h := e.Value.(*types.BlockHeader)
		d.l.Remove(e)
		delete(d.byHash, h.Hash())
	}
}

// CheckBlocksOnSameChain implements the algorithm of spec.md §4.1:
// succeeds iff some ancestor of currentHeader within maxGap steps
// equals baseHash.
func (s *ChainStore) CheckBlocksOnSameChain(currentHeader *types.BlockHeader, baseHash types.Hash, maxGap int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.headerDeque

	// 1. Seed if empty.
	if d.empty() {
		d.pushFront(currentHeader)
	}

	// 2. If current is not cached, walk backward popping from the
	// front until a common ancestor is found, then prepend.
	if !d.has(currentHeader.Hash()) {
		walked, err := s.walkBackToCommonAncestor(currentHeader, d)
		if err != nil {
			return err
		}
		for i := len(walked) - 1; i >= 0; i-- {
			d.pushFront(walked[i])
		}
	}

	// 3. Truncate from the back to at most maxGap entries.
	d.truncateBack(maxGap)

	// 4. Success if baseHash already present.
	if d.has(baseHash) {
		return nil
	}

	// 5. Extend the back by walking prev_hash further.
	remaining := maxGap - d.len()
	if remaining <= 0 {
		return nodeerrors.ErrExpired
	}
	oldest := d.back()
	cur := oldest
	for i := 0; i < remaining; i++ {
		parent, err := s.GetHeader(cur.PrevHash)
		if err != nil {
			return fmt.Errorf("%w: walking past %s", nodeerrors.ErrInvalidChain, cur.Hash())
		}
		d.pushBack(parent)
		if parent.Hash() == baseHash {
			return nil
		}
		cur = parent
	}
	return nodeerrors.ErrExpired
}

// walkBackToCommonAncestor walks backward from current via PrevHash,
// popping stale cache entries from the front as it goes (they belong
// to a fork current_header has diverged from), until either the
// walked-to hash is already present in the deque or the deque is
// exhausted; on finding the ancestor it also drops any front entries
// still above it. It returns the walked chain (current first, ancestor
// exclusive) for the caller to prepend, newest-first.
func (s *ChainStore) walkBackToCommonAncestor(current *types.BlockHeader, d *headerDeque) ([]*types.BlockHeader, error) {
	var walked []*types.BlockHeader
	cur := current
	for {
		walked = append(walked, cur)
		if d.has(cur.PrevHash) {
			for d.l.Front().Value.(*types.BlockHeader).Hash() != cur.PrevHash {
				d.popFront()
			}
			return walked, nil
		}
		if d.empty() {
			return walked, nil
		}
		d.popFront()
		parent, err := s.GetHeader(cur.PrevHash)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", nodeerrors.ErrInvalidChain, cur.PrevHash)
		}
		cur = parent
	}
}
