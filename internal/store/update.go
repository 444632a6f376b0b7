package store

import (
	"encoding/json"
	"fmt"

	"github.com/shardnet/node/internal/nodeerrors"
	"github.com/shardnet/node/internal/types"
)

// catchupEdit records one pending catchup-list mutation so the
// "touched at most once per prev_hash" guard (spec.md §4.2, §7) can be
// enforced at commit time.
type catchupEdit struct {
	add      bool // true: append hash; false: remove hash (unless clearAll is set)
	clearAll bool
	hash     types.Hash
}

// Update is a ChainStoreUpdate: a scoped, atomically committable
// write-set layered over a ChainStore, grounded on the teacher's
// LedgerStore.UpdateSystemLedgerOnCommit pattern of "accumulate the
// full payload, write once" (pkg/ledger/store.go), generalized from a
// single metadata record to the full set of per-commit writes named
// in spec.md §4.2.
type Update struct {
	store *ChainStore

	headers map[types.Hash]*types.BlockHeader
	blocks  map[types.Hash]*types.Block
	chunks  map[types.Hash]*types.ShardChunk
	tips    map[string]*types.Tip

	canonicalIndex map[uint64]types.Hash // height -> hash, for the canonical index
	perHeight      map[uint64]map[types.EpochId]types.Hash

	catchup map[types.Hash][]catchupEdit

	challenged map[types.Hash]bool
	invalidChunks map[types.Hash]bool

	stateSync map[types.Hash]*types.StateSyncInfo

	chunkExtras      map[string]*types.ChunkExtra
	outgoingReceipts map[string][]types.Receipt

	committed bool
}

// NewUpdate creates a ChainStoreUpdate borrowing store exclusively
// for its lifetime.
func NewUpdate(store *ChainStore) *Update {
	return &Update{
		store:          store,
		headers:        make(map[types.Hash]*types.BlockHeader),
		blocks:         make(map[types.Hash]*types.Block),
		chunks:         make(map[types.Hash]*types.ShardChunk),
		tips:           make(map[string]*types.Tip),
		canonicalIndex: make(map[uint64]types.Hash),
		perHeight:      make(map[uint64]map[types.EpochId]types.Hash),
		catchup:        make(map[types.Hash][]catchupEdit),
		challenged:     make(map[types.Hash]bool),
		invalidChunks:  make(map[types.Hash]bool),
		stateSync:      make(map[types.Hash]*types.StateSyncInfo),
		chunkExtras:      make(map[string]*types.ChunkExtra),
		outgoingReceipts: make(map[string][]types.Receipt),
	}
}

// ---- reads: pending write-set first, then fall through ----

func (u *Update) GetHeader(hash types.Hash) (*types.BlockHeader, error) {
	if h, ok := u.headers[hash]; ok {
		return h, nil
	}
	return u.store.GetHeader(hash)
}

func (u *Update) GetBlock(hash types.Hash) (*types.Block, error) {
	if b, ok := u.blocks[hash]; ok {
		return b, nil
	}
	return u.store.GetBlock(hash)
}

func (u *Update) GetChunk(hash types.Hash) (*types.ShardChunk, error) {
	if c, ok := u.chunks[hash]; ok {
		return c, nil
	}
	return u.store.GetChunk(hash)
}

func (u *Update) GetTip(name string) (*types.Tip, error) {
	if t, ok := u.tips[name]; ok {
		return t, nil
	}
	return u.store.GetTip(name)
}

// ---- writes: accumulate in memory only ----

// SaveHeader stages a header write. It also updates the all-forks
// block-per-height map: if the (epoch_id, height) pair is new the
// hash is recorded; if it already maps to a different hash, the map
// keeps the first hash and the new one is not recorded there (the
// header itself is still staged). No double-sign challenge is raised
// here.
func (u *Update) SaveHeader(h *types.BlockHeader) {
	hash := h.Hash()
	u.headers[hash] = h

	existing, err := u.store.AllHashesAt(h.Height)
	if err != nil {
		existing = map[types.EpochId]types.Hash{}
	}
	if pending, ok := u.perHeight[h.Height]; ok {
		for k, v := range pending {
			existing[k] = v
		}
	}
	if _, ok := existing[h.EpochId]; !ok {
		existing[h.EpochId] = hash
	}
	u.perHeight[h.Height] = existing
}

func (u *Update) SaveBlock(b *types.Block) {
	u.blocks[b.Hash()] = b
}

func (u *Update) SaveChunk(c *types.ShardChunk) {
	u.chunks[c.Hash()] = c
}

func (u *Update) SaveTip(name string, t *types.Tip) {
	u.tips[name] = t
}

func (u *Update) MarkChallenged(hash types.Hash) { u.challenged[hash] = true }

func (u *Update) MarkInvalidChunk(hash types.Hash) { u.invalidChunks[hash] = true }

func (u *Update) SaveStateSyncInfo(tailHash types.Hash, info *types.StateSyncInfo) {
	u.stateSync[tailHash] = info
}

// SaveChunkExtra stages the post-apply record for (blockHash, shardID).
func (u *Update) SaveChunkExtra(blockHash types.Hash, shardID uint64, extra *types.ChunkExtra) {
	u.chunkExtras[string(types.ShardKey(blockHash, shardID))] = extra
}

// SaveOutgoingReceipts stages the receipts a shard's chunk emitted
// when blockHash was applied.
func (u *Update) SaveOutgoingReceipts(blockHash types.Hash, shardID uint64, receipts []types.Receipt) {
	u.outgoingReceipts[string(types.ShardKey(blockHash, shardID))] = receipts
}

// AddCatchup appends hash to the catchup list at key prevHash.
func (u *Update) AddCatchup(prevHash, hash types.Hash) error {
	if err := u.guardSinglePrevHashTouch(prevHash); err != nil {
		return err
	}
	u.catchup[prevHash] = append(u.catchup[prevHash], catchupEdit{add: true, hash: hash})
	return nil
}

// RemoveCatchup swap-removes hash from the catchup list at prevHash.
func (u *Update) RemoveCatchup(prevHash, hash types.Hash) error {
	if err := u.guardSinglePrevHashTouch(prevHash); err != nil {
		return err
	}
	u.catchup[prevHash] = append(u.catchup[prevHash], catchupEdit{add: false, hash: hash})
	return nil
}

// RemoveAllCatchupFor deletes the whole catchup list at prevHash.
func (u *Update) RemoveAllCatchupFor(prevHash types.Hash) error {
	if err := u.guardSinglePrevHashTouch(prevHash); err != nil {
		return err
	}
	u.catchup[prevHash] = append(u.catchup[prevHash], catchupEdit{clearAll: true})
	return nil
}

// guardSinglePrevHashTouch enforces the fatal invariant that within
// one update each prev_hash is touched at most once (spec.md §4.2,
// §7).
func (u *Update) guardSinglePrevHashTouch(prevHash types.Hash) error {
	if _, ok := u.catchup[prevHash]; ok {
		return nodeerrors.NewFatal(fmt.Errorf("%w: %s", nodeerrors.ErrDuplicatePrevHash, prevHash))
	}
	return nil
}

// SaveHeaderHeadIfNotChallenged implements the fork-aware tip move of
// spec.md §4.2: walk backward from tip along prev_hash, overwriting
// the canonical height->hash index until a height whose existing
// canonical hash matches the new chain is reached; clear canonical
// entries above the new tip height up to and including the old tip
// height. Aborts
// without mutating the canonical index if a challenged block is
// encountered.
func (u *Update) SaveHeaderHeadIfNotChallenged(tip *types.BlockHeader) error {
	oldTip, err := u.GetTip(types.TipHeaderHead)
	oldHeight := uint64(0)
	if err == nil {
		oldHeight = oldTip.Height
	}

	var walked []*types.BlockHeader
	cur := tip
	for {
		if u.isChallenged(cur.Hash()) {
			return nodeerrors.ErrChallengedBlock
		}
		existing, cerr := u.canonicalAt(cur.Height)
		if cerr == nil && existing == cur.Hash() {
			break
		}
		walked = append(walked, cur)
		if cur.PrevHash.IsZero() && cur.Height == 0 {
			break
		}
		parent, perr := u.GetHeader(cur.PrevHash)
		if perr != nil {
			return fmt.Errorf("%w: walking to genesis while moving tip", nodeerrors.ErrInvalidChain)
		}
		cur = parent
	}

	for _, h := range walked {
		u.canonicalIndex[h.Height] = h.Hash()
	}
	for height := tip.Height + 1; height <= oldHeight; height++ {
		u.canonicalIndex[height] = types.Hash{} // cleared; absent on read
	}

	u.SaveTip(types.TipHeaderHead, &types.Tip{
		Height:        tip.Height,
		LastBlockHash: tip.Hash(),
		PrevBlockHash: tip.PrevHash,
		EpochId:       tip.EpochId,
	})
	return nil
}

func (u *Update) isChallenged(hash types.Hash) bool {
	if v, ok := u.challenged[hash]; ok {
		return v
	}
	has, _ := u.store.kv.Has(types.ColChallengedBlocks, hashKey(hash))
	return has
}

func (u *Update) canonicalAt(height uint64) (types.Hash, error) {
	if h, ok := u.canonicalIndex[height]; ok {
		if h.IsZero() {
			return types.Hash{}, nodeerrors.NotFound("canonical-hash-at-height")
		}
		return h, nil
	}
	return u.store.CanonicalHashAt(height)
}

// Commit serializes the write-set into one underlying store
// transaction, applies it atomically, and on success propagates every
// write into ChainStore's caches so subsequent reads hit (spec.md
// §4.2 step 4). On failure, caches are left untouched.
func (u *Update) Commit() error {
	if u.committed {
		return fmt.Errorf("chain store update already committed")
	}
	b := u.store.kv.NewBatch()

	for hash, h := range u.headers {
		buf, err := json.Marshal(h)
		if err != nil {
			return fmt.Errorf("marshal header: %w", err)
		}
		b.Put(types.ColBlockHeader, hashKey(hash), buf)
	}
	for hash, blk := range u.blocks {
		buf, err := json.Marshal(blk)
		if err != nil {
			return fmt.Errorf("marshal block: %w", err)
		}
		b.Put(types.ColBlock, hashKey(hash), buf)
	}
	for hash, c := range u.chunks {
		buf, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal chunk: %w", err)
		}
		b.Put(types.ColChunk, hashKey(hash), buf)
	}
	for name, t := range u.tips {
		buf, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal tip: %w", err)
		}
		b.Put(types.ColBlockMisc, []byte(name), buf)
	}
	for height, hash := range u.canonicalIndex {
		if hash.IsZero() {
			b.Delete(types.ColBlockIndex, heightKey(height))
			continue
		}
		b.Put(types.ColBlockIndex, heightKey(height), hash[:])
	}
	for height, m := range u.perHeight {
		raw := make(map[string]types.Hash, len(m))
		for e, h := range m {
			raw[string(e[:])] = h
		}
		buf, err := json.Marshal(raw)
		if err != nil {
			return fmt.Errorf("marshal block-per-height: %w", err)
		}
		b.Put(types.ColBlockPerHeight, heightKey(height), buf)
	}
	for hash := range u.challenged {
		b.Put(types.ColChallengedBlocks, hashKey(hash), []byte{1})
	}
	for hash := range u.invalidChunks {
		b.Put(types.ColInvalidChunks, hashKey(hash), []byte{1})
	}
	for hash, info := range u.stateSync {
		buf, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("marshal state-sync info: %w", err)
		}
		b.Put(types.ColStateDlInfos, hashKey(hash), buf)
	}
	for key, extra := range u.chunkExtras {
		buf, err := json.Marshal(extra)
		if err != nil {
			return fmt.Errorf("marshal chunk extra: %w", err)
		}
		b.Put(types.ColChunkExtra, []byte(key), buf)
	}
	for key, receipts := range u.outgoingReceipts {
		buf, err := encodeReceiptList(receipts)
		if err != nil {
			return fmt.Errorf("marshal outgoing receipts: %w", err)
		}
		b.Put(types.ColOutgoingReceipts, []byte(key), buf)
	}
	if err := u.applyCatchupEdits(b); err != nil {
		return err
	}

	if err := b.Commit(); err != nil {
		return fmt.Errorf("commit chain store update: %w", err)
	}

	u.fillCaches()
	u.committed = true
	return nil
}

func (u *Update) applyCatchupEdits(b types.KVBatch) error {
	for prevHash, edits := range u.catchup {
		current, err := u.loadCatchupList(prevHash)
		if err != nil {
			return err
		}
		for _, e := range edits {
			switch {
			case e.clearAll:
				current = nil
			case e.add:
				current = append(current, e.hash)
			default:
				for i, h := range current {
					if h == e.hash {
						current[i] = current[len(current)-1]
						current = current[:len(current)-1]
						break
					}
				}
			}
		}
		if len(current) == 0 {
			b.Delete(types.ColBlocksToCatchup, hashKey(prevHash))
			continue
		}
		buf, err := json.Marshal(current)
		if err != nil {
			return fmt.Errorf("marshal catchup list: %w", err)
		}
		b.Put(types.ColBlocksToCatchup, hashKey(prevHash), buf)
	}
	return nil
}

func (u *Update) loadCatchupList(prevHash types.Hash) ([]types.Hash, error) {
	raw, err := u.store.kv.Get(types.ColBlocksToCatchup, hashKey(prevHash))
	if err != nil {
		return nil, fmt.Errorf("load catchup list: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	var out []types.Hash
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode catchup list: %w", err)
	}
	return out, nil
}

func (u *Update) fillCaches() {
	for hash, h := range u.headers {
		u.store.headers.Add(hash.String(), h)
	}
	for hash, blk := range u.blocks {
		u.store.blocks.Add(hash.String(), blk)
	}
	for hash, c := range u.chunks {
		u.store.chunks.Add(hash.String(), c)
	}
}

// Cancel discards the write-set. Commit is the only way to persist,
// following spec.md §9's "commit or discard without destructors"
// design note: dropping an Update without calling Commit is always a
// no-op.
func (u *Update) Cancel() {}
