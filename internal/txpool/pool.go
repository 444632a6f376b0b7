// Package txpool implements the multi-signer draining transaction
// pool of spec.md §4.4: transactions are grouped by (signer_account_id,
// signer_public_key), each group sorted descending by nonce so the
// cheapest removal is a pop from the tail, and a draining iterator
// hands out whole groups to the caller while guaranteeing that a
// dropped-without-committing iterator returns every unconsumed
// transaction to the pool.
//
// Grounded on the teacher's pkg/batch.Collector: a mutex-guarded
// accumulator over in-memory slices, generalized from one global
// ordered batch to many independently ordered per-signer groups.
package txpool

import (
	"sort"
	"sync"

	"github.com/shardnet/node/internal/types"
)

// Pool holds pending transactions grouped by signer.
type Pool struct {
	mu sync.Mutex

	groups map[types.GroupKey]*group
	hashes map[types.Hash]types.GroupKey // duplicate-set: hash -> owning group
}

type group struct {
	key types.GroupKey
	// txs is kept sorted descending by nonce: removal pops the tail,
	// which holds the smallest nonce.
	txs                      []types.SignedTransaction
	removedTransactionHashes []types.Hash
}

func groupKeyOf(tx *types.SignedTransaction) types.GroupKey {
	return types.GroupKey{SignerID: tx.SignerID, SignerKey: tx.SignerPublicKey.String()}
}

// New constructs an empty pool.
func New() *Pool {
	return &Pool{
		groups: make(map[types.GroupKey]*group),
		hashes: make(map[types.Hash]types.GroupKey),
	}
}

// Insert adds tx to the pool. A no-op if tx's hash is already present.
func (p *Pool) Insert(tx types.SignedTransaction) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := tx.Hash()
	if _, dup := p.hashes[h]; dup {
		return
	}

	key := groupKeyOf(&tx)
	g, ok := p.groups[key]
	if !ok {
		g = &group{key: key}
		p.groups[key] = g
	}
	g.txs = append(g.txs, tx)
	sort.Slice(g.txs, func(i, j int) bool { return g.txs[i].Nonce > g.txs[j].Nonce })
	p.hashes[h] = key
}

// RemoveTransactions implements spec.md §4.4's remove_transactions:
// for each hash present in the duplicate-set, remove it from its
// owning group, deleting the group if it becomes empty.
func (p *Pool) RemoveTransactions(hashesToRemove []types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, h := range hashesToRemove {
		key, ok := p.hashes[h]
		if !ok {
			continue
		}
		delete(p.hashes, h)
		g, ok := p.groups[key]
		if !ok {
			continue
		}
		for i, tx := range g.txs {
			if tx.Hash() == h {
				g.txs = append(g.txs[:i], g.txs[i+1:]...)
				break
			}
		}
		if len(g.txs) == 0 {
			delete(p.groups, key)
		}
	}
}

// Len returns the number of distinct transactions currently held.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.hashes)
}

// DrainingIterator starts a draining pass over the pool. Groups
// touched by the iterator are removed from p.groups for the
// iterator's lifetime; Commit or Drop decides their fate.
//
// Grounded on spec.md §4.4's handle-based draining_iterator contract.
func (p *Pool) DrainingIterator() *DrainingIterator {
	p.mu.Lock()
	defer p.mu.Unlock()

	readyQueue := make([]*group, 0, len(p.groups))
	for _, g := range p.groups {
		readyQueue = append(readyQueue, g)
	}
	// Deterministic starting order: by group key, so repeated drains
	// over the same pool content behave the same way.
	sort.Slice(readyQueue, func(i, j int) bool {
		if readyQueue[i].key.SignerID != readyQueue[j].key.SignerID {
			return readyQueue[i].key.SignerID < readyQueue[j].key.SignerID
		}
		return readyQueue[i].key.SignerKey < readyQueue[j].key.SignerKey
	})
	for _, g := range readyQueue {
		delete(p.groups, g.key)
	}

	return &DrainingIterator{pool: p, readyQueue: readyQueue}
}

// DrainingIterator is the handle returned by Pool.DrainingIterator.
// Exactly one of Commit or Drop must be called when the caller is
// done pulling groups from it.
type DrainingIterator struct {
	pool       *Pool
	readyQueue []*group
	done       bool
}

// Next implements spec.md §4.4 step 2: pop from the front of the
// ready-queue, discarding empty groups (and, for each discarded group,
// erasing its consumed transactions' hashes from the duplicate-set),
// and return the first non-empty group found, after moving it to the
// back of the ready-queue so Commit or Drop still sees it.
func (it *DrainingIterator) Next() *Group {
	for len(it.readyQueue) > 0 {
		g := it.readyQueue[0]
		it.readyQueue = it.readyQueue[1:]
		if len(g.txs) == 0 {
			it.pool.mu.Lock()
			for _, h := range g.removedTransactionHashes {
				delete(it.pool.hashes, h)
			}
			it.pool.mu.Unlock()
			continue
		}
		it.readyQueue = append(it.readyQueue, g)
		return &Group{g: g}
	}
	return nil
}

// Commit finishes the drain: surviving non-empty groups are reinserted
// into the pool, and the duplicate-set is compacted by removing every
// hash any group recorded as consumed (spec.md §4.4 drop semantics —
// named Commit here since a produced block is the success path; Drop
// implements the abort path with identical bookkeeping).
func (it *DrainingIterator) Commit() { it.finish() }

// Drop aborts the drain, returning every unconsumed transaction to the
// pool exactly as Commit does.
func (it *DrainingIterator) Drop() { it.finish() }

func (it *DrainingIterator) finish() {
	if it.done {
		return
	}
	it.done = true

	it.pool.mu.Lock()
	defer it.pool.mu.Unlock()

	for _, g := range it.readyQueue {
		for _, h := range g.removedTransactionHashes {
			delete(it.pool.hashes, h)
		}
		g.removedTransactionHashes = nil
		if len(g.txs) > 0 {
			it.pool.groups[g.key] = g
		}
	}
	it.readyQueue = nil
}

// Group is a handle onto one signer's pending transactions, valid only
// for the lifetime of the DrainingIterator that produced it.
type Group struct {
	g *group
}

// Next pops and returns the transaction with the smallest remaining
// nonce (spec.md §4.4: ascending nonce order within a group), or false
// if the group is exhausted.
func (gr *Group) Next() (types.SignedTransaction, bool) {
	n := len(gr.g.txs)
	if n == 0 {
		return types.SignedTransaction{}, false
	}
	tx := gr.g.txs[n-1]
	gr.g.txs = gr.g.txs[:n-1]
	gr.g.removedTransactionHashes = append(gr.g.removedTransactionHashes, tx.Hash())
	return tx, true
}

// Len reports the number of transactions remaining in the group.
func (gr *Group) Len() int { return len(gr.g.txs) }
