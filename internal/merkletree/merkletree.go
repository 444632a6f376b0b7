// Package merkletree computes the content roots the chain embeds in
// headers and chunk headers: a block's chunk-headers root, and a
// chunk's transaction and outgoing-receipts roots. Grounded on the
// teacher's pkg/merkle.Tree (binary tree, odd node duplicated at each
// level, sha256 pairing), narrowed to root computation since nothing
// in this node consumes an inclusion proof.
package merkletree

import (
	"github.com/shardnet/node/internal/cryptoutil"
	"github.com/shardnet/node/internal/types"
)

// ZeroRoot is the root of an empty leaf set, used when a chunk carries
// no transactions or no outgoing receipts.
var ZeroRoot types.Hash

// Root computes the Merkle root over leaves, duplicating the last
// element of an odd-length level, matching the teacher's pairing rule.
func Root(leaves []types.Hash) types.Hash {
	if len(leaves) == 0 {
		return ZeroRoot
	}
	level := make([]types.Hash, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		next := make([]types.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, cryptoutil.HashConcat(level[i][:], level[i+1][:]))
			} else {
				next = append(next, cryptoutil.HashConcat(level[i][:], level[i][:]))
			}
		}
		level = next
	}
	return level[0]
}

// TransactionRoot hashes a chunk's transactions by content hash.
func TransactionRoot(txs []types.SignedTransaction) types.Hash {
	leaves := make([]types.Hash, len(txs))
	for i := range txs {
		leaves[i] = txs[i].Hash()
	}
	return Root(leaves)
}

// OutgoingReceiptsRoot hashes a chunk's outgoing receipts by receipt id.
func OutgoingReceiptsRoot(receipts []types.Receipt) types.Hash {
	leaves := make([]types.Hash, len(receipts))
	for i, r := range receipts {
		leaves[i] = r.ReceiptID
	}
	return Root(leaves)
}

// ChunkHeadersRoot hashes a block's chunk headers by chunk hash.
func ChunkHeadersRoot(headers []types.ChunkHeader) types.Hash {
	leaves := make([]types.Hash, len(headers))
	for i, h := range headers {
		leaves[i] = h.ChunkHash
	}
	return Root(leaves)
}
