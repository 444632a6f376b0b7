// Package types holds the data model shared by every component:
// headers, blocks, chunks, tips, epoch records, accounts and receipts
// (spec.md §3), plus the capability interfaces that let the runtime
// and chain store depend on abstractions rather than on each other's
// concrete types (spec.md §9 "cyclic module references").
package types

import (
	"math/big"

	"github.com/shardnet/node/internal/cryptoutil"
)

type Hash = cryptoutil.Hash

// EpochId identifies a validator set and reward schedule: the hash of
// the last block of the epoch two epochs prior. Genesis uses the
// distinguished zero hash.
type EpochId = Hash

// BlockHeader is the immutable, content-hashed header of a block.
type BlockHeader struct {
	Height            uint64
	PrevHash          Hash
	EpochId           EpochId
	Timestamp         int64
	TotalWeight       *big.Int
	ChunkHeadersRoot  Hash
	ValidatorProposals []ValidatorStake
	GasPrice          *big.Int
	Signature         cryptoutil.Signature
	ProducerPublicKey cryptoutil.PublicKey
}

// Hash content-hashes the header. Signature is excluded: the
// signature is computed over this same hash.
func (h *BlockHeader) Hash() Hash {
	buf := encodeHeaderForHashing(h)
	return cryptoutil.HashBytes(buf)
}

func encodeHeaderForHashing(h *BlockHeader) []byte {
	var b []byte
	b = appendUint64(b, h.Height)
	b = append(b, h.PrevHash[:]...)
	b = append(b, h.EpochId[:]...)
	b = appendUint64(b, uint64(h.Timestamp))
	if h.TotalWeight != nil {
		b = append(b, h.TotalWeight.Bytes()...)
	}
	b = append(b, h.ChunkHeadersRoot[:]...)
	if h.GasPrice != nil {
		b = append(b, h.GasPrice.Bytes()...)
	}
	for _, p := range h.ValidatorProposals {
		b = append(b, []byte(p.AccountID)...)
		if p.Amount != nil {
			b = append(b, p.Amount.Bytes()...)
		}
	}
	return b
}

func appendUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	for i := 0; i < 8; i++ {
		tmp[i] = byte(v >> (8 * uint(i)))
	}
	return append(b, tmp[:]...)
}

// ChunkHeader is the per-shard summary carried inside a Block.
type ChunkHeader struct {
	ShardID        uint64
	ChunkHash      Hash
	HeightCreated  uint64
	HeightIncluded uint64
	TxRoot         Hash
	OutgoingReceiptsRoot Hash
}

// Block is a header plus the per-shard chunk headers and any
// challenges carried in this block.
type Block struct {
	Header       BlockHeader
	ChunkHeaders []ChunkHeader
	Challenges   []Challenge
}

func (b *Block) Hash() Hash { return b.Header.Hash() }

// Challenge is a proof that some block or chunk is invalid.
type Challenge struct {
	BlockHash Hash
	Reason    string
	Proof     []byte
}

// SignedTransaction is a transaction as submitted by a client.
type SignedTransaction struct {
	SignerID        string
	SignerPublicKey cryptoutil.PublicKey
	ReceiverID      string
	Nonce           uint64
	Actions         []Action
	BlockHash       Hash // recency anchor, validated via HeaderList
	Signature       cryptoutil.Signature
}

// Hash content-hashes the transaction, used as the pool's dedup key.
func (t *SignedTransaction) Hash() Hash {
	var b []byte
	b = append(b, []byte(t.SignerID)...)
	b = append(b, []byte(t.ReceiverID)...)
	b = appendUint64(b, t.Nonce)
	b = append(b, t.BlockHash[:]...)
	b = append(b, t.Signature...)
	return cryptoutil.HashBytes(b)
}

// SigningHash content-hashes everything the signer committed to,
// excluding the signature itself, i.e. what Signature was computed
// over.
func (t *SignedTransaction) SigningHash() Hash {
	var b []byte
	b = append(b, []byte(t.SignerID)...)
	b = append(b, t.SignerPublicKey...)
	b = append(b, []byte(t.ReceiverID)...)
	b = appendUint64(b, t.Nonce)
	b = append(b, t.BlockHash[:]...)
	for _, a := range t.Actions {
		b = appendUint64(b, uint64(a.Kind))
		b = append(b, []byte(a.MethodName)...)
		b = append(b, a.Args...)
	}
	return cryptoutil.HashBytes(b)
}

// GroupKey identifies a (signer_account_id, signer_public_key) pool
// group per spec.md §4.4.
type GroupKey struct {
	SignerID  string
	SignerKey string // hex-encoded public key
}

// ShardChunk carries the transactions and receipts for one shard at
// one height. Identified by a content hash that is stable across
// forks (HeightIncluded is not part of it).
type ShardChunk struct {
	ShardID        uint64
	HeightCreated  uint64
	HeightIncluded uint64
	PrevBlockHash  Hash
	Transactions   []SignedTransaction
	Receipts       []Receipt
	GasUsed        uint64
	GasLimit       uint64
}

func (c *ShardChunk) Hash() Hash {
	var b []byte
	b = appendUint64(b, c.ShardID)
	b = appendUint64(b, c.HeightCreated)
	b = append(b, c.PrevBlockHash[:]...)
	for _, t := range c.Transactions {
		th := t.Hash()
		b = append(b, th[:]...)
	}
	return cryptoutil.HashBytes(b)
}

// Tip identifies the endpoint of some chain.
type Tip struct {
	Height        uint64
	LastBlockHash Hash
	PrevBlockHash Hash
	TotalWeight   *big.Int
	EpochId       EpochId
}

// Named tip keys, fixed ASCII strings per spec.md §6.
const (
	TipHead        = "HEAD"
	TipTail        = "TAIL"
	TipHeaderHead  = "HEADER_HEAD"
	TipSyncHead    = "SYNC_HEAD"
	TipLatestKnown = "LATEST_KNOWN"
)

// BlockInfo is the per-block epoch bookkeeping record, created once
// and never mutated (spec.md §3).
type BlockInfo struct {
	Hash             Hash
	Height           uint64
	PrevHash         Hash
	EpochId          EpochId
	EpochFirstBlock  Hash
	Proposals        []ValidatorStake
	SlashedSet       map[string]bool
	GasUsed          uint64
	GasPrice         *big.Int
	TotalSupply      *big.Int
	// ProducerID is the account that produced this block. Not named
	// as a distinct field in spec.md §3's BlockInfo field list but
	// required to compute per-validator block counts during epoch
	// finalization (spec.md §4.3 step 1); recorded here rather than
	// re-derived from the header on every walk.
	ProducerID string
}

// EpochInfo is the immutable output of epoch finalization.
type EpochInfo struct {
	Validators        []ValidatorStake
	ValidatorToIndex  map[string]int
	BlockProducers    []int // indices into Validators, one per height offset, wrapping
	ChunkProducers    [][]int // [shard][]index into Validators, wrapping
	StakeChange       map[string]*big.Int
	ValidatorReward   map[string]*big.Int
	TotalGasUsed      uint64
	ValidatorKickout  map[string]string // account -> reason
}

// ValidatorStake is a validator identity plus staked amount.
type ValidatorStake struct {
	AccountID string
	PublicKey cryptoutil.PublicKey
	Amount    *big.Int
}

// Account is the persistent state of one account.
type Account struct {
	Amount         *big.Int
	Staked         *big.Int
	CodeHash       Hash
	StorageUsage   uint64
	StorageByteCost *big.Int
}

// ReceiptBody is either an ActionReceipt or a DataReceipt.
type ReceiptBody interface{ isReceiptBody() }

// Receipt is the unit of cross-shard communication.
type Receipt struct {
	PredecessorID string
	ReceiverID    string
	ReceiptID     Hash
	Body          ReceiptBody
}

// ActionReceipt carries actions to execute on the receiver.
type ActionReceipt struct {
	SignerID           string
	SignerPublicKey    cryptoutil.PublicKey
	GasPrice           *big.Int
	OutputDataReceivers []DataReceiver
	InputDataIDs       []Hash
	Actions            []Action
}

func (ActionReceipt) isReceiptBody() {}

// DataReceiver names a receipt id awaiting a DataReceipt's output.
type DataReceiver struct {
	DataID    Hash
	ReceiverID string
}

// DataReceipt delivers data (or its absence) to awaiting receipts.
type DataReceipt struct {
	DataID Hash
	Data   []byte // nil means "no data" (promise rejected)
	HasData bool
}

func (DataReceipt) isReceiptBody() {}

// ActionKind enumerates the action variants of spec.md §4.5.
type ActionKind int

const (
	ActionCreateAccount ActionKind = iota
	ActionDeployContract
	ActionFunctionCall
	ActionTransfer
	ActionStake
	ActionAddKey
	ActionDeleteKey
	ActionDeleteAccount
)

// Action is one step of an ActionReceipt.
type Action struct {
	Kind         ActionKind
	Deposit      *big.Int
	PrepaidGas   uint64
	MethodName   string
	Args         []byte
	StakeAmount  *big.Int
	CodeHash     Hash
	Code         []byte
	PublicKey    cryptoutil.PublicKey
	BeneficiaryID string // for DeleteAccount
}

// DelayedReceiptIndices tracks the monotonic index range of the
// delayed-receipt queue (spec.md §3).
type DelayedReceiptIndices struct {
	FirstIndex       uint64
	NextAvailableIndex uint64
}

// Len reports the number of receipts currently queued.
func (d DelayedReceiptIndices) Len() uint64 {
	if d.NextAvailableIndex < d.FirstIndex {
		return 0
	}
	return d.NextAvailableIndex - d.FirstIndex
}

// StateSyncInfo names the shards a node must download state for
// before it can apply the next epoch's chunks.
type StateSyncInfo struct {
	EpochTailHash Hash
	Shards        []uint64
}

// BlockStatus classifies how a newly accepted block relates to the
// previous head, per spec.md §4.6.
type BlockStatus int

const (
	BlockStatusNext BlockStatus = iota
	BlockStatusFork
	BlockStatusReorg
)

// Provenance distinguishes locally produced blocks from ones received
// over the network.
type Provenance int

const (
	ProvenanceProduced Provenance = iota
	ProvenanceReceived
)

// Approval is a validator's endorsement of a parent block.
type Approval struct {
	ParentHash Hash
	AccountID  string
	Signature  cryptoutil.Signature
}

// ChunkExtra is the per-(block, shard) record of a chunk's execution
// result: the post-apply state root a shard's next chunk must build
// on, plus the bookkeeping a block header needs to carry forward
// (spec.md §6 names "chunk-extra" as one of the hash-keyed lookups;
// the key used here is the composite block_hash||shard_id_le64 form
// spec.md §6 prescribes for per-shard tables).
type ChunkExtra struct {
	StateRoot          Hash
	OutcomeRoot         Hash
	ValidatorProposals []ValidatorStake
	GasUsed            uint64
	GasLimit           uint64
}

// ShardKey composes the composite key spec.md §6 prescribes for
// per-shard tables: block_hash || shard_id_le64.
func ShardKey(blockHash Hash, shardID uint64) []byte {
	key := make([]byte, 0, 32+8)
	key = append(key, blockHash[:]...)
	key = appendUint64(key, shardID)
	return key
}

// ShardForAccount deterministically maps an account to one of
// numShards shards. Account-to-shard assignment is not specified by
// spec.md (§1 scopes sharding policy to the out-of-scope P2P/transport
// layer); this reads the first 8 bytes of the account id's hash as a
// big-endian integer modulo numShards, giving every node the same
// answer without coordination.
func ShardForAccount(accountID string, numShards uint64) uint64 {
	if numShards == 0 {
		return 0
	}
	h := cryptoutil.HashBytes([]byte(accountID))
	var v uint64
	for i := 0; i < 8; i++ {
		v = (v << 8) | uint64(h[i])
	}
	return v % numShards
}
