package types

import (
	"context"
	"math/big"
)

// KVColumn names one of the persisted column families of spec.md §6.
type KVColumn string

const (
	ColBlockMisc        KVColumn = "block-misc"
	ColBlock            KVColumn = "block"
	ColBlockHeader      KVColumn = "block-header"
	ColBlockExtra       KVColumn = "block-extra"
	ColChunk            KVColumn = "chunk"
	ColChunkOnePart     KVColumn = "chunk-one-part"
	ColChunkExtra       KVColumn = "chunk-extra"
	ColBlockIndex       KVColumn = "block-index"
	ColBlockPerHeight   KVColumn = "block-per-height"
	ColOutgoingReceipts KVColumn = "outgoing-receipts"
	ColIncomingReceipts KVColumn = "incoming-receipts"
	ColTransactionResult KVColumn = "transaction-result"
	ColBlocksToCatchup  KVColumn = "blocks-to-catchup"
	ColStateDlInfos     KVColumn = "state-dl-infos"
	ColChallengedBlocks KVColumn = "challenged-blocks"
	ColInvalidChunks    KVColumn = "invalid-chunks"
	ColEpochInfo        KVColumn = "epoch-info"
	ColBlockInfo        KVColumn = "block-info"
	ColDelayedReceipt   KVColumn = "delayed-receipt"
	ColAnnounceAccount  KVColumn = "announce-account"
)

// KVBatch accumulates writes for one atomic commit (spec.md §6).
type KVBatch interface {
	Put(col KVColumn, key, value []byte)
	Delete(col KVColumn, key []byte)
	Commit() error
}

// KVStore is the external ordered key-value store collaborator.
// Column-family semantics and the refcount merge on the trie-state
// column are implemented by the collaborator (spec.md §6); this node
// only consumes the interface.
type KVStore interface {
	Get(col KVColumn, key []byte) ([]byte, error)
	Has(col KVColumn, key []byte) (bool, error)
	Iterate(col KVColumn, fn func(key, value []byte) (stop bool)) error
	IteratePrefix(col KVColumn, prefix []byte, fn func(key, value []byte) (stop bool)) error
	NewBatch() KVBatch
}

// TrieChanges is an opaque set of pending trie mutations returned by
// Trie.Update and later applied with Trie.ApplyChanges.
type TrieChanges interface{}

// Trie is the external authenticated-state collaborator (spec.md §6).
type Trie interface {
	Get(root Hash, key []byte) ([]byte, bool, error)
	Update(root Hash, changes []KeyValueChange) (TrieChanges, Hash, error)
	ApplyChanges(changes TrieChanges) error
}

// KeyValueChange is one pending write or delete for Trie.Update.
type KeyValueChange struct {
	Key   []byte
	Value []byte // nil means delete
}

// ExternalStorageIterator lets a FunctionCall range or prefix-scan
// contract storage.
type ExternalStorageIterator interface {
	Next() (key, value []byte, ok bool)
}

// External is the host-function surface a FunctionCall action can
// call into (spec.md §6). The concrete VM lives outside this
// repository; this interface is what Runtime.apply hands it.
type External interface {
	StorageGet(key []byte) ([]byte, bool, error)
	StorageSet(key, value []byte) error
	StorageRemove(key []byte) error
	StorageHasKey(key []byte) (bool, error)
	StorageIterator(prefix []byte) ExternalStorageIterator

	PromiseCreate(accountID, method string, args []byte, attachedBalance uint64, gas uint64) (uint64, error)
	PromiseThen(promiseID uint64, accountID, method string, args []byte, attachedBalance uint64, gas uint64) (uint64, error)
	PromiseAnd(promiseIDs ...uint64) (uint64, error)
}

// VMOutcome is what the external contract executor returns.
type VMOutcome struct {
	Logs       []string
	BurntGas   uint64
	UsedGas    uint64
	NewReceipts []Receipt
	ReturnData []byte
	Err        error
}

// VM is the external contract executor collaborator invoked by
// FunctionCall actions (spec.md §6). The embedded VM itself is out of
// scope; Runtime.apply only needs this narrow call shape.
type VM interface {
	ExecuteFunctionCall(ctx context.Context, codeHash Hash, method string, args []byte, inputData [][]byte, attachedBalance *big.Int, prepaidGas uint64, protocolVersion uint32, ext External) (*VMOutcome, error)
}

// EpochInfoProvider is the capability interface the runtime uses to
// ask the epoch manager about producers and validators without
// importing its concrete type (spec.md §9).
type EpochInfoProvider interface {
	GetEpochId(blockHash Hash) (EpochId, error)
	GetBlockProducer(epochID EpochId, height uint64) (ValidatorStake, error)
	GetChunkProducer(epochID EpochId, height, shard uint64) (ValidatorStake, error)
	GetValidatorByAccount(epochID EpochId, accountID string) (ValidatorStake, bool, error)
	MinimumStakeForStake() *big.Int
}

// RuntimeAdapter is the capability interface the chain store / client
// loop use to invoke the runtime's Apply without importing its
// concrete type (spec.md §9).
type RuntimeAdapter interface {
	Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error)

	// VerifyChunkStateChallenge re-executes the transition encoded in
	// a state-challenge proof and reports whether the challenge
	// itself is malicious (the challenged transition was in fact
	// valid). A nil error with no challenge-specific sentinel means
	// the challenge is upheld.
	VerifyChunkStateChallenge(ctx context.Context, proof []byte) error
}

// ApplyState carries the per-chunk parameters Runtime.apply needs.
type ApplyState struct {
	BlockHeight       uint64
	Timestamp         int64
	GasPrice          *big.Int
	GasLimit          uint64
	ProtocolVersion   uint32
	ShardID           uint64
	IsFirstBlockOfEpoch bool
}

// ValidatorAccountUpdate is the per-account reward/slash settlement
// applied at the first block of an epoch (spec.md §4.5 step 1).
type ValidatorAccountUpdate struct {
	AccountID     string
	MaxStake      *big.Int
	LastProposal  *big.Int
	AccruedReward *big.Int
	Slashed       bool
	SlashAmount   *big.Int
}

// ApplyRequest is the input to Runtime.apply (spec.md §4.5).
type ApplyRequest struct {
	StateRoot               Hash
	ValidatorAccountsUpdate []ValidatorAccountUpdate
	ApplyState              ApplyState
	IncomingReceipts        []Receipt
	Transactions            []SignedTransaction
	EpochInfoProvider       EpochInfoProvider
}

// ExecutionOutcome records the result of processing one transaction
// or receipt.
type ExecutionOutcome struct {
	ID      Hash
	Success bool
	GasBurnt uint64
	Logs    []string
	Err     error
}

// ApplyResult is the output of Runtime.apply (spec.md §4.5).
type ApplyResult struct {
	NewStateRoot       Hash
	TrieChanges        TrieChanges
	ValidatorProposals []ValidatorStake
	OutgoingReceipts   []Receipt
	PerItemOutcomes    []ExecutionOutcome
	StateChanges       []KeyValueChange
	Stats              ApplyStats
	Proof              []byte
	DelayedQueueLen    uint64
}

// ApplyStats carries the accounting the balance checker validates
// (spec.md §4.5 step 6). All fields are denominated in the chain's
// native currency except ReceiptGasBurnt, which is raw gas units kept
// for metrics/fee-schedule introspection.
type ApplyStats struct {
	ReceiptGasBurnt  uint64
	TxBurntGas       *big.Int
	SlashedBurnt     *big.Int
	OtherBurnt       *big.Int
	GasDeficit       *big.Int
	IncomingDeposits *big.Int
	OutgoingDeposits *big.Int
	ValidatorRewards *big.Int
}

// NetworkSink is the subset of the peer-manager's outbound API the
// client loop and runtime need to emit onto (spec.md §6); the wire
// codec and transport are out of scope.
type NetworkSink interface {
	BroadcastBlock(b *Block)
	BroadcastHeaderAnnounce(h *BlockHeader, approval *Approval)
	BroadcastChallenge(c *Challenge)
	SendApproval(toAccountID string, a *Approval)
	BanPeer(peerID string, reason string)
}
