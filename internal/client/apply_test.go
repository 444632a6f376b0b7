package client

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardnet/node/internal/chainkv"
	"github.com/shardnet/node/internal/cryptoutil"
	"github.com/shardnet/node/internal/epoch"
	"github.com/shardnet/node/internal/store"
	"github.com/shardnet/node/internal/txpool"
	"github.com/shardnet/node/internal/types"
)

// noopNetworkForTest drops every broadcast, mirroring cmd/shardnode's
// own noopNetwork dev stub (unimportable here since it lives in
// package main).
type noopNetworkForTest struct{}

func (noopNetworkForTest) BroadcastBlock(*types.Block)                                {}
func (noopNetworkForTest) BroadcastHeaderAnnounce(*types.BlockHeader, *types.Approval) {}
func (noopNetworkForTest) BroadcastChallenge(*types.Challenge)                         {}
func (noopNetworkForTest) SendApproval(string, *types.Approval)                        {}
func (noopNetworkForTest) BanPeer(string, string)                                      {}

func newTestSigner() (*cryptoutil.PrivateKey, error) {
	return cryptoutil.GenerateKey()
}

// fakeRuntime is a types.RuntimeAdapter test double that records the
// request it was handed and returns a canned result, so these tests
// exercise the client's wiring rather than internal/runtime's own
// execution semantics (which has its own tests).
type fakeRuntime struct {
	lastReq types.ApplyRequest
	result  *types.ApplyResult
	err     error
}

func (f *fakeRuntime) Apply(_ context.Context, req types.ApplyRequest) (*types.ApplyResult, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &types.ApplyResult{
		NewStateRoot: types.Hash{0xAA},
		Stats:        types.ApplyStats{},
	}, nil
}

func (f *fakeRuntime) VerifyChunkStateChallenge(context.Context, []byte) error { return nil }

func testEpochManager(t *testing.T, numShards uint64) *epoch.Manager {
	t.Helper()
	kv := chainkv.NewMem()
	return epoch.New(kv, epoch.Config{
		EpochLength:           5,
		NumBlockProducerSeats: 4,
		NumShards:             numShards,
		KickoutThresholdPct:   80,
		MinimumStake:          big.NewInt(1),
	})
}

func newTestClientLoop(t *testing.T, numShards uint64, rt *fakeRuntime) (*ClientLoop, *store.ChainStore) {
	t.Helper()
	kv := chainkv.NewMem()
	chain := store.New(kv)
	epochMgr := testEpochManager(t, numShards)
	pool := txpool.New()
	signer, err := newTestSigner()
	require.NoError(t, err)

	loop := New(Config{
		AccountID:       "validator-0",
		NumShards:       numShards,
		GasLimit:        1_000_000,
		ProtocolVersion: 1,
	}, chain, kv, epochMgr, pool, rt, noopNetworkForTest{}, signer)
	return loop, chain
}

func TestApplyChunk_StagesChunkExtraAndOutgoingReceipts(t *testing.T) {
	rt := &fakeRuntime{result: &types.ApplyResult{
		NewStateRoot: types.Hash{0x01, 0x02},
		OutgoingReceipts: []types.Receipt{
			{PredecessorID: "alice", ReceiverID: "bob", ReceiptID: types.Hash{0x09}, Body: types.ActionReceipt{}},
		},
		Stats:           types.ApplyStats{ReceiptGasBurnt: 42},
		DelayedQueueLen: 3,
	}}
	loop, chain := newTestClientLoop(t, 1, rt)

	header := &types.BlockHeader{Height: 1, GasPrice: big.NewInt(1)}
	chunk := &types.ShardChunk{ShardID: 0, HeightCreated: 1, GasLimit: 1_000_000}

	result, err := loop.ApplyChunk(context.Background(), header, chunk)
	require.NoError(t, err)
	assert.Equal(t, types.Hash{0x01, 0x02}, result.NewStateRoot)

	// the request assembled for the runtime carries the chunk and
	// header fields ApplyChunk is responsible for translating.
	assert.Equal(t, uint64(0), rt.lastReq.ApplyState.ShardID)
	assert.Equal(t, uint64(1), rt.lastReq.ApplyState.BlockHeight)
	assert.False(t, rt.lastReq.ApplyState.IsFirstBlockOfEpoch)
	assert.Empty(t, rt.lastReq.IncomingReceipts)

	extra, err := chain.GetChunkExtra(header.Hash(), chunk.ShardID)
	require.NoError(t, err)
	assert.Equal(t, types.Hash{0x01, 0x02}, extra.StateRoot)
	assert.Equal(t, uint64(42), extra.GasUsed)

	outgoing, err := chain.GetOutgoingReceipts(header.Hash(), chunk.ShardID)
	require.NoError(t, err)
	require.Len(t, outgoing, 1)
	assert.Equal(t, "bob", outgoing[0].ReceiverID)

	saved, err := chain.GetChunk(chunk.Hash())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), saved.GasUsed)
}

func TestApplyChunk_ReusesPriorChunkExtraStateRootAsInput(t *testing.T) {
	rt := &fakeRuntime{}
	loop, chain := newTestClientLoop(t, 1, rt)

	prevHeader := &types.BlockHeader{Height: 1}
	u := store.NewUpdate(chain)
	u.SaveChunkExtra(prevHeader.Hash(), 0, &types.ChunkExtra{StateRoot: types.Hash{0x77}})
	require.NoError(t, u.Commit())

	header := &types.BlockHeader{Height: 2, PrevHash: prevHeader.Hash()}
	chunk := &types.ShardChunk{ShardID: 0, HeightCreated: 2, PrevBlockHash: prevHeader.Hash()}

	_, err := loop.ApplyChunk(context.Background(), header, chunk)
	require.NoError(t, err)
	assert.Equal(t, types.Hash{0x77}, rt.lastReq.StateRoot)
}

func TestCollectIncomingReceipts_RoutesByReceiverShard(t *testing.T) {
	loop, chain := newTestClientLoop(t, 2, &fakeRuntime{})

	var receiver string
	for i := 0; ; i++ {
		candidate := "acct-" + string(rune('a'+i))
		if types.ShardForAccount(candidate, 2) == 0 {
			receiver = candidate
			break
		}
	}

	prevHash := types.Hash{0x55}
	receipt := types.Receipt{PredecessorID: "someone", ReceiverID: receiver, ReceiptID: types.Hash{0x01}, Body: types.ActionReceipt{}}

	u := store.NewUpdate(chain)
	u.SaveOutgoingReceipts(prevHash, 1, []types.Receipt{receipt})
	require.NoError(t, u.Commit())

	toShard0, err := loop.collectIncomingReceipts(prevHash, 0)
	require.NoError(t, err)
	require.Len(t, toShard0, 1)
	assert.Equal(t, receiver, toShard0[0].ReceiverID)

	toShard1, err := loop.collectIncomingReceipts(prevHash, 1)
	require.NoError(t, err)
	assert.Empty(t, toShard1)
}

func TestApplyAcceptedChunks_SkipsAlreadyAppliedChunk(t *testing.T) {
	rt := &fakeRuntime{}
	loop, chain := newTestClientLoop(t, 1, rt)

	header := types.BlockHeader{Height: 1}
	block := &types.Block{
		Header: header,
		ChunkHeaders: []types.ChunkHeader{
			{ShardID: 0, ChunkHash: types.Hash{0x10}},
		},
	}

	u := store.NewUpdate(chain)
	u.SaveChunkExtra(block.Hash(), 0, &types.ChunkExtra{StateRoot: types.Hash{0x99}})
	require.NoError(t, u.Commit())

	err := loop.applyAcceptedChunks(context.Background(), block)
	require.NoError(t, err)
	assert.Equal(t, types.ApplyRequest{}, rt.lastReq, "runtime should not be invoked for an already-applied chunk")
}
