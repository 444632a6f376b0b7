package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardnet/node/internal/chainkv"
	"github.com/shardnet/node/internal/nodeerrors"
	"github.com/shardnet/node/internal/types"
)

// TestSaveHeaderHeadIfNotChallenged_AdvancesCanonicalIndex covers the
// happy path: moving the header head forward records every walked
// header as canonical at its height.
func TestSaveHeaderHeadIfNotChallenged_AdvancesCanonicalIndex(t *testing.T) {
	chain := New(chainkv.NewMem())

	genesis := &types.BlockHeader{Height: 0}
	u := NewUpdate(chain)
	u.SaveHeader(genesis)
	require.NoError(t, u.SaveHeaderHeadIfNotChallenged(genesis))
	require.NoError(t, u.Commit())

	h, err := chain.CanonicalHashAt(0)
	require.NoError(t, err)
	assert.Equal(t, genesis.Hash(), h)

	child := &types.BlockHeader{Height: 1, PrevHash: genesis.Hash()}
	u2 := NewUpdate(chain)
	u2.SaveHeader(child)
	require.NoError(t, u2.SaveHeaderHeadIfNotChallenged(child))
	require.NoError(t, u2.Commit())

	h, err = chain.CanonicalHashAt(1)
	require.NoError(t, err)
	assert.Equal(t, child.Hash(), h)

	tip, err := chain.GetTip(types.TipHeaderHead)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), tip.Height)
	assert.Equal(t, child.Hash(), tip.LastBlockHash)
}

// TestSaveHeaderHeadIfNotChallenged_RejectsChallengedAncestor covers
// the guard the method is named for: the header head must not advance
// through a block a prior update has marked challenged.
func TestSaveHeaderHeadIfNotChallenged_RejectsChallengedAncestor(t *testing.T) {
	chain := New(chainkv.NewMem())

	genesis := &types.BlockHeader{Height: 0}
	child := &types.BlockHeader{Height: 1, PrevHash: genesis.Hash()}
	grandchild := &types.BlockHeader{Height: 2, PrevHash: child.Hash()}

	u := NewUpdate(chain)
	u.SaveHeader(genesis)
	u.SaveHeader(child)
	require.NoError(t, u.SaveHeaderHeadIfNotChallenged(genesis))
	u.MarkChallenged(child.Hash())
	require.NoError(t, u.Commit())

	u2 := NewUpdate(chain)
	u2.SaveHeader(grandchild)
	err := u2.SaveHeaderHeadIfNotChallenged(grandchild)
	require.Error(t, err)
	assert.True(t, errors.Is(err, nodeerrors.ErrChallengedBlock))
}
