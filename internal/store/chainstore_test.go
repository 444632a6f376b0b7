package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardnet/node/internal/chainkv"
	"github.com/shardnet/node/internal/cryptoutil"
	"github.com/shardnet/node/internal/nodeerrors"
	"github.com/shardnet/node/internal/types"
)

func buildHeaderChain(t *testing.T, chain *ChainStore, n int) []*types.BlockHeader {
	t.Helper()
	headers := make([]*types.BlockHeader, 0, n)
	var prev types.Hash
	for i := 0; i < n; i++ {
		h := &types.BlockHeader{Height: uint64(i), PrevHash: prev}
		u := NewUpdate(chain)
		u.SaveHeader(h)
		require.NoError(t, u.Commit())
		headers = append(headers, h)
		prev = h.Hash()
	}
	return headers
}

// TestCheckBlocksOnSameChain_FindsBaseWithinGap covers S6: walking
// backward from the current header through stored ancestors finds a
// requested base hash as long as it's within maxGap blocks.
func TestCheckBlocksOnSameChain_FindsBaseWithinGap(t *testing.T) {
	chain := New(chainkv.NewMem())
	headers := buildHeaderChain(t, chain, 4) // h0..h3

	err := chain.CheckBlocksOnSameChain(headers[3], headers[0].Hash(), 10)
	require.NoError(t, err)
}

// TestCheckBlocksOnSameChain_ExpiresPastMaxGap covers the other half
// of S6: a base hash older than maxGap blocks back is reported as
// expired rather than walked to indefinitely.
func TestCheckBlocksOnSameChain_ExpiresPastMaxGap(t *testing.T) {
	chain := New(chainkv.NewMem())
	headers := buildHeaderChain(t, chain, 4)

	err := chain.CheckBlocksOnSameChain(headers[3], headers[0].Hash(), 1)
	require.Error(t, err)
	require.True(t, errors.Is(err, nodeerrors.ErrExpired))
}

// TestCheckBlocksOnSameChain_UnknownAncestorIsInvalidChain exercises
// walking off the front of recorded history: a base hash that isn't
// an ancestor at all surfaces as an invalid-chain error once the walk
// runs past genesis rather than looping forever.
func TestCheckBlocksOnSameChain_UnknownAncestorIsInvalidChain(t *testing.T) {
	chain := New(chainkv.NewMem())
	headers := buildHeaderChain(t, chain, 2) // h0, h1

	unrelated := cryptoutil.HashBytes([]byte("not-on-this-chain"))
	err := chain.CheckBlocksOnSameChain(headers[1], unrelated, 10)
	require.Error(t, err)
	require.True(t, errors.Is(err, nodeerrors.ErrInvalidChain))
}
