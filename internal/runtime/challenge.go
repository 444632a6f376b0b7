package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shardnet/node/internal/nodeerrors"
	"github.com/shardnet/node/internal/types"
)

// ChunkStateChallengeProof is the wire format carried in a
// types.Challenge's Proof field for a chunk state-transition dispute:
// the original application request the challenger claims was
// processed incorrectly, and the post-state root the challenged
// chunk's header actually committed to.
type ChunkStateChallengeProof struct {
	Request          types.ApplyRequest
	ClaimedStateRoot types.Hash
}

// VerifyChunkStateChallenge re-executes the transition encoded in
// proof against its recorded pre-state and compares the result
// against the root the challenged chunk committed to. A transition
// that reproduces the committed root was valid, which makes the
// challenge itself the malicious act (ErrMaliciousChallenge); a
// transition that diverges confirms the challenge and the caller
// should proceed to slash the chunk's producer.
func (r *Runtime) VerifyChunkStateChallenge(ctx context.Context, proof []byte) error {
	var p ChunkStateChallengeProof
	if err := json.Unmarshal(proof, &p); err != nil {
		return fmt.Errorf("decode chunk state challenge: %w", err)
	}
	result, err := r.Apply(ctx, p.Request)
	if err != nil {
		return fmt.Errorf("replay challenged transition: %w", err)
	}
	if result.NewStateRoot == p.ClaimedStateRoot {
		return nodeerrors.ErrMaliciousChallenge
	}
	return nil
}
