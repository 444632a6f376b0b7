package epoch

import (
	"encoding/json"
	"fmt"

	"github.com/shardnet/node/internal/nodeerrors"
	"github.com/shardnet/node/internal/types"
)

// AnnounceAccount records which peer currently hosts the shards an
// account's transactions and receipts route through, keyed by epoch so
// stale announcements from a prior validator set don't shadow a fresh
// one. Supplemented from near's AnnounceAccount gossip record (not
// named in the distilled spec's module list, but required for a
// client loop to know where to route cross-shard traffic once peer
// discovery is in scope).
type AnnounceAccount struct {
	AccountID string
	EpochId   types.EpochId
	PeerID    string
	Signature []byte
}

func announceKey(epochID types.EpochId, accountID string) []byte {
	return []byte(epochID.String() + ":" + accountID)
}

// SaveAnnounceAccount persists a, overwriting any prior announcement
// for the same (epoch, account) pair.
func (m *Manager) SaveAnnounceAccount(a AnnounceAccount) error {
	buf, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal announce account: %w", err)
	}
	b := m.kv.NewBatch()
	b.Put(types.ColAnnounceAccount, announceKey(a.EpochId, a.AccountID), buf)
	return b.Commit()
}

// GetAnnounceAccount looks up the current announcement for accountID
// within epochID.
func (m *Manager) GetAnnounceAccount(epochID types.EpochId, accountID string) (*AnnounceAccount, error) {
	raw, err := m.kv.Get(types.ColAnnounceAccount, announceKey(epochID, accountID))
	if err != nil {
		return nil, fmt.Errorf("get announce account: %w", err)
	}
	if raw == nil {
		return nil, nodeerrors.NotFound("announce-account")
	}
	var a AnnounceAccount
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode announce account: %w", err)
	}
	return &a, nil
}
