// Package cryptoutil wraps the cryptographic primitives the chain
// node leans on: content hashing, secp256k1 signature verification
// (github.com/ethereum/go-ethereum/crypto, the teacher's direct
// dependency) for block/approval signatures, and a gnark-crypto field
// reduction used to turn a 32-byte rng_seed into the uint64 seed the
// epoch manager's deterministic shuffle consumes. Actual hash/BLS
// primitive implementations are out of scope per spec.md §1; this
// package only wires the teacher's chosen libraries to the shapes the
// rest of the node needs.
package cryptoutil

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	"github.com/ethereum/go-ethereum/crypto"
)

// Hash is a 32-byte content-addressed identifier, used for every
// cross-fork reference per spec.md §3.
type Hash [32]byte

// ZeroHash is the distinguished zero EpochId used by genesis.
var ZeroHash Hash

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool { return h == ZeroHash }

// HashBytes content-hashes an arbitrary byte slice.
func HashBytes(b []byte) Hash {
	return Hash(sha256.Sum256(b))
}

// HashConcat hashes the concatenation of several byte slices without
// an intermediate allocation per slice.
func HashConcat(parts ...[]byte) Hash {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// PublicKey identifies a validator's signing key.
type PublicKey []byte

// String hex-encodes the key, used as a map key component wherever a
// (account, public key) pair must be compared by value.
func (p PublicKey) String() string { return hex.EncodeToString(p) }

// Signature is a detached secp256k1 signature over a Hash.
type Signature []byte

// PrivateKey is a validator's secp256k1 signing key.
type PrivateKey struct {
	key *ecdsa.PrivateKey
}

// GenerateKey creates a fresh signing key, used in tests and by the
// validator-key bootstrap path.
func GenerateKey() (*PrivateKey, error) {
	k, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key: k}, nil
}

// Public returns the uncompressed public key bytes for this key.
func (p *PrivateKey) Public() PublicKey {
	return PublicKey(crypto.FromECDSAPub(&p.key.PublicKey))
}

// Bytes returns the raw scalar, for persisting a validator's key
// across restarts.
func (p *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(p.key)
}

// PrivateKeyFromBytes reconstructs a key previously serialized with
// Bytes.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	k, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key: k}, nil
}

// Sign signs a content hash, producing a 65-byte recoverable
// signature via the secp256k1 curve.
func (p *PrivateKey) Sign(h Hash) (Signature, error) {
	sig, err := crypto.Sign(h[:], p.key)
	if err != nil {
		return nil, err
	}
	return Signature(sig), nil
}

// Verify checks that sig is a valid signature over h by pub.
func Verify(pub PublicKey, h Hash, sig Signature) bool {
	if len(sig) < 64 {
		return false
	}
	// Drop the recovery id byte (if present) before verification;
	// VerifySignature wants the 64-byte r||s form.
	rs := sig
	if len(rs) == 65 {
		rs = rs[:64]
	}
	return crypto.VerifySignature(pub, h[:], rs)
}

// ErrSeedOutOfRange reports a seed that cannot be reduced into the
// BLS12-381 scalar field. RNGSeedFromHash reduces every 32-byte input
// and never returns it.
var ErrSeedOutOfRange = errors.New("cryptoutil: seed out of range")

// RNGSeedFromHash reduces a 32-byte hash into the BLS12-381 scalar
// field via gnark-crypto and returns the low 64 bits of the reduced
// element as the seed for the epoch manager's deterministic
// validator shuffle (spec.md §4.3 step 4). Reducing through the field
// rather than reading the hash's low bytes directly keeps the value
// uniformly distributed even if upstream hash functions change.
func RNGSeedFromHash(h Hash) (uint64, error) {
	var el fr.Element
	el.SetBytes(h[:])
	var out big.Int
	el.BigInt(&out)
	return out.Uint64(), nil
}
