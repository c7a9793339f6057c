// Package identity implements device identity for the collective: an
// Ed25519 keypair, an id derived from the public key, trust levels, and
// the challenge-response signatures used during pool handshakes.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/amphibian-ai/amphibian/types"
)

// TrustLevel is the coarse standing of an identity within the platform.
type TrustLevel string

const (
	TrustAnonymous TrustLevel = "ANONYMOUS"
	TrustNew       TrustLevel = "NEW"
	TrustTrusted   TrustLevel = "TRUSTED"
	TrustVerified  TrustLevel = "VERIFIED"
	TrustGuardian  TrustLevel = "GUARDIAN"
)

// ChallengeTTL is the maximum age of a signed challenge before it is
// rejected.
const ChallengeTTL = 5 * time.Minute

// Identity is a device identity. PrivateKey is nil for remote identities.
// Callers are responsible for at-rest protection of the private key.
type Identity struct {
	ID         string             `json:"id"`
	PublicKey  ed25519.PublicKey  `json:"public_key"`
	PrivateKey ed25519.PrivateKey `json:"private_key,omitempty"`
	TrustLevel TrustLevel         `json:"trust_level"`
	Reputation float64            `json:"reputation"`
	Badges     []string           `json:"badges"`
}

// IDFromPublicKey derives the identity id: the first 16 hex characters of
// sha256(publicKey).
func IDFromPublicKey(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:16]
}

// Generate creates a fresh local identity with a new Ed25519 keypair.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, types.NewError(types.ErrIntegrity, "generate keypair").WithCause(err)
	}
	return &Identity{
		ID:         IDFromPublicKey(pub),
		PublicKey:  pub,
		PrivateKey: priv,
		TrustLevel: TrustNew,
		Badges:     []string{},
	}, nil
}

// NewChallenge returns a 32-hex-character random challenge.
func NewChallenge() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", types.NewError(types.ErrIntegrity, "generate challenge").WithCause(err)
	}
	return hex.EncodeToString(buf), nil
}

// challengeMessage is the canonical byte string covered by a handshake
// signature: challenge || timestamp || id.
func challengeMessage(challenge string, timestamp int64, id string) []byte {
	return []byte(challenge + strconv.FormatInt(timestamp, 10) + id)
}

// SignChallenge signs a handshake challenge with the local private key.
func (i *Identity) SignChallenge(challenge string, timestamp int64) ([]byte, error) {
	if len(i.PrivateKey) != ed25519.PrivateKeySize {
		return nil, types.NewError(types.ErrAuthFailed, "identity has no private key")
	}
	return ed25519.Sign(i.PrivateKey, challengeMessage(challenge, timestamp, i.ID)), nil
}

// VerifyChallenge checks a handshake signature: the claimed id must match
// the public key, the timestamp must be within ChallengeTTL of now, and
// the Ed25519 signature must cover challenge || timestamp || id.
func VerifyChallenge(pub ed25519.PublicKey, id, challenge string, timestamp int64, signature []byte, now time.Time) error {
	if len(pub) != ed25519.PublicKeySize {
		return types.NewError(types.ErrAuthFailed, "malformed public key")
	}
	if IDFromPublicKey(pub) != id {
		return types.Errorf(types.ErrAuthFailed, "id %q does not match public key", id)
	}
	drift := now.UnixMilli() - timestamp
	if drift < 0 {
		drift = -drift
	}
	if drift > ChallengeTTL.Milliseconds() {
		return types.NewError(types.ErrAuthFailed, "challenge expired")
	}
	if !ed25519.Verify(pub, challengeMessage(challenge, timestamp, id), signature) {
		return types.NewError(types.ErrAuthFailed, "signature verification failed")
	}
	return nil
}

// AdjustReputation moves reputation by delta, clamped at zero from below.
func (i *Identity) AdjustReputation(delta float64) {
	i.Reputation += delta
	if i.Reputation < 0 {
		i.Reputation = 0
	}
}

// AwardBadge appends a badge once.
func (i *Identity) AwardBadge(badge string) {
	for _, b := range i.Badges {
		if b == badge {
			return
		}
	}
	i.Badges = append(i.Badges, badge)
}

// Public returns a copy with the private key stripped, safe to share with
// peers.
func (i *Identity) Public() *Identity {
	return &Identity{
		ID:         i.ID,
		PublicKey:  i.PublicKey,
		TrustLevel: i.TrustLevel,
		Reputation: i.Reputation,
		Badges:     append([]string(nil), i.Badges...),
	}
}
