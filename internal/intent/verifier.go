package intent

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"VenueLedger/internal/access"
)

var (
	// ErrInvalidSignature is returned when a signature is malformed or does
	// not recover to any public key.
	ErrInvalidSignature = errors.New("intent: invalid signature")

	// ErrUnauthorizedSigner is returned when the recovered signer does not
	// hold the attesting role.
	ErrUnauthorizedSigner = errors.New("intent: unauthorized signer")

	// ErrReplayedIntent is returned when an intent's nonce or consumed key
	// has already been admitted.
	ErrReplayedIntent = errors.New("intent: replayed intent")
)

// SignatureLength is the expected compact secp256k1 signature size (r‖s‖v).
const SignatureLength = 65

// Verifier recovers signers from personal-sign signatures over intent
// digests and checks them against the attesting role.
type Verifier struct {
	directory  access.Directory
	signerRole access.RoleID
}

func NewVerifier(directory access.Directory, signerRole access.RoleID) *Verifier {
	return &Verifier{directory: directory, signerRole: signerRole}
}

// Verify recovers the signer of sig over digest and returns it when the
// signer holds the attesting role.
func (v *Verifier) Verify(digest common.Hash, sig []byte) (common.Address, error) {
	signer, err := RecoverSigner(digest, sig)
	if err != nil {
		return common.Address{}, err
	}

	if !v.directory.HasRole(v.signerRole, signer) {
		return common.Address{}, fmt.Errorf("%w: %s", ErrUnauthorizedSigner, signer.Hex())
	}

	return signer, nil
}

// RecoverSigner recovers the address that personal-signed digest.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}

	// Normalize the recovery id: wallets emit v ∈ {27, 28}.
	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, sig[64])
	}

	pub, err := crypto.SigToPub(PersonalSignHash(digest).Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	return crypto.PubkeyToAddress(*pub), nil
}

// PersonalSignHash wraps a digest with the Ethereum personal-sign prefix.
func PersonalSignHash(digest common.Hash) common.Hash {
	return crypto.Keccak256Hash(
		[]byte("\x19Ethereum Signed Message:\n32"),
		digest.Bytes(),
	)
}
