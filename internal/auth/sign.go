// Package auth verifies wallet signatures binding a calling agent to its
// request body. Counterparties are remote agents identified by ledger
// address, so possession of the key is the identity check.
package auth

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// hashMessage builds the EIP-191 prefixed digest:
// keccak256("\x19Ethereum Signed Message:\n" + len(msg) + msg)
func hashMessage(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}

// RecoverSigner extracts the signing address from a 65-byte R||S||V
// signature over msg. V may be {0,1} or {27,28}.
func RecoverSigner(msg, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errors.New("invalid signature length")
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pub, err := crypto.SigToPub(hashMessage(msg), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
