// Package wallet bridges agent credit balances to on-chain USDC: HD
// deposit addresses, deposit confirmation, withdrawal broadcasting and
// boot-time reconciliation.
package wallet

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// DeriveAddress maps a derivation index to a deposit address. The key
// for index i is keccak256(seed || uint32(i)) interpreted as a
// secp256k1 scalar; the master seed never leaves the secrets backend
// except through this derivation.
func DeriveAddress(masterSeed []byte, index int) (common.Address, error) {
	if len(masterSeed) < 16 {
		return common.Address{}, fmt.Errorf("master seed too short (%d bytes)", len(masterSeed))
	}
	if index < 0 {
		return common.Address{}, fmt.Errorf("derivation index must not be negative")
	}
	buf := make([]byte, len(masterSeed)+4)
	copy(buf, masterSeed)
	binary.BigEndian.PutUint32(buf[len(masterSeed):], uint32(index))

	key, err := gethcrypto.ToECDSA(gethcrypto.Keccak256(buf))
	if err != nil {
		return common.Address{}, fmt.Errorf("derive key %d: %w", index, err)
	}
	return gethcrypto.PubkeyToAddress(key.PublicKey), nil
}
