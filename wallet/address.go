package wallet

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidAddress is returned for destination addresses that fail hex or
// checksum validation.
var ErrInvalidAddress = errors.New("wallet: invalid address")

// NormalizeAddress validates a destination address for the chain type and
// returns its canonical form. EVM addresses are returned EIP-55
// checksummed; mixed-case input with a wrong checksum is rejected rather
// than silently repaired.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", ErrInvalidAddress
	}
	canonical := common.HexToAddress(addr).Hex()
	bare := strings.TrimPrefix(addr, "0x")
	bare = strings.TrimPrefix(bare, "0X")
	if bare != strings.ToLower(bare) && bare != strings.ToUpper(bare) {
		// Mixed case claims an EIP-55 checksum; hold it to that claim.
		if "0x"+bare != canonical {
			return "", ErrInvalidAddress
		}
	}
	return canonical, nil
}
