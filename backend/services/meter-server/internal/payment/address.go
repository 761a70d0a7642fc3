package payment

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ValidateAddress checks a 0x-prefixed 20 byte hex address. Mixed-case input must carry
// a valid EIP-55 checksum.
func ValidateAddress(addr string) error {
	if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
		return fmt.Errorf("address %q must be 0x followed by 40 hex characters", addr)
	}
	digits := addr[2:]
	if _, err := hex.DecodeString(digits); err != nil {
		return fmt.Errorf("address %q is not hex: %v", addr, err)
	}
	if digits == strings.ToLower(digits) || digits == strings.ToUpper(digits) {
		return nil
	}
	if ChecksumAddress(addr) != addr {
		return fmt.Errorf("address %q has an invalid checksum", addr)
	}
	return nil
}

// ChecksumAddress returns the EIP-55 mixed-case form of addr.
func ChecksumAddress(addr string) string {
	lower := strings.ToLower(strings.TrimPrefix(addr, "0x"))
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write([]byte(lower))
	sum := hasher.Sum(nil)

	out := []byte(lower)
	for i := range out {
		if out[i] < 'a' || out[i] > 'f' {
			continue
		}
		nibble := sum[i/2]
		if i%2 == 0 {
			nibble >>= 4
		} else {
			nibble &= 0x0f
		}
		if nibble >= 8 {
			out[i] -= 'a' - 'A'
		}
	}
	return "0x" + string(out)
}

func sameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
