// Package commitment derives the per-request identifier that binds one HTTP
// request to the payment that was attached to it.
package commitment

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultWindow is the time-window parameter both sides feed into Compute.
const DefaultWindow = "60"

var stringArgs = func() abi.Arguments {
	t, err := abi.NewType("string", "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Type: t}, {Type: t}, {Type: t}, {Type: t}}
}()

// Compute returns keccak256(abi.encode(method, url, paymentHeader, window)).
// ABI string encoding carries an offset and a length per field, so no two
// distinct tuples share an encoding.
func Compute(method, url, paymentHeader, window string) [32]byte {
	encoded, err := stringArgs.Pack(method, url, paymentHeader, window)
	if err != nil {
		// Pack only fails on a type mismatch, and all four arguments are strings.
		panic(fmt.Sprintf("commitment: abi pack: %v", err))
	}
	return crypto.Keccak256Hash(encoded)
}

// Hex renders a commitment as 0x-prefixed lowercase hex.
func Hex(c [32]byte) string {
	return hexutil.Encode(c[:])
}

// Parse decodes a 0x-prefixed 32-byte hex string.
func Parse(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hexutil.Decode(s)
	if err != nil {
		return out, fmt.Errorf("decode commitment: %w", err)
	}
	if len(b) != common.HashLength {
		return out, fmt.Errorf("commitment must be %d bytes, got %d", common.HashLength, len(b))
	}
	copy(out[:], b)
	return out, nil
}

// ShortID is the 10-hex-character fragment used to name receipt files.
func ShortID(c [32]byte) string {
	return Hex(c)[2:12]
}
