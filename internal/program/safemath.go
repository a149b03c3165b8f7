package program

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"github.com/gagliardetto/solana-go"
)

func CheckedAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, fmt.Errorf("%w: %d + %d", ErrOverflow, a, b)
	}
	return sum, nil
}

func CheckedSub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, fmt.Errorf("%w: %d - %d", ErrOverflow, a, b)
	}
	return diff, nil
}

func CheckedMul(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, fmt.Errorf("%w: %d * %d", ErrOverflow, a, b)
	}
	return lo, nil
}

func checkedPow10(exp uint32) (uint64, error) {
	out := uint64(1)
	for i := uint32(0); i < exp; i++ {
		next, err := CheckedMul(out, 10)
		if err != nil {
			return 0, fmt.Errorf("%w: 10^%d", ErrOverflow, exp)
		}
		out = next
	}
	return out, nil
}

// ScalePrice converts an oracle mantissa with exponent expo into an integer
// amount carrying decimals fractional digits, rounding down. The result is
// always strictly below math.MaxUint64.
func ScalePrice(mantissa uint64, expo int32, decimals uint8) (uint64, error) {
	if expo > 38 || expo < -38 {
		return 0, fmt.Errorf("%w: unsupported exponent %d", ErrOracleUnavailable, expo)
	}

	shift := int32(decimals) + expo
	var scaled uint64
	if shift >= 0 {
		factor, err := checkedPow10(uint32(shift))
		if err != nil {
			return 0, err
		}
		scaled, err = CheckedMul(mantissa, factor)
		if err != nil {
			return 0, err
		}
	} else {
		// 10^20 already exceeds every uint64
		if -shift > 19 {
			return 0, nil
		}
		divisor, err := checkedPow10(uint32(-shift))
		if err != nil {
			return 0, err
		}
		scaled = mantissa / divisor
	}

	if scaled == math.MaxUint64 {
		return 0, fmt.Errorf("%w: scaled price reaches the u64 ceiling", ErrOverflow)
	}
	return scaled, nil
}

// ParseU64LE decodes exactly eight little-endian bytes.
func ParseU64LE(raw []byte) (uint64, error) {
	if len(raw) != 8 {
		return 0, fmt.Errorf("%w: expected 8 bytes, got %d", ErrMalformedInput, len(raw))
	}
	return binary.LittleEndian.Uint64(raw), nil
}

func RequireIdentityInitialized(key solana.PublicKey) error {
	if key.IsZero() {
		return fmt.Errorf("%w: default identity", ErrUninitializedParticipant)
	}
	return nil
}
