package program

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const MaxWhitelistEntries = 256

var whitelistDiscriminator = bin.SighashAccount("Whitelist")

// Whitelist is the persisted set of identities allowed to buy.
type Whitelist struct {
	Buyers []solana.PublicKey
}

func WhitelistSize(entries int) int {
	return 8 + 4 + entries*solana.PublicKeyLength
}

func (w Whitelist) Contains(key solana.PublicKey) bool {
	return solana.PublicKeySlice(w.Buyers).Contains(key)
}

func (w Whitelist) validate() error {
	if len(w.Buyers) > MaxWhitelistEntries {
		return fmt.Errorf("%w: whitelist has %d entries, max %d", ErrMalformedRecord, len(w.Buyers), MaxWhitelistEntries)
	}
	seen := make(map[solana.PublicKey]struct{}, len(w.Buyers))
	for _, buyer := range w.Buyers {
		if err := RequireIdentityInitialized(buyer); err != nil {
			return fmt.Errorf("%w: whitelist holds the default identity", ErrMalformedRecord)
		}
		if _, ok := seen[buyer]; ok {
			return fmt.Errorf("%w: duplicate whitelist entry %s", ErrMalformedRecord, buyer)
		}
		seen[buyer] = struct{}{}
	}
	return nil
}

func EncodeWhitelist(w Whitelist) ([]byte, error) {
	if err := w.validate(); err != nil {
		return nil, err
	}
	buf := new(bytes.Buffer)
	encoder := bin.NewBorshEncoder(buf)
	if err := encoder.WriteBytes(whitelistDiscriminator, false); err != nil {
		return nil, err
	}
	if err := encoder.WriteUint32(uint32(len(w.Buyers)), bin.LE); err != nil {
		return nil, err
	}
	for _, buyer := range w.Buyers {
		if err := encoder.WriteBytes(buyer[:], false); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func LoadWhitelist(data []byte) (Whitelist, error) {
	if len(data) < WhitelistSize(0) {
		return Whitelist{}, fmt.Errorf("%w: whitelist is %d bytes", ErrMalformedRecord, len(data))
	}
	if !bytes.Equal(data[:8], whitelistDiscriminator) {
		return Whitelist{}, fmt.Errorf("%w: whitelist discriminator mismatch", ErrMalformedRecord)
	}

	decoder := bin.NewBorshDecoder(data[8:])
	count, err := decoder.ReadUint32(bin.LE)
	if err != nil {
		return Whitelist{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if count > MaxWhitelistEntries || len(data) != WhitelistSize(int(count)) {
		return Whitelist{}, fmt.Errorf("%w: whitelist claims %d entries in %d bytes", ErrMalformedRecord, count, len(data))
	}

	w := Whitelist{Buyers: make([]solana.PublicKey, 0, count)}
	for i := uint32(0); i < count; i++ {
		raw, err := decoder.ReadNBytes(solana.PublicKeyLength)
		if err != nil {
			return Whitelist{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
		}
		w.Buyers = append(w.Buyers, solana.PublicKeyFromBytes(raw))
	}
	if err := w.validate(); err != nil {
		return Whitelist{}, err
	}
	return w, nil
}
