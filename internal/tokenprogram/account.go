package tokenprogram

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go/programs/token"
)

// AccountSize is the packed size of an SPL token account.
const AccountSize = 165

func DecodeAccount(data []byte) (token.Account, error) {
	if len(data) != AccountSize {
		return token.Account{}, fmt.Errorf("%w: token account is %d bytes, want %d", ErrInvalidAccountData, len(data), AccountSize)
	}
	var account token.Account
	if err := account.UnmarshalWithDecoder(bin.NewBinDecoder(data)); err != nil {
		return token.Account{}, fmt.Errorf("%w: %v", ErrInvalidAccountData, err)
	}
	if account.State == token.Uninitialized {
		return token.Account{}, fmt.Errorf("%w: token account is not initialized", ErrInvalidAccountData)
	}
	return account, nil
}

func EncodeAccount(account token.Account) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(AccountSize)
	if err := account.MarshalWithEncoder(bin.NewBinEncoder(buf)); err != nil {
		return nil, fmt.Errorf("encode token account: %w", err)
	}
	if buf.Len() != AccountSize {
		return nil, fmt.Errorf("%w: encoded %d bytes, want %d", ErrInvalidAccountData, buf.Len(), AccountSize)
	}
	return buf.Bytes(), nil
}
