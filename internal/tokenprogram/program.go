package tokenprogram

import (
	"errors"
	"fmt"

	"github.com/coldbell/escrow/backend/internal/runtime"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

var (
	ErrUnsupportedInstruction = errors.New("unsupported token instruction")
	ErrInvalidAccountData     = errors.New("invalid token account data")
	ErrIncorrectProgramID     = errors.New("account not owned by the token program")
	ErrNotEnoughAccounts      = errors.New("not enough accounts")
	ErrAccountFrozen          = errors.New("token account is frozen")
	ErrMintMismatch           = errors.New("token accounts have different mints")
	ErrOwnerMismatch          = errors.New("authority does not own the source account")
	ErrMissingSignature       = errors.New("authority signature missing")
	ErrInsufficientFunds      = errors.New("insufficient token balance")
	ErrOverflow               = errors.New("token amount overflow")
)

// Program is the subset of the SPL Token program the node hosts: Transfer.
type Program struct{}

func New() *Program {
	return &Program{}
}

func (p *Program) Process(ictx *runtime.InvokeContext, accounts []*runtime.AccountInfo, data []byte) error {
	metas := make([]*solana.AccountMeta, len(accounts))
	for i, account := range accounts {
		metas[i] = solana.NewAccountMeta(account.Key, account.IsWritable, account.IsSigner)
	}

	inst, err := token.DecodeInstruction(metas, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedInstruction, err)
	}

	switch impl := inst.Impl.(type) {
	case *token.Transfer:
		if impl.Amount == nil {
			return fmt.Errorf("%w: transfer without amount", ErrUnsupportedInstruction)
		}
		ictx.Logf("Instruction: Transfer")
		return transfer(accounts, *impl.Amount)
	default:
		return fmt.Errorf("%w: type id %d", ErrUnsupportedInstruction, inst.TypeID.Uint8())
	}
}

func transfer(accounts []*runtime.AccountInfo, amount uint64) error {
	if len(accounts) < 3 {
		return fmt.Errorf("%w: transfer needs 3, got %d", ErrNotEnoughAccounts, len(accounts))
	}
	sourceInfo, destinationInfo, authority := accounts[0], accounts[1], accounts[2]

	for _, info := range []*runtime.AccountInfo{sourceInfo, destinationInfo} {
		if !info.Owner.Equals(token.ProgramID) {
			return fmt.Errorf("%w: %s", ErrIncorrectProgramID, info.Key)
		}
		if !info.IsWritable {
			return fmt.Errorf("%w: %s is not writable", ErrInvalidAccountData, info.Key)
		}
	}

	source, err := DecodeAccount(sourceInfo.Data)
	if err != nil {
		return err
	}
	destination, err := DecodeAccount(destinationInfo.Data)
	if err != nil {
		return err
	}
	if source.State == token.Frozen || destination.State == token.Frozen {
		return ErrAccountFrozen
	}
	if !source.Mint.Equals(destination.Mint) {
		return ErrMintMismatch
	}

	if !authority.IsSigner {
		return fmt.Errorf("%w: %s", ErrMissingSignature, authority.Key)
	}
	switch {
	case authority.Key.Equals(source.Owner):
	case source.Delegate != nil && source.Delegate.Equals(authority.Key):
		if source.DelegatedAmount < amount {
			return fmt.Errorf("%w: delegated %d, need %d", ErrInsufficientFunds, source.DelegatedAmount, amount)
		}
		source.DelegatedAmount -= amount
		if source.DelegatedAmount == 0 {
			source.Delegate = nil
		}
	default:
		return fmt.Errorf("%w: %s", ErrOwnerMismatch, authority.Key)
	}

	if source.Amount < amount {
		return fmt.Errorf("%w: balance %d, need %d", ErrInsufficientFunds, source.Amount, amount)
	}
	if sourceInfo.Key.Equals(destinationInfo.Key) {
		return nil
	}
	if destination.Amount > ^uint64(0)-amount {
		return fmt.Errorf("%w: destination balance %d + %d", ErrOverflow, destination.Amount, amount)
	}
	source.Amount -= amount
	destination.Amount += amount

	// encode both before writing either, so a failure leaves the accounts untouched
	sourceData, err := EncodeAccount(source)
	if err != nil {
		return err
	}
	destinationData, err := EncodeAccount(destination)
	if err != nil {
		return err
	}
	copy(sourceInfo.Data, sourceData)
	copy(destinationInfo.Data, destinationData)
	return nil
}
