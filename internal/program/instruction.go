package program

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

const (
	TagRefreshPrice uint8 = 0
	TagBuy          uint8 = 1
)

// Instruction is a decoded escrow instruction.
type Instruction struct {
	Tag   uint8
	Price uint64
}

func (ix Instruction) Name() string {
	switch ix.Tag {
	case TagRefreshPrice:
		return "fetch_price"
	case TagBuy:
		return "buy_nft"
	default:
		return fmt.Sprintf("unknown(%d)", ix.Tag)
	}
}

func DecodeInstruction(data []byte) (Instruction, error) {
	ix, err := decodeTag(data)
	if err != nil {
		return Instruction{}, err
	}
	return ix.withPayload(data[1:])
}

// decodeTag reads only the opcode, so a handler can authenticate its caller
// before the payload is looked at.
func decodeTag(data []byte) (Instruction, error) {
	if len(data) == 0 {
		return Instruction{}, fmt.Errorf("%w: empty instruction data", ErrMalformedInput)
	}
	switch tag := data[0]; tag {
	case TagRefreshPrice, TagBuy:
		return Instruction{Tag: tag}, nil
	default:
		return Instruction{}, fmt.Errorf("%w: tag %d", ErrUnknownInstruction, tag)
	}
}

func (ix Instruction) withPayload(payload []byte) (Instruction, error) {
	switch ix.Tag {
	case TagRefreshPrice:
		if len(payload) != 0 {
			return Instruction{}, fmt.Errorf("%w: fetch_price takes no payload, got %d bytes", ErrMalformedInput, len(payload))
		}
	case TagBuy:
		price, err := ParseU64LE(payload)
		if err != nil {
			return Instruction{}, err
		}
		ix.Price = price
	}
	return ix, nil
}

func NewRefreshPriceInstruction(programID, game solana.PublicKey) solana.Instruction {
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(game, true, false),
	}
	return solana.NewInstruction(programID, accounts, []byte{TagRefreshPrice})
}

type BuyAccounts struct {
	Buyer     solana.PublicKey
	Whitelist solana.PublicKey
	Funding   solana.PublicKey
	Treasury  solana.PublicKey
	Game      solana.PublicKey
	Metadata  solana.PublicKey
}

func NewBuyInstruction(programID solana.PublicKey, accounts BuyAccounts, price uint64) solana.Instruction {
	data := make([]byte, 9)
	data[0] = TagBuy
	binary.LittleEndian.PutUint64(data[1:], price)

	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Buyer, false, true),
		solana.NewAccountMeta(accounts.Whitelist, false, false),
		solana.NewAccountMeta(accounts.Funding, true, false),
		solana.NewAccountMeta(accounts.Treasury, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(accounts.Game, true, false),
		solana.NewAccountMeta(accounts.Metadata, false, false),
	}
	return solana.NewInstruction(programID, metas, data)
}
