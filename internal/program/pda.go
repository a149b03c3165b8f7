package program

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

func DeriveWhitelistPDA(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("whitelist")}, programID)
}

func DeriveGamePDA(programID solana.PublicKey, gameID uint64) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("game"), u64LE(gameID)}, programID)
}

func u64LE(value uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	return buf
}
