package program

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// GameStateSize is the exact on-account size of a game record:
// entry_price u64 | last_price u64 | game_active u8 | player2 [32]u8.
const GameStateSize = 8 + 8 + 1 + 32

// Identity is an optional participant key. The zero value is unset; on the
// account an unset identity is stored as 32 zero bytes.
type Identity struct {
	key solana.PublicKey
	set bool
}

func IdentityOf(key solana.PublicKey) Identity {
	return Identity{key: key, set: true}
}

func (i Identity) Get() (solana.PublicKey, bool) {
	return i.key, i.set
}

func (i Identity) IsSet() bool {
	return i.set
}

func (i Identity) String() string {
	if !i.set {
		return "<unset>"
	}
	return i.key.String()
}

type GameState struct {
	EntryPrice uint64
	LastPrice  uint64
	GameActive bool
	Player2    Identity
}

func NewGameState(entryPrice uint64) GameState {
	return GameState{
		EntryPrice: entryPrice,
		LastPrice:  entryPrice,
		GameActive: true,
	}
}

func (s GameState) Status() string {
	if s.GameActive {
		return "active"
	}
	return "sold"
}

func (s GameState) MarshalWithEncoder(encoder *bin.Encoder) error {
	if err := encoder.WriteUint64(s.EntryPrice, bin.LE); err != nil {
		return err
	}
	if err := encoder.WriteUint64(s.LastPrice, bin.LE); err != nil {
		return err
	}
	if err := encoder.WriteBool(s.GameActive); err != nil {
		return err
	}
	key, _ := s.Player2.Get()
	return encoder.WriteBytes(key[:], false)
}

func (s *GameState) UnmarshalWithDecoder(decoder *bin.Decoder) (err error) {
	if s.EntryPrice, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	if s.LastPrice, err = decoder.ReadUint64(bin.LE); err != nil {
		return err
	}
	flag, err := decoder.ReadUint8()
	if err != nil {
		return err
	}
	switch flag {
	case 0:
		s.GameActive = false
	case 1:
		s.GameActive = true
	default:
		return fmt.Errorf("%w: game_active byte is %d", ErrMalformedRecord, flag)
	}
	raw, err := decoder.ReadNBytes(solana.PublicKeyLength)
	if err != nil {
		return err
	}
	s.Player2 = Identity{}
	if key := solana.PublicKeyFromBytes(raw); !key.IsZero() {
		s.Player2 = IdentityOf(key)
	}
	return nil
}

func (s GameState) validate() error {
	key, set := s.Player2.Get()
	switch {
	case set && key.IsZero():
		return fmt.Errorf("%w: player2 set to the default identity", ErrMalformedRecord)
	case s.GameActive && set:
		return fmt.Errorf("%w: active record already has a buyer", ErrMalformedRecord)
	case !s.GameActive && !set:
		return fmt.Errorf("%w: sold record has no buyer", ErrMalformedRecord)
	}
	return nil
}

// LoadGameState decodes a record. The buffer must be exactly GameStateSize
// bytes and describe a consistent state.
func LoadGameState(data []byte) (GameState, error) {
	if len(data) != GameStateSize {
		return GameState{}, fmt.Errorf("%w: record is %d bytes, want %d", ErrMalformedRecord, len(data), GameStateSize)
	}

	var state GameState
	if err := state.UnmarshalWithDecoder(bin.NewBorshDecoder(data)); err != nil {
		if _, ok := CodeOf(err); ok {
			return GameState{}, err
		}
		return GameState{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if err := state.validate(); err != nil {
		return GameState{}, err
	}
	return state, nil
}

// StoreGameState serializes state into dst in a single copy. dst must be
// exactly GameStateSize bytes; nothing is written on failure.
func StoreGameState(state GameState, dst []byte) error {
	if len(dst) < GameStateSize {
		return fmt.Errorf("%w: buffer is %d bytes, want %d", ErrBufferTooSmall, len(dst), GameStateSize)
	}
	if len(dst) != GameStateSize {
		return fmt.Errorf("%w: buffer is %d bytes, want %d", ErrMalformedRecord, len(dst), GameStateSize)
	}
	if err := state.validate(); err != nil {
		return err
	}

	buf := new(bytes.Buffer)
	buf.Grow(GameStateSize)
	if err := state.MarshalWithEncoder(bin.NewBorshEncoder(buf)); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if buf.Len() != GameStateSize {
		return fmt.Errorf("%w: encoded %d bytes, want %d", ErrMalformedRecord, buf.Len(), GameStateSize)
	}
	copy(dst, buf.Bytes())
	return nil
}

// EncodeGameState returns a fresh record buffer.
func EncodeGameState(state GameState) ([]byte, error) {
	out := make([]byte, GameStateSize)
	if err := StoreGameState(state, out); err != nil {
		return nil, err
	}
	return out, nil
}
