package pyth

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	ReceiverProgramID          = solana.MustPublicKeyFromBase58("pythWSnswVUd12oZpeFP8e9CVaEqJg25g1Vtc2biRsT")
	priceUpdateV2Discriminator = [8]byte{34, 241, 35, 99, 157, 126, 244, 205}

	ErrInvalidPriceUpdate       = errors.New("invalid pyth price update account")
	ErrUnexpectedOracleEncoding = errors.New("unexpected oracle payload encoding")
	ErrStalePrice               = errors.New("stale oracle price")
	ErrFeedMismatch             = errors.New("oracle feed mismatch")
)

// PriceUpdate is a decoded PriceUpdateV2 account.
type PriceUpdate struct {
	WriteAuthority  solana.PublicKey
	FeedID          [32]byte
	Price           int64
	Conf            uint64
	Exponent        int32
	PublishTime     int64
	PrevPublishTime int64
	EMAPrice        int64
	EMAConf         uint64
	PostedSlot      uint64
}

// DecodePriceUpdate accepts only fully verified updates held by the Pyth
// receiver program.
func DecodePriceUpdate(owner solana.PublicKey, data []byte) (PriceUpdate, error) {
	if !owner.Equals(ReceiverProgramID) {
		return PriceUpdate{}, fmt.Errorf("%w: owner mismatch (%s)", ErrInvalidPriceUpdate, owner)
	}
	if len(data) < len(priceUpdateV2Discriminator) {
		return PriceUpdate{}, fmt.Errorf("%w: payload too short", ErrInvalidPriceUpdate)
	}
	if !bytes.Equal(data[:8], priceUpdateV2Discriminator[:]) {
		return PriceUpdate{}, fmt.Errorf("%w: discriminator mismatch", ErrInvalidPriceUpdate)
	}

	r := reader{data: data, offset: 8}
	var update PriceUpdate
	update.WriteAuthority = solana.PublicKey(r.fixed32("write authority"))

	switch level := r.u8("verification level"); level {
	case 1: // Full
	case 0: // Partial { num_signatures: u8 }
		r.u8("partial signature count")
		if r.err == nil {
			return PriceUpdate{}, fmt.Errorf("%w: verification level is partial", ErrInvalidPriceUpdate)
		}
	default:
		if r.err == nil {
			return PriceUpdate{}, fmt.Errorf("%w: unknown verification level %d", ErrInvalidPriceUpdate, level)
		}
	}

	update.FeedID = r.fixed32("feed id")
	update.Price = int64(r.u64("price"))
	update.Conf = r.u64("conf")
	update.Exponent = int32(r.u32("exponent"))
	update.PublishTime = int64(r.u64("publish time"))
	update.PrevPublishTime = int64(r.u64("prev publish time"))
	update.EMAPrice = int64(r.u64("ema price"))
	update.EMAConf = r.u64("ema conf")
	update.PostedSlot = r.u64("posted slot")
	if r.err != nil {
		return PriceUpdate{}, r.err
	}
	if r.offset != len(data) {
		return PriceUpdate{}, fmt.Errorf("%w: trailing bytes in payload", ErrUnexpectedOracleEncoding)
	}
	return update, nil
}

// EncodePriceUpdate produces account data for a fully verified update.
func EncodePriceUpdate(update PriceUpdate) []byte {
	out := make([]byte, 0, 134)
	out = append(out, priceUpdateV2Discriminator[:]...)
	out = append(out, update.WriteAuthority[:]...)
	out = append(out, 1)
	out = append(out, update.FeedID[:]...)
	out = binary.LittleEndian.AppendUint64(out, uint64(update.Price))
	out = binary.LittleEndian.AppendUint64(out, update.Conf)
	out = binary.LittleEndian.AppendUint32(out, uint32(update.Exponent))
	out = binary.LittleEndian.AppendUint64(out, uint64(update.PublishTime))
	out = binary.LittleEndian.AppendUint64(out, uint64(update.PrevPublishTime))
	out = binary.LittleEndian.AppendUint64(out, uint64(update.EMAPrice))
	out = binary.LittleEndian.AppendUint64(out, update.EMAConf)
	out = binary.LittleEndian.AppendUint64(out, update.PostedSlot)
	return out
}

// reader walks a little-endian payload and keeps the first error.
type reader struct {
	data   []byte
	offset int
	err    error
}

func (r *reader) take(n int, field string) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.data) < r.offset+n {
		r.err = fmt.Errorf("%w: truncated %s", ErrInvalidPriceUpdate, field)
		return nil
	}
	out := r.data[r.offset : r.offset+n]
	r.offset += n
	return out
}

func (r *reader) fixed32(field string) [32]byte {
	var out [32]byte
	copy(out[:], r.take(32, field))
	return out
}

func (r *reader) u8(field string) uint8 {
	raw := r.take(1, field)
	if raw == nil {
		return 0
	}
	return raw[0]
}

func (r *reader) u32(field string) uint32 {
	raw := r.take(4, field)
	if raw == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(raw)
}

func (r *reader) u64(field string) uint64 {
	raw := r.take(8, field)
	if raw == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(raw)
}
