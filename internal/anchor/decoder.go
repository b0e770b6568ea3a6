// Package anchor decodes Anchor-style program logs into typed events.
//
// Instructions are identified by the first 8 bytes of
// sha256("global:"+name); events emitted through "Program data:" log lines
// carry sha256("event:"+name)[0:8] followed by a borsh-encoded payload.
package anchor

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"math/big"
	"strings"

	"github.com/mr-tron/base58"
)

// Event is a decoded program event: a tagged variant with a structured
// payload of primitives.
type Event struct {
	Name string
	Data map[string]interface{}
}

// InstructionDiscriminator returns the 8-byte discriminator of a named
// instruction.
func InstructionDiscriminator(name string) [8]byte {
	return discriminator("global:" + name)
}

// EventDiscriminator returns the 8-byte discriminator of a named event.
func EventDiscriminator(name string) [8]byte {
	return discriminator("event:" + name)
}

func discriminator(preimage string) [8]byte {
	sum := sha256.Sum256([]byte(preimage))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// fieldKind enumerates the borsh primitives used by the indexed programs.
type fieldKind int

const (
	fieldPubkey fieldKind = iota
	fieldU8
	fieldU16
	fieldU32
	fieldU64
	fieldU128
	fieldI32
	fieldI64
	fieldBool
	fieldString
	fieldOptionPubkey
)

type field struct {
	name string
	kind fieldKind
}

type eventLayout struct {
	name   string
	fields []field
}

// Decoder parses program log lines into events using a fixed registry of
// known layouts. Unknown or malformed payloads decode to nothing; the
// decoder never fails the caller.
type Decoder struct {
	layouts map[[8]byte]eventLayout
}

// NewDecoder builds a decoder with the Orbit AMM and staking event registry.
func NewDecoder() *Decoder {
	d := &Decoder{layouts: make(map[[8]byte]eventLayout)}
	for _, l := range []eventLayout{
		{"SwapExecuted", []field{
			{"pool", fieldPubkey},
			{"user", fieldPubkey},
			{"inMint", fieldPubkey},
			{"amountIn", fieldU64},
			{"amountOut", fieldU64},
			{"activeBin", fieldI32},
			{"feeAtoms", fieldU64},
		}},
		{"LiquidityDeposited", []field{
			{"pool", fieldPubkey},
			{"user", fieldPubkey},
			{"binLower", fieldI32},
			{"binUpper", fieldI32},
			{"baseAmount", fieldU64},
			{"quoteAmount", fieldU64},
		}},
		{"LiquidityWithdrawn", []field{
			{"pool", fieldPubkey},
			{"user", fieldPubkey},
			{"binLower", fieldI32},
			{"binUpper", fieldI32},
			{"baseAmount", fieldU64},
			{"quoteAmount", fieldU64},
		}},
		{"BinUpdated", []field{
			{"pool", fieldPubkey},
			{"binId", fieldI32},
			{"baseReserve", fieldU64},
			{"quoteReserve", fieldU64},
		}},
		{"PoolInitialized", []field{
			{"pool", fieldPubkey},
			{"baseMint", fieldPubkey},
			{"quoteMint", fieldPubkey},
			{"binStepBps", fieldU16},
		}},
		{"FeesDistributed", []field{
			{"pool", fieldPubkey},
			{"creatorFee", fieldU64},
			{"holdersFee", fieldU64},
			{"nftFee", fieldU64},
		}},
		{"NftStaked", []field{
			{"nftMint", fieldPubkey},
			{"owner", fieldPubkey},
			{"stakeAccount", fieldPubkey},
			{"lockDurationSec", fieldI64},
			{"unlockAt", fieldI64},
			{"pool", fieldOptionPubkey},
		}},
		{"NftUnstaked", []field{
			{"nftMint", fieldPubkey},
			{"owner", fieldPubkey},
		}},
	} {
		d.layouts[EventDiscriminator(l.name)] = l
	}
	return d
}

const programDataPrefix = "Program data: "

// DecodeLogs extracts every decodable event from the log lines, in order of
// appearance. Malformed payloads are skipped silently.
func (d *Decoder) DecodeLogs(logs []string) []Event {
	var events []Event
	for _, line := range logs {
		if !strings.HasPrefix(line, programDataPrefix) {
			continue
		}
		payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(line, programDataPrefix))
		if err != nil || len(payload) < 8 {
			continue
		}
		var disc [8]byte
		copy(disc[:], payload[:8])
		layout, ok := d.layouts[disc]
		if !ok {
			continue
		}
		data, ok := decodeFields(payload[8:], layout.fields)
		if !ok {
			continue
		}
		events = append(events, Event{Name: layout.name, Data: data})
	}
	return events
}

func decodeFields(buf []byte, fields []field) (map[string]interface{}, bool) {
	data := make(map[string]interface{}, len(fields))
	cur := cursor{buf: buf}
	for _, f := range fields {
		v, ok := cur.read(f.kind)
		if !ok {
			return nil, false
		}
		data[f.name] = v
	}
	return data, true
}

type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) take(n int) ([]byte, bool) {
	if c.pos+n > len(c.buf) {
		return nil, false
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, true
}

func (c *cursor) read(kind fieldKind) (interface{}, bool) {
	switch kind {
	case fieldPubkey:
		b, ok := c.take(32)
		if !ok {
			return nil, false
		}
		return base58.Encode(b), true
	case fieldU8:
		b, ok := c.take(1)
		if !ok {
			return nil, false
		}
		return uint64(b[0]), true
	case fieldU16:
		b, ok := c.take(2)
		if !ok {
			return nil, false
		}
		return uint64(binary.LittleEndian.Uint16(b)), true
	case fieldU32:
		b, ok := c.take(4)
		if !ok {
			return nil, false
		}
		return uint64(binary.LittleEndian.Uint32(b)), true
	case fieldU64:
		b, ok := c.take(8)
		if !ok {
			return nil, false
		}
		return binary.LittleEndian.Uint64(b), true
	case fieldU128:
		b, ok := c.take(16)
		if !ok {
			return nil, false
		}
		// little-endian u128, rendered as a decimal string
		rev := make([]byte, 16)
		for i := 0; i < 16; i++ {
			rev[i] = b[15-i]
		}
		return new(big.Int).SetBytes(rev).String(), true
	case fieldI32:
		b, ok := c.take(4)
		if !ok {
			return nil, false
		}
		return int64(int32(binary.LittleEndian.Uint32(b))), true
	case fieldI64:
		b, ok := c.take(8)
		if !ok {
			return nil, false
		}
		return int64(binary.LittleEndian.Uint64(b)), true
	case fieldBool:
		b, ok := c.take(1)
		if !ok {
			return nil, false
		}
		return b[0] != 0, true
	case fieldString:
		lb, ok := c.take(4)
		if !ok {
			return nil, false
		}
		n := int(binary.LittleEndian.Uint32(lb))
		b, ok := c.take(n)
		if !ok {
			return nil, false
		}
		return string(b), true
	case fieldOptionPubkey:
		tag, ok := c.take(1)
		if !ok {
			return nil, false
		}
		if tag[0] == 0 {
			return nil, true
		}
		b, ok := c.take(32)
		if !ok {
			return nil, false
		}
		return base58.Encode(b), true
	}
	return nil, false
}
