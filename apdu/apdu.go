// Package apdu implements the value types and canonical wire codec for
// ISO/IEC 7816-4 command and response APDUs, in both short and extended
// length forms. It has no dependency on the rest of this module: sm
// builds its containers on top of apdu.Cmd/apdu.Resp, and bauth never
// touches this package directly.
package apdu

import (
	"encoding/binary"

	"github.com/ten0s/bee2/bterr"
)

// Cmd is a command APDU: CLA INS P1 P2 [Lc Cdf] [Le].
//
// Cdf distinguishes an absent data field (nil) from a present but
// zero-length one (non-nil, len 0): the former never emits a Lc/data
// pair, the latter always forces the extended encoding, because a
// short-form Lc of 0x00 is reserved as the extended-length marker.
//
// RdfLen is the requested response length: 0 means no response data is
// expected, 1..65535 means exactly that many octets, and 65536 — the
// value that can only be written in extended form — means "all
// available".
type Cmd struct {
	Cla, Ins, P1, P2 byte
	Cdf              []byte
	RdfLen           int
}

// Resp is a response APDU: Rdf SW1 SW2.
type Resp struct {
	Sw1, Sw2 byte
	Rdf      []byte
}

// SW returns the two status octets as a single 16-bit status word.
func (r Resp) SW() uint16 { return uint16(r.Sw1)<<8 | uint16(r.Sw2) }

func shortEligible(c Cmd) bool {
	if c.RdfLen > 256 {
		return false
	}
	if c.Cdf != nil && len(c.Cdf) == 0 {
		// an explicitly-present empty data field cannot be told apart
		// from "no data field" in short form; it always goes extended.
		return false
	}
	return c.Cdf == nil || len(c.Cdf) <= 255
}

// EncodeCmd produces the canonical wire encoding of c: short form when
// both |Cdf| <= 255 and RdfLen <= 256 (and Cdf isn't a present-but-empty
// data field), extended form otherwise.
func EncodeCmd(c Cmd) ([]byte, error) {
	if c.RdfLen < 0 || c.RdfLen > 65536 {
		return nil, bterr.New("apdu.EncodeCmd", bterr.BadInput)
	}
	if len(c.Cdf) > 65535 {
		return nil, bterr.New("apdu.EncodeCmd", bterr.BadInput)
	}

	out := []byte{c.Cla, c.Ins, c.P1, c.P2}

	if shortEligible(c) {
		if c.Cdf != nil {
			out = append(out, byte(len(c.Cdf)))
			out = append(out, c.Cdf...)
		}
		if c.RdfLen > 0 {
			if c.RdfLen == 256 {
				out = append(out, 0x00)
			} else {
				out = append(out, byte(c.RdfLen))
			}
		}
		return out, nil
	}

	// extended form
	if c.Cdf == nil {
		// shortEligible is only false here because RdfLen > 256.
		out = append(out, 0x00)
		out = appendBE16(out, leOctets(c.RdfLen))
		return out, nil
	}
	if len(c.Cdf) == 0 && c.RdfLen == 0 {
		// Neither a data field nor a response is meaningfully
		// representable here without colliding with the Le-only
		// extended form (marker + 00 00 is ambiguous both ways); this
		// combination is rejected rather than silently misencoded.
		return nil, bterr.New("apdu.EncodeCmd", bterr.BadInput)
	}
	out = append(out, 0x00)
	out = appendBE16(out, uint16(len(c.Cdf)))
	out = append(out, c.Cdf...)
	if c.RdfLen > 0 {
		out = appendBE16(out, leOctets(c.RdfLen))
	}
	return out, nil
}

// leOctets maps a requested RdfLen to the two-octet Le wire value: the
// "all available" sentinels (256 in short form is handled by the
// caller; 65536 here) encode as 0x0000.
func leOctets(rdfLen int) uint16 {
	if rdfLen == 65536 {
		return 0
	}
	return uint16(rdfLen)
}

func appendBE16(out []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(out, b[:]...)
}

// DecodeCmd parses the canonical wire encoding produced by EncodeCmd. It
// fails with bterr.BadSm on truncated input, a reserved short Lc of
// 0x00, or trailing bytes that don't form a valid Le.
func DecodeCmd(b []byte) (Cmd, error) {
	const op = "apdu.DecodeCmd"
	if len(b) < 4 {
		return Cmd{}, bterr.New(op, bterr.BadSm)
	}
	c := Cmd{Cla: b[0], Ins: b[1], P1: b[2], P2: b[3]}
	rem := b[4:]

	switch {
	case len(rem) == 0:
		return c, nil

	case len(rem) == 1:
		c.RdfLen = leFromShort(rem[0])
		return c, nil

	case rem[0] != 0x00:
		lc := int(rem[0])
		if lc == 0 {
			return Cmd{}, bterr.New(op, bterr.BadSm)
		}
		if len(rem) < 1+lc {
			return Cmd{}, bterr.New(op, bterr.BadSm)
		}
		c.Cdf = cloneBytes(rem[1 : 1+lc])
		tail := rem[1+lc:]
		switch len(tail) {
		case 0:
			return c, nil
		case 1:
			c.RdfLen = leFromShort(tail[0])
			return c, nil
		default:
			return Cmd{}, bterr.New(op, bterr.BadSm)
		}

	default: // rem[0] == 0x00: extended marker
		if len(rem) < 3 {
			return Cmd{}, bterr.New(op, bterr.BadSm)
		}
		if len(rem) == 3 {
			// Le-only extended form. The (present, empty Cdf,
			// RdfLen==0) combination that would also encode as three
			// octets is rejected by EncodeCmd, so it never collides
			// with this in practice.
			le := binary.BigEndian.Uint16(rem[1:3])
			c.RdfLen = leFromExtended(le)
			return c, nil
		}
		lc := int(binary.BigEndian.Uint16(rem[1:3]))
		if len(rem) < 3+lc {
			return Cmd{}, bterr.New(op, bterr.BadSm)
		}
		c.Cdf = cloneBytes(rem[3 : 3+lc])
		tail := rem[3+lc:]
		switch len(tail) {
		case 0:
			return c, nil
		case 2:
			le := binary.BigEndian.Uint16(tail)
			c.RdfLen = leFromExtended(le)
			return c, nil
		default:
			return Cmd{}, bterr.New(op, bterr.BadSm)
		}
	}
}

func leFromShort(le byte) int {
	if le == 0 {
		return 256
	}
	return int(le)
}

func leFromExtended(le uint16) int {
	if le == 0 {
		return 65536
	}
	return int(le)
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// EncodeResp appends SW1 SW2 after Rdf.
func EncodeResp(r Resp) []byte {
	out := make([]byte, 0, len(r.Rdf)+2)
	out = append(out, r.Rdf...)
	out = append(out, r.Sw1, r.Sw2)
	return out
}

// DecodeResp reads the trailing status word; the remaining prefix is
// Rdf. It fails with bterr.BadSm if b is shorter than 2 octets.
func DecodeResp(b []byte) (Resp, error) {
	if len(b) < 2 {
		return Resp{}, bterr.New("apdu.DecodeResp", bterr.BadSm)
	}
	n := len(b) - 2
	return Resp{
		Rdf: cloneBytes(b[:n]),
		Sw1: b[n],
		Sw2: b[n+1],
	}, nil
}
