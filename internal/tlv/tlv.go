// Package tlv implements the BER tag/length/value triple shared by every
// wire format in this module: secure-messaging's DO-87/DO-97/DO-99/DO-8E
// containers and the CV-certificate codec's nested fields both build on
// the same tag and length rules. Splitting it out mirrors how a TTLV
// codec separates its envelope from its payload semantics; this module's
// two wire formats differ only in which tags and payloads they choose.
package tlv

import "github.com/ten0s/bee2/bterr"

// AppendLen appends a BER-TLV length octet sequence for n: a single byte
// for 0..127, 0x81 followed by one byte for 128..255, 0x82 followed by
// two big-endian bytes beyond that.
func AppendLen(out []byte, n int) []byte {
	switch {
	case n <= 0x7f:
		return append(out, byte(n))
	case n <= 0xff:
		return append(out, 0x81, byte(n))
	default:
		return append(out, 0x82, byte(n>>8), byte(n))
	}
}

// ReadLen parses a BER-TLV length at the front of b, returning the
// decoded value and how many octets the length field occupied.
func ReadLen(b []byte) (n, consumed int, err error) {
	if len(b) == 0 {
		return 0, 0, bterr.New("tlv.ReadLen", bterr.BadSm)
	}
	first := b[0]
	if first <= 0x7f {
		return int(first), 1, nil
	}
	switch first {
	case 0x81:
		if len(b) < 2 {
			return 0, 0, bterr.New("tlv.ReadLen", bterr.BadSm)
		}
		return int(b[1]), 2, nil
	case 0x82:
		if len(b) < 3 {
			return 0, 0, bterr.New("tlv.ReadLen", bterr.BadSm)
		}
		return int(b[1])<<8 | int(b[2]), 3, nil
	default:
		return 0, 0, bterr.New("tlv.ReadLen", bterr.BadSm)
	}
}

// AppendTag appends tag in BER form: one octet when tag fits in 8 bits,
// two when it needs the 0x1F long-tag-number prefix (as every two-octet
// tag in this module's certificate format does, e.g. 0x5F20, 0x7F49).
func AppendTag(out []byte, tag uint32) []byte {
	if tag <= 0xff {
		return append(out, byte(tag))
	}
	return append(out, byte(tag>>8), byte(tag))
}

func tagLen(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, bterr.New("tlv.tagLen", bterr.BadSm)
	}
	if b[0]&0x1f == 0x1f {
		if len(b) < 2 {
			return 0, bterr.New("tlv.tagLen", bterr.BadSm)
		}
		return 2, nil
	}
	return 1, nil
}

func tagValue(b []byte, n int) uint32 {
	if n == 1 {
		return uint32(b[0])
	}
	return uint32(b[0])<<8 | uint32(b[1])
}

// AppendTLV appends one full tag-length-value triple.
func AppendTLV(out []byte, tag uint32, value []byte) []byte {
	out = AppendTag(out, tag)
	out = AppendLen(out, len(value))
	return append(out, value...)
}

// ReadTLV reads one tag-length-value triple at the front of b and
// returns the tag, its value, and the remaining bytes after it.
func ReadTLV(b []byte) (tag uint32, value []byte, rest []byte, err error) {
	tn, err := tagLen(b)
	if err != nil {
		return 0, nil, nil, err
	}
	tag = tagValue(b, tn)
	n, ln, err := ReadLen(b[tn:])
	if err != nil {
		return 0, nil, nil, err
	}
	off := tn + ln
	if len(b) < off+n {
		return 0, nil, nil, bterr.New("tlv.ReadTLV", bterr.BadSm)
	}
	return tag, b[off : off+n], b[off+n:], nil
}
