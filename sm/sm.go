// Package sm implements the counter-based, authenticated-encryption
// Secure Messaging channel that wraps and unwraps ISO/IEC 7816-4 APDUs
// once BAUTH has produced a shared session key.
//
// A State is owned exclusively by the endpoint that created it: it is
// never cloned across the Terminal/CardTerminal boundary, and its key
// material is zeroized on Close. The caller drives the counter: every
// wrap or unwrap is preceded by exactly one CtrInc, on both sides, in
// lockstep — a counter mismatch surfaces as bterr.BadMac on the first
// container that depends on it.
package sm

import (
	"encoding/binary"

	"github.com/ten0s/bee2/apdu"
	"github.com/ten0s/bee2/bterr"
	"github.com/ten0s/bee2/internal/tlv"
	"github.com/ten0s/bee2/primitives"
)

// Role names which endpoint of the channel a State belongs to.
type Role int

const (
	Terminal Role = iota + 1
	CardTerminal
)

// claSMBit marks an SM-protected command APDU: bit index 2 (0x04) of CLA.
const claSMBit = 0x04

// padIndicator is the fixed DO-87 padding-content indicator this channel
// uses. It does not mean "ISO 9797-1 method 2 padding was applied": the
// underlying cipher runs in CTR mode, a stream cipher that needs no
// block alignment, so DO-87's ciphertext is always exactly as long as
// the plaintext it wraps.
const padIndicator = 0x02

const (
	tagDO87 = 0x87
	tagDO97 = 0x97
	tagDO99 = 0x99
	tagDO8E = 0x8E
)

// State is one endpoint's secure-messaging session state: the shared
// 32-octet key K, the 16-octet big-endian monotonic counter, and which
// role this endpoint plays. The role does not change how the channel
// computes anything — the same K and, in lockstep, the same counter
// value are used on both sides — it only documents ownership and guards
// against accidentally treating one endpoint's state as the other's.
type State struct {
	role   Role
	key    [32]byte
	ctr    [16]byte
	cipher primitives.Cipher
	mac    primitives.Mac
	kdf    primitives.Kdf
	closed bool
}

// Start creates a new session state bound to key K (which must be 32
// octets), the channel's role, and the primitives it should drive.
func Start(role Role, key []byte, cipher primitives.Cipher, mac primitives.Mac, kdf primitives.Kdf) (*State, error) {
	const op = "sm.Start"
	if len(key) != 32 {
		return nil, bterr.New(op, bterr.BadInput)
	}
	if cipher == nil || mac == nil || kdf == nil {
		return nil, bterr.New(op, bterr.BadInput)
	}
	s := &State{role: role, cipher: cipher, mac: mac, kdf: kdf}
	copy(s.key[:], key)
	return s, nil
}

// Role reports which endpoint s belongs to.
func (s *State) Role() Role { return s.role }

// CtrInc advances the monotonic counter by one. It must be called
// exactly once before every Wrap and every Unwrap.
func (s *State) CtrInc() {
	for i := len(s.ctr) - 1; i >= 0; i-- {
		s.ctr[i]++
		if s.ctr[i] != 0 {
			break
		}
	}
}

// Close zeroizes the key and counter. A closed State rejects every
// further operation with bterr.BadLogic.
func (s *State) Close() {
	if s == nil {
		return
	}
	for i := range s.key {
		s.key[i] = 0
	}
	for i := range s.ctr {
		s.ctr[i] = 0
	}
	s.closed = true
}

func (s *State) deriveKeys(op string) (encKey, macKey []byte, err error) {
	if s.closed {
		return nil, nil, bterr.New(op, bterr.BadLogic)
	}
	encKey, err = s.kdf.Derive(s.key[:], s.ctr[:], []byte("btok-sm-enc"), 32)
	if err != nil {
		return nil, nil, bterr.Wrap(op, bterr.BadEntropy, err)
	}
	macKey, err = s.kdf.Derive(s.key[:], s.ctr[:], []byte("btok-sm-mac"), 32)
	if err != nil {
		return nil, nil, bterr.Wrap(op, bterr.BadEntropy, err)
	}
	return encKey, macKey, nil
}

// leBytes encodes rdfLen the same way apdu's Le octets do: one byte when
// rdfLen <= 256 (0 meaning 256), two big-endian bytes otherwise (0
// meaning 65536). This is the convention DO-97 uses to carry Le, which
// the spec leaves open for an implementer to fix; this is the fix.
func leBytes(rdfLen int) []byte {
	if rdfLen <= 256 {
		if rdfLen == 256 {
			return []byte{0x00}
		}
		return []byte{byte(rdfLen)}
	}
	var b [2]byte
	if rdfLen == 65536 {
		binary.BigEndian.PutUint16(b[:], 0)
	} else {
		binary.BigEndian.PutUint16(b[:], uint16(rdfLen))
	}
	return b[:]
}

func leFromBytes(b []byte) (int, error) {
	switch len(b) {
	case 1:
		if b[0] == 0 {
			return 256, nil
		}
		return int(b[0]), nil
	case 2:
		v := binary.BigEndian.Uint16(b)
		if v == 0 {
			return 65536, nil
		}
		return int(v), nil
	default:
		return 0, bterr.New("sm.leFromBytes", bterr.BadSm)
	}
}

func doTag(tag byte, value []byte) []byte {
	return tlv.AppendTLV(nil, uint32(tag), value)
}

// readTLV reads one tag-length-value triple at the front of b, narrowing
// tlv's general uint32 tag down to the single-octet tags this channel's
// containers use.
func readTLV(b []byte) (tag byte, value []byte, rest []byte, err error) {
	t, value, rest, err := tlv.ReadTLV(b)
	if err != nil {
		return 0, nil, nil, err
	}
	if t > 0xff {
		return 0, nil, nil, bterr.New("sm.readTLV", bterr.BadSm)
	}
	return byte(t), value, rest, nil
}

// CmdWrap wraps cmd for transmission. With state == nil it is the
// identity transform (the plain canonical APDU encoding); otherwise it
// encrypts Cdf, authenticates the whole command under the session's
// derived keys, and assembles the DO-87/DO-97/DO-8E containers in that
// fixed order.
func CmdWrap(cmd apdu.Cmd, state *State) ([]byte, error) {
	const op = "sm.CmdWrap"
	if state == nil {
		return apdu.EncodeCmd(cmd)
	}
	encKey, macKey, err := state.deriveKeys(op)
	if err != nil {
		return nil, err
	}

	cla := cmd.Cla | claSMBit

	var do87 []byte
	if cmd.Cdf != nil {
		ct, err := state.cipher.CTR(encKey, state.ctr[:], cmd.Cdf)
		if err != nil {
			return nil, bterr.Wrap(op, bterr.BadInput, err)
		}
		value := append([]byte{padIndicator}, ct...)
		do87 = doTag(tagDO87, value)
	}

	var do97 []byte
	if cmd.RdfLen > 0 {
		do97 = doTag(tagDO97, leBytes(cmd.RdfLen))
	}

	macInput := make([]byte, 0, 4+len(state.ctr)+len(do87)+len(do97))
	macInput = append(macInput, cla, cmd.Ins, cmd.P1, cmd.P2)
	macInput = append(macInput, state.ctr[:]...)
	macInput = append(macInput, do87...)
	macInput = append(macInput, do97...)

	tag, err := state.mac.MAC(macKey, macInput)
	if err != nil {
		return nil, bterr.Wrap(op, bterr.BadInput, err)
	}
	do8e := doTag(tagDO8E, tag[:])

	data := make([]byte, 0, len(do87)+len(do97)+len(do8e))
	data = append(data, do87...)
	data = append(data, do97...)
	data = append(data, do8e...)

	return apdu.EncodeCmd(apdu.Cmd{Cla: cla, Ins: cmd.Ins, P1: cmd.P1, P2: cmd.P2, Cdf: data, RdfLen: cmd.RdfLen})
}

// CmdUnwrap is CmdWrap's inverse. With state == nil it just decodes the
// plain APDU. Otherwise it requires a DO-8E and verifies it in constant
// time before touching any secret-dependent branch, then decrypts DO-87
// and reconstructs RdfLen from DO-97. A protected command missing DO-8E
// is rejected as unauthenticated, regardless of what else it carries.
func CmdUnwrap(b []byte, state *State) (apdu.Cmd, error) {
	const op = "sm.CmdUnwrap"
	if state == nil {
		return apdu.DecodeCmd(b)
	}
	outer, err := apdu.DecodeCmd(b)
	if err != nil {
		return apdu.Cmd{}, err
	}
	if outer.Cla&claSMBit == 0 {
		return apdu.Cmd{}, bterr.New(op, bterr.BadSm)
	}
	logicalCla := outer.Cla &^ claSMBit

	encKey, macKey, err := state.deriveKeys(op)
	if err != nil {
		return apdu.Cmd{}, err
	}

	var do87Raw, do97Raw, do87Value, do97Value []byte
	var sawMAC bool
	rest := outer.Cdf
	for len(rest) > 0 {
		tag, value, next, err := readTLV(rest)
		if err != nil {
			return apdu.Cmd{}, err
		}
		switch tag {
		case tagDO87:
			do87Raw = rest[:len(rest)-len(next)]
			do87Value = value
		case tagDO97:
			do97Raw = rest[:len(rest)-len(next)]
			do97Value = value
		case tagDO8E:
			macInput := make([]byte, 0, 4+len(state.ctr)+len(do87Raw)+len(do97Raw))
			macInput = append(macInput, outer.Cla, outer.Ins, outer.P1, outer.P2)
			macInput = append(macInput, state.ctr[:]...)
			macInput = append(macInput, do87Raw...)
			macInput = append(macInput, do97Raw...)
			want, err := state.mac.MAC(macKey, macInput)
			if err != nil {
				return apdu.Cmd{}, bterr.Wrap(op, bterr.BadInput, err)
			}
			if !constantTimeEqual(want[:], value) {
				return apdu.Cmd{}, bterr.New(op, bterr.BadMac)
			}
			if len(next) != 0 {
				// DO-8E must be the last object.
				return apdu.Cmd{}, bterr.New(op, bterr.BadSm)
			}
			sawMAC = true
		default:
			return apdu.Cmd{}, bterr.New(op, bterr.BadSm)
		}
		rest = next
	}
	if !sawMAC {
		return apdu.Cmd{}, bterr.New(op, bterr.BadSm)
	}

	result := apdu.Cmd{Cla: logicalCla, Ins: outer.Ins, P1: outer.P1, P2: outer.P2}

	if do87Raw != nil {
		if len(do87Value) == 0 || do87Value[0] != padIndicator {
			return apdu.Cmd{}, bterr.New(op, bterr.BadPadding)
		}
		pt, err := state.cipher.CTR(encKey, state.ctr[:], do87Value[1:])
		if err != nil {
			return apdu.Cmd{}, bterr.Wrap(op, bterr.BadInput, err)
		}
		result.Cdf = pt
	}
	if do97Raw != nil {
		rdfLen, err := leFromBytes(do97Value)
		if err != nil {
			return apdu.Cmd{}, err
		}
		result.RdfLen = rdfLen
	}
	return result, nil
}

// RespWrap wraps resp for transmission, symmetrically to CmdWrap: DO-87
// carries the encrypted Rdf, DO-8E authenticates (counter, DO-87, and
// the status word), and the status word itself is still appended in
// clear at the very end — exactly as an unprotected response would
// carry it — so a transport that only understands trailing SW bytes
// keeps working.
func RespWrap(resp apdu.Resp, state *State) ([]byte, error) {
	const op = "sm.RespWrap"
	if state == nil {
		return apdu.EncodeResp(resp), nil
	}
	encKey, macKey, err := state.deriveKeys(op)
	if err != nil {
		return nil, err
	}

	var do87 []byte
	if resp.Rdf != nil {
		ct, err := state.cipher.CTR(encKey, state.ctr[:], resp.Rdf)
		if err != nil {
			return nil, bterr.Wrap(op, bterr.BadInput, err)
		}
		value := append([]byte{padIndicator}, ct...)
		do87 = doTag(tagDO87, value)
	}

	do99 := doTag(tagDO99, []byte{resp.Sw1, resp.Sw2})

	macInput := make([]byte, 0, len(state.ctr)+len(do87)+len(do99))
	macInput = append(macInput, state.ctr[:]...)
	macInput = append(macInput, do87...)
	macInput = append(macInput, do99...)

	tag, err := state.mac.MAC(macKey, macInput)
	if err != nil {
		return nil, bterr.Wrap(op, bterr.BadInput, err)
	}
	do8e := doTag(tagDO8E, tag[:])

	out := make([]byte, 0, len(do87)+len(do8e)+2)
	out = append(out, do87...)
	out = append(out, do8e...)
	out = append(out, resp.Sw1, resp.Sw2)
	return out, nil
}

// RespUnwrap is RespWrap's inverse: it verifies the MAC before decoding
// anything secret-dependent, then decrypts DO-87.
func RespUnwrap(b []byte, state *State) (apdu.Resp, error) {
	const op = "sm.RespUnwrap"
	if state == nil {
		return apdu.DecodeResp(b)
	}
	if len(b) < 2 {
		return apdu.Resp{}, bterr.New(op, bterr.BadSm)
	}
	sw1, sw2 := b[len(b)-2], b[len(b)-1]
	rest := b[:len(b)-2]

	encKey, macKey, err := state.deriveKeys(op)
	if err != nil {
		return apdu.Resp{}, err
	}

	var do87Raw []byte
	var sawMAC bool
	var mac [8]byte
	remaining := rest
	for len(remaining) > 0 {
		tag, value, next, err := readTLV(remaining)
		if err != nil {
			return apdu.Resp{}, err
		}
		switch tag {
		case tagDO87:
			do87Raw = remaining[:len(remaining)-len(next)]
		case tagDO8E:
			if len(value) != 8 {
				return apdu.Resp{}, bterr.New(op, bterr.BadSm)
			}
			copy(mac[:], value)
			sawMAC = true
			if len(next) != 0 {
				return apdu.Resp{}, bterr.New(op, bterr.BadSm)
			}
		default:
			return apdu.Resp{}, bterr.New(op, bterr.BadSm)
		}
		remaining = next
	}
	if !sawMAC {
		return apdu.Resp{}, bterr.New(op, bterr.BadSm)
	}

	do99 := doTag(tagDO99, []byte{sw1, sw2})
	macInput := make([]byte, 0, len(state.ctr)+len(do87Raw)+len(do99))
	macInput = append(macInput, state.ctr[:]...)
	macInput = append(macInput, do87Raw...)
	macInput = append(macInput, do99...)
	want, err := state.mac.MAC(macKey, macInput)
	if err != nil {
		return apdu.Resp{}, bterr.Wrap(op, bterr.BadInput, err)
	}
	if !constantTimeEqual(want[:], mac[:]) {
		return apdu.Resp{}, bterr.New(op, bterr.BadMac)
	}

	result := apdu.Resp{Sw1: sw1, Sw2: sw2}
	if do87Raw != nil {
		_, value, _, err := readTLV(do87Raw)
		if err != nil {
			return apdu.Resp{}, err
		}
		if len(value) == 0 || value[0] != padIndicator {
			return apdu.Resp{}, bterr.New(op, bterr.BadPadding)
		}
		pt, err := state.cipher.CTR(encKey, state.ctr[:], value[1:])
		if err != nil {
			return apdu.Resp{}, bterr.Wrap(op, bterr.BadInput, err)
		}
		result.Rdf = pt
	}
	return result, nil
}

// constantTimeEqual compares two byte slices in time independent of
// their contents, as every comparison against a MAC or authentication
// tag in this module must.
func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
