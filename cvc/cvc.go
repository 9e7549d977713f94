// Package cvc implements the CV (Card Verifiable) certificate codec: a
// compact BER-TLV certificate format, modeled on the EAC/ISO-7816-8
// convention (tags 0x7F21/0x7F4E/0x5F20/0x7F49/...), binding a subject's
// bign public key to an issuer's signature without any of X.509's
// machinery.
package cvc

import (
	"strconv"
	"strings"

	"github.com/ten0s/bee2/bterr"
	"github.com/ten0s/bee2/internal/tlv"
	"github.com/ten0s/bee2/primitives"
)

// Certificate tags, following the EAC convention: two-octet tags use the
// BER long-tag-number prefix (0x5F, 0x7F) this module's tlv package
// already understands.
const (
	tagOuter    = 0x7F21
	tagBody     = 0x7F4E
	tagProfile  = 0x5F29
	tagAuthorit = 0x42
	tagPubKey   = 0x7F49
	tagOID      = 0x06
	tagPoint    = 0x86
	tagHolder   = 0x5F20
	tagCHAT     = 0x7F4C
	tagHatEid   = 0x80
	tagHatEsign = 0x81
	tagFrom     = 0x5F25
	tagUntil    = 0x5F24
	tagSig      = 0x5F37
)

// profileVersion is this codec's single supported certificate profile.
const profileVersion = 0x00

// CvcFields is a parsed CV certificate. Authority and Holder are 8..12
// printable ASCII octets; From and Until are packed BCD YYMMDD; HatEid
// and HatEsign are fixed 8-octet effective-authorization bitmasks.
type CvcFields struct {
	Level     primitives.Level
	Authority string
	Holder    string
	From      [6]byte
	Until     [6]byte
	HatEid    [8]byte
	HatEsign  [8]byte

	// DeclaredPubKeyLen and PubKey are tracked separately, as the data
	// model does: a field can declare a key length before the key
	// itself has been generated, which CvcCheck must reject.
	DeclaredPubKeyLen int
	PubKey            []byte
}

// PubKeyLen reports the actual public-key length present in f.
func (f CvcFields) PubKeyLen() int { return len(f.PubKey) }

// bign OIDs for the three security levels. Only the level-256 arc
// (1.2.112.0.2.0.34.101.45.3.3) appears in the visible test vectors; the
// 128- and 192-bit arcs follow the same family numbering and are a
// documented choice, not a literal source value.
var levelOID = map[primitives.Level]string{
	primitives.Level128: "1.2.112.0.2.0.34.101.45.3.1",
	primitives.Level192: "1.2.112.0.2.0.34.101.45.3.2",
	primitives.Level256: "1.2.112.0.2.0.34.101.45.3.3",
}

func oidForLevel(l primitives.Level) (string, error) {
	oid, ok := levelOID[l]
	if !ok {
		return "", bterr.New("cvc.oidForLevel", bterr.BadParams)
	}
	return oid, nil
}

func levelForOID(oid string) (primitives.Level, error) {
	for l, o := range levelOID {
		if o == oid {
			return l, nil
		}
	}
	return 0, bterr.New("cvc.levelForOID", bterr.BadParams)
}

// sigLen is the bign signature length for level l: like the public key,
// two field elements of l/8 octets each.
func sigLen(l primitives.Level) int { return l.PubKeyLen() }

func isPrintableName(s string) bool {
	if len(s) < 8 || len(s) > 12 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// CvcCheck validates F's value ranges and date ordering. It never
// touches cryptography.
func CvcCheck(f CvcFields) error {
	const op = "cvc.CvcCheck"
	if !f.Level.Valid() {
		return bterr.New(op, bterr.BadParams)
	}
	if !isPrintableName(f.Authority) || !isPrintableName(f.Holder) {
		return bterr.New(op, bterr.BadInput)
	}
	if dateLess(f.Until, f.From) {
		return bterr.New(op, bterr.BadInput)
	}
	switch f.DeclaredPubKeyLen {
	case 0:
	case 64, 96, 128:
		if f.DeclaredPubKeyLen != f.Level.PubKeyLen() {
			return bterr.New(op, bterr.BadParams)
		}
	default:
		return bterr.New(op, bterr.BadInput)
	}
	if f.PubKeyLen() != f.DeclaredPubKeyLen {
		return bterr.New(op, bterr.BadInput)
	}
	return nil
}

// dateLess compares two packed-BCD YYMMDD dates lexicographically.
func dateLess(a, b [6]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func encodeOID(dotted string) ([]byte, error) {
	parts := strings.Split(dotted, ".")
	if len(parts) < 2 {
		return nil, bterr.New("cvc.encodeOID", bterr.BadInput)
	}
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, bterr.New("cvc.encodeOID", bterr.BadInput)
		}
		nums[i] = n
	}
	out := []byte{byte(40*nums[0] + nums[1])}
	for _, n := range nums[2:] {
		out = append(out, encodeBase128(n)...)
	}
	return out, nil
}

func encodeBase128(n int) []byte {
	if n == 0 {
		return []byte{0x00}
	}
	var rev []byte
	for n > 0 {
		rev = append(rev, byte(n&0x7f))
		n >>= 7
	}
	out := make([]byte, len(rev))
	for i, b := range rev {
		v := b
		if i != 0 {
			v |= 0x80
		}
		out[len(rev)-1-i] = v
	}
	return out
}

func decodeOID(b []byte) (string, error) {
	if len(b) == 0 {
		return "", bterr.New("cvc.decodeOID", bterr.BadInput)
	}
	first := int(b[0])
	parts := []int{first / 40, first % 40}
	n := 0
	for _, octet := range b[1:] {
		n = n<<7 | int(octet&0x7f)
		if octet&0x80 == 0 {
			parts = append(parts, n)
			n = 0
		}
	}
	strs := make([]string, len(parts))
	for i, p := range parts {
		strs[i] = strconv.Itoa(p)
	}
	return strings.Join(strs, "."), nil
}

// encodeBody serializes the to-be-signed portion: tag 0x7F4E wrapping
// profile, authority, public key, holder, CHAT, and validity — in that
// fixed order.
func encodeBody(f CvcFields) ([]byte, error) {
	var body []byte
	body = tlv.AppendTLV(body, tagProfile, []byte{profileVersion})
	body = tlv.AppendTLV(body, tagAuthorit, []byte(f.Authority))

	oid, err := oidForLevel(f.Level)
	if err != nil {
		return nil, err
	}
	oidBytes, err := encodeOID(oid)
	if err != nil {
		return nil, err
	}
	var pk []byte
	pk = tlv.AppendTLV(pk, tagOID, oidBytes)
	if len(f.PubKey) > 0 {
		pk = tlv.AppendTLV(pk, tagPoint, f.PubKey)
	}
	body = tlv.AppendTLV(body, tagPubKey, pk)

	body = tlv.AppendTLV(body, tagHolder, []byte(f.Holder))

	var chat []byte
	chat = tlv.AppendTLV(chat, tagHatEid, f.HatEid[:])
	chat = tlv.AppendTLV(chat, tagHatEsign, f.HatEsign[:])
	body = tlv.AppendTLV(body, tagCHAT, chat)

	body = tlv.AppendTLV(body, tagFrom, f.From[:])
	body = tlv.AppendTLV(body, tagUntil, f.Until[:])

	return tlv.AppendTLV(nil, tagBody, body), nil
}

func decodeBody(bodyTLV []byte) (CvcFields, error) {
	const op = "cvc.decodeBody"
	tag, value, rest, err := tlv.ReadTLV(bodyTLV)
	if err != nil {
		return CvcFields{}, err
	}
	if tag != tagBody || len(rest) != 0 {
		return CvcFields{}, bterr.New(op, bterr.BadCert)
	}

	var f CvcFields
	var seenProfile, seenAuthority, seenPubKey, seenHolder, seenCHAT, seenFrom, seenUntil bool
	rem := value
	for len(rem) > 0 {
		var t uint32
		var v []byte
		t, v, rem, err = tlv.ReadTLV(rem)
		if err != nil {
			return CvcFields{}, err
		}
		switch t {
		case tagProfile:
			if len(v) != 1 || v[0] != profileVersion {
				return CvcFields{}, bterr.New(op, bterr.BadCert)
			}
			seenProfile = true
		case tagAuthorit:
			f.Authority = string(v)
			seenAuthority = true
		case tagPubKey:
			level, pubkey, err := decodePubKey(v)
			if err != nil {
				return CvcFields{}, err
			}
			f.Level = level
			f.PubKey = pubkey
			f.DeclaredPubKeyLen = len(pubkey)
			seenPubKey = true
		case tagHolder:
			f.Holder = string(v)
			seenHolder = true
		case tagCHAT:
			if err := decodeCHAT(v, &f); err != nil {
				return CvcFields{}, err
			}
			seenCHAT = true
		case tagFrom:
			if len(v) != 6 {
				return CvcFields{}, bterr.New(op, bterr.BadCert)
			}
			copy(f.From[:], v)
			seenFrom = true
		case tagUntil:
			if len(v) != 6 {
				return CvcFields{}, bterr.New(op, bterr.BadCert)
			}
			copy(f.Until[:], v)
			seenUntil = true
		default:
			return CvcFields{}, bterr.New(op, bterr.BadCert)
		}
	}
	if !seenProfile || !seenAuthority || !seenPubKey || !seenHolder || !seenCHAT || !seenFrom || !seenUntil {
		return CvcFields{}, bterr.New(op, bterr.BadCert)
	}
	return f, nil
}

func decodePubKey(v []byte) (primitives.Level, []byte, error) {
	const op = "cvc.decodePubKey"
	tag, oidBytes, rest, err := tlv.ReadTLV(v)
	if err != nil || tag != tagOID {
		return 0, nil, bterr.New(op, bterr.BadCert)
	}
	oid, err := decodeOID(oidBytes)
	if err != nil {
		return 0, nil, bterr.Wrap(op, bterr.BadCert, err)
	}
	level, err := levelForOID(oid)
	if err != nil {
		return 0, nil, bterr.Wrap(op, bterr.BadCert, err)
	}
	if len(rest) == 0 {
		return level, nil, nil
	}
	tag, point, rest, err := tlv.ReadTLV(rest)
	if err != nil || tag != tagPoint || len(rest) != 0 {
		return 0, nil, bterr.New(op, bterr.BadCert)
	}
	if len(point) != level.PubKeyLen() {
		return 0, nil, bterr.New(op, bterr.BadCert)
	}
	return level, point, nil
}

func decodeCHAT(v []byte, f *CvcFields) error {
	const op = "cvc.decodeCHAT"
	rem := v
	var seenEid, seenEsign bool
	for len(rem) > 0 {
		tag, value, next, err := tlv.ReadTLV(rem)
		if err != nil {
			return err
		}
		switch tag {
		case tagHatEid:
			if len(value) != 8 {
				return bterr.New(op, bterr.BadCert)
			}
			copy(f.HatEid[:], value)
			seenEid = true
		case tagHatEsign:
			if len(value) != 8 {
				return bterr.New(op, bterr.BadCert)
			}
			copy(f.HatEsign[:], value)
			seenEsign = true
		default:
			return bterr.New(op, bterr.BadCert)
		}
		rem = next
	}
	if !seenEid || !seenEsign {
		return bterr.New(op, bterr.BadCert)
	}
	return nil
}

// CvcWrap serializes F's TBS body, signs it under signerPriv using
// signer, and returns the complete certificate (body + signature, both
// under the outer 0x7F21 tag).
func CvcWrap(f CvcFields, signer primitives.SigScheme, signerPriv []byte) ([]byte, error) {
	const op = "cvc.CvcWrap"
	if err := CvcCheck(f); err != nil {
		return nil, err
	}
	bodyTLV, err := encodeBody(f)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(signerPriv, bodyTLV)
	if err != nil {
		return nil, bterr.Wrap(op, bterr.BadCert, err)
	}
	if len(sig) != sigLen(signer.Level()) {
		return nil, bterr.New(op, bterr.BadParams)
	}
	sigTLV := tlv.AppendTLV(nil, tagSig, sig)
	outer := append(append([]byte{}, bodyTLV...), sigTLV...)
	return tlv.AppendTLV(nil, tagOuter, outer), nil
}

// CvcEncodedLen returns the length CvcWrap would produce for F under a
// signature scheme at the given level, without performing the
// signature. This is the encodedLen half of the length-probe split this
// codec uses instead of the in-place null-destination convention.
func CvcEncodedLen(f CvcFields, level primitives.Level) (int, error) {
	if err := CvcCheck(f); err != nil {
		return 0, err
	}
	bodyTLV, err := encodeBody(f)
	if err != nil {
		return 0, err
	}
	sigTLV := tlv.AppendTLV(nil, tagSig, make([]byte, sigLen(level)))
	outerLen := len(bodyTLV) + len(sigTLV)
	probe := tlv.AppendTLV(nil, tagOuter, make([]byte, outerLen))
	return len(probe), nil
}

// lenInvalid is CvcLen's sentinel for a malformed header or a declared
// length exceeding maxLen.
const lenInvalid = -1

// CvcLen parses the outer TLV header of bytes and returns the total
// encoded length (header + value), or the invalid sentinel if the
// header is malformed or the declared length would exceed maxLen.
func CvcLen(bytes []byte, maxLen int) int {
	if len(bytes) == 0 {
		return lenInvalid
	}
	tag, value, rest, err := tlv.ReadTLV(bytes)
	if err != nil || tag != tagOuter {
		return lenInvalid
	}
	headerLen := len(bytes) - len(value) - len(rest)
	n := headerLen + len(value)
	if n > maxLen {
		return lenInvalid
	}
	return n
}

// CvcUnwrap parses bytes into CvcFields. When verifierPub is non-nil the
// embedded signature is verified against it; with a nil verifierPub only
// parsing happens, which is how a self-signed root or pre-certificate's
// subject key is extracted before it can verify anything.
func CvcUnwrap(bytes []byte, verifierPub []byte, signer primitives.SigScheme) (CvcFields, error) {
	const op = "cvc.CvcUnwrap"
	tag, outerValue, rest, err := tlv.ReadTLV(bytes)
	if err != nil {
		return CvcFields{}, err
	}
	if tag != tagOuter || len(rest) != 0 {
		return CvcFields{}, bterr.New(op, bterr.BadCert)
	}
	bodyTag, bodyVal, afterBody, err := tlv.ReadTLV(outerValue)
	if err != nil || bodyTag != tagBody {
		return CvcFields{}, bterr.New(op, bterr.BadCert)
	}
	bodyTLV := outerValue[:len(outerValue)-len(afterBody)]
	_ = bodyVal

	sigTag, sig, afterSig, err := tlv.ReadTLV(afterBody)
	if err != nil || sigTag != tagSig || len(afterSig) != 0 {
		return CvcFields{}, bterr.New(op, bterr.BadCert)
	}

	f, err := decodeBody(bodyTLV)
	if err != nil {
		return CvcFields{}, err
	}

	if verifierPub != nil {
		if signer == nil || signer.Level() != f.Level {
			return CvcFields{}, bterr.New(op, bterr.BadParams)
		}
		ok, err := signer.Verify(verifierPub, bodyTLV, sig)
		if err != nil {
			return CvcFields{}, bterr.Wrap(op, bterr.BadCert, err)
		}
		if !ok {
			return CvcFields{}, bterr.New(op, bterr.BadCert)
		}
	}
	return f, nil
}

// CvcMatch reports whether priv is the private counterpart of the public
// key embedded in certBytes, by recomputing the public key and comparing
// constant-time.
func CvcMatch(certBytes []byte, priv []byte, signer primitives.SigScheme) (bool, error) {
	const op = "cvc.CvcMatch"
	f, err := CvcUnwrap(certBytes, nil, signer)
	if err != nil {
		return false, err
	}
	pub, err := signer.DerivePub(priv)
	if err != nil {
		return false, bterr.Wrap(op, bterr.BadInput, err)
	}
	return constantTimeEqual(pub, f.PubKey), nil
}

// CvcIss issues a certificate for subject under issuerCert/issuerPriv,
// enforcing subject.Authority == issuer.Holder and level compatibility
// before delegating to CvcWrap.
func CvcIss(subject CvcFields, issuerCert []byte, issuerPriv []byte, signer primitives.SigScheme) ([]byte, error) {
	const op = "cvc.CvcIss"
	issuer, err := CvcUnwrap(issuerCert, nil, signer)
	if err != nil {
		return nil, err
	}
	if subject.Authority != issuer.Holder {
		return nil, bterr.New(op, bterr.BadCert)
	}
	if signer.Level() != issuer.Level {
		return nil, bterr.New(op, bterr.BadParams)
	}
	return CvcWrap(subject, signer, issuerPriv)
}

// CvcVal verifies childBytes under parent.PubKey, enforces name
// chaining, and, when now is non-nil, enforces validity.
func CvcVal(childBytes []byte, parent CvcFields, now *[6]byte, signer primitives.SigScheme) (CvcFields, error) {
	const op = "cvc.CvcVal"
	child, err := CvcUnwrap(childBytes, parent.PubKey, signer)
	if err != nil {
		return CvcFields{}, err
	}
	if trimName(child.Authority) != trimName(parent.Holder) {
		return CvcFields{}, bterr.New(op, bterr.BadCert)
	}
	if now != nil {
		if dateLess(*now, child.From) || dateLess(child.Until, *now) {
			return CvcFields{}, bterr.New(op, bterr.BadCert)
		}
	}
	return child, nil
}

// CvcVal2 is CvcVal with an additional check that the parsed child
// fields match the caller's expected subject fields exactly.
func CvcVal2(subject CvcFields, certBytes []byte, parent CvcFields, now *[6]byte, signer primitives.SigScheme) error {
	const op = "cvc.CvcVal2"
	child, err := CvcVal(certBytes, parent, now, signer)
	if err != nil {
		return err
	}
	if child.Level != subject.Level ||
		trimName(child.Authority) != trimName(subject.Authority) ||
		trimName(child.Holder) != trimName(subject.Holder) ||
		child.HatEid != subject.HatEid || child.HatEsign != subject.HatEsign ||
		child.From != subject.From || child.Until != subject.Until ||
		!constantTimeEqual(child.PubKey, subject.PubKey) {
		return bterr.New(op, bterr.BadCert)
	}
	return nil
}

// trimName right-trims trailing NUL octets before an octet-wise compare,
// the tie-break the codec uses for name matching.
func trimName(s string) string {
	i := len(s)
	for i > 0 && s[i-1] == 0x00 {
		i--
	}
	return s[:i]
}

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
