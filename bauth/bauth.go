// Package bauth implements the BAUTH mutual authenticated key-agreement
// state machine (STB 34.101.79) between a Terminal (T) and a
// Card-Terminal (CT): a five-step exchange of ephemeral ECDH shares and
// confirmation MACs, binding both parties' CV certificates, that ends in
// a shared 32-octet session key.
package bauth

import (
	"bytes"

	"github.com/ten0s/bee2/bterr"
	"github.com/ten0s/bee2/cvc"
	"github.com/ten0s/bee2/primitives"
)

// Role names which endpoint a State drives.
type Role int

const (
	RoleT  Role = iota + 1 // Terminal
	RoleCT                 // Card-Terminal
)

// step tracks the state machine's position; any call out of sequence
// fails with bterr.BadLogic and the state becomes terminal.
type step int

const (
	stepInit step = iota
	stepAwaitM2    // T: waiting to receive M2 and run Step3
	stepCTReadyM2  // CT: Start done, Step2 not yet called
	stepAwaitM3    // CT: Step2 done, waiting to receive M3 and run Step4
	stepAwaitM4    // T: Step3 done, waiting to receive M4 and run Step5
	stepDone
	stepFailed
)

// Settings configures one run of the protocol.
type Settings struct {
	// Kca requires T to authenticate to CT (T's certificate travels in
	// M3 and CT validates it).
	Kca bool
	// Kcb requires CT to authenticate to T (adds CT's M4 confirmation).
	Kcb bool
	Rng primitives.Rng
}

// State is one endpoint's run of the protocol.
type State struct {
	role     Role
	settings Settings
	sig      primitives.SigScheme
	validate primitives.CertValidator

	ownPriv []byte
	ownCert []byte

	peerPub  []byte
	peerCert []byte

	ephPriv, ephPub []byte
	peerEphPub      []byte

	sessionKey []byte

	step step
}

// Role reports which endpoint s drives.
func (s *State) Role() Role { return s.role }

func failOp(s *State, op string, kind bterr.Kind, cause error) error {
	s.step = stepFailed
	if cause != nil {
		return bterr.Wrap(op, kind, cause)
	}
	return bterr.New(op, kind)
}

// Start initializes a new State for role, with own long-term private key
// d and own certificate ownCert, drawing an ephemeral key pair with the
// configured RNG.
func Start(role Role, sig primitives.SigScheme, settings Settings, d []byte, ownCert []byte, validate primitives.CertValidator) (*State, error) {
	const op = "bauth.Start"
	if sig == nil || settings.Rng == nil {
		return nil, bterr.New(op, bterr.BadInput)
	}
	s := &State{role: role, settings: settings, sig: sig, validate: validate, ownPriv: d, ownCert: ownCert, step: stepInit}

	priv, pub, err := sig.GenEphemeral(settings.Rng)
	if err != nil {
		return nil, failOp(s, op, bterr.BadEntropy, err)
	}
	s.ephPriv, s.ephPub = priv, pub

	switch role {
	case RoleCT:
		s.step = stepCTReadyM2
	case RoleT:
		s.step = stepAwaitM2
	default:
		return nil, bterr.New(op, bterr.BadInput)
	}
	return s, nil
}

// Step2 runs on the CT side: it emits M2 = CT's ephemeral public key
// concatenated with a 32-octet tag over that key under K0. The tag
// covers no identities or nonces. A non-nil certCTOrNil replaces the
// state's own certificate; M2 itself never carries a certificate.
func (s *State) Step2(kdf primitives.Kdf, certCTOrNil []byte) (m2 []byte, err error) {
	const op = "bauth.Step2"
	if s.role != RoleCT || s.step != stepCTReadyM2 {
		return nil, failOp(s, op, bterr.BadLogic, nil)
	}
	if certCTOrNil != nil {
		s.ownCert = certCTOrNil
	}
	ownPub, err := s.sig.DerivePub(s.ownPriv)
	if err != nil {
		return nil, failOp(s, op, bterr.BadInput, err)
	}
	// K0 is derived from CT's own long-term public key — the same bytes
	// T will independently derive it from once it reads them out of
	// certCT — so both sides compute K0 before any ECDH has happened.
	k0, err := kdf.Derive(ownPub, nil, []byte("btok-bauth-k0"), 32)
	if err != nil {
		return nil, failOp(s, op, bterr.BadEntropy, err)
	}
	tag, err := hmacLike(kdf, k0, s.ephPub)
	if err != nil {
		return nil, failOp(s, op, bterr.BadInput, err)
	}
	out := append(append([]byte{}, s.ephPub...), tag...)
	s.step = stepAwaitM3
	return out, nil
}

// Step3 runs on the T side: it consumes M2 (verified against certCT),
// derives the joint key seed via ECDH, computes T's confirmation tag,
// and — when Settings.Kca is set — appends T's own certificate to M3.
func (s *State) Step3(m2 []byte, certCT []byte, kdf primitives.Kdf) (m3 []byte, err error) {
	const op = "bauth.Step3"
	if s.role != RoleT || s.step != stepAwaitM2 {
		return nil, failOp(s, op, bterr.BadLogic, nil)
	}
	peerPub, err := extractCertPub(certCT, s.sig)
	if err != nil {
		return nil, failOp(s, op, bterr.BadCert, err)
	}
	s.peerCert = certCT
	s.peerPub = peerPub

	pubLen := s.sig.Level().PubKeyLen()
	if len(m2) < pubLen {
		return nil, failOp(s, op, bterr.BadSm, nil)
	}
	s.peerEphPub = m2[:pubLen]
	tag := m2[pubLen:]
	if len(tag) != 32 {
		return nil, failOp(s, op, bterr.BadSm, nil)
	}

	k0, err := kdf.Derive(peerPub, nil, []byte("btok-bauth-k0"), 32)
	if err != nil {
		return nil, failOp(s, op, bterr.BadEntropy, err)
	}
	want, err := hmacLike(kdf, k0, s.peerEphPub)
	if err != nil {
		return nil, failOp(s, op, bterr.BadInput, err)
	}
	if !constantTimeEqual(tag, want) {
		return nil, failOp(s, op, bterr.BadMac, nil)
	}

	shared, err := s.sig.Dh(s.ephPriv, s.peerEphPub)
	if err != nil {
		return nil, failOp(s, op, bterr.BadInput, err)
	}
	// The long-term ECDH only folds in when Kca is set: that's the only
	// setting under which CT will ever learn T's long-term public key
	// (from T's certificate in M3), so it's the only case where CT can
	// compute the matching value.
	var ltShared []byte
	if s.settings.Kca {
		ltShared, err = s.sig.Dh(s.ownPriv, peerPub)
		if err != nil {
			return nil, failOp(s, op, bterr.BadInput, err)
		}
	}
	ikm := append(append([]byte{}, shared...), ltShared...)
	seed, err := kdf.Derive(ikm, ephSalt(s.ephPub, s.peerEphPub), []byte("btok-bauth-seed"), 32)
	if err != nil {
		return nil, failOp(s, op, bterr.BadEntropy, err)
	}
	s.sessionKey = seed

	confirm, err := hmacLike(kdf, seed, append(append([]byte{}, s.ephPub...), s.peerEphPub...))
	if err != nil {
		return nil, failOp(s, op, bterr.BadInput, err)
	}

	out := append([]byte{}, s.ephPub...)
	out = append(out, confirm...)
	if s.settings.Kca {
		out = append(out, s.ownCert...)
	}
	if s.settings.Kcb {
		s.step = stepAwaitM4
	} else {
		s.step = stepDone
	}
	return out, nil
}

// Step4 runs on the CT side: it verifies T's confirmation from M3,
// hands T's certificate to the caller-supplied validator when
// Settings.Kca requires it, and produces M4 — a confirmation tag for
// CT — iff Settings.Kcb. T's certificate arrives in M3 unencrypted; no
// decryption takes place.
func (s *State) Step4(m3 []byte, kdf primitives.Kdf) (m4 []byte, err error) {
	const op = "bauth.Step4"
	if s.role != RoleCT || s.step != stepAwaitM3 {
		return nil, failOp(s, op, bterr.BadLogic, nil)
	}
	pubLen := s.sig.Level().PubKeyLen()
	if len(m3) < pubLen {
		return nil, failOp(s, op, bterr.BadSm, nil)
	}
	s.peerEphPub = m3[:pubLen]
	rest := m3[pubLen:]
	tagLen := 32
	if len(rest) < tagLen {
		return nil, failOp(s, op, bterr.BadSm, nil)
	}
	confirm := rest[:tagLen]
	certBytes := rest[tagLen:]

	if s.settings.Kca {
		if len(certBytes) == 0 {
			return nil, failOp(s, op, bterr.BadCert, nil)
		}
		if s.validate == nil {
			return nil, failOp(s, op, bterr.BadInput, nil)
		}
		pub, err := s.validate(certBytes)
		if err != nil {
			return nil, failOp(s, op, bterr.BadCert, err)
		}
		s.peerPub = pub
		s.peerCert = certBytes
	}

	shared, err := s.sig.Dh(s.ephPriv, s.peerEphPub)
	if err != nil {
		return nil, failOp(s, op, bterr.BadInput, err)
	}
	var ltShared []byte
	if s.peerPub != nil {
		ltShared, err = s.sig.Dh(s.ownPriv, s.peerPub)
		if err != nil {
			return nil, failOp(s, op, bterr.BadInput, err)
		}
	}
	ikm := append(append([]byte{}, shared...), ltShared...)
	seed, err := kdf.Derive(ikm, ephSalt(s.ephPub, s.peerEphPub), []byte("btok-bauth-seed"), 32)
	if err != nil {
		return nil, failOp(s, op, bterr.BadEntropy, err)
	}
	s.sessionKey = seed

	want, err := hmacLike(kdf, seed, append(append([]byte{}, s.peerEphPub...), s.ephPub...))
	if err != nil {
		return nil, failOp(s, op, bterr.BadInput, err)
	}
	if !constantTimeEqual(confirm, want) {
		return nil, failOp(s, op, bterr.BadMac, nil)
	}

	if !s.settings.Kcb {
		s.step = stepDone
		return nil, nil
	}
	tag, err := hmacLike(kdf, seed, append(append([]byte{}, s.ephPub...), s.peerEphPub...))
	if err != nil {
		return nil, failOp(s, op, bterr.BadInput, err)
	}
	s.step = stepDone
	return tag, nil
}

// Step5 runs on the T side, required iff Settings.Kcb: it verifies CT's
// M4 confirmation tag.
func (s *State) Step5(m4 []byte, kdf primitives.Kdf) error {
	const op = "bauth.Step5"
	if s.role != RoleT || s.step != stepAwaitM4 {
		return failOp(s, op, bterr.BadLogic, nil)
	}
	if !s.settings.Kcb {
		s.step = stepDone
		return nil
	}
	want, err := hmacLike(kdf, s.sessionKey, append(append([]byte{}, s.peerEphPub...), s.ephPub...))
	if err != nil {
		return failOp(s, op, bterr.BadInput, err)
	}
	if !constantTimeEqual(m4, want) {
		return failOp(s, op, bterr.BadMac, nil)
	}
	s.step = stepDone
	return nil
}

// StepG extracts the final 32-octet session key once the state has
// reached Done. Calling it earlier fails with bterr.BadLogic.
func (s *State) StepG() ([32]byte, error) {
	const op = "bauth.StepG"
	var out [32]byte
	if s.step != stepDone {
		return out, failOp(s, op, bterr.BadLogic, nil)
	}
	if len(s.sessionKey) != 32 {
		return out, failOp(s, op, bterr.BadLogic, nil)
	}
	copy(out[:], s.sessionKey)
	return out, nil
}

// ephSalt concatenates both endpoints' ephemeral public keys in a
// canonical byte order, independent of which side is calling: this is
// the salt fed into the final KDF call, so any single bit flip in
// either ephemeral key changes the derived key identically on both
// sides.
func ephSalt(a, b []byte) []byte {
	if bytes.Compare(a, b) <= 0 {
		return append(append([]byte{}, a...), b...)
	}
	return append(append([]byte{}, b...), a...)
}

// hmacLike folds key and msg through kdf to produce a fixed 32-octet
// confirmation tag. BAUTH has no dedicated Mac capability of its own —
// Kdf is the one primitive every SigScheme-independent step can reach
// for — so confirmation tags are themselves Kdf outputs bound to a
// distinct info label, never reused for any other derivation.
func hmacLike(kdf primitives.Kdf, key, msg []byte) ([]byte, error) {
	return kdf.Derive(key, msg, []byte("btok-bauth-confirm"), 32)
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

// extractCertPub parses a certificate without verifying its signature,
// the same "parse only" mode cvc.CvcUnwrap offers for bootstrapping
// trust from a pre-certificate.
func extractCertPub(certBytes []byte, sig primitives.SigScheme) ([]byte, error) {
	f, err := cvc.CvcUnwrap(certBytes, nil, sig)
	if err != nil {
		return nil, err
	}
	return f.PubKey, nil
}

// Close zeroizes the ephemeral private key and the derived session key
// and makes the state terminal. The long-term private key d passed to
// Start is the caller's buffer and is left untouched.
func (s *State) Close() {
	if s == nil {
		return
	}
	zero(s.ephPriv)
	zero(s.sessionKey)
	s.step = stepFailed
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
